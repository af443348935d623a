// Package scheduler drives adaptive polling of the upstream endpoint
// categories. Each scheduled category runs its own sleep loop; on-demand
// categories run only when triggered.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"moltmonitor/internal/models"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Request describes one poll.
type Request struct {
	Endpoint string
	Cursor   string
	Target   string // post id or agent name for on-demand categories
}

// Result is the outcome of a successful poll.
type Result struct {
	Items    int
	NewItems int
	Cursor   string
}

// PollFunc performs one poll. It owns the network request and item handling.
type PollFunc func(ctx context.Context, req Request) (Result, error)

// Admission is a gate's answer for one poll.
type Admission struct {
	Allowed bool
	Wait    time.Duration
	Reason  string
}

// Gate decides whether a poll may run now and learns from its outcome.
type Gate interface {
	Admit(ctx context.Context, endpoint string) Admission
	Observe(endpoint string, err error)
}

// StateStore persists poll state across restarts.
type StateStore interface {
	LoadPollStates(ctx context.Context) ([]models.PollStateRecord, error)
	SavePollStates(ctx context.Context, records []models.PollStateRecord) error
}

// Phase is where a category is in its poll cycle.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseDue     Phase = "due"
	PhasePolling Phase = "polling"
)

// Config holds per-category intervals and activity thresholds.
type Config struct {
	Intervals        map[string]models.IntervalConfig
	Activity         ActivityConfig
	GracefulShutdown bool
}

// ConfigFrom converts the service configuration section.
func ConfigFrom(sc models.SchedulerConfig) Config {
	return Config{
		Intervals: sc.Intervals,
		Activity: ActivityConfig{
			Window:          sc.ActivityWindow,
			HighThreshold:   sc.HighActivityThreshold,
			LowThreshold:    sc.LowActivityThreshold,
			SpikeMultiplier: sc.SpikeMultiplier,
			SpikeFloor:      sc.SpikeFloor,
		},
		GracefulShutdown: sc.GracefulShutdown,
	}
}

// DefaultConfig returns the stock intervals and thresholds.
func DefaultConfig() Config {
	return ConfigFrom(models.NewDefaultConfig().Scheduler)
}

type pollState struct {
	endpoint     string
	onDemand     bool
	phase        Phase
	cursor       string
	lastPollAt   time.Time
	nextPollAt   time.Time
	interval     time.Duration
	errorCount   int
	lastError    string
	lastFetched  int
	lastNew      int
	totalFetched int64
	lastDenial   string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithGate installs the admission gate consulted before each poll.
func WithGate(g Gate) Option {
	return func(s *Scheduler) {
		s.gate = g
	}
}

// WithStateStore installs the store poll state is restored from and saved to.
func WithStateStore(st StateStore) Option {
	return func(s *Scheduler) {
		s.store = st
	}
}

// WithClock substitutes the time source used for bookkeeping. Timers still
// run on the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler owns the poll state of every category. It is safe for
// concurrent use.
type Scheduler struct {
	cfg   Config
	poll  PollFunc
	gate  Gate
	store StateStore
	now   func() time.Time

	mu          sync.Mutex
	order       []string
	states      map[string]*pollState
	trackers    map[string]*ActivityTracker
	running     bool
	startedAt   time.Time
	stopLoops   context.CancelFunc
	cancelPolls context.CancelFunc
	loops       *errgroup.Group

	saveMu sync.Mutex
}

// New creates a Scheduler for every scheduled category with an interval in
// cfg plus the on-demand categories.
func New(cfg Config, poll PollFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		poll:     poll,
		now:      time.Now,
		states:   make(map[string]*pollState),
		trackers: make(map[string]*ActivityTracker),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, ep := range models.ScheduledEndpoints {
		ic, ok := cfg.Intervals[ep]
		if !ok {
			continue
		}
		s.order = append(s.order, ep)
		s.states[ep] = &pollState{endpoint: ep, phase: PhaseIdle, interval: ic.Default}
		s.trackers[ep] = NewActivityTracker(cfg.Activity, s.now)
	}
	for _, ep := range models.OnDemandEndpoints {
		s.order = append(s.order, ep)
		s.states[ep] = &pollState{endpoint: ep, onDemand: true, phase: PhaseIdle}
	}
	return s
}

// Scheduled reports whether endpoint runs on a timer.
func (s *Scheduler) Scheduled(endpoint string) bool {
	st, ok := s.states[endpoint]
	return ok && !st.onDemand
}

// Start restores persisted state and launches one loop per scheduled
// category. The loops stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	if s.store != nil {
		records, err := s.store.LoadPollStates(ctx)
		if err != nil {
			slog.Warn("Failed to load persisted poll state, starting fresh", "error", err)
		} else if n := s.Restore(records); n > 0 {
			slog.Info("Restored poll state", "endpoints", n)
		}
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	pollCtx, cancelPolls := context.WithCancel(context.WithoutCancel(ctx))
	g := &errgroup.Group{}

	s.mu.Lock()
	s.startedAt = s.now()
	s.stopLoops = stopLoops
	s.cancelPolls = cancelPolls
	s.loops = g
	for _, ep := range s.order {
		if s.states[ep].onDemand {
			continue
		}
		delay := s.firstDelayLocked(ep)
		slog.Info("Scheduled endpoint polling",
			"endpoint", ep,
			"interval", s.states[ep].interval,
			"first_poll_in", delay,
		)
		g.Go(func() error {
			s.loop(loopCtx, pollCtx, ep, delay)
			return nil
		})
	}
	s.mu.Unlock()

	slog.Info("Polling scheduler started")
	return nil
}

// Stop ends scheduling. Future firings stop at once. A graceful stop lets
// in-flight polls finish, bounded by ctx; a forced stop cancels them. Poll
// state is saved before returning.
func (s *Scheduler) Stop(ctx context.Context, graceful bool) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	stopLoops, cancelPolls, loops := s.stopLoops, s.cancelPolls, s.loops
	s.mu.Unlock()

	slog.Info("Stopping polling scheduler", "graceful", graceful)
	stopLoops()
	if !graceful {
		cancelPolls()
	}

	done := make(chan struct{})
	go func() {
		_ = loops.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("in-flight polls did not finish: %w", ctx.Err())
	}
	cancelPolls()

	s.persist(context.WithoutCancel(ctx))
	slog.Info("Polling scheduler stopped")
	return err
}

// StopDefault stops using the configured shutdown mode.
func (s *Scheduler) StopDefault(ctx context.Context) error {
	return s.Stop(ctx, s.cfg.GracefulShutdown)
}

// Running reports whether the loops are active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// firstDelayLocked fires at once for a never-polled category, otherwise at
// lastPoll + interval.
func (s *Scheduler) firstDelayLocked(ep string) time.Duration {
	st := s.states[ep]
	now := s.now()
	if st.lastPollAt.IsZero() {
		st.nextPollAt = now
		return 0
	}
	interval := st.interval
	if interval <= 0 {
		interval = s.cfg.Intervals[ep].Default
	}
	next := st.lastPollAt.Add(interval)
	if next.Before(now) {
		next = now
	}
	st.nextPollAt = next
	return next.Sub(now)
}

func (s *Scheduler) loop(loopCtx, pollCtx context.Context, ep string, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-timer.C:
		}

		next := s.tick(pollCtx, ep)
		if loopCtx.Err() != nil {
			return
		}
		timer.Reset(next)
	}
}

// tick runs one timer firing and returns the delay until the next. A
// firing that lands on a running poll is skipped without consulting the gate.
func (s *Scheduler) tick(ctx context.Context, ep string) time.Duration {
	if !s.markDue(ep) {
		slog.Debug("Skipping firing, poll in progress", "endpoint", ep)
		return s.adaptiveInterval(ep)
	}

	if s.gate != nil {
		adm := s.gate.Admit(ctx, ep)
		if !adm.Allowed {
			next := s.adaptiveInterval(ep)
			if adm.Wait > 0 {
				next = min(adm.Wait, s.cfg.Intervals[ep].Maximum)
			}
			s.recordDenial(ep, adm.Reason, next)
			return next
		}
	}

	_, next, err := s.execute(ctx, ep, "")
	if errors.Is(err, ErrPollInProgress) {
		return s.adaptiveInterval(ep)
	}
	return next
}

// markDue moves an idle category to Due. It reports false while a poll runs.
func (s *Scheduler) markDue(ep string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[ep]
	if st.phase == PhasePolling {
		return false
	}
	st.phase = PhaseDue
	return true
}

func (s *Scheduler) polling(ep string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[ep].phase == PhasePolling
}

func (s *Scheduler) recordDenial(ep, reason string, next time.Duration) {
	now := s.now()
	s.mu.Lock()
	st := s.states[ep]
	if st.phase == PhaseDue {
		st.phase = PhaseIdle
	}
	st.lastDenial = reason
	st.nextPollAt = now.Add(next)
	s.mu.Unlock()

	slog.Info("Poll deferred", "endpoint", ep, "reason", reason, "retry_in", next)
}

// adaptiveInterval is the category's next interval at its current activity
// level. On-demand categories have none.
func (s *Scheduler) adaptiveInterval(ep string) time.Duration {
	tracker, ok := s.trackers[ep]
	if !ok {
		return 0
	}
	return AdaptiveInterval(s.cfg.Intervals[ep], tracker.Level())
}

// execute performs one poll and folds its outcome into the category state.
func (s *Scheduler) execute(ctx context.Context, ep, target string) (Result, time.Duration, error) {
	s.mu.Lock()
	st := s.states[ep]
	if st.phase == PhasePolling {
		s.mu.Unlock()
		return Result{}, 0, ErrPollInProgress
	}
	st.phase = PhasePolling
	cursor := st.cursor
	s.mu.Unlock()

	start := s.now()
	res, err := s.poll(ctx, Request{Endpoint: ep, Cursor: cursor, Target: target})
	if s.gate != nil {
		s.gate.Observe(ep, err)
	}
	if tracker, ok := s.trackers[ep]; ok && err == nil {
		tracker.Record(res.Items)
	}
	next := s.adaptiveInterval(ep)

	now := s.now()
	s.mu.Lock()
	st.phase = PhaseIdle
	st.lastPollAt = now
	st.lastDenial = ""
	if err == nil {
		if res.Cursor != "" && target == "" {
			st.cursor = res.Cursor
		}
		st.errorCount = 0
		st.lastError = ""
		st.lastFetched = res.Items
		st.lastNew = res.NewItems
		st.totalFetched += int64(res.Items)
	} else {
		st.errorCount++
		st.lastError = err.Error()
	}
	if next > 0 {
		st.interval = next
		st.nextPollAt = now.Add(next)
	}
	errorCount := st.errorCount
	s.mu.Unlock()

	if err != nil {
		slog.Warn("Poll failed",
			"endpoint", ep,
			"target", target,
			"error_count", errorCount,
			"next_interval", next,
			"error", err,
		)
	} else {
		slog.Info("Poll completed",
			"endpoint", ep,
			"target", target,
			"items", res.Items,
			"new_items", res.NewItems,
			"duration", now.Sub(start),
			"next_interval", next,
		)
	}

	s.persist(ctx)
	return res, next, err
}

// Trigger polls endpoint now, outside the timer cycle, and returns its
// result. On-demand categories require a target; scheduled ones refuse one.
// The gate is consulted first.
func (s *Scheduler) Trigger(ctx context.Context, endpoint, target string) (Result, error) {
	st, ok := s.states[endpoint]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}
	if st.onDemand && target == "" {
		return Result{}, fmt.Errorf("%w: %s", ErrMissingTarget, endpoint)
	}
	if !st.onDemand && target != "" {
		return Result{}, fmt.Errorf("%w: %s", ErrNotOnDemand, endpoint)
	}

	if s.polling(endpoint) {
		return Result{}, fmt.Errorf("%w: %s", ErrPollInProgress, endpoint)
	}
	if s.gate != nil {
		if adm := s.gate.Admit(ctx, endpoint); !adm.Allowed {
			return Result{}, &AdmissionError{Endpoint: endpoint, Reason: adm.Reason, Wait: adm.Wait}
		}
	}

	res, _, err := s.execute(ctx, endpoint, target)
	return res, err
}

func (s *Scheduler) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := s.store.SavePollStates(ctx, s.Snapshot()); err != nil {
		slog.Warn("Failed to persist poll state", "error", err)
	}
}

// Snapshot returns the persistable state of every category.
func (s *Scheduler) Snapshot() []models.PollStateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.PollStateRecord, 0, len(s.order))
	for _, ep := range s.order {
		st := s.states[ep]
		rec := models.PollStateRecord{
			Endpoint:     ep,
			Cursor:       st.cursor,
			ErrorCount:   st.errorCount,
			LastError:    st.lastError,
			TotalFetched: st.totalFetched,
		}
		if !st.lastPollAt.IsZero() {
			rec.LastPollAt = st.lastPollAt.UTC().Format(time.RFC3339Nano)
		}
		out = append(out, rec)
	}
	return out
}

// Restore applies persisted records and returns how many were applied.
// Malformed entries are skipped with a warning.
func (s *Scheduler) Restore(records []models.PollStateRecord) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	for _, rec := range records {
		st, ok := s.states[rec.Endpoint]
		if !ok {
			slog.Warn("Skipping persisted state for unknown endpoint", "endpoint", rec.Endpoint)
			continue
		}
		var lastPoll time.Time
		if rec.LastPollAt != "" {
			t, err := time.Parse(time.RFC3339Nano, rec.LastPollAt)
			if err != nil {
				slog.Warn("Skipping persisted state with invalid timestamp",
					"endpoint", rec.Endpoint, "last_poll_at", rec.LastPollAt, "error", err)
				continue
			}
			lastPoll = t
		}
		if rec.ErrorCount < 0 || rec.TotalFetched < 0 {
			slog.Warn("Skipping persisted state with negative counters", "endpoint", rec.Endpoint)
			continue
		}
		st.cursor = rec.Cursor
		st.lastPollAt = lastPoll
		st.errorCount = rec.ErrorCount
		st.lastError = rec.LastError
		st.totalFetched = rec.TotalFetched
		applied++
	}
	return applied
}

// EndpointStatus is one category's diagnostic snapshot.
type EndpointStatus struct {
	Endpoint        string     `json:"endpoint"`
	OnDemand        bool       `json:"on_demand"`
	Phase           Phase      `json:"phase"`
	Cursor          string     `json:"cursor,omitempty"`
	LastPollAt      *time.Time `json:"last_poll_at,omitempty"`
	NextPollAt      *time.Time `json:"next_poll_at,omitempty"`
	IntervalSeconds float64    `json:"current_interval,omitempty"`
	ErrorCount      int        `json:"error_count"`
	LastError       string     `json:"last_error,omitempty"`
	LastDenial      string     `json:"last_denial,omitempty"`
	LastFetched     int        `json:"items_fetched_last"`
	LastNew         int        `json:"new_items_last"`
	TotalFetched    int64      `json:"total_items_fetched"`
	ActivityRate    float64    `json:"activity_rate"`
	ActivityLevel   Level      `json:"activity_level,omitempty"`
}

// Status is the scheduler's diagnostic snapshot.
type Status struct {
	Running   bool             `json:"running"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	Endpoints []EndpointStatus `json:"endpoints"`
}

// Status returns every category in scheduling order.
func (s *Scheduler) Status() Status {
	levels := make(map[string]Level, len(s.trackers))
	rates := make(map[string]float64, len(s.trackers))
	for ep, tr := range s.trackers {
		levels[ep] = tr.Level()
		rates[ep] = tr.Rate()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Running: s.running, Endpoints: make([]EndpointStatus, 0, len(s.order))}
	if s.running {
		t := s.startedAt
		st.StartedAt = &t
	}
	for _, ep := range s.order {
		ps := s.states[ep]
		es := EndpointStatus{
			Endpoint:      ep,
			OnDemand:      ps.onDemand,
			Phase:         ps.phase,
			Cursor:        ps.cursor,
			ErrorCount:    ps.errorCount,
			LastError:     ps.lastError,
			LastDenial:    ps.lastDenial,
			LastFetched:   ps.lastFetched,
			LastNew:       ps.lastNew,
			TotalFetched:  ps.totalFetched,
			ActivityRate:  rates[ep],
			ActivityLevel: levels[ep],
		}
		if !ps.lastPollAt.IsZero() {
			t := ps.lastPollAt
			es.LastPollAt = &t
		}
		if !ps.nextPollAt.IsZero() && !ps.onDemand {
			t := ps.nextPollAt
			es.NextPollAt = &t
		}
		if ps.interval > 0 {
			es.IntervalSeconds = ps.interval.Seconds()
		}
		st.Endpoints = append(st.Endpoints, es)
	}
	return st
}

// Endpoints returns every known category in scheduling order.
func (s *Scheduler) Endpoints() []string {
	return slices.Clone(s.order)
}
