// Package governor owns every request-governance component of the monitor
// and answers one question for the scheduler: may this endpoint be polled
// now, and if not, for how long should it wait.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"moltmonitor/internal/backoff"
	"moltmonitor/internal/dedup"
	"moltmonitor/internal/models"
	"moltmonitor/internal/ratelimit"
	"moltmonitor/internal/robots"
	"moltmonitor/internal/scheduler"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrDisallowed is reported when the robots policy forbids an endpoint.
var ErrDisallowed = errors.New("disallowed by robots policy")

// minLimiterWait keeps a saturated limiter from rescheduling in a busy loop.
const minLimiterWait = time.Second

// Outcome labels recorded on the admission counter.
const (
	OutcomeAllowed   = "allowed"
	OutcomeRobots    = "robots"
	OutcomeBackoff   = "backoff"
	OutcomeExhausted = "exhausted"
	OutcomeRateLimit = "rate_limit"
	OutcomeCancelled = "cancelled"
)

var budgets = map[string]ratelimit.Category{
	models.EndpointNewPosts:    ratelimit.CategoryNewPosts,
	models.EndpointHotPosts:    ratelimit.CategoryTrending,
	models.EndpointTopPosts:    ratelimit.CategoryTrending,
	models.EndpointRisingPosts: ratelimit.CategoryTrending,
	models.EndpointComments:    ratelimit.CategoryComments,
	models.EndpointAgents:      ratelimit.CategoryAgents,
	models.EndpointSubmolts:    ratelimit.CategoryReserve,
}

// BudgetFor returns the budget category an endpoint is charged to. Unknown
// endpoints are charged to the reserve.
func BudgetFor(endpoint string) ratelimit.Category {
	if cat, ok := budgets[endpoint]; ok {
		return cat
	}
	return ratelimit.CategoryReserve
}

// Components are the governance parts a Governor coordinates. Robots may be
// nil to disable policy checks; Pacer may be nil to disable crawl-delay
// spacing.
type Components struct {
	Limiter *ratelimit.Limiter
	Backoff *backoff.Handler
	Dedup   *dedup.Tracker
	Robots  *robots.Checker
	Pacer   *ratelimit.Pacer
}

// ComponentsFrom builds every component from the service configuration.
func ComponentsFrom(cfg *models.Config) Components {
	c := Components{
		Limiter: ratelimit.NewLimiter(ratelimit.ConfigFrom(cfg.RateLimit)),
		Backoff: backoff.NewHandler(backoff.ConfigFrom(cfg.Backoff)),
		Dedup:   dedup.NewTracker(dedup.ConfigFrom(cfg.Dedup)),
		Pacer:   ratelimit.NewPacer(0),
	}
	if cfg.Robots.Enabled {
		c.Robots = robots.NewChecker(robots.ConfigFrom(cfg.Robots, cfg.Upstream))
	}
	return c
}

// Option configures a Governor.
type Option func(*Governor)

// WithURLResolver sets the function mapping an endpoint category to the
// public URL the robots policy is evaluated against. Without one, robots
// checks and crawl-delay pacing are skipped.
func WithURLResolver(resolve func(endpoint string) string) Option {
	return func(g *Governor) {
		g.resolve = resolve
	}
}

// SeenPruner deletes persisted dedup records last seen before cutoff.
type SeenPruner interface {
	PruneSeenItems(ctx context.Context, cutoff time.Time) (int, error)
}

// WithSeenPruner makes Maintain expire persisted dedup records alongside the
// in-memory ones.
func WithSeenPruner(p SeenPruner) Option {
	return func(g *Governor) {
		g.pruner = p
	}
}

// WithClock substitutes the time source used to turn backoff deadlines into waits.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		g.now = now
	}
}

// Governor implements scheduler.Gate over its Components. It is safe for
// concurrent use.
type Governor struct {
	c       Components
	resolve func(endpoint string) string
	now     func() time.Time
	pruner  SeenPruner

	admissions metric.Int64Counter
	delays     metric.Float64Histogram

	mu     sync.Mutex
	warned []string
}

var _ scheduler.Gate = (*Governor)(nil)

// New creates a Governor. Limiter and Backoff are required.
func New(c Components, opts ...Option) (*Governor, error) {
	if c.Limiter == nil || c.Backoff == nil {
		return nil, errors.New("governor requires a rate limiter and a backoff handler")
	}
	if c.Dedup == nil {
		c.Dedup = dedup.NewTracker(dedup.DefaultConfig())
	}

	meter := otel.Meter("moltmonitor/governor")
	admissions, err := meter.Int64Counter(
		"governor.admissions",
		metric.WithDescription("Number of poll admission decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}
	delays, err := meter.Float64Histogram(
		"governor.backoff.delay",
		metric.WithDescription("Backoff delay scheduled after a failed request"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	g := &Governor{
		c:          c,
		now:        time.Now,
		admissions: admissions,
		delays:     delays,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Governor) count(ctx context.Context, endpoint, outcome string) {
	g.admissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	))
}

func (g *Governor) deny(ctx context.Context, endpoint, outcome, reason string, wait time.Duration) scheduler.Admission {
	g.count(ctx, endpoint, outcome)
	slog.Debug("Poll admission denied", "endpoint", endpoint, "outcome", outcome, "reason", reason, "wait", wait)
	return scheduler.Admission{Allowed: false, Reason: reason, Wait: wait}
}

// Admit runs the governance checks in order: robots policy, backoff state,
// rate limits, then crawl-delay pacing. A successful admission has already
// been charged to the endpoint's budget.
func (g *Governor) Admit(ctx context.Context, endpoint string) scheduler.Admission {
	target := ""
	if g.resolve != nil {
		target = g.resolve(endpoint)
	}

	if g.c.Robots != nil && target != "" && !g.c.Robots.IsAllowed(ctx, target, false) {
		return g.deny(ctx, endpoint, OutcomeRobots, fmt.Sprintf("%s: %s", ErrDisallowed, target), 0)
	}

	if kind := g.c.Backoff.LastKind(endpoint); kind != "" && kind != backoff.KindClientError &&
		!g.c.Backoff.ShouldRetry(endpoint, kind) {
		return g.deny(ctx, endpoint, OutcomeExhausted, "retries exhausted, reset required", 0)
	}
	if next, blocked := g.c.Backoff.NextAllowedTime(endpoint); blocked {
		wait := next.Sub(g.now())
		return g.deny(ctx, endpoint, OutcomeBackoff,
			fmt.Sprintf("backing off after %s", g.c.Backoff.LastKind(endpoint)), wait)
	}

	d := g.c.Limiter.Acquire(BudgetFor(endpoint))
	g.checkThresholds()
	if !d.Allowed {
		return g.deny(ctx, endpoint, OutcomeRateLimit, d.Reason, max(d.Wait, minLimiterWait))
	}

	if g.c.Pacer != nil && g.c.Robots != nil && target != "" {
		if origin, err := robots.Origin(target); err == nil {
			if delay, ok := g.c.Robots.CrawlDelay(ctx, origin); ok {
				if err := g.c.Pacer.Wait(ctx, origin, delay); err != nil {
					return g.deny(ctx, endpoint, OutcomeCancelled, "cancelled while honouring crawl-delay", 0)
				}
			}
		}
	}

	g.count(ctx, endpoint, OutcomeAllowed)
	return scheduler.Admission{Allowed: true}
}

// checkThresholds logs the limiter's threshold warnings whenever the set of
// windows over the threshold changes.
func (g *Governor) checkThresholds() {
	warnings := g.c.Limiter.CheckThresholds()
	windows := make([]string, 0, len(warnings))
	for _, w := range warnings {
		name, _, _ := strings.Cut(w, " at ")
		windows = append(windows, name)
	}

	g.mu.Lock()
	changed := !slices.Equal(windows, g.warned)
	g.warned = windows
	g.mu.Unlock()

	if !changed {
		return
	}
	for _, w := range warnings {
		slog.Warn("Rate limit threshold reached", "warning", w)
	}
}

// Observe feeds a poll outcome into the backoff state. Cancellation is not
// a failure of the endpoint and is ignored.
func (g *Governor) Observe(endpoint string, err error) {
	if err == nil {
		g.c.Backoff.RecordSuccess(endpoint)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	kind := backoff.ClassifyError(err)
	var retryAfter time.Duration
	var reqErr *backoff.RequestError
	if errors.As(err, &reqErr) {
		retryAfter = reqErr.RetryAfter
	}

	delay := g.c.Backoff.RecordError(endpoint, kind, retryAfter)
	g.delays.Record(context.Background(), delay.Seconds(), metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("kind", string(kind)),
	))
}

// ResetBackoff clears endpoint's backoff state so a blocked endpoint resumes.
func (g *Governor) ResetBackoff(endpoint string) {
	g.c.Backoff.Reset(endpoint)
	slog.Info("Backoff state reset", "endpoint", endpoint)
}

// Limiter returns the rate limiter.
func (g *Governor) Limiter() *ratelimit.Limiter { return g.c.Limiter }

// Dedup returns the seen-item tracker.
func (g *Governor) Dedup() *dedup.Tracker { return g.c.Dedup }

// Robots returns the robots checker, nil when disabled.
func (g *Governor) Robots() *robots.Checker { return g.c.Robots }

// Maintain periodically expires old dedup records until ctx is done.
// Persisted records are pruned too when a SeenPruner is installed.
func (g *Governor) Maintain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.expire(ctx)
		}
	}
}

func (g *Governor) expire(ctx context.Context) {
	g.c.Dedup.CleanupExpired()

	ttl := g.c.Dedup.TTL()
	if g.pruner == nil || ttl <= 0 {
		return
	}
	removed, err := g.pruner.PruneSeenItems(ctx, g.now().Add(-ttl))
	if err != nil {
		slog.Warn("Failed to prune persisted seen items", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("Pruned persisted seen items", "removed", removed)
	}
}

// Close releases background resources.
func (g *Governor) Close() {
	if g.c.Pacer != nil {
		g.c.Pacer.Close()
	}
}

// PacerStatus describes crawl-delay pacing.
type PacerStatus struct {
	Origins int `json:"origins"`
}

// Status aggregates the diagnostic snapshot of every component.
type Status struct {
	RateLimit ratelimit.Status    `json:"rate_limit"`
	Backoff   backoff.Status      `json:"backoff"`
	Dedup     dedup.Stats         `json:"deduplication"`
	Robots    *robots.CacheStatus `json:"robots,omitempty"`
	Pacer     *PacerStatus        `json:"pacer,omitempty"`
}

// Status returns the combined snapshot.
func (g *Governor) Status() Status {
	st := Status{
		RateLimit: g.c.Limiter.Status(),
		Backoff:   g.c.Backoff.Status(),
		Dedup:     g.c.Dedup.Stats(),
	}
	if g.c.Robots != nil {
		rs := g.c.Robots.CacheStatus()
		st.Robots = &rs
	}
	if g.c.Pacer != nil {
		st.Pacer = &PacerStatus{Origins: g.c.Pacer.Origins()}
	}
	return st
}
