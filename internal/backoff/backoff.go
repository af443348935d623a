// Package backoff classifies failed upstream requests and decides how long
// each logical endpoint must wait before it is tried again.
package backoff

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"moltmonitor/internal/models"
	"sort"
	"sync"
	"time"
)

// Config controls delay computation.
type Config struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxExponent       int
	TimeoutMultiplier float64
	JitterMin         float64
	JitterMax         float64
	SuccessReset      int
}

// ConfigFrom converts the service configuration section.
func ConfigFrom(bc models.BackoffConfig) Config {
	return Config(bc)
}

// DefaultConfig returns base 1s, max 300s, exponent cap 8, jitter 0.8..1.2.
func DefaultConfig() Config {
	return ConfigFrom(models.NewDefaultConfig().Backoff)
}

// state is the failure history of one endpoint.
type state struct {
	errorCount           int
	lastErrorAt          time.Time
	lastKind             Kind
	lastDelay            time.Duration
	retryAfter           time.Time
	consecutiveSuccesses int
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// WithJitter substitutes the source of jitter factors. fn returns a value in [0,1).
func WithJitter(fn func() float64) Option {
	return func(h *Handler) {
		h.random = fn
	}
}

// Handler tracks failures per endpoint. It is safe for concurrent use and
// holds no state shared with the rate limiter.
type Handler struct {
	cfg    Config
	now    func() time.Time
	random func() float64

	mu     sync.Mutex
	states map[string]*state
}

// NewHandler creates a Handler.
func NewHandler(cfg Config, opts ...Option) *Handler {
	h := &Handler{
		cfg:    cfg,
		now:    time.Now,
		random: rand.Float64,
		states: make(map[string]*state),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) stateFor(endpoint string) *state {
	s, ok := h.states[endpoint]
	if !ok {
		s = &state{}
		h.states[endpoint] = s
	}
	return s
}

func (h *Handler) jitter() float64 {
	return h.cfg.JitterMin + h.random()*(h.cfg.JitterMax-h.cfg.JitterMin)
}

// delay applies the delay rule against the endpoint's current error count.
func (h *Handler) delay(s *state, kind Kind, retryAfter time.Duration) time.Duration {
	if kind == KindClientError {
		return 0
	}
	if retryAfter > 0 {
		return min(retryAfter, h.cfg.MaxDelay)
	}

	var base float64
	if kind == KindTimeout {
		base = float64(h.cfg.BaseDelay) * h.cfg.TimeoutMultiplier * float64(s.errorCount)
	} else {
		exp := min(s.errorCount, h.cfg.MaxExponent)
		base = float64(h.cfg.BaseDelay) * math.Pow(2, float64(exp))
	}

	d := time.Duration(base * h.jitter())
	return min(d, h.cfg.MaxDelay)
}

// CalculateDelay returns the wait before retrying endpoint after a failure of
// kind. Client errors always yield zero. A positive retryAfter overrides the
// formula and is clamped to MaxDelay.
func (h *Handler) CalculateDelay(endpoint string, kind Kind, retryAfter time.Duration) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.delay(h.stateFor(endpoint), kind, retryAfter)
}

// RecordError notes a failure and returns the delay the caller should observe.
func (h *Handler) RecordError(endpoint string, kind Kind, retryAfter time.Duration) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	s := h.stateFor(endpoint)
	s.errorCount++
	s.lastErrorAt = now
	s.lastKind = kind
	s.consecutiveSuccesses = 0
	if retryAfter > 0 {
		s.retryAfter = now.Add(retryAfter)
	} else {
		s.retryAfter = time.Time{}
	}

	d := h.delay(s, kind, retryAfter)
	s.lastDelay = d

	slog.Info("Backoff scheduled",
		"endpoint", endpoint,
		"error_type", kind,
		"error_count", s.errorCount,
		"delay", d,
	)
	return d
}

// RecordSuccess notes a successful request. After SuccessReset consecutive
// successes the error count, classification and retry-after are cleared.
func (h *Handler) RecordSuccess(endpoint string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.stateFor(endpoint)
	s.consecutiveSuccesses++
	if s.consecutiveSuccesses >= h.cfg.SuccessReset {
		s.errorCount = 0
		s.lastKind = ""
		s.lastDelay = 0
		s.retryAfter = time.Time{}
	}
}

// ShouldRetry reports whether endpoint may be retried after a failure of
// kind. Client errors are never retried, and an endpoint whose error count
// has reached MaxExponent stays blocked until Reset.
func (h *Handler) ShouldRetry(endpoint string, kind Kind) bool {
	if kind == KindClientError {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.stateFor(endpoint)
	if s.errorCount >= h.cfg.MaxExponent {
		slog.Warn("Max retries reached", "endpoint", endpoint, "error_count", s.errorCount)
		return false
	}
	return true
}

// LastKind returns the classification of endpoint's most recent unreset failure.
func (h *Handler) LastKind(endpoint string) Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.states[endpoint]; ok {
		return s.lastKind
	}
	return ""
}

// NextAllowedTime returns when endpoint may next be requested. The second
// result is false when a request is allowed now.
func (h *Handler) NextAllowedTime(endpoint string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.states[endpoint]
	if !ok {
		return time.Time{}, false
	}
	now := h.now()
	if !s.retryAfter.IsZero() && now.Before(s.retryAfter) {
		return s.retryAfter, true
	}
	if s.lastErrorAt.IsZero() || s.lastDelay <= 0 {
		return time.Time{}, false
	}
	if next := s.lastErrorAt.Add(s.lastDelay); now.Before(next) {
		return next, true
	}
	return time.Time{}, false
}

// Reset clears endpoint's state.
func (h *Handler) Reset(endpoint string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.states, endpoint)
}

// ResetAll clears every endpoint's state.
func (h *Handler) ResetAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.states)
}

// EndpointStatus is one endpoint's failure history.
type EndpointStatus struct {
	Endpoint             string     `json:"endpoint"`
	ErrorCount           int        `json:"error_count"`
	LastErrorAt          *time.Time `json:"last_error_at,omitempty"`
	LastErrorType        Kind       `json:"last_error_type,omitempty"`
	RetryAfter           *time.Time `json:"retry_after,omitempty"`
	NextAllowed          *time.Time `json:"next_allowed,omitempty"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	Retryable            bool       `json:"retryable"`
}

// Status is a read-only snapshot of the handler.
type Status struct {
	BaseDelay   time.Duration    `json:"base_delay"`
	MaxDelay    time.Duration    `json:"max_delay"`
	MaxExponent int              `json:"max_exponent"`
	Endpoints   []EndpointStatus `json:"endpoints"`
}

// Status returns every tracked endpoint sorted by name.
func (h *Handler) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	st := Status{
		BaseDelay:   h.cfg.BaseDelay,
		MaxDelay:    h.cfg.MaxDelay,
		MaxExponent: h.cfg.MaxExponent,
		Endpoints:   make([]EndpointStatus, 0, len(h.states)),
	}
	for name, s := range h.states {
		es := EndpointStatus{
			Endpoint:             name,
			ErrorCount:           s.errorCount,
			LastErrorType:        s.lastKind,
			ConsecutiveSuccesses: s.consecutiveSuccesses,
			Retryable:            s.errorCount < h.cfg.MaxExponent,
		}
		if !s.lastErrorAt.IsZero() {
			t := s.lastErrorAt
			es.LastErrorAt = &t
			if next := t.Add(s.lastDelay); s.lastDelay > 0 && now.Before(next) {
				es.NextAllowed = &next
			}
		}
		if !s.retryAfter.IsZero() {
			t := s.retryAfter
			es.RetryAfter = &t
			if now.Before(t) {
				es.NextAllowed = &t
			}
		}
		st.Endpoints = append(st.Endpoints, es)
	}
	sort.Slice(st.Endpoints, func(i, j int) bool {
		return st.Endpoints[i].Endpoint < st.Endpoints[j].Endpoint
	})
	return st
}
