// Package ratelimit governs the volume of outbound requests to the upstream
// API. A Limiter combines three sliding windows (minute, hour, day), a
// per-category share of the per-minute allowance and the limit state the
// upstream reports in its own X-RateLimit-* headers. A Pacer spaces requests
// to one origin according to its crawl-delay.
package ratelimit

import (
	"fmt"
	"math"
	"moltmonitor/internal/models"
	"strings"
	"sync"
	"time"
)

// Category is a named slice of the per-minute request allowance.
type Category string

const (
	CategoryNewPosts Category = "new_posts"
	CategoryTrending Category = "trending"
	CategoryComments Category = "comments"
	CategoryAgents   Category = "agents"
	CategoryReserve  Category = "reserve"
)

// Categories lists every budget category.
var Categories = []Category{
	CategoryNewPosts,
	CategoryTrending,
	CategoryComments,
	CategoryAgents,
	CategoryReserve,
}

// Unset marks an Info field whose header was absent.
const Unset = -1

// Info is the limit state reported by the upstream service.
type Info struct {
	Limit      int           // X-RateLimit-Limit, Unset when absent
	Remaining  int           // X-RateLimit-Remaining, Unset when absent
	ResetAt    time.Time     // X-RateLimit-Reset, zero when absent
	RetryAfter time.Duration // Retry-After, zero when absent
}

// EmptyInfo returns an Info with every field marked absent.
func EmptyInfo() Info {
	return Info{Limit: Unset, Remaining: Unset}
}

// Empty reports whether no rate-limit header was present.
func (i Info) Empty() bool {
	return i.Limit < 0 && i.Remaining < 0 && i.ResetAt.IsZero() && i.RetryAfter <= 0
}

// Config holds the limits a Limiter enforces.
type Config struct {
	RequestsPerMinute  int
	RequestsPerHour    int
	RequestsPerDay     int
	Budgets            map[Category]float64
	WarningThreshold   float64
	UpstreamStaleAfter time.Duration
}

// ConfigFrom converts the service configuration section.
func ConfigFrom(rc models.RateLimitConfig) Config {
	return Config{
		RequestsPerMinute: rc.RequestsPerMinute,
		RequestsPerHour:   rc.RequestsPerHour,
		RequestsPerDay:    rc.RequestsPerDay,
		Budgets: map[Category]float64{
			CategoryNewPosts: rc.Budgets.NewPosts,
			CategoryTrending: rc.Budgets.Trending,
			CategoryComments: rc.Budgets.Comments,
			CategoryAgents:   rc.Budgets.Agents,
			CategoryReserve:  rc.Budgets.Reserve,
		},
		WarningThreshold:   rc.WarningThreshold,
		UpstreamStaleAfter: rc.UpstreamStaleAfter,
	}
}

// DefaultConfig returns the stock limits: 100/min, 5000/hour, 50000/day.
func DefaultConfig() Config {
	return ConfigFrom(models.NewDefaultConfig().RateLimit)
}

// window is a sliding-window counter of request timestamps in arrival order.
type window struct {
	name   string
	size   time.Duration
	limit  int
	stamps []time.Time
}

// prune drops every timestamp at or before now-size.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.size)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	w.stamps = w.stamps[i:]
	if cap(w.stamps) > 2*len(w.stamps)+64 {
		w.stamps = append(make([]time.Time, 0, len(w.stamps)), w.stamps...)
	}
}

func (w *window) saturated() bool {
	return len(w.stamps) >= w.limit
}

// wait is the delay until the oldest entry leaves the window.
func (w *window) wait(now time.Time) time.Duration {
	if len(w.stamps) == 0 {
		return 0
	}
	d := w.stamps[0].Add(w.size).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// upstreamState is the last limit state seen in upstream headers.
type upstreamState struct {
	limit     int
	remaining int
	resetAt   time.Time
	updatedAt time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Limiter is safe for concurrent use. Every exported method is atomic with
// respect to the others.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu           sync.Mutex
	windows      []*window
	budgetUsed   map[Category]int
	budgetPeriod time.Time
	upstream     upstreamState
}

// NewLimiter creates a Limiter enforcing cfg.
func NewLimiter(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg: cfg,
		now: time.Now,
		windows: []*window{
			{name: "minute", size: time.Minute, limit: cfg.RequestsPerMinute},
			{name: "hour", size: time.Hour, limit: cfg.RequestsPerHour},
			{name: "day", size: 24 * time.Hour, limit: cfg.RequestsPerDay},
		},
		budgetUsed: make(map[Category]int),
		upstream:   upstreamState{limit: Unset, remaining: Unset},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.budgetPeriod = l.now().Truncate(time.Minute)
	return l
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  string
	Wait    time.Duration
}

// advance prunes every window and starts a fresh budget period on a minute boundary.
func (l *Limiter) advance(now time.Time) {
	for _, w := range l.windows {
		w.prune(now)
	}
	if period := now.Truncate(time.Minute); period.After(l.budgetPeriod) {
		l.budgetPeriod = period
		clear(l.budgetUsed)
	}
}

func (l *Limiter) upstreamFresh(now time.Time) bool {
	if l.upstream.updatedAt.IsZero() {
		return false
	}
	if l.cfg.UpstreamStaleAfter > 0 && now.Sub(l.upstream.updatedAt) > l.cfg.UpstreamStaleAfter {
		return false
	}
	return true
}

func (l *Limiter) upstreamBlocked(now time.Time) bool {
	return l.upstreamFresh(now) &&
		l.upstream.remaining != Unset && l.upstream.remaining <= 0 &&
		l.upstream.resetAt.After(now)
}

func (l *Limiter) budgetMax(cat Category) int {
	// The epsilon keeps products such as 100*0.29 from flooring one short.
	return int(math.Floor(float64(l.cfg.RequestsPerMinute)*l.cfg.Budgets[cat] + 1e-9))
}

// budgetAllows applies the category share. A category over its share may
// borrow as long as the reserve category is under its own share.
func (l *Limiter) budgetAllows(cat Category) bool {
	if cat == "" {
		return true
	}
	if l.budgetUsed[cat] < l.budgetMax(cat) {
		return true
	}
	return l.budgetUsed[CategoryReserve] < l.budgetMax(CategoryReserve)
}

// check evaluates every limit at now without recording anything.
func (l *Limiter) check(cat Category, now time.Time) Decision {
	l.advance(now)

	var reasons []string
	var wait time.Duration
	for _, w := range l.windows {
		if w.saturated() {
			reasons = append(reasons, fmt.Sprintf("%s limit reached (%d/%d)", w.name, len(w.stamps), w.limit))
			wait = max(wait, w.wait(now))
		}
	}
	if l.upstreamBlocked(now) {
		reasons = append(reasons, "upstream quota exhausted")
		wait = max(wait, l.upstream.resetAt.Sub(now))
	}
	if !l.budgetAllows(cat) {
		reasons = append(reasons, fmt.Sprintf("%s budget exhausted (%d/%d)", cat, l.budgetUsed[cat], l.budgetMax(cat)))
		wait = max(wait, l.budgetPeriod.Add(time.Minute).Sub(now))
	}

	if len(reasons) == 0 {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, Reason: strings.Join(reasons, "; "), Wait: wait}
}

func (l *Limiter) record(cat Category, now time.Time) {
	for _, w := range l.windows {
		w.stamps = append(w.stamps, now)
	}
	if cat != "" {
		l.budgetUsed[cat]++
	}
}

// CanRequest reports whether a request in cat may be made now. An empty
// category checks only the windows and the upstream state.
func (l *Limiter) CanRequest(cat Category) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(cat, l.now()).Allowed
}

// Check returns the admission decision for cat, including how long to wait when denied.
func (l *Limiter) Check(cat Category) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(cat, l.now())
}

// Acquire checks and, when allowed, records a request in one step.
func (l *Limiter) Acquire(cat Category) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	d := l.check(cat, now)
	if d.Allowed {
		l.record(cat, now)
	}
	return d
}

// RecordRequest appends the current time to every window and charges cat.
func (l *Limiter) RecordRequest(cat Category) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.advance(now)
	l.record(cat, now)
}

// WaitTime returns how long until no window and no upstream quota blocks a
// request. Zero means a request may be made now.
func (l *Limiter) WaitTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.check("", l.now())
	return d.Wait
}

// UpdateFromUpstream merges the fields present in info into the upstream state.
func (l *Limiter) UpdateFromUpstream(info Info) {
	if info.Limit < 0 && info.Remaining < 0 && info.ResetAt.IsZero() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if info.Limit >= 0 {
		l.upstream.limit = info.Limit
	}
	if info.Remaining >= 0 {
		l.upstream.remaining = info.Remaining
	}
	if !info.ResetAt.IsZero() {
		l.upstream.resetAt = info.ResetAt
	}
	l.upstream.updatedAt = l.now()
}

// ResetBudget clears every category's usage for the current minute.
func (l *Limiter) ResetBudget() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.budgetUsed)
	l.budgetPeriod = l.now().Truncate(time.Minute)
}

// CheckThresholds returns one warning per window at or above the warning
// threshold, in minute, hour, day order.
func (l *Limiter) CheckThresholds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.advance(now)

	var warnings []string
	for _, w := range l.windows {
		if w.limit <= 0 {
			continue
		}
		util := float64(len(w.stamps)) / float64(w.limit)
		if util >= l.cfg.WarningThreshold {
			warnings = append(warnings, fmt.Sprintf("%s window at %.0f%% (%d/%d)", w.name, util*100, len(w.stamps), w.limit))
		}
	}
	return warnings
}

// WindowStatus describes one sliding window.
type WindowStatus struct {
	Count       int     `json:"count"`
	Limit       int     `json:"limit"`
	Remaining   int     `json:"remaining"`
	Utilization float64 `json:"utilization"`
}

// BudgetStatus describes one category's usage in the current minute.
type BudgetStatus struct {
	Used       int     `json:"used"`
	Max        int     `json:"max"`
	Allocation float64 `json:"allocation"`
}

// UpstreamStatus is the last upstream-reported state.
type UpstreamStatus struct {
	Limit     *int       `json:"limit,omitempty"`
	Remaining *int       `json:"remaining,omitempty"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	Stale     bool       `json:"stale"`
}

// Status is a read-only snapshot of the limiter.
type Status struct {
	CanRequest  bool                      `json:"can_request"`
	WaitSeconds float64                   `json:"wait_seconds"`
	Windows     map[string]WindowStatus   `json:"windows"`
	Budgets     map[Category]BudgetStatus `json:"budgets"`
	Upstream    *UpstreamStatus           `json:"upstream,omitempty"`
	Warnings    []string                  `json:"warnings,omitempty"`
}

// Status returns a snapshot suitable for JSON or tabular rendering.
func (l *Limiter) Status() Status {
	warnings := l.CheckThresholds()

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	d := l.check("", now)

	st := Status{
		CanRequest:  d.Allowed,
		WaitSeconds: d.Wait.Seconds(),
		Windows:     make(map[string]WindowStatus, len(l.windows)),
		Budgets:     make(map[Category]BudgetStatus, len(Categories)),
		Warnings:    warnings,
	}
	for _, w := range l.windows {
		ws := WindowStatus{Count: len(w.stamps), Limit: w.limit, Remaining: max(w.limit-len(w.stamps), 0)}
		if w.limit > 0 {
			ws.Utilization = float64(len(w.stamps)) / float64(w.limit)
		}
		st.Windows[w.name] = ws
	}
	for _, cat := range Categories {
		st.Budgets[cat] = BudgetStatus{
			Used:       l.budgetUsed[cat],
			Max:        l.budgetMax(cat),
			Allocation: l.cfg.Budgets[cat],
		}
	}
	if !l.upstream.updatedAt.IsZero() {
		us := &UpstreamStatus{UpdatedAt: l.upstream.updatedAt, Stale: !l.upstreamFresh(now)}
		if l.upstream.limit != Unset {
			v := l.upstream.limit
			us.Limit = &v
		}
		if l.upstream.remaining != Unset {
			v := l.upstream.remaining
			us.Remaining = &v
		}
		if !l.upstream.resetAt.IsZero() {
			v := l.upstream.resetAt
			us.ResetAt = &v
		}
		st.Upstream = us
	}
	return st
}

// BudgetSum returns the total allocation across categories.
func (c Config) BudgetSum() float64 {
	sum := 0.0
	for _, cat := range Categories {
		sum += c.Budgets[cat]
	}
	return sum
}
