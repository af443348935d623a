package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// paceEntry holds one origin's limiter and its last access time for cleanup.
type paceEntry struct {
	limiter  *rate.Limiter
	delay    time.Duration
	lastSeen time.Time
}

// Pacer spaces requests to each origin by that origin's crawl-delay. Each
// origin gets a single-token bucket refilled once per delay. A background
// goroutine evicts origins idle for more than twice the cleanup interval.
type Pacer struct {
	now             func() time.Time
	cleanupInterval time.Duration

	mu      sync.Mutex
	entries map[string]*paceEntry
	done    chan struct{}
	closed  bool
}

// PacerOption configures a Pacer.
type PacerOption func(*Pacer)

// WithPacerClock substitutes the time source used for reservations.
func WithPacerClock(now func() time.Time) PacerOption {
	return func(p *Pacer) {
		p.now = now
	}
}

// NewPacer creates a Pacer and starts its eviction goroutine.
func NewPacer(cleanupInterval time.Duration, opts ...PacerOption) *Pacer {
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	p := &Pacer{
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		entries:         make(map[string]*paceEntry),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.cleanup()
	return p
}

func (p *Pacer) limiterFor(origin string, delay time.Duration, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[origin]
	if !ok {
		e = &paceEntry{limiter: rate.NewLimiter(rate.Every(delay), 1), delay: delay}
		p.entries[origin] = e
	} else if e.delay != delay {
		e.limiter.SetLimitAt(now, rate.Every(delay))
		e.delay = delay
	}
	e.lastSeen = now
	return e.limiter
}

// reserve claims the next slot for origin and returns how long the caller
// must wait before using it.
func (p *Pacer) reserve(origin string, delay time.Duration) (*rate.Reservation, time.Duration) {
	now := p.now()
	r := p.limiterFor(origin, delay, now).ReserveN(now, 1)
	if !r.OK() {
		return nil, 0
	}
	return r, r.DelayFrom(now)
}

// Wait blocks until origin's next slot or until ctx is done. A cancelled wait
// returns its slot. A non-positive delay never waits.
func (p *Pacer) Wait(ctx context.Context, origin string, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	r, wait := p.reserve(origin, delay)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.CancelAt(p.now())
		return ctx.Err()
	}
}

// Origins returns the number of origins currently tracked.
func (p *Pacer) Origins() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close stops the background cleanup goroutine.
func (p *Pacer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
}

func (p *Pacer) cleanup() {
	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.evictStale()
		}
	}
}

// evictStale removes origins idle for more than 2x the cleanup interval.
func (p *Pacer) evictStale() {
	cutoff := p.now().Add(-2 * p.cleanupInterval)
	p.mu.Lock()
	defer p.mu.Unlock()
	for origin, e := range p.entries {
		if e.lastSeen.Before(cutoff) {
			delete(p.entries, origin)
		}
	}
}
