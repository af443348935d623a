package scheduler

import (
	"moltmonitor/internal/models"
	"sync"
	"time"
)

// Level is the activity classification that drives interval selection.
type Level string

const (
	LevelNormal Level = "normal"
	LevelLow    Level = "low"
	LevelHigh   Level = "high"
	LevelSpike  Level = "spike"
)

// ActivityConfig holds the thresholds of an ActivityTracker. Rates are items
// per minute.
type ActivityConfig struct {
	Window          time.Duration
	HighThreshold   float64
	LowThreshold    float64
	SpikeMultiplier float64
	SpikeFloor      float64
}

// minSpikeSamples is the fewest samples a spike can be judged on.
const minSpikeSamples = 3

type sample struct {
	at    time.Time
	count int
}

// ActivityTracker keeps (time, count) samples over a sliding window. It is
// safe for concurrent use.
type ActivityTracker struct {
	cfg ActivityConfig
	now func() time.Time

	mu      sync.Mutex
	samples []sample
}

// NewActivityTracker creates a tracker using now as its time source.
func NewActivityTracker(cfg ActivityConfig, now func() time.Time) *ActivityTracker {
	if now == nil {
		now = time.Now
	}
	return &ActivityTracker{cfg: cfg, now: now}
}

func (a *ActivityTracker) prune() {
	cutoff := a.now().Add(-a.cfg.Window)
	i := 0
	for i < len(a.samples) && !a.samples[i].at.After(cutoff) {
		i++
	}
	a.samples = a.samples[i:]
}

// Record adds a sample of count items observed now.
func (a *ActivityTracker) Record(count int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = append(a.samples, sample{at: a.now(), count: count})
	a.prune()
}

// rateOf is total count over the span between first and last sample, in
// minutes. A zero span yields the plain total.
func rateOf(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	total := 0
	for _, s := range samples {
		total += s.count
	}
	span := samples[len(samples)-1].at.Sub(samples[0].at).Minutes()
	if span <= 0 {
		return float64(total)
	}
	return float64(total) / span
}

// Rate returns items per minute over the window.
func (a *ActivityTracker) Rate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune()
	return rateOf(a.samples)
}

func (a *ActivityTracker) spiking() bool {
	if len(a.samples) < minSpikeSamples {
		return false
	}
	history := a.samples[:len(a.samples)-1]
	if !history[len(history)-1].at.After(history[0].at) {
		return false
	}
	baseline := max(rateOf(history), a.cfg.SpikeFloor)
	return float64(a.samples[len(a.samples)-1].count) > baseline*a.cfg.SpikeMultiplier
}

// IsSpiking reports whether the latest sample exceeds the historical rate,
// floored at SpikeFloor, by more than SpikeMultiplier.
func (a *ActivityTracker) IsSpiking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune()
	return a.spiking()
}

// IsHighActivity reports whether the rate exceeds HighThreshold.
func (a *ActivityTracker) IsHighActivity() bool {
	return a.Rate() > a.cfg.HighThreshold
}

// IsLowActivity reports whether the rate is below LowThreshold.
func (a *ActivityTracker) IsLowActivity() bool {
	return a.Rate() < a.cfg.LowThreshold
}

// Level classifies current activity. A spike takes precedence over high,
// which takes precedence over low.
func (a *ActivityTracker) Level() Level {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune()

	rate := rateOf(a.samples)
	switch {
	case a.spiking():
		return LevelSpike
	case rate > a.cfg.HighThreshold:
		return LevelHigh
	case rate < a.cfg.LowThreshold:
		return LevelLow
	default:
		return LevelNormal
	}
}

// Samples returns the number of samples in the window.
func (a *ActivityTracker) Samples() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune()
	return len(a.samples)
}

// AdaptiveInterval picks the polling interval for a category at level.
func AdaptiveInterval(ic models.IntervalConfig, level Level) time.Duration {
	switch level {
	case LevelSpike:
		return ic.Minimum
	case LevelHigh:
		return max(ic.Default/2, ic.Minimum)
	case LevelLow:
		return min(ic.Default*2, ic.Maximum)
	default:
		return ic.Default
	}
}
