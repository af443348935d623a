package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig(perMinute, perHour, perDay int) Config {
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = perMinute
	cfg.RequestsPerHour = perHour
	cfg.RequestsPerDay = perDay
	return cfg
}

func TestDefaultConfig_BudgetsSumToOne(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 100, cfg.RequestsPerMinute)
	assert.Equal(t, 5000, cfg.RequestsPerHour)
	assert.Equal(t, 50000, cfg.RequestsPerDay)
	assert.InDelta(t, 1.0, cfg.BudgetSum(), 1e-3)
	assert.Len(t, cfg.Budgets, len(Categories))
}

func TestLimiter_MinuteWindowSaturation(t *testing.T) {
	for _, perMinute := range []int{1, 5, 100} {
		clock := newFakeClock()
		l := NewLimiter(testConfig(perMinute, 10000, 100000), WithClock(clock.Now))

		for i := 0; i < perMinute; i++ {
			require.True(t, l.CanRequest(""), "request %d", i)
			l.RecordRequest("")
		}

		assert.False(t, l.CanRequest(""))
		wait := l.WaitTime()
		assert.Greater(t, wait, time.Duration(0))
		assert.LessOrEqual(t, wait, time.Minute)
	}
}

func TestLimiter_WindowExpiry(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(testConfig(3, 100, 1000), WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		l.RecordRequest("")
		clock.Advance(10 * time.Second)
	}
	require.False(t, l.CanRequest(""))
	assert.Equal(t, 30*time.Second, l.WaitTime(), "oldest entry leaves at +60s")

	clock.Advance(30 * time.Second)
	assert.True(t, l.CanRequest(""))
	assert.Equal(t, time.Duration(0), l.WaitTime())
	assert.Equal(t, 2, l.Status().Windows["minute"].Count)
}

func TestLimiter_WaitTimeUsesBindingWindow(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(testConfig(2, 3, 1000), WithClock(clock.Now))

	l.RecordRequest("")
	l.RecordRequest("")
	clock.Advance(61 * time.Second)
	l.RecordRequest("")

	assert.False(t, l.CanRequest(""))
	assert.Equal(t, time.Hour-61*time.Second, l.WaitTime())
}

func TestLimiter_CategoryBudget(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(testConfig(10, 1000, 10000), WithClock(clock.Now))

	// new_posts may use floor(10*0.4) = 4 on its own
	for i := 0; i < 4; i++ {
		d := l.Acquire(CategoryNewPosts)
		require.True(t, d.Allowed, "request %d", i)
	}

	// Over budget, but the reserve share is untouched so the request borrows
	d := l.Acquire(CategoryNewPosts)
	assert.True(t, d.Allowed)

	// Exhaust the reserve share itself (floor(10*0.1) = 1)
	require.True(t, l.Acquire(CategoryReserve).Allowed)

	d = l.Acquire(CategoryNewPosts)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "new_posts budget exhausted")
	assert.Equal(t, time.Minute, d.Wait, "budget frees at the next minute boundary")

	// Other categories still have their own share
	assert.True(t, l.CanRequest(CategoryTrending))

	status := l.Status()
	assert.Equal(t, 5, status.Budgets[CategoryNewPosts].Used)
	assert.Equal(t, 4, status.Budgets[CategoryNewPosts].Max)
	assert.Equal(t, 1, status.Budgets[CategoryReserve].Used)
}

func TestLimiter_BudgetResetsEachMinute(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(testConfig(10, 1000, 10000), WithClock(clock.Now))

	for i := 0; i < 4; i++ {
		l.RecordRequest(CategoryNewPosts)
	}
	l.RecordRequest(CategoryReserve)
	require.False(t, l.CanRequest(CategoryNewPosts))

	clock.Advance(time.Minute)
	assert.True(t, l.CanRequest(CategoryNewPosts))
	assert.Equal(t, 0, l.Status().Budgets[CategoryNewPosts].Used)
}

func TestLimiter_ResetBudget(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(testConfig(10, 1000, 10000), WithClock(clock.Now))

	l.RecordRequest(CategoryReserve)
	for i := 0; i < 2; i++ {
		l.RecordRequest(CategoryAgents)
	}
	require.False(t, l.CanRequest(CategoryAgents))

	l.ResetBudget()
	assert.True(t, l.CanRequest(CategoryAgents))
}

func TestLimiter_UpstreamState(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(100, 1000, 10000)
	cfg.UpstreamStaleAfter = 5 * time.Minute
	l := NewLimiter(cfg, WithClock(clock.Now))

	l.UpdateFromUpstream(Info{Limit: 100, Remaining: 0, ResetAt: clock.Now().Add(30 * time.Second)})

	assert.False(t, l.CanRequest(""))
	assert.Equal(t, 30*time.Second, l.WaitTime())

	status := l.Status()
	require.NotNil(t, status.Upstream)
	require.NotNil(t, status.Upstream.Remaining)
	assert.Equal(t, 0, *status.Upstream.Remaining)
	assert.False(t, status.Upstream.Stale)

	clock.Advance(31 * time.Second)
	assert.True(t, l.CanRequest(""), "reset time has passed")
}

func TestLimiter_StaleUpstreamIgnored(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig(100, 1000, 10000)
	cfg.UpstreamStaleAfter = 5 * time.Minute
	l := NewLimiter(cfg, WithClock(clock.Now))

	l.UpdateFromUpstream(Info{Limit: Unset, Remaining: 0, ResetAt: clock.Now().Add(time.Hour)})
	require.False(t, l.CanRequest(""))

	clock.Advance(6 * time.Minute)
	assert.True(t, l.CanRequest(""))
	assert.True(t, l.Status().Upstream.Stale)
}

func TestLimiter_UpdateFromUpstreamMergesPresentFields(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(DefaultConfig(), WithClock(clock.Now))

	l.UpdateFromUpstream(Info{Limit: 100, Remaining: 40, ResetAt: clock.Now().Add(time.Minute)})
	l.UpdateFromUpstream(Info{Limit: Unset, Remaining: 39})

	status := l.Status().Upstream
	require.NotNil(t, status)
	assert.Equal(t, 100, *status.Limit)
	assert.Equal(t, 39, *status.Remaining)
	require.NotNil(t, status.ResetAt)

	l2 := NewLimiter(DefaultConfig(), WithClock(clock.Now))
	l2.UpdateFromUpstream(EmptyInfo())
	assert.Nil(t, l2.Status().Upstream, "empty header set leaves no upstream state")
}

func TestLimiter_CheckThresholds(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(testConfig(10, 1000, 10000), WithClock(clock.Now))

	for i := 0; i < 7; i++ {
		l.RecordRequest("")
	}
	assert.Empty(t, l.CheckThresholds())

	l.RecordRequest("")
	warnings := l.CheckThresholds()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "minute window at 80%")
	assert.Contains(t, warnings[0], "(8/10)")
}

func TestLimiter_ConcurrentAcquire(t *testing.T) {
	l := NewLimiter(testConfig(20, 1000, 10000))

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire("").Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), allowed.Load())
}

func TestLimiter_Status(t *testing.T) {
	clock := newFakeClock()
	l := NewLimiter(testConfig(4, 1000, 10000), WithClock(clock.Now))

	for i := 0; i < 4; i++ {
		l.RecordRequest(CategoryNewPosts)
	}

	status := l.Status()
	assert.False(t, status.CanRequest)
	assert.Equal(t, 60.0, status.WaitSeconds)
	assert.Equal(t, WindowStatus{Count: 4, Limit: 4, Remaining: 0, Utilization: 1}, status.Windows["minute"])
	assert.Equal(t, 4, status.Windows["day"].Count)
	assert.NotEmpty(t, status.Warnings)
}
