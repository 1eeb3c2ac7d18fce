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
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCheckAndRecord_DeniesAfterMaxThenRecovers(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now))
	tier := Tier{Name: "ip", MaxRequests: 3, Window: 10 * time.Second}

	for i := 0; i < 3; i++ {
		d := l.CheckAndRecord("ip:a", tier)
		require.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 3-(i+1), d.Remaining)
		assert.Equal(t, 3, d.Limit)
		clock.Advance(time.Second)
	}

	d := l.CheckAndRecord("ip:a", tier)
	assert.False(t, d.Allowed)
	assert.Equal(t, "ip", d.Tier)
	assert.Equal(t, 7, d.RetryAfter)

	clock.Advance(7 * time.Second)
	assert.True(t, l.CheckAndRecord("ip:a", tier).Allowed)
}

func TestCheckAndRecord_RetryAfterIsCeiling(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now))
	tier := Tier{Name: "ip", MaxRequests: 1, Window: 5 * time.Second}

	require.True(t, l.CheckAndRecord("s", tier).Allowed)
	clock.Advance(1500 * time.Millisecond)

	d := l.CheckAndRecord("s", tier)
	assert.False(t, d.Allowed)
	assert.Equal(t, 4, d.RetryAfter)
}

func TestCheckAndRecord_ExactWindowBoundaryAdmits(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now))
	tier := Tier{MaxRequests: 2, Window: 10 * time.Second}

	require.True(t, l.CheckAndRecord("s", tier).Allowed)
	require.True(t, l.CheckAndRecord("s", tier).Allowed)
	require.False(t, l.CheckAndRecord("s", tier).Allowed)

	// No hard reset yet (elapsed == window), but both timestamps are stale.
	clock.Advance(10 * time.Second)
	d := l.CheckAndRecord("s", tier)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestCheckAndRecord_ScopesAreIndependent(t *testing.T) {
	l := New()
	tier := Tier{MaxRequests: 1, Window: time.Minute}

	assert.True(t, l.CheckAndRecord("a", tier).Allowed)
	assert.True(t, l.CheckAndRecord("b", tier).Allowed)
	assert.False(t, l.CheckAndRecord("a", tier).Allowed)
	assert.Equal(t, 2, l.Len())
}

func TestCheckAndRecord_SixthOfFiveDenied(t *testing.T) {
	l := New()
	tier := Tier{Name: "ip", MaxRequests: 5, Window: time.Minute}

	for i := 0; i < 5; i++ {
		require.True(t, l.CheckAndRecord("ip:198.51.100.0/24", tier).Allowed)
	}
	d := l.CheckAndRecord("ip:198.51.100.0/24", tier)
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)
}

func TestCheckAll_LaterDenialDoesNotConsumeEarlierQuota(t *testing.T) {
	l := New()
	ip := Tier{Name: "ip", MaxRequests: 2, Window: time.Minute}
	global := Tier{Name: "global", MaxRequests: 1, Window: time.Minute}

	require.True(t, l.CheckAll([]Check{{"ip:a", ip}, {"global", global}}).Allowed)

	d := l.CheckAll([]Check{{"ip:a", ip}, {"global", global}})
	assert.False(t, d.Allowed)
	assert.Equal(t, "global", d.Tier)

	// ip:a still has one slot left because the denied request was not recorded.
	assert.True(t, l.CheckAndRecord("ip:a", ip).Allowed)
	assert.False(t, l.CheckAndRecord("ip:a", ip).Allowed)
}

func TestCheckAll_FirstDenialWins(t *testing.T) {
	l := New()
	ip := Tier{Name: "ip", MaxRequests: 1, Window: time.Minute}
	global := Tier{Name: "global", MaxRequests: 1, Window: 30 * time.Second}

	require.True(t, l.CheckAll([]Check{{"ip:a", ip}, {"global", global}}).Allowed)
	d := l.CheckAll([]Check{{"ip:a", ip}, {"global", global}})
	assert.False(t, d.Allowed)
	assert.Equal(t, "ip", d.Tier)
	assert.Equal(t, 60, d.RetryAfter)
}

func TestCheckAll_ReportsTightestTier(t *testing.T) {
	l := New()
	d := l.CheckAll([]Check{
		{"ip:a", Tier{Name: "ip", MaxRequests: 5, Window: time.Minute}},
		{"global", Tier{Name: "global", MaxRequests: 2, Window: time.Minute}},
	})
	require.True(t, d.Allowed)
	assert.Equal(t, "global", d.Tier)
	assert.Equal(t, 2, d.Limit)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, 60, d.ResetAfter)
}

func TestCheckAndRecord_ConcurrentCallersRespectLimit(t *testing.T) {
	l := New()
	tier := Tier{MaxRequests: 10, Window: time.Minute}

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CheckAndRecord("shared", tier).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), allowed.Load())
}

func TestReset(t *testing.T) {
	l := New()
	tier := Tier{MaxRequests: 1, Window: time.Minute}
	require.True(t, l.CheckAndRecord("a", tier).Allowed)
	require.False(t, l.CheckAndRecord("a", tier).Allowed)

	l.Reset()
	assert.Equal(t, 0, l.Len())
	assert.True(t, l.CheckAndRecord("a", tier).Allowed)
}
