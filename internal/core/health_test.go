package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shiftwatch.service/internal/testfixtures"
)

type fakePending struct{ n int }

func (f *fakePending) Len() int { return f.n }

type fakeSweeper struct {
	last     time.Time
	interval time.Duration
}

func (f *fakeSweeper) LastSweep() time.Time    { return f.last }
func (f *fakeSweeper) Interval() time.Duration { return f.interval }

type fakeDelivery struct {
	mode     string
	since    time.Time
	fallback bool
}

func (f *fakeDelivery) DeliveryMode() string            { return f.mode }
func (f *fakeDelivery) FallbackSince() (time.Time, bool) { return f.since, f.fallback }

func TestHealthReporter_Healthy(t *testing.T) {
	clock := testfixtures.NewClock(time.Time{})
	pending := &fakePending{n: 3}
	sweeper := &fakeSweeper{last: clock.Now().Add(-30 * time.Second), interval: time.Minute}
	delivery := &fakeDelivery{mode: "push"}
	reporter := NewHealthReporter(pending, sweeper, delivery, clock, 10, 10*time.Minute)

	snap := reporter.Snapshot()
	assert.Equal(t, StatusHealthy, snap.Status)
	assert.Empty(t, snap.Reasons)
	assert.Equal(t, 3, snap.PendingActionCount)
	assert.Equal(t, "push", snap.DeliveryMode)
	assert.Equal(t, sweeper.last, snap.LastSweepTime)
	assert.Positive(t, snap.Resource.Goroutines)
}

func TestHealthReporter_DegradedReasons(t *testing.T) {
	clock := testfixtures.NewClock(time.Time{})
	pending := &fakePending{n: 3}
	sweeper := &fakeSweeper{last: clock.Now().Add(-30 * time.Second), interval: time.Minute}
	delivery := &fakeDelivery{mode: "push"}
	reporter := NewHealthReporter(pending, sweeper, delivery, clock, 10, 10*time.Minute)

	// Registry above the high-water mark.
	pending.n = 11
	snap := reporter.Snapshot()
	assert.Equal(t, StatusDegraded, snap.Status)
	require.Len(t, snap.Reasons, 1)
	assert.Contains(t, snap.Reasons[0], "high-water")
	pending.n = 3

	// Sweep older than two intervals.
	sweeper.last = clock.Now().Add(-3 * time.Minute)
	snap = reporter.Snapshot()
	assert.Equal(t, StatusDegraded, snap.Status)
	require.Len(t, snap.Reasons, 1)
	assert.Contains(t, snap.Reasons[0], "sweep")
	sweeper.last = clock.Now().Add(-30 * time.Second)

	// Fallback mode longer than the tolerated window.
	delivery.mode = "pull"
	delivery.fallback = true
	delivery.since = clock.Now().Add(-11 * time.Minute)
	snap = reporter.Snapshot()
	assert.Equal(t, StatusDegraded, snap.Status)
	require.Len(t, snap.Reasons, 1)
	assert.Contains(t, snap.Reasons[0], "fallback")

	// A short fallback stint alone is not degraded.
	delivery.since = clock.Now().Add(-5 * time.Minute)
	snap = reporter.Snapshot()
	assert.Equal(t, StatusHealthy, snap.Status)
}

func TestHealthReporter_ZeroSweepMeansStartupNotStall(t *testing.T) {
	clock := testfixtures.NewClock(time.Time{})
	reporter := NewHealthReporter(
		&fakePending{}, &fakeSweeper{interval: time.Minute}, &fakeDelivery{mode: "push"},
		clock, 10, 10*time.Minute)

	snap := reporter.Snapshot()
	assert.Equal(t, StatusHealthy, snap.Status)
	assert.True(t, snap.LastSweepTime.IsZero())
}

func TestHealthReporter_ReasonsAccumulate(t *testing.T) {
	clock := testfixtures.NewClock(time.Time{})
	pending := &fakePending{n: 50}
	delivery := &fakeDelivery{mode: "pull", fallback: true, since: clock.Now().Add(-time.Hour)}
	reporter := NewHealthReporter(pending, &fakeSweeper{interval: time.Minute}, delivery, clock, 10, 10*time.Minute)

	snap := reporter.Snapshot()
	assert.Equal(t, StatusDegraded, snap.Status)
	assert.Len(t, snap.Reasons, 2)
}

func TestHealthReporter_CriticalLatch(t *testing.T) {
	clock := testfixtures.NewClock(time.Time{})
	pending := &fakePending{n: 500}
	reporter := NewHealthReporter(pending, &fakeSweeper{interval: time.Minute}, &fakeDelivery{mode: "push"}, clock, 10, 10*time.Minute)

	reporter.MarkCritical("sweep loop dead")

	snap := reporter.Snapshot()
	assert.Equal(t, StatusCritical, snap.Status)
	// Critical short-circuits; degraded reasons are not mixed in.
	assert.Equal(t, []string{"sweep loop dead"}, snap.Reasons)
}
