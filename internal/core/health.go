package core

import (
	"runtime"
	"sync"
	"time"
)

// HealthStatus is the coarse state the monitoring boundary reports.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusCritical HealthStatus = "critical"
)

// ResourceUsage is the process-level slice of the health snapshot.
type ResourceUsage struct {
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heapAllocBytes"`
	SysBytes       uint64 `json:"sysBytes"`
	NumGC          uint32 `json:"numGc"`
}

// HealthSnapshot is the read contract of the health endpoint.
type HealthSnapshot struct {
	Status             HealthStatus  `json:"status"`
	Reasons            []string      `json:"reasons,omitempty"`
	PendingActionCount int           `json:"pendingActionCount"`
	LastSweepTime      time.Time     `json:"lastSweepTime"`
	DeliveryMode       string        `json:"deliveryMode"`
	Resource           ResourceUsage `json:"resourceUsage"`
}

// The reporter polls its sources read-only; none of these calls may block.
type pendingSource interface {
	Len() int
}

type sweepSource interface {
	LastSweep() time.Time
	Interval() time.Duration
}

type deliverySource interface {
	DeliveryMode() string
	FallbackSince() (time.Time, bool)
}

// HealthReporter aggregates component state into one queryable snapshot.
// It never mutates anything it reads.
type HealthReporter struct {
	pending  pendingSource
	sweeper  sweepSource
	delivery deliverySource
	clock    Clock

	highWater             int
	fallbackDegradedAfter time.Duration

	mu       sync.Mutex
	critical string
}

// NewHealthReporter wires the reporter to its read-only sources.
func NewHealthReporter(pending pendingSource, sweeper sweepSource, delivery deliverySource, clock Clock, highWater int, fallbackDegradedAfter time.Duration) *HealthReporter {
	return &HealthReporter{
		pending:               pending,
		sweeper:               sweeper,
		delivery:              delivery,
		clock:                 clock,
		highWater:             highWater,
		fallbackDegradedAfter: fallbackDegradedAfter,
	}
}

// MarkCritical latches the critical state, e.g. when the sweep loop dies.
// There is no way back; the process is expected to exit shortly after.
func (r *HealthReporter) MarkCritical(cause string) {
	r.mu.Lock()
	r.critical = cause
	r.mu.Unlock()
}

// Snapshot computes the current health view.
func (r *HealthReporter) Snapshot() HealthSnapshot {
	now := r.clock.Now()

	snap := HealthSnapshot{
		Status:             StatusHealthy,
		PendingActionCount: r.pending.Len(),
		LastSweepTime:      r.sweeper.LastSweep(),
		DeliveryMode:       r.delivery.DeliveryMode(),
		Resource:           readResourceUsage(),
	}

	r.mu.Lock()
	critical := r.critical
	r.mu.Unlock()
	if critical != "" {
		snap.Status = StatusCritical
		snap.Reasons = append(snap.Reasons, critical)
		return snap
	}

	if snap.PendingActionCount > r.highWater {
		snap.Reasons = append(snap.Reasons, "pending actions above high-water mark")
	}

	// A zero last-sweep means the monitor has not completed its first pass;
	// that is startup, not a stall.
	if !snap.LastSweepTime.IsZero() && now.Sub(snap.LastSweepTime) > 2*r.sweeper.Interval() {
		snap.Reasons = append(snap.Reasons, "compliance sweep stale")
	}

	if since, ok := r.delivery.FallbackSince(); ok && now.Sub(since) > r.fallbackDegradedAfter {
		snap.Reasons = append(snap.Reasons, "delivery in fallback mode beyond threshold")
	}

	if len(snap.Reasons) > 0 {
		snap.Status = StatusDegraded
	}
	return snap
}

func readResourceUsage() ResourceUsage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ResourceUsage{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: ms.HeapAlloc,
		SysBytes:       ms.Sys,
		NumGC:          ms.NumGC,
	}
}
