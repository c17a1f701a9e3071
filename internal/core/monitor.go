package core

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"shiftwatch.service/internal/core/model"
	"shiftwatch.service/pkg/metrics"
)

// MissingNotifier is what the monitor needs from the alerting side.
type MissingNotifier interface {
	NotifyMissing(ctx context.Context, rec ComplianceRecord) error
}

// ComplianceMonitor runs the periodic sweep: every tick it loads the day
// if needed, finds records whose grace deadline has passed and pushes them
// to MISSING, announcing each violation once. Sweep cost tracks the number
// of shifts scheduled today, not historical volume.
type ComplianceMonitor struct {
	machine  *AttendanceStateMachine
	index    *ScheduleIndex
	notifier MissingNotifier
	clock    Clock
	interval time.Duration
	loc      *time.Location

	lastSweep atomic.Int64

	// loadedDay is touched only by the run loop.
	loadedDay string
	rebuilt   bool
}

// NewComplianceMonitor wires the sweep to its collaborators.
func NewComplianceMonitor(machine *AttendanceStateMachine, index *ScheduleIndex, notifier MissingNotifier, clock Clock, interval time.Duration, loc *time.Location) *ComplianceMonitor {
	return &ComplianceMonitor{
		machine:  machine,
		index:    index,
		notifier: notifier,
		clock:    clock,
		interval: interval,
		loc:      loc,
	}
}

// Run executes the sweep loop until ctx is canceled. A failed schedule
// load never stops the loop; the next tick tries again.
func (m *ComplianceMonitor) Run(ctx context.Context) error {
	if err := m.ensureDay(ctx, m.clock.Now()); err != nil {
		log.Error().Err(err).Msg("Initial schedule load failed, will retry on next tick")
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.interval).Msg("Compliance monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Compliance monitor stopping")
			return ctx.Err()
		case <-ticker.C:
			now := m.clock.Now()
			if err := m.ensureDay(ctx, now); err != nil {
				log.Error().Err(err).Msg("Schedule load failed, sweeping with previous index")
			}
			m.Sweep(ctx, now)
		}
	}
}

// ensureDay loads and seeds the current date when the loop crosses
// midnight or has not managed a load yet. The very first successful load
// replays the day's durable events so a restart resumes mid-day state.
func (m *ComplianceMonitor) ensureDay(ctx context.Context, now time.Time) error {
	today := model.DateKey(now.In(m.loc))
	if m.loadedDay == today {
		return nil
	}

	if _, err := m.index.Load(ctx, now); err != nil {
		return err
	}
	shifts := m.index.ShiftsFor(now)

	if !m.rebuilt {
		if err := m.machine.RebuildDay(ctx, now, shifts); err != nil {
			return err
		}
		m.rebuilt = true
	} else {
		m.machine.SeedDay(now, shifts)
	}

	m.loadedDay = today
	return nil
}

// Sweep performs one pass at now and returns how many violations it
// announced. Exposed for tests; Run calls it once per tick.
func (m *ComplianceMonitor) Sweep(ctx context.Context, now time.Time) int {
	started := time.Now()
	announced := 0

	for _, key := range m.machine.OverduePending(now) {
		// MarkMissing re-checks under the key lock; a check-in that landed
		// after our scan wins and we skip the alert.
		if !m.machine.MarkMissing(key, now) {
			continue
		}
		metrics.MissingDeclared.Inc()

		rec, ok := m.machine.Record(key)
		if !ok {
			continue
		}

		err := m.notifier.NotifyMissing(ctx, rec)
		switch {
		case errors.Is(err, ErrDuplicateAlertSuppressed):
			log.Debug().Str("worker_id", key.WorkerID).Str("date", key.Date).
				Msg("Missing alert already on record")
		case err != nil:
			log.Error().Err(err).Str("worker_id", key.WorkerID).Str("date", key.Date).
				Msg("Missing alert delivery failed")
		default:
			announced++
		}
	}

	m.lastSweep.Store(now.UnixNano())
	metrics.SweepsTotal.Inc()
	metrics.SweepDuration.Observe(time.Since(started).Seconds())
	return announced
}

// LastSweep reports when the last sweep completed, zero before the first.
func (m *ComplianceMonitor) LastSweep() time.Time {
	n := m.lastSweep.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).In(m.loc)
}

// Interval reports the configured tick period.
func (m *ComplianceMonitor) Interval() time.Duration { return m.interval }
