package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"shiftwatch.service/internal/core/model"
	"shiftwatch.service/internal/ports/repository"
)

var (
	// ErrAlreadyCheckedIn rejects a second check-in for a shift that is
	// already open or done. Replayed events land here and change nothing.
	ErrAlreadyCheckedIn = errors.New("already checked in for this shift")

	// ErrNotCheckedIn rejects a check-out with no open check-in behind it.
	ErrNotCheckedIn = errors.New("no open check-in to close")

	// ErrAlreadyCheckedOut rejects a check-out replay on a completed shift.
	ErrAlreadyCheckedOut = errors.New("shift already completed")
)

// RecordKey addresses one compliance record.
type RecordKey struct {
	WorkerID string
	Date     string
}

// ComplianceRecord tracks one scheduled shift through its lifecycle.
// MISSING is terminal: an arrival after the alert sets LateAfterAlert for
// reporting but never moves the state back.
type ComplianceRecord struct {
	WorkerID       string                `json:"workerId"`
	Date           string                `json:"date"`
	Shift          model.ScheduledShift  `json:"shift"`
	State          model.ComplianceState `json:"state"`
	LastTransition time.Time             `json:"lastTransition"`
	LateAfterAlert bool                  `json:"lateAfterAlert,omitempty"`
}

// ApplyOutcome tells the intake path what happened to an event.
type ApplyOutcome struct {
	Recorded       bool                  `json:"recorded"`
	Scheduled      bool                  `json:"scheduled"`
	State          model.ComplianceState `json:"state,omitempty"`
	ZoneRejected   bool                  `json:"zoneRejected,omitempty"`
	DistanceMeters float64               `json:"distanceMeters,omitempty"`
	LateAfterAlert bool                  `json:"lateAfterAlert,omitempty"`
}

// AttendanceStateMachine owns the per-shift compliance records for the
// loaded days. Every mutation for a key runs under that key's lock; the
// durable event append happens inside the same critical section so the log
// order matches the state order.
type AttendanceStateMachine struct {
	store repository.Store
	fence *Geofence
	clock Clock
	grace time.Duration
	loc   *time.Location

	mu      sync.RWMutex
	records map[RecordKey]*ComplianceRecord

	keys *keyedMutex
}

// NewAttendanceStateMachine wires the machine to its store and zone.
func NewAttendanceStateMachine(store repository.Store, fence *Geofence, clock Clock, grace time.Duration, loc *time.Location) *AttendanceStateMachine {
	return &AttendanceStateMachine{
		store:   store,
		fence:   fence,
		clock:   clock,
		grace:   grace,
		loc:     loc,
		records: make(map[RecordKey]*ComplianceRecord),
		keys:    newKeyedMutex(),
	}
}

// SeedDay creates PENDING records for the date's shifts. Existing records
// are left alone, so reseeding after a schedule refresh is harmless. Days
// older than the previous one are dropped.
func (m *AttendanceStateMachine) SeedDay(date time.Time, shifts []model.ScheduledShift) {
	key := model.DateKey(date.In(m.loc))
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, shift := range shifts {
		rk := RecordKey{WorkerID: shift.WorkerID, Date: key}
		if _, ok := m.records[rk]; ok {
			continue
		}
		m.records[rk] = &ComplianceRecord{
			WorkerID:       shift.WorkerID,
			Date:           key,
			Shift:          shift,
			State:          model.StatePending,
			LastTransition: now,
		}
	}

	floor := model.DateKey(date.In(m.loc).AddDate(0, 0, -1))
	for rk := range m.records {
		if rk.Date < floor {
			delete(m.records, rk)
		}
	}
}

// RebuildDay reseeds the date and replays its durable events so a restart
// lands on the same states the previous process held. Events are applied
// in arrival order without being re-appended.
func (m *AttendanceStateMachine) RebuildDay(ctx context.Context, date time.Time, shifts []model.ScheduledShift) error {
	m.SeedDay(date, shifts)

	key := model.DateKey(date.In(m.loc))
	events, err := m.store.ListDayEvents(ctx, key)
	if err != nil {
		return fmt.Errorf("replaying events for %s: %w", key, err)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].ReceivedAt.Before(events[j].ReceivedAt)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		rec := m.records[RecordKey{WorkerID: ev.WorkerID, Date: key}]
		if rec == nil || !ev.ZoneValid {
			continue
		}
		replayEvent(rec, ev, m.grace)
	}
	return nil
}

// replayEvent applies the state effect of a historical event. Decisions
// use the event's receipt time, the authoritative clock when it happened.
func replayEvent(rec *ComplianceRecord, ev model.AttendanceEvent, grace time.Duration) {
	switch ev.Kind {
	case model.KindCheckIn:
		if rec.State != model.StatePending {
			return
		}
		if ev.ReceivedAt.Before(rec.Shift.Start.Add(grace)) {
			rec.State = model.StateOnTime
		} else {
			rec.State = model.StateLate
		}
		rec.LastTransition = ev.ReceivedAt
	case model.KindCheckOut:
		if rec.State != model.StateOnTime && rec.State != model.StateLate {
			return
		}
		rec.State = model.StateCompleted
		rec.LastTransition = ev.ReceivedAt
	}
}

// ApplyCheckIn runs one check-in through zone validation and the record's
// state transition. The zone decision and the grace comparison both use
// the engine clock, not the caller's claimed timestamp.
func (m *AttendanceStateMachine) ApplyCheckIn(ctx context.Context, ev model.AttendanceEvent) (ApplyOutcome, error) {
	zone, err := m.fence.Check(ev.Coordinate)
	if err != nil {
		return ApplyOutcome{}, err
	}
	now := m.clock.Now()
	ev.ReceivedAt = now
	ev.ZoneValid = zone.WithinZone
	ev.DistanceMeters = zone.DistanceMeters

	rec, key := m.findRecordForEvent(ev.WorkerID, now)
	if rec != nil {
		m.keys.lock(key)
		defer m.keys.unlock(key)
		// Re-read now that we hold the key: a sweep may have moved it.
		rec = m.record(key)
	}

	if !zone.WithinZone {
		if err := m.store.AppendEvent(ctx, ev); err != nil {
			return ApplyOutcome{}, fmt.Errorf("recording rejected check-in: %w", err)
		}
		log.Warn().Str("worker_id", ev.WorkerID).Float64("distance_m", zone.DistanceMeters).
			Str("note", ev.Note).Msg("Check-in outside office zone, state unchanged")
		return ApplyOutcome{
			Recorded:       true,
			Scheduled:      rec != nil,
			State:          stateOf(rec),
			ZoneRejected:   true,
			DistanceMeters: zone.DistanceMeters,
		}, nil
	}

	if rec == nil {
		// Attendance without a scheduled shift is still a fact worth keeping.
		if err := m.store.AppendEvent(ctx, ev); err != nil {
			return ApplyOutcome{}, fmt.Errorf("recording check-in: %w", err)
		}
		return ApplyOutcome{Recorded: true, DistanceMeters: zone.DistanceMeters}, nil
	}

	switch rec.State {
	case model.StatePending:
		if err := m.store.AppendEvent(ctx, ev); err != nil {
			return ApplyOutcome{}, fmt.Errorf("recording check-in: %w", err)
		}
		next := model.StateOnTime
		if !now.Before(rec.Shift.Start.Add(m.grace)) {
			next = model.StateLate
		}
		m.transition(key, next, now)
		return ApplyOutcome{Recorded: true, Scheduled: true, State: next, DistanceMeters: zone.DistanceMeters}, nil

	case model.StateMissing:
		if err := m.store.AppendEvent(ctx, ev); err != nil {
			return ApplyOutcome{}, fmt.Errorf("recording check-in: %w", err)
		}
		m.markLateAfterAlert(key)
		log.Info().Str("worker_id", ev.WorkerID).Str("date", rec.Date).
			Msg("Check-in after missing alert, recording as late arrival")
		return ApplyOutcome{
			Recorded:       true,
			Scheduled:      true,
			State:          model.StateMissing,
			DistanceMeters: zone.DistanceMeters,
			LateAfterAlert: true,
		}, nil

	default:
		return ApplyOutcome{Scheduled: true, State: rec.State}, ErrAlreadyCheckedIn
	}
}

// ApplyCheckOut closes an open shift. Zone rules match check-in: an
// out-of-zone check-out is logged as a rejected fact and changes nothing.
func (m *AttendanceStateMachine) ApplyCheckOut(ctx context.Context, ev model.AttendanceEvent) (ApplyOutcome, error) {
	zone, err := m.fence.Check(ev.Coordinate)
	if err != nil {
		return ApplyOutcome{}, err
	}
	now := m.clock.Now()
	ev.ReceivedAt = now
	ev.ZoneValid = zone.WithinZone
	ev.DistanceMeters = zone.DistanceMeters

	rec, key := m.findRecordForEvent(ev.WorkerID, now)
	if rec != nil {
		m.keys.lock(key)
		defer m.keys.unlock(key)
		rec = m.record(key)
	}

	if !zone.WithinZone {
		if err := m.store.AppendEvent(ctx, ev); err != nil {
			return ApplyOutcome{}, fmt.Errorf("recording rejected check-out: %w", err)
		}
		log.Warn().Str("worker_id", ev.WorkerID).Float64("distance_m", zone.DistanceMeters).
			Str("note", ev.Note).Msg("Check-out outside office zone, state unchanged")
		return ApplyOutcome{
			Recorded:       true,
			Scheduled:      rec != nil,
			State:          stateOf(rec),
			ZoneRejected:   true,
			DistanceMeters: zone.DistanceMeters,
		}, nil
	}

	if rec == nil {
		return ApplyOutcome{}, ErrNotCheckedIn
	}

	switch rec.State {
	case model.StateOnTime, model.StateLate:
		if err := m.store.AppendEvent(ctx, ev); err != nil {
			return ApplyOutcome{}, fmt.Errorf("recording check-out: %w", err)
		}
		m.transition(key, model.StateCompleted, now)
		return ApplyOutcome{Recorded: true, Scheduled: true, State: model.StateCompleted, DistanceMeters: zone.DistanceMeters}, nil

	case model.StateMissing:
		// The worker showed up after the alert and is now leaving. Keep the
		// fact, keep the state.
		if err := m.store.AppendEvent(ctx, ev); err != nil {
			return ApplyOutcome{}, fmt.Errorf("recording check-out: %w", err)
		}
		return ApplyOutcome{
			Recorded:       true,
			Scheduled:      true,
			State:          model.StateMissing,
			DistanceMeters: zone.DistanceMeters,
			LateAfterAlert: rec.LateAfterAlert,
		}, nil

	case model.StateCompleted:
		return ApplyOutcome{Scheduled: true, State: rec.State}, ErrAlreadyCheckedOut

	default:
		return ApplyOutcome{Scheduled: true, State: rec.State}, ErrNotCheckedIn
	}
}

// MarkMissing moves a still-PENDING record to MISSING once its grace
// deadline has passed. Returns false when the record is gone, already past
// PENDING, or not yet due, so a racing check-in always wins.
func (m *AttendanceStateMachine) MarkMissing(key RecordKey, now time.Time) bool {
	m.keys.lock(key)
	defer m.keys.unlock(key)

	rec := m.record(key)
	if rec == nil || rec.State != model.StatePending {
		return false
	}
	if now.Before(rec.Shift.Start.Add(m.grace)) {
		return false
	}

	m.transition(key, model.StateMissing, now)
	return true
}

// OverduePending lists records still PENDING whose grace deadline has
// passed at now. The caller re-checks each under MarkMissing, so this scan
// can stay lock-light.
func (m *AttendanceStateMachine) OverduePending(now time.Time) []RecordKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []RecordKey
	for key, rec := range m.records {
		if rec.State == model.StatePending && !now.Before(rec.Shift.Start.Add(m.grace)) {
			due = append(due, key)
		}
	}
	return due
}

// Record returns a copy of one compliance record.
func (m *AttendanceStateMachine) Record(key RecordKey) (ComplianceRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return ComplianceRecord{}, false
	}
	return *rec, true
}

// Snapshot returns copies of the date's records, ordered by worker.
func (m *AttendanceStateMachine) Snapshot(date time.Time) []ComplianceRecord {
	key := model.DateKey(date.In(m.loc))

	m.mu.RLock()
	out := make([]ComplianceRecord, 0)
	for rk, rec := range m.records {
		if rk.Date == key {
			out = append(out, *rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// findRecordForEvent locates the record an event from workerID at now
// belongs to: today's, or yesterday's while its overnight shift is still
// running. Callers re-read under the key lock before acting on the state.
func (m *AttendanceStateMachine) findRecordForEvent(workerID string, now time.Time) (*ComplianceRecord, RecordKey) {
	local := now.In(m.loc)

	m.mu.RLock()
	defer m.mu.RUnlock()

	today := RecordKey{WorkerID: workerID, Date: model.DateKey(local)}
	if rec, ok := m.records[today]; ok {
		return rec, today
	}

	yesterday := RecordKey{WorkerID: workerID, Date: model.DateKey(local.AddDate(0, 0, -1))}
	if rec, ok := m.records[yesterday]; ok && now.Before(rec.Shift.End) {
		return rec, yesterday
	}

	return nil, RecordKey{}
}

func (m *AttendanceStateMachine) record(key RecordKey) *ComplianceRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[key]
}

func (m *AttendanceStateMachine) transition(key RecordKey, to model.ComplianceState, at time.Time) {
	m.mu.Lock()
	rec := m.records[key]
	from := rec.State
	rec.State = to
	rec.LastTransition = at
	m.mu.Unlock()

	log.Info().Str("worker_id", key.WorkerID).Str("date", key.Date).
		Str("from", string(from)).Str("to", string(to)).
		Msg("Compliance transition")
}

func (m *AttendanceStateMachine) markLateAfterAlert(key RecordKey) {
	m.mu.Lock()
	if rec := m.records[key]; rec != nil {
		rec.LateAfterAlert = true
	}
	m.mu.Unlock()
}

func stateOf(rec *ComplianceRecord) model.ComplianceState {
	if rec == nil {
		return ""
	}
	return rec.State
}
