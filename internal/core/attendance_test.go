package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shiftwatch.service/internal/core/model"
	"shiftwatch.service/internal/ports/repository"
	"shiftwatch.service/internal/testfixtures"
)

const (
	officeLat = 37.909411
	officeLon = 23.871109
)

func inZone() model.Coordinate    { return model.Coordinate{Lat: officeLat, Lon: officeLon} }
func outOfZone() model.Coordinate { return model.Coordinate{Lat: officeLat + 0.01, Lon: officeLon} }

func newTestMachine(t *testing.T, clock Clock) (*AttendanceStateMachine, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore(time.UTC)
	fence, err := NewGeofence(model.Coordinate{Lat: officeLat, Lon: officeLon}, 300)
	require.NoError(t, err)
	return NewAttendanceStateMachine(store, fence, clock, 10*time.Minute, time.UTC), store
}

func shiftOn(day time.Time, workerID string, startHour, startMin, endHour, endMin int) model.ScheduledShift {
	start := time.Date(day.Year(), day.Month(), day.Day(), startHour, startMin, 0, 0, time.UTC)
	end := time.Date(day.Year(), day.Month(), day.Day(), endHour, endMin, 0, 0, time.UTC)
	if !end.After(start) {
		end = end.AddDate(0, 0, 1)
	}
	return model.ScheduledShift{WorkerID: workerID, Date: model.DateKey(day), Start: start, End: end}
}

func checkEvent(workerID string, kind model.EventKind, at model.Coordinate) model.AttendanceEvent {
	return model.AttendanceEvent{
		ReceiptID:  "r-" + workerID + "-" + string(kind),
		WorkerID:   workerID,
		Kind:       kind,
		Coordinate: at,
	}
}

func TestApplyCheckIn_GraceBoundary(t *testing.T) {
	day := testfixtures.ReferenceTime()

	cases := []struct {
		name string
		at   time.Time
		want model.ComplianceState
	}{
		{"early arrival", day, model.StateOnTime},
		{"within grace", day.Add(time.Hour + 5*time.Minute), model.StateOnTime},
		{"last on-time second", day.Add(time.Hour + 9*time.Minute + 59*time.Second), model.StateOnTime},
		{"exactly at deadline", day.Add(time.Hour + 10*time.Minute), model.StateLate},
		{"after deadline", day.Add(time.Hour + 25*time.Minute), model.StateLate},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := testfixtures.NewClock(day)
			machine, _ := newTestMachine(t, clock)
			machine.SeedDay(day, []model.ScheduledShift{shiftOn(day, "w1", 9, 0, 17, 0)})

			clock.Set(tc.at)
			out, err := machine.ApplyCheckIn(context.Background(), checkEvent("w1", model.KindCheckIn, inZone()))
			require.NoError(t, err)
			assert.True(t, out.Recorded)
			assert.True(t, out.Scheduled)
			assert.Equal(t, tc.want, out.State)
		})
	}
}

func TestApplyCheckIn_ReplayIsRejectedWithoutSideEffects(t *testing.T) {
	day := testfixtures.ReferenceTime()
	clock := testfixtures.NewClock(day.Add(time.Hour))
	machine, store := newTestMachine(t, clock)
	machine.SeedDay(day, []model.ScheduledShift{shiftOn(day, "w1", 9, 0, 17, 0)})

	_, err := machine.ApplyCheckIn(context.Background(), checkEvent("w1", model.KindCheckIn, inZone()))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	out, err := machine.ApplyCheckIn(context.Background(), checkEvent("w1", model.KindCheckIn, inZone()))
	require.ErrorIs(t, err, ErrAlreadyCheckedIn)
	assert.False(t, out.Recorded)
	assert.Equal(t, model.StateOnTime, out.State)

	events, err := store.ListDayEvents(context.Background(), model.DateKey(day))
	require.NoError(t, err)
	assert.Len(t, events, 1, "replay must not append a second event")
}

func TestApplyCheckIn_OutsideZoneIsLoggedButDoesNotAdvance(t *testing.T) {
	day := testfixtures.ReferenceTime()
	clock := testfixtures.NewClock(day.Add(time.Hour))
	machine, store := newTestMachine(t, clock)
	machine.SeedDay(day, []model.ScheduledShift{shiftOn(day, "w1", 9, 0, 17, 0)})

	out, err := machine.ApplyCheckIn(context.Background(), checkEvent("w1", model.KindCheckIn, outOfZone()))
	require.NoError(t, err)
	assert.True(t, out.Recorded)
	assert.True(t, out.ZoneRejected)
	assert.Equal(t, model.StatePending, out.State)
	assert.Greater(t, out.DistanceMeters, 300.0)

	events, err := store.ListDayEvents(context.Background(), model.DateKey(day))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].ZoneValid)

	// The worker can still check in properly afterwards.
	out, err = machine.ApplyCheckIn(context.Background(), checkEvent("w1", model.KindCheckIn, inZone()))
	require.NoError(t, err)
	assert.Equal(t, model.StateOnTime, out.State)
}

func TestApplyCheckIn_InvalidCoordinate(t *testing.T) {
	day := testfixtures.ReferenceTime()
	machine, store := newTestMachine(t, testfixtures.NewClock(day))
	machine.SeedDay(day, []model.ScheduledShift{shiftOn(day, "w1", 9, 0, 17, 0)})

	_, err := machine.ApplyCheckIn(context.Background(),
		checkEvent("w1", model.KindCheckIn, model.Coordinate{Lat: 91, Lon: 0}))
	require.ErrorIs(t, err, ErrInvalidCoordinate)

	events, err := store.ListDayEvents(context.Background(), model.DateKey(day))
	require.NoError(t, err)
	assert.Empty(t, events, "an unverifiable point must not enter the log")
}

func TestApplyCheckIn_UnscheduledWorkerIsRecordedOnly(t *testing.T) {
	day := testfixtures.ReferenceTime()
	machine, store := newTestMachine(t, testfixtures.NewClock(day))

	out, err := machine.ApplyCheckIn(context.Background(), checkEvent("walk-in", model.KindCheckIn, inZone()))
	require.NoError(t, err)
	assert.True(t, out.Recorded)
	assert.False(t, out.Scheduled)

	events, err := store.ListDayEvents(context.Background(), model.DateKey(day))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestApplyCheckOut_Lifecycle(t *testing.T) {
	day := testfixtures.ReferenceTime()
	clock := testfixtures.NewClock(day.Add(time.Hour))
	machine, _ := newTestMachine(t, clock)
	machine.SeedDay(day, []model.ScheduledShift{shiftOn(day, "w1", 9, 0, 17, 0)})

	// No open check-in yet.
	_, err := machine.ApplyCheckOut(context.Background(), checkEvent("w1", model.KindCheckOut, inZone()))
	require.ErrorIs(t, err, ErrNotCheckedIn)

	_, err = machine.ApplyCheckIn(context.Background(), checkEvent("w1", model.KindCheckIn, inZone()))
	require.NoError(t, err)

	clock.Set(day.Add(9 * time.Hour))
	out, err := machine.ApplyCheckOut(context.Background(), checkEvent("w1", model.KindCheckOut, inZone()))
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, out.State)

	rec, ok := machine.Record(RecordKey{WorkerID: "w1", Date: model.DateKey(day)})
	require.True(t, ok)
	assert.Equal(t, clock.Now(), rec.LastTransition)

	// Completed shifts refuse another check-out.
	_, err = machine.ApplyCheckOut(context.Background(), checkEvent("w1", model.KindCheckOut, inZone()))
	require.ErrorIs(t, err, ErrAlreadyCheckedOut)

	// An unknown worker cannot check out either.
	_, err = machine.ApplyCheckOut(context.Background(), checkEvent("stranger", model.KindCheckOut, inZone()))
	require.ErrorIs(t, err, ErrNotCheckedIn)
}

func TestMarkMissing_TerminalAndLateArrival(t *testing.T) {
	day := testfixtures.ReferenceTime()
	clock := testfixtures.NewClock(day)
	machine, _ := newTestMachine(t, clock)
	machine.SeedDay(day, []model.ScheduledShift{shiftOn(day, "w1", 9, 0, 17, 0)})
	key := RecordKey{WorkerID: "w1", Date: model.DateKey(day)}

	// Not due before the grace deadline.
	clock.Set(day.Add(time.Hour + 9*time.Minute))
	assert.Empty(t, machine.OverduePending(clock.Now()))
	assert.False(t, machine.MarkMissing(key, clock.Now()))

	clock.Set(day.Add(time.Hour + 10*time.Minute))
	due := machine.OverduePending(clock.Now())
	require.Equal(t, []RecordKey{key}, due)
	assert.True(t, machine.MarkMissing(key, clock.Now()))
	assert.False(t, machine.MarkMissing(key, clock.Now()), "second mark must be a no-op")

	// The worker shows up after the alert: the fact is kept, the state stays.
	clock.Set(day.Add(2 * time.Hour))
	out, err := machine.ApplyCheckIn(context.Background(), checkEvent("w1", model.KindCheckIn, inZone()))
	require.NoError(t, err)
	assert.True(t, out.Recorded)
	assert.True(t, out.LateAfterAlert)
	assert.Equal(t, model.StateMissing, out.State)

	rec, ok := machine.Record(key)
	require.True(t, ok)
	assert.Equal(t, model.StateMissing, rec.State)
	assert.True(t, rec.LateAfterAlert)

	// And can leave again without disturbing the record.
	out, err = machine.ApplyCheckOut(context.Background(), checkEvent("w1", model.KindCheckOut, inZone()))
	require.NoError(t, err)
	assert.Equal(t, model.StateMissing, out.State)
	assert.True(t, out.LateAfterAlert)
}

func TestMarkMissing_RacingCheckInWins(t *testing.T) {
	day := testfixtures.ReferenceTime()
	clock := testfixtures.NewClock(day.Add(time.Hour + 15*time.Minute))
	machine, _ := newTestMachine(t, clock)
	machine.SeedDay(day, []model.ScheduledShift{shiftOn(day, "w1", 9, 0, 17, 0)})
	key := RecordKey{WorkerID: "w1", Date: model.DateKey(day)}

	// The sweep scanned the key, but the check-in lands first.
	due := machine.OverduePending(clock.Now())
	require.Len(t, due, 1)

	_, err := machine.ApplyCheckIn(context.Background(), checkEvent("w1", model.KindCheckIn, inZone()))
	require.NoError(t, err)

	assert.False(t, machine.MarkMissing(key, clock.Now()))
	rec, _ := machine.Record(key)
	assert.Equal(t, model.StateLate, rec.State)
}

func TestOvernightShift_CheckOutAfterMidnight(t *testing.T) {
	monday := testfixtures.ReferenceTime()
	clock := testfixtures.NewClock(monday)
	machine, _ := newTestMachine(t, clock)
	machine.SeedDay(monday, []model.ScheduledShift{
		shiftOn(monday, "night", 22, 0, 6, 0),
		shiftOn(monday, "night2", 22, 0, 6, 0),
	})

	clock.Set(time.Date(2025, time.March, 10, 22, 5, 0, 0, time.UTC))
	for _, id := range []string{"night", "night2"} {
		out, err := machine.ApplyCheckIn(context.Background(), checkEvent(id, model.KindCheckIn, inZone()))
		require.NoError(t, err)
		assert.Equal(t, model.StateOnTime, out.State)
	}

	// 01:00 Tuesday still belongs to Monday's record.
	clock.Set(time.Date(2025, time.March, 11, 1, 0, 0, 0, time.UTC))
	out, err := machine.ApplyCheckOut(context.Background(), checkEvent("night", model.KindCheckOut, inZone()))
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, out.State)

	rec, ok := machine.Record(RecordKey{WorkerID: "night", Date: model.DateKey(monday)})
	require.True(t, ok)
	assert.Equal(t, model.StateCompleted, rec.State)

	// Past the shift end the overnight window is closed.
	clock.Set(time.Date(2025, time.March, 11, 7, 0, 0, 0, time.UTC))
	_, err = machine.ApplyCheckOut(context.Background(), checkEvent("night2", model.KindCheckOut, inZone()))
	require.ErrorIs(t, err, ErrNotCheckedIn)
}

func TestSeedDay_IdempotentAndPrunesOldDays(t *testing.T) {
	monday := testfixtures.ReferenceTime()
	clock := testfixtures.NewClock(monday.Add(time.Hour))
	machine, _ := newTestMachine(t, clock)
	shifts := []model.ScheduledShift{shiftOn(monday, "w1", 9, 0, 17, 0)}
	machine.SeedDay(monday, shifts)

	_, err := machine.ApplyCheckIn(context.Background(), checkEvent("w1", model.KindCheckIn, inZone()))
	require.NoError(t, err)

	// Reseeding after a schedule refresh must not reset progressed records.
	machine.SeedDay(monday, shifts)
	rec, ok := machine.Record(RecordKey{WorkerID: "w1", Date: model.DateKey(monday)})
	require.True(t, ok)
	assert.Equal(t, model.StateOnTime, rec.State)

	// Two days later Monday's records are gone, Tuesday's kept.
	tuesday := monday.AddDate(0, 0, 1)
	wednesday := monday.AddDate(0, 0, 2)
	machine.SeedDay(tuesday, []model.ScheduledShift{shiftOn(tuesday, "w1", 9, 0, 17, 0)})
	machine.SeedDay(wednesday, []model.ScheduledShift{shiftOn(wednesday, "w1", 9, 0, 17, 0)})

	_, ok = machine.Record(RecordKey{WorkerID: "w1", Date: model.DateKey(monday)})
	assert.False(t, ok)
	_, ok = machine.Record(RecordKey{WorkerID: "w1", Date: model.DateKey(tuesday)})
	assert.True(t, ok)
}

func TestRebuildDay_ReplaysDurableEvents(t *testing.T) {
	day := testfixtures.ReferenceTime()
	store := repository.NewMemoryStore(time.UTC)
	fence, err := NewGeofence(model.Coordinate{Lat: officeLat, Lon: officeLon}, 300)
	require.NoError(t, err)

	seed := []model.AttendanceEvent{
		{ReceiptID: "e1", WorkerID: "done", Kind: model.KindCheckIn, ReceivedAt: day.Add(time.Hour + 5*time.Minute), ZoneValid: true},
		{ReceiptID: "e2", WorkerID: "done", Kind: model.KindCheckOut, ReceivedAt: day.Add(9 * time.Hour), ZoneValid: true},
		{ReceiptID: "e3", WorkerID: "tardy", Kind: model.KindCheckIn, ReceivedAt: day.Add(time.Hour + 20*time.Minute), ZoneValid: true},
		{ReceiptID: "e4", WorkerID: "rejected", Kind: model.KindCheckIn, ReceivedAt: day.Add(time.Hour), ZoneValid: false},
	}
	for _, ev := range seed {
		require.NoError(t, store.AppendEvent(context.Background(), ev))
	}

	// A fresh process coming up mid-day.
	clock := testfixtures.NewClock(day.Add(10 * time.Hour))
	machine := NewAttendanceStateMachine(store, fence, clock, 10*time.Minute, time.UTC)
	shifts := []model.ScheduledShift{
		shiftOn(day, "done", 9, 0, 17, 0),
		shiftOn(day, "tardy", 9, 0, 17, 0),
		shiftOn(day, "rejected", 9, 0, 17, 0),
		shiftOn(day, "absent", 9, 0, 17, 0),
	}
	require.NoError(t, machine.RebuildDay(context.Background(), day, shifts))

	want := map[string]model.ComplianceState{
		"done":     model.StateCompleted,
		"tardy":    model.StateLate,
		"rejected": model.StatePending,
		"absent":   model.StatePending,
	}
	for id, state := range want {
		rec, ok := machine.Record(RecordKey{WorkerID: id, Date: model.DateKey(day)})
		require.True(t, ok, "record for %s", id)
		assert.Equal(t, state, rec.State, "state for %s", id)
	}

	// Replay reads the log, it must not extend it.
	events, err := store.ListDayEvents(context.Background(), model.DateKey(day))
	require.NoError(t, err)
	assert.Len(t, events, len(seed))

	snap := machine.Snapshot(day)
	require.Len(t, snap, 4)
	assert.Equal(t, "absent", snap[0].WorkerID, "snapshot is ordered by worker")
}
