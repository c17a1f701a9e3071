package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"shiftwatch.service/internal/core/model"
)

type alertKey struct {
	workerID  string
	shiftDate string
	kind      model.AlertKind
}

type slotKey struct {
	rotation string
	weekday  time.Weekday
	workerID string
}

// MemoryStore keeps everything in process memory. It backs tests and the
// local dev mode where no database is running, and mirrors the PostgresStore
// behavior including the alert dedupe guard.
type MemoryStore struct {
	mu      sync.RWMutex
	loc     *time.Location
	workers map[string]model.Worker
	events  map[string][]model.AttendanceEvent
	alerts  map[alertKey]model.AlertEvent
	program map[slotKey]model.ProgramRow
}

// NewMemoryStore creates an empty store anchored in loc.
func NewMemoryStore(loc *time.Location) *MemoryStore {
	return &MemoryStore{
		loc:     loc,
		workers: make(map[string]model.Worker),
		events:  make(map[string][]model.AttendanceEvent),
		alerts:  make(map[alertKey]model.AlertEvent),
		program: make(map[slotKey]model.ProgramRow),
	}
}

// CreateWorker inserts one roster entry.
func (s *MemoryStore) CreateWorker(ctx context.Context, w model.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.ID] = w
	return nil
}

// FindWorker fetches one roster entry by ID, nil when unknown.
func (s *MemoryStore) FindWorker(ctx context.Context, id string) (*model.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

// FindWorkerByChatID resolves the roster entry behind a chat identity.
func (s *MemoryStore) FindWorkerByChatID(ctx context.Context, chatID int64) (*model.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *model.Worker
	for _, w := range s.workers {
		if w.ChatID != chatID {
			continue
		}
		if found == nil || w.RegisteredAt.After(found.RegisteredAt) {
			w := w
			found = &w
		}
	}
	return found, nil
}

// ListWorkers returns the full roster ordered by ID.
func (s *MemoryStore) ListWorkers(ctx context.Context) ([]model.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	workers := make([]model.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers, nil
}

// UpdateWorkerStatus flips a roster entry between active and inactive.
func (s *MemoryStore) UpdateWorkerStatus(ctx context.Context, id string, status model.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil
	}
	w.Status = status
	s.workers[id] = w
	return nil
}

// AppendEvent stores one attendance event under its receive-day key.
func (s *MemoryStore) AppendEvent(ctx context.Context, ev model.AttendanceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dayKey := model.DateKey(ev.ReceivedAt.In(s.loc))
	s.events[dayKey] = append(s.events[dayKey], ev)
	return nil
}

// ListDayEvents returns one day's events in receive order.
func (s *MemoryStore) ListDayEvents(ctx context.Context, date string) ([]model.AttendanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]model.AttendanceEvent, len(s.events[date]))
	copy(events, s.events[date])
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].ReceivedAt.Before(events[j].ReceivedAt)
	})
	return events, nil
}

// HasAlert reports whether the violation has already been announced.
func (s *MemoryStore) HasAlert(ctx context.Context, workerID, shiftDate string, kind model.AlertKind) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.alerts[alertKey{workerID, shiftDate, kind}]
	return ok, nil
}

// RecordAlert appends one delivery record, dropping duplicates for the
// same (worker, date, kind) like the database primary key does.
func (s *MemoryStore) RecordAlert(ctx context.Context, alert model.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := alertKey{alert.WorkerID, alert.ShiftDate, alert.Kind}
	if _, ok := s.alerts[key]; ok {
		return nil
	}
	s.alerts[key] = alert
	return nil
}

// ReadProgram fetches the raw weekly program cells for one rotation and
// weekday.
func (s *MemoryStore) ReadProgram(ctx context.Context, rotation string, weekday time.Weekday) ([]model.ProgramRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var program []model.ProgramRow
	for k, r := range s.program {
		if k.rotation == rotation && k.weekday == weekday {
			program = append(program, r)
		}
	}
	sort.Slice(program, func(i, j int) bool { return program[i].WorkerID < program[j].WorkerID })
	return program, nil
}

// PutProgramRow seeds or replaces one weekly program cell.
func (s *MemoryStore) PutProgramRow(r model.ProgramRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.program[slotKey{r.Rotation, r.Weekday, r.WorkerID}] = r
}

// Alerts returns the recorded alert history sorted by send time, for
// inspection in tests.
func (s *MemoryStore) Alerts() []model.AlertEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alerts := make([]model.AlertEvent, 0, len(s.alerts))
	for _, a := range s.alerts {
		alerts = append(alerts, a)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].SentAt.Before(alerts[j].SentAt) })
	return alerts
}
