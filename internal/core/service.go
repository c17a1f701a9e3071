package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"shiftwatch.service/internal/core/model"
	"shiftwatch.service/internal/ports/repository"
	"shiftwatch.service/pkg/metrics"
)

var (
	// ErrWorkerNotFound rejects events and messages naming an unknown or
	// unregistered worker.
	ErrWorkerNotFound = errors.New("worker not on roster")

	// ErrWorkerExists rejects a registration reusing a taken worker ID.
	ErrWorkerExists = errors.New("worker already registered")

	// ErrActionNotFound means no live pending action for the key.
	ErrActionNotFound = errors.New("no pending action for key")

	// ErrInvalidRegistration rejects roster input that fails the field
	// rules. The wrapped message says which rule.
	ErrInvalidRegistration = errors.New("invalid registration")
)

// EventInput is a validated attendance event as the ingress hands it over.
type EventInput struct {
	WorkerID   string
	Kind       model.EventKind
	Coordinate model.Coordinate
	OccurredAt time.Time
	Note       string
}

// RegistrationInput carries one roster registration.
type RegistrationInput struct {
	WorkerID string
	Name     string
	Phone    string
	ChatID   int64
}

// AttendanceService is the application facade the ingress layer talks to.
// It stamps receipts, routes events into the state machine and owns the
// roster operations.
type AttendanceService struct {
	machine  *AttendanceStateMachine
	registry *PendingActionRegistry
	index    *ScheduleIndex
	store    repository.Store
	notifier *AlertDispatcher
	clock    Clock
}

// NewAttendanceService wires the facade.
func NewAttendanceService(machine *AttendanceStateMachine, registry *PendingActionRegistry, index *ScheduleIndex, store repository.Store, notifier *AlertDispatcher, clock Clock) *AttendanceService {
	return &AttendanceService{
		machine:  machine,
		registry: registry,
		index:    index,
		store:    store,
		notifier: notifier,
		clock:    clock,
	}
}

// RecordEvent attaches a receipt to the event and applies it. The returned
// event carries the receipt ID and the claimed occurrence time; the receive
// stamp is assigned by the state machine when the event enters the log.
func (s *AttendanceService) RecordEvent(ctx context.Context, in EventInput) (model.AttendanceEvent, ApplyOutcome, error) {
	w, err := s.store.FindWorker(ctx, in.WorkerID)
	if err != nil {
		return model.AttendanceEvent{}, ApplyOutcome{}, fmt.Errorf("looking up worker %s: %w", in.WorkerID, err)
	}
	if w == nil || w.Status != model.WorkerActive {
		metrics.EventsRejected.WithLabelValues("unknown_worker").Inc()
		return model.AttendanceEvent{}, ApplyOutcome{}, ErrWorkerNotFound
	}

	occurred := in.OccurredAt
	if occurred.IsZero() {
		occurred = s.clock.Now()
	}
	ev := model.AttendanceEvent{
		ReceiptID:  uuid.NewString(),
		WorkerID:   in.WorkerID,
		Kind:       in.Kind,
		OccurredAt: occurred,
		Coordinate: in.Coordinate,
		Note:       strings.TrimSpace(in.Note),
	}

	var outcome ApplyOutcome
	switch in.Kind {
	case model.KindCheckIn:
		outcome, err = s.machine.ApplyCheckIn(ctx, ev)
	case model.KindCheckOut:
		outcome, err = s.machine.ApplyCheckOut(ctx, ev)
	default:
		metrics.EventsRejected.WithLabelValues("bad_kind").Inc()
		return model.AttendanceEvent{}, ApplyOutcome{}, fmt.Errorf("unknown event kind %q", in.Kind)
	}

	switch {
	case errors.Is(err, ErrInvalidCoordinate):
		metrics.EventsRejected.WithLabelValues("invalid_coordinate").Inc()
	case errors.Is(err, ErrAlreadyCheckedIn), errors.Is(err, ErrAlreadyCheckedOut):
		metrics.EventsRejected.WithLabelValues("replay").Inc()
	case errors.Is(err, ErrNotCheckedIn):
		metrics.EventsRejected.WithLabelValues("no_open_check_in").Inc()
	case err == nil && outcome.ZoneRejected:
		metrics.EventsRejected.WithLabelValues("geofence_violation").Inc()
	case err == nil && outcome.Recorded:
		metrics.EventsIngested.WithLabelValues(string(in.Kind)).Inc()
	}

	return ev, outcome, err
}

// SaveAction stores an interactive-action payload for its owner.
func (s *AttendanceService) SaveAction(owner, kind string, payload json.RawMessage) model.PendingAction {
	return s.registry.Put(owner, kind, payload)
}

// TakeAction returns the live pending action for (owner, kind).
func (s *AttendanceService) TakeAction(owner, kind string) (model.PendingAction, error) {
	action, ok := s.registry.Get(owner, kind)
	if !ok {
		return model.PendingAction{}, ErrActionNotFound
	}
	return action, nil
}

// CompleteAction drops the pending action. Completing an already-gone
// action is a no-op, so retried completions stay harmless.
func (s *AttendanceService) CompleteAction(owner, kind string) {
	s.registry.Remove(owner, kind)
}

// RegisterWorker validates and stores one roster entry, then tells the
// administrator. The notice is best-effort; registration stands either way.
func (s *AttendanceService) RegisterWorker(ctx context.Context, in RegistrationInput) (model.Worker, error) {
	if err := validateRegistration(in); err != nil {
		return model.Worker{}, err
	}

	existing, err := s.store.FindWorker(ctx, in.WorkerID)
	if err != nil {
		return model.Worker{}, fmt.Errorf("checking roster for %s: %w", in.WorkerID, err)
	}
	if existing != nil {
		return model.Worker{}, ErrWorkerExists
	}

	w := model.Worker{
		ID:           in.WorkerID,
		Name:         strings.TrimSpace(in.Name),
		Phone:        strings.TrimSpace(in.Phone),
		ChatID:       in.ChatID,
		Status:       model.WorkerActive,
		RegisteredAt: s.clock.Now(),
	}
	if err := s.store.CreateWorker(ctx, w); err != nil {
		return model.Worker{}, fmt.Errorf("storing worker %s: %w", in.WorkerID, err)
	}

	if err := s.notifier.NotifyAdmin(ctx, fmt.Sprintf("New worker registered: %s (%s)", w.Name, w.ID)); err != nil {
		log.Warn().Err(err).Str("worker_id", w.ID).Msg("Registration notice to admin failed")
	}

	log.Info().Str("worker_id", w.ID).Msg("Worker registered")
	return w, nil
}

// SetWorkerStatus activates or soft-deactivates a roster entry.
func (s *AttendanceService) SetWorkerStatus(ctx context.Context, id string, status model.WorkerStatus) error {
	w, err := s.store.FindWorker(ctx, id)
	if err != nil {
		return fmt.Errorf("looking up worker %s: %w", id, err)
	}
	if w == nil {
		return ErrWorkerNotFound
	}
	return s.store.UpdateWorkerStatus(ctx, id, status)
}

// Workers lists the full roster.
func (s *AttendanceService) Workers(ctx context.Context) ([]model.Worker, error) {
	return s.store.ListWorkers(ctx)
}

// WorkerByChatID resolves the roster entry behind a chat identity.
func (s *AttendanceService) WorkerByChatID(ctx context.Context, chatID int64) (*model.Worker, error) {
	return s.store.FindWorkerByChatID(ctx, chatID)
}

// ComplianceToday returns the current day's record snapshot.
func (s *AttendanceService) ComplianceToday(ctx context.Context) []ComplianceRecord {
	return s.machine.Snapshot(s.clock.Now())
}

// RefreshSchedule re-reads today's program and seeds records for any
// shifts that appeared since the last load.
func (s *AttendanceService) RefreshSchedule(ctx context.Context) (LoadReport, error) {
	now := s.clock.Now()
	report, err := s.index.Load(ctx, now)
	if err != nil {
		return LoadReport{}, err
	}
	s.machine.SeedDay(now, s.index.ShiftsFor(now))
	return report, nil
}

// NotifyWorker relays an administrator message to one worker.
func (s *AttendanceService) NotifyWorker(ctx context.Context, workerID, text string) error {
	return s.notifier.NotifyWorkerMessage(ctx, workerID, text)
}

func validateRegistration(in RegistrationInput) error {
	if strings.TrimSpace(in.WorkerID) == "" {
		return fmt.Errorf("%w: worker id is required", ErrInvalidRegistration)
	}
	if utf8.RuneCountInString(strings.TrimSpace(in.Name)) < 2 {
		return fmt.Errorf("%w: name must be at least 2 characters", ErrInvalidRegistration)
	}
	if countDigits(in.Phone) < 8 {
		return fmt.Errorf("%w: phone must contain at least 8 digits", ErrInvalidRegistration)
	}
	if in.ChatID == 0 {
		return fmt.Errorf("%w: chat id is required", ErrInvalidRegistration)
	}
	return nil
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
