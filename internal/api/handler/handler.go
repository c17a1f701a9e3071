package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"shiftwatch.service/internal/core"
	"shiftwatch.service/internal/core/model"
	"shiftwatch.service/internal/delivery"
	"shiftwatch.service/internal/delivery/telegram"
)

var validate = validator.New()

// Handler carries the external HTTP surface of the monitor.
type Handler struct {
	Service *core.AttendanceService
	Health  *core.HealthReporter
	Updates *telegram.UpdateRouter
	// Shutdown triggers the graceful drain. Guarded by once so repeated
	// POST /shutdown calls stay harmless.
	Shutdown func()

	once sync.Once
}

type EventRequest struct {
	WorkerID   string  `json:"workerId" validate:"required"`
	Kind       string  `json:"kind" validate:"required,oneof=CHECK_IN CHECK_OUT"`
	Lat        float64 `json:"lat" validate:"latitude"`
	Lon        float64 `json:"lon" validate:"longitude"`
	OccurredAt string  `json:"occurredAt" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Note       string  `json:"note" validate:"max=500"`
}

type EventResponse struct {
	ReceiptID      string  `json:"receiptId"`
	Accepted       bool    `json:"accepted"`
	State          string  `json:"state,omitempty"`
	Scheduled      bool    `json:"scheduled"`
	DistanceMeters float64 `json:"distanceMeters,omitempty"`
	Explanation    string  `json:"explanation,omitempty"`
}

// RecordEvent takes one attendance event into the state machine.
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var occurred time.Time
	if req.OccurredAt != "" {
		occurred, _ = time.Parse(time.RFC3339, req.OccurredAt)
	}

	ev, outcome, err := h.Service.RecordEvent(r.Context(), core.EventInput{
		WorkerID:   req.WorkerID,
		Kind:       model.EventKind(req.Kind),
		Coordinate: model.Coordinate{Lat: req.Lat, Lon: req.Lon},
		OccurredAt: occurred,
		Note:       req.Note,
	})
	if err != nil {
		h.writeEventError(w, r, err)
		return
	}

	resp := EventResponse{
		ReceiptID:      ev.ReceiptID,
		Accepted:       outcome.Recorded && !outcome.ZoneRejected,
		State:          string(outcome.State),
		Scheduled:      outcome.Scheduled,
		DistanceMeters: outcome.DistanceMeters,
	}
	switch {
	case outcome.ZoneRejected:
		resp.Explanation = fmt.Sprintf("location is %.0f m from the workplace, outside the allowed zone; the attempt was recorded but did not count", outcome.DistanceMeters)
	case outcome.LateAfterAlert:
		resp.Explanation = "check-in arrived after the missed-shift alert and is on record as a late arrival"
	case !outcome.Scheduled:
		resp.Explanation = "no shift is scheduled for this worker right now; the event was recorded"
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeEventError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrWorkerNotFound):
		http.Error(w, "Worker not on roster", http.StatusNotFound)
	case errors.Is(err, core.ErrInvalidCoordinate):
		http.Error(w, "Coordinate out of range", http.StatusBadRequest)
	case errors.Is(err, core.ErrAlreadyCheckedIn):
		http.Error(w, "Already checked in for this shift", http.StatusConflict)
	case errors.Is(err, core.ErrAlreadyCheckedOut):
		http.Error(w, "Shift already closed", http.StatusConflict)
	case errors.Is(err, core.ErrNotCheckedIn):
		http.Error(w, "No open check-in to close", http.StatusConflict)
	default:
		log.Ctx(r.Context()).Error().Err(err).Msg("Event intake failed")
		http.Error(w, "Service error processing event", http.StatusInternalServerError)
	}
}

type ActionRequest struct {
	Owner   string          `json:"owner" validate:"required"`
	Kind    string          `json:"kind" validate:"required"`
	Payload json.RawMessage `json:"payload"`
}

// SaveAction parks one interactive-action payload.
func (h *Handler) SaveAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	action := h.Service.SaveAction(req.Owner, req.Kind, req.Payload)
	writeJSON(w, http.StatusCreated, action)
}

// GetAction fetches the live pending action for (owner, kind).
func (h *Handler) GetAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	action, err := h.Service.TakeAction(vars["owner"], vars["kind"])
	if err != nil {
		http.Error(w, "No pending action", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

// CompleteAction drops the pending action. Idempotent.
func (h *Handler) CompleteAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	h.Service.CompleteAction(vars["owner"], vars["kind"])
	w.WriteHeader(http.StatusNoContent)
}

type RegisterRequest struct {
	WorkerID string `json:"workerId" validate:"required"`
	Name     string `json:"name" validate:"required,min=2"`
	Phone    string `json:"phone" validate:"required,min=8"`
	ChatID   int64  `json:"chatId" validate:"required"`
}

// RegisterWorker adds one roster entry.
func (h *Handler) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	worker, err := h.Service.RegisterWorker(r.Context(), core.RegistrationInput{
		WorkerID: req.WorkerID,
		Name:     req.Name,
		Phone:    req.Phone,
		ChatID:   req.ChatID,
	})
	switch {
	case errors.Is(err, core.ErrInvalidRegistration):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, core.ErrWorkerExists):
		http.Error(w, "Worker ID already registered", http.StatusConflict)
		return
	case err != nil:
		log.Ctx(r.Context()).Error().Err(err).Msg("Registration failed")
		http.Error(w, "Service error registering worker", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, worker)
}

// ListWorkers returns the roster.
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.Service.Workers(r.Context())
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("Roster listing failed")
		http.Error(w, "Service error listing workers", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers, "count": len(workers)})
}

type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=ACTIVE INACTIVE"`
}

// UpdateWorkerStatus activates or soft-deactivates one roster entry.
func (h *Handler) UpdateWorkerStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := h.Service.SetWorkerStatus(r.Context(), mux.Vars(r)["id"], model.WorkerStatus(req.Status))
	switch {
	case errors.Is(err, core.ErrWorkerNotFound):
		http.Error(w, "Worker not on roster", http.StatusNotFound)
		return
	case err != nil:
		log.Ctx(r.Context()).Error().Err(err).Msg("Status update failed")
		http.Error(w, "Service error updating worker", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type MessageRequest struct {
	Text string `json:"text" validate:"required,max=2000"`
}

// MessageWorker relays an administrator message to one worker's chat.
func (h *Handler) MessageWorker(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := h.Service.NotifyWorker(r.Context(), mux.Vars(r)["id"], req.Text)
	switch {
	case errors.Is(err, core.ErrWorkerNotFound):
		http.Error(w, "Worker not on roster", http.StatusNotFound)
		return
	case errors.Is(err, delivery.ErrDeliveryFailure):
		http.Error(w, "Chat delivery failed", http.StatusBadGateway)
		return
	case err != nil:
		log.Ctx(r.Context()).Error().Err(err).Msg("Worker message failed")
		http.Error(w, "Service error sending message", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ComplianceSnapshot reports today's per-worker shift states.
func (h *Handler) ComplianceSnapshot(w http.ResponseWriter, r *http.Request) {
	records := h.Service.ComplianceToday(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

type skippedRow struct {
	WorkerID string `json:"workerId"`
	Cell     string `json:"cell"`
	Reason   string `json:"reason"`
}

type refreshResponse struct {
	Date     string       `json:"date"`
	Rotation string       `json:"rotation"`
	Loaded   int          `json:"loaded"`
	Skipped  []skippedRow `json:"skipped,omitempty"`
}

// RefreshSchedule re-reads today's program, picking up edits without a
// restart.
func (h *Handler) RefreshSchedule(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.RefreshSchedule(r.Context())
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("Schedule refresh failed")
		http.Error(w, "Schedule source unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := refreshResponse{
		Date:     report.Date,
		Rotation: report.Rotation,
		Loaded:   report.Loaded,
	}
	for _, issue := range report.Skipped {
		resp.Skipped = append(resp.Skipped, skippedRow{
			WorkerID: issue.Row.WorkerID,
			Cell:     issue.Row.Cell,
			Reason:   issue.Reason,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// Webhook takes push-mode updates from the chat platform. It always acks;
// a failed update is logged, not re-delivered forever by the platform.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	var u telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, "Invalid update payload", http.StatusBadRequest)
		return
	}

	if err := h.Updates.HandleUpdate(r.Context(), u); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Int64("update_id", u.UpdateID).Msg("Webhook update failed")
	}

	w.WriteHeader(http.StatusOK)
}

// HealthCheck serves the reporter's snapshot. Critical maps to 503 so load
// balancers stop routing here.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	snap := h.Health.Snapshot()
	status := http.StatusOK
	if snap.Status == core.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

// TriggerShutdown starts the graceful drain. Repeated calls are no-ops.
func (h *Handler) TriggerShutdown(w http.ResponseWriter, r *http.Request) {
	h.once.Do(func() {
		log.Info().Msg("Shutdown requested over HTTP")
		go h.Shutdown()
	})
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("Shutting down."))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
