package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"shiftwatch.service/internal/core"
	"shiftwatch.service/internal/core/model"
)

// Pending-action kinds owned by the chat flow. A /checkin or /checkout
// command parks an await_location action until the worker shares a
// position; a rejected position parks an await_note action so the worker
// can attach an explanation.
const (
	actionAwaitLocation = "await_location"
	actionAwaitNote     = "await_note"
)

type locationRequest struct {
	Kind model.EventKind `json:"kind"`
}

type noteRequest struct {
	Kind model.EventKind `json:"kind"`
	Lat  float64         `json:"lat"`
	Lon  float64         `json:"lon"`
}

// Intake is the slice of the application facade the chat flow drives.
type Intake interface {
	WorkerByChatID(ctx context.Context, chatID int64) (*model.Worker, error)
	RecordEvent(ctx context.Context, in core.EventInput) (model.AttendanceEvent, core.ApplyOutcome, error)
	SaveAction(owner, kind string, payload json.RawMessage) model.PendingAction
	TakeAction(owner, kind string) (model.PendingAction, error)
	CompleteAction(owner, kind string)
	RegisterWorker(ctx context.Context, in core.RegistrationInput) (model.Worker, error)
}

// Replier sends the bot's answers back into the chat.
type Replier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// UpdateRouter turns inbound chat updates into attendance operations. The
// webhook handler and the long-poll loop both feed it, so push and pull
// delivery behave identically.
type UpdateRouter struct {
	intake Intake
	reply  Replier
}

// NewUpdateRouter wires the router.
func NewUpdateRouter(intake Intake, reply Replier) *UpdateRouter {
	return &UpdateRouter{intake: intake, reply: reply}
}

// HandleUpdate processes one update. Updates this service does not care
// about are dropped silently.
func (r *UpdateRouter) HandleUpdate(ctx context.Context, u Update) error {
	if u.Message == nil || u.Message.From == nil {
		return nil
	}
	msg := u.Message
	chatID := msg.Chat.ID
	owner := strconv.FormatInt(chatID, 10)

	if msg.Location != nil {
		return r.handleLocation(ctx, chatID, owner, *msg.Location)
	}

	text := strings.TrimSpace(msg.Text)
	switch {
	case text == "/checkin":
		return r.requestLocation(ctx, chatID, owner, model.KindCheckIn)
	case text == "/checkout":
		return r.requestLocation(ctx, chatID, owner, model.KindCheckOut)
	case strings.HasPrefix(text, "/register"):
		return r.handleRegister(ctx, msg, text)
	case strings.HasPrefix(text, "/"):
		return r.reply.Send(ctx, chatID, "Commands: /register Name;Phone, /checkin, /checkout")
	case text != "":
		return r.handleNote(ctx, chatID, owner, text)
	}

	return nil
}

func (r *UpdateRouter) requestLocation(ctx context.Context, chatID int64, owner string, kind model.EventKind) error {
	w, err := r.intake.WorkerByChatID(ctx, chatID)
	if err != nil {
		return fmt.Errorf("resolving chat %d: %w", chatID, err)
	}
	if w == nil {
		return r.reply.Send(ctx, chatID, "You are not registered yet. Use /register Name;Phone first.")
	}

	payload, err := json.Marshal(locationRequest{Kind: kind})
	if err != nil {
		return fmt.Errorf("marshalling location request: %w", err)
	}
	r.intake.SaveAction(owner, actionAwaitLocation, payload)

	verb := "check in"
	if kind == model.KindCheckOut {
		verb = "check out"
	}
	return r.reply.Send(ctx, chatID, fmt.Sprintf("Share your location to %s.", verb))
}

func (r *UpdateRouter) handleLocation(ctx context.Context, chatID int64, owner string, loc Location) error {
	action, err := r.intake.TakeAction(owner, actionAwaitLocation)
	if errors.Is(err, core.ErrActionNotFound) {
		return r.reply.Send(ctx, chatID, "Use /checkin or /checkout first, then share your location.")
	}
	if err != nil {
		return err
	}

	var req locationRequest
	if err := json.Unmarshal(action.Payload, &req); err != nil {
		r.intake.CompleteAction(owner, actionAwaitLocation)
		return fmt.Errorf("decoding pending location request: %w", err)
	}

	w, err := r.intake.WorkerByChatID(ctx, chatID)
	if err != nil {
		return fmt.Errorf("resolving chat %d: %w", chatID, err)
	}
	if w == nil {
		r.intake.CompleteAction(owner, actionAwaitLocation)
		return r.reply.Send(ctx, chatID, "You are not registered yet. Use /register Name;Phone first.")
	}

	_, outcome, err := r.intake.RecordEvent(ctx, core.EventInput{
		WorkerID:   w.ID,
		Kind:       req.Kind,
		Coordinate: model.Coordinate{Lat: loc.Latitude, Lon: loc.Longitude},
	})
	r.intake.CompleteAction(owner, actionAwaitLocation)

	switch {
	case errors.Is(err, core.ErrInvalidCoordinate):
		return r.reply.Send(ctx, chatID, "That location could not be read. Please share it again.")
	case errors.Is(err, core.ErrAlreadyCheckedIn):
		return r.reply.Send(ctx, chatID, "You have already checked in for this shift.")
	case errors.Is(err, core.ErrAlreadyCheckedOut):
		return r.reply.Send(ctx, chatID, "This shift is already closed.")
	case errors.Is(err, core.ErrNotCheckedIn):
		return r.reply.Send(ctx, chatID, "No open check-in found, so there is nothing to check out from.")
	case err != nil:
		return err
	}

	if outcome.ZoneRejected {
		payload, merr := json.Marshal(noteRequest{Kind: req.Kind, Lat: loc.Latitude, Lon: loc.Longitude})
		if merr != nil {
			return fmt.Errorf("marshalling note request: %w", merr)
		}
		r.intake.SaveAction(owner, actionAwaitNote, payload)
		return r.reply.Send(ctx, chatID, fmt.Sprintf(
			"You appear to be %.0f m away from the workplace, so this attempt did not count. Move closer and try again, or reply with a short note to put the attempt on record.",
			outcome.DistanceMeters,
		))
	}

	return r.reply.Send(ctx, chatID, outcomeReply(req.Kind, outcome))
}

func (r *UpdateRouter) handleNote(ctx context.Context, chatID int64, owner string, text string) error {
	action, err := r.intake.TakeAction(owner, actionAwaitNote)
	if errors.Is(err, core.ErrActionNotFound) {
		// Free-form chatter with nothing pending, nothing to do.
		return nil
	}
	if err != nil {
		return err
	}

	var req noteRequest
	if err := json.Unmarshal(action.Payload, &req); err != nil {
		r.intake.CompleteAction(owner, actionAwaitNote)
		return fmt.Errorf("decoding pending note request: %w", err)
	}

	w, err := r.intake.WorkerByChatID(ctx, chatID)
	if err != nil {
		return fmt.Errorf("resolving chat %d: %w", chatID, err)
	}
	if w == nil {
		r.intake.CompleteAction(owner, actionAwaitNote)
		return nil
	}

	_, _, err = r.intake.RecordEvent(ctx, core.EventInput{
		WorkerID:   w.ID,
		Kind:       req.Kind,
		Coordinate: model.Coordinate{Lat: req.Lat, Lon: req.Lon},
		Note:       text,
	})
	r.intake.CompleteAction(owner, actionAwaitNote)
	if err != nil && !errors.Is(err, core.ErrAlreadyCheckedIn) {
		return err
	}

	return r.reply.Send(ctx, chatID, "Noted. Your attempt and explanation are on record.")
}

func (r *UpdateRouter) handleRegister(ctx context.Context, msg *Message, text string) error {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(strings.TrimPrefix(text, "/register"))
	parts := strings.SplitN(args, ";", 2)
	if len(parts) != 2 {
		return r.reply.Send(ctx, chatID, "Usage: /register Full Name;Phone")
	}

	w, err := r.intake.RegisterWorker(ctx, core.RegistrationInput{
		WorkerID: strconv.FormatInt(msg.From.ID, 10),
		Name:     strings.TrimSpace(parts[0]),
		Phone:    strings.TrimSpace(parts[1]),
		ChatID:   chatID,
	})
	if errors.Is(err, core.ErrWorkerExists) {
		return r.reply.Send(ctx, chatID, "You are already registered.")
	}
	if err != nil {
		log.Debug().Err(err).Int64("chat_id", chatID).Msg("Chat registration rejected")
		return r.reply.Send(ctx, chatID, fmt.Sprintf("Registration failed: %s.", err))
	}

	return r.reply.Send(ctx, chatID, fmt.Sprintf("Welcome %s! Use /checkin when you arrive at work.", w.Name))
}

func outcomeReply(kind model.EventKind, outcome core.ApplyOutcome) string {
	switch {
	case outcome.LateAfterAlert:
		return "Check-in recorded, but the shift was already flagged as missed. The late arrival is on record."
	case !outcome.Scheduled:
		return "You have no shift scheduled right now. The event was still recorded."
	case outcome.State == model.StateOnTime:
		return "Checked in on time. Have a good shift!"
	case outcome.State == model.StateLate:
		return "Checked in late. The delay is on record."
	case outcome.State == model.StateCompleted:
		return "Checked out. See you next shift!"
	case outcome.State == model.StateMissing && kind == model.KindCheckOut:
		return "Check-out noted. The missed check-in for this shift stays on record."
	default:
		return "Recorded."
	}
}
