package model

import (
	"encoding/json"
	"time"
)

// WorkerStatus defines whether a worker is still part of the active roster.
// Workers are never deleted, only deactivated.
type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "ACTIVE"
	WorkerInactive WorkerStatus = "INACTIVE"
)

// Worker is one roster entry. ID is the stable identifier used by the
// schedule and the attendance log; ChatID is the delivery channel.
type Worker struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Phone        string       `json:"phone"`
	ChatID       int64        `json:"chatId"`
	Status       WorkerStatus `json:"status"`
	RegisteredAt time.Time    `json:"registeredAt"`
}

// EventKind is the direction of an attendance event.
type EventKind string

const (
	KindCheckIn  EventKind = "CHECK_IN"
	KindCheckOut EventKind = "CHECK_OUT"
)

// Coordinate is a WGS84 point in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// AttendanceEvent is one check-in or check-out as it entered the system.
// Events are append-only; rejected check-ins are kept too, with ZoneValid
// false and the worker's note attached for review.
type AttendanceEvent struct {
	ReceiptID      string     `json:"receiptId"`
	WorkerID       string     `json:"workerId"`
	Kind           EventKind  `json:"kind"`
	OccurredAt     time.Time  `json:"occurredAt"`
	ReceivedAt     time.Time  `json:"receivedAt"`
	Coordinate     Coordinate `json:"coordinate"`
	ZoneValid      bool       `json:"zoneValid"`
	DistanceMeters float64    `json:"distanceMeters"`
	Note           string     `json:"note,omitempty"`
}

// ComplianceState is the lifecycle of one scheduled shift.
type ComplianceState string

const (
	StatePending   ComplianceState = "PENDING"
	StateOnTime    ComplianceState = "ON_TIME"
	StateLate      ComplianceState = "LATE"
	StateMissing   ComplianceState = "MISSING"
	StateCompleted ComplianceState = "COMPLETED"
)

// ScheduledShift is one worker's shift for one calendar date, already
// resolved to concrete instants in the office timezone. End is after Start
// even for overnight shifts (the end lands on the next day).
type ScheduledShift struct {
	WorkerID string    `json:"workerId"`
	Date     string    `json:"date"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Location string    `json:"location,omitempty"`
}

// ProgramRow is one raw cell of the weekly program as the source stores it.
// Cell is either "HH:MM-HH:MM" or a rest marker (REST, OFF, empty).
type ProgramRow struct {
	Rotation string       `json:"rotation"`
	Weekday  time.Weekday `json:"weekday"`
	WorkerID string       `json:"workerId"`
	Cell     string       `json:"cell"`
}

// AlertKind distinguishes alert categories in the dedupe history.
type AlertKind string

const (
	AlertMissingShift AlertKind = "MISSING_SHIFT"
)

// Alert delivery channels as recorded in the history.
const (
	ChannelChat  = "chat"
	ChannelEmail = "email"
)

// AlertEvent is the durable record that a violation has been announced.
// (WorkerID, ShiftDate, Kind) is the dedupe key; everything else is audit.
type AlertEvent struct {
	ID        string    `json:"id"`
	WorkerID  string    `json:"workerId"`
	ShiftDate string    `json:"shiftDate"`
	Kind      AlertKind `json:"kind"`
	Channel   string    `json:"channel"`
	SentAt    time.Time `json:"sentAt"`
}

// PendingAction is one in-flight interactive exchange, e.g. a worker who
// was asked for a justification note and has not answered yet. Payload is
// opaque to the engine.
type PendingAction struct {
	Owner     string          `json:"owner"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

const dateLayout = "2006-01-02"

// DateKey renders t's calendar date as the canonical map/storage key.
// Callers pass a time already shifted into the office timezone.
func DateKey(t time.Time) string {
	return t.Format(dateLayout)
}

// ParseDateKey is the inverse of DateKey, anchored in loc.
func ParseDateKey(key string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(dateLayout, key, loc)
}
