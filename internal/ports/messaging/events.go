package messaging

import "time"

// AlertRetryEvent is the JSON payload queued when synchronous alert
// delivery exhausted its attempts. The alert worker drains these,
// re-trying the chat channel and escalating to e-mail when that keeps
// failing.
type AlertRetryEvent struct {
	AlertID    string    `json:"alertId"`
	WorkerID   string    `json:"workerId"`
	ShiftDate  string    `json:"shiftDate"`
	Kind       string    `json:"kind"`
	ChatID     int64     `json:"chatId"`
	Text       string    `json:"text"`
	OccurredAt time.Time `json:"occurredAt"`
}
