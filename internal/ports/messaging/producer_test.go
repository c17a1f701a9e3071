package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	err          error
	destinations []string
	bodies       [][]byte
}

func (f *fakeSender) SendMessage(ctx context.Context, destination string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.destinations = append(f.destinations, destination)
	f.bodies = append(f.bodies, body)
	return nil
}

func TestPublishAlertRetry(t *testing.T) {
	sender := &fakeSender{}
	producer := NewProducer(sender, "https://sqs.local/alert-retry")

	event := AlertRetryEvent{
		AlertID:    "a1",
		WorkerID:   "w1",
		ShiftDate:  "2025-03-10",
		Kind:       "MISSING_SHIFT",
		ChatID:     555,
		Text:       "w1 missed the 09:00-17:00 shift.",
		OccurredAt: time.Date(2025, time.March, 10, 9, 11, 0, 0, time.UTC),
	}
	require.NoError(t, producer.PublishAlertRetry(context.Background(), event))

	require.Len(t, sender.destinations, 1)
	assert.Equal(t, "https://sqs.local/alert-retry", sender.destinations[0])
	assert.JSONEq(t, `{
		"alertId": "a1",
		"workerId": "w1",
		"shiftDate": "2025-03-10",
		"kind": "MISSING_SHIFT",
		"chatId": 555,
		"text": "w1 missed the 09:00-17:00 shift.",
		"occurredAt": "2025-03-10T09:11:00Z"
	}`, string(sender.bodies[0]))
}

func TestPublishAlertRetry_SenderFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("queue unreachable")}
	producer := NewProducer(sender, "https://sqs.local/alert-retry")

	err := producer.PublishAlertRetry(context.Background(), AlertRetryEvent{AlertID: "a1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send message")
}
