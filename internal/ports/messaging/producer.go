package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Producer publishes engine events through a MessageSender.
type Producer struct {
	sender        MessageSender
	alertQueueURL string
}

func NewProducer(sender MessageSender, alertQueueURL string) *Producer {
	return &Producer{
		sender:        sender,
		alertQueueURL: alertQueueURL,
	}
}

// NewSQSProducer builds a Producer backed by AWS SQS.
func NewSQSProducer(client SQSClient, alertQueueURL string) *Producer {
	return NewProducer(&SQSSender{client: client}, alertQueueURL)
}

func (p *Producer) PublishAlertRetry(ctx context.Context, event AlertRetryEvent) error {
	return p.publish(ctx, p.alertQueueURL, event)
}

func (p *Producer) publish(ctx context.Context, destination string, body interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}

	// Enrich the current span with worker_id if available
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		var payload struct {
			WorkerID string `json:"workerId"`
		}
		if err := json.Unmarshal(b, &payload); err == nil && payload.WorkerID != "" {
			span.SetAttributes(attribute.String("app.workerId", payload.WorkerID))
		}
	}

	if err := p.sender.SendMessage(ctx, destination, b); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}
