package email

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"shiftwatch.service/pkg/telemetry"
)

// Mailer is the escalation channel of last resort.
type Mailer interface {
	SendAlertEscalation(ctx context.Context, to string, workerID, shiftDate, alertText string) error
}

// SESMailer delivers escalation mail through AWS SES.
type SESMailer struct {
	client *ses.Client
	sender string
}

// NewSESMailer wires the mailer.
func NewSESMailer(client *ses.Client, sender string) *SESMailer {
	return &SESMailer{client: client, sender: sender}
}

// SendAlertEscalation mails the administrator an alert that could not be
// delivered over chat.
func (m *SESMailer) SendAlertEscalation(ctx context.Context, to string, workerID, shiftDate, alertText string) error {
	tracer := otel.Tracer("ses-mailer")
	ctx, span := tracer.Start(ctx, "send_email", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	if id := telemetry.GetWorkerIDFromContext(ctx); id != "" {
		span.SetAttributes(attribute.String("app.workerId", id))
	}

	body := fmt.Sprintf(
		"Hello,\n\nA shift compliance alert could not be delivered over chat and needs your attention.\n\nWorker: %s\nShift date: %s\n\n%s\n",
		workerID, shiftDate, alertText,
	)

	input := &ses.SendEmailInput{
		Source: aws.String(m.sender),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String("Shift compliance alert: chat delivery failed"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data: aws.String(body),
				},
			},
		},
	}

	_, err := m.client.SendEmail(ctx, input)
	return err
}
