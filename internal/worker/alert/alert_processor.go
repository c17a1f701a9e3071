package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"

	"shiftwatch.service/internal/core"
	"shiftwatch.service/internal/core/model"
	"shiftwatch.service/internal/delivery/email"
	"shiftwatch.service/internal/ports/messaging"
	"shiftwatch.service/pkg/metrics"
)

// escalateAfterReceives is how many chat attempts a queued alert gets
// before it goes to e-mail instead.
const escalateAfterReceives = 3

// AlertLog is the slice of the store the processor needs: the dedupe check
// and the durable delivery record.
type AlertLog interface {
	HasAlert(ctx context.Context, workerID, shiftDate string, kind model.AlertKind) (bool, error)
	RecordAlert(ctx context.Context, alert model.AlertEvent) error
}

// Processor drains queued alert retries. Each message is one alert whose
// synchronous delivery failed; the processor re-tries the chat channel and
// escalates to the administrator's e-mail when chat keeps failing.
type Processor struct {
	alerts     AlertLog
	chat       core.ChatSender
	mailer     email.Mailer
	adminEmail string
	clock      core.Clock
}

// NewProcessor creates a new processor for the alert retry queue.
func NewProcessor(alerts AlertLog, chat core.ChatSender, mailer email.Mailer, adminEmail string, clock core.Clock) *Processor {
	return &Processor{
		alerts:     alerts,
		chat:       chat,
		mailer:     mailer,
		adminEmail: adminEmail,
		clock:      clock,
	}
}

// Process handles one queued alert. It is safe against redelivery: the
// dedupe history is checked first, and the alert is recorded only after a
// channel actually accepted it.
func (p *Processor) Process(ctx context.Context, msg types.Message) (bool, int32, error) {
	var event messaging.AlertRetryEvent
	if err := json.Unmarshal([]byte(*msg.Body), &event); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("Failed to unmarshal alert retry event")
		return false, 0, err // Do not retry on malformed message
	}

	log.Ctx(ctx).Info().
		Str("worker_id", event.WorkerID).
		Str("shift_date", event.ShiftDate).
		Msg("Retrying alert delivery")

	sent, err := p.alerts.HasAlert(ctx, event.WorkerID, event.ShiftDate, model.AlertKind(event.Kind))
	if err != nil {
		return true, 10, fmt.Errorf("failed to check alert history: %w", err)
	}
	if sent {
		// Another path delivered this alert in the meantime.
		metrics.AlertsSuppressed.Inc()
		return false, 0, nil
	}

	receives := receiveCount(msg)

	if err := p.chat.Send(ctx, event.ChatID, event.Text); err == nil {
		return p.recordDelivered(ctx, event, model.ChannelChat)
	} else if receives < escalateAfterReceives {
		return true, calculateBackoff(receives), fmt.Errorf("chat retry failed: %w", err)
	}

	// Chat has failed repeatedly; hand the alert to a human inbox.
	text := fmt.Sprintf("Chat delivery failed %d times.\n\n%s", receives, event.Text)
	if err := p.mailer.SendAlertEscalation(ctx, p.adminEmail, event.WorkerID, event.ShiftDate, text); err != nil {
		return true, calculateBackoff(receives), fmt.Errorf("chat and e-mail escalation both failed: %w", err)
	}

	log.Ctx(ctx).Warn().
		Str("worker_id", event.WorkerID).
		Str("shift_date", event.ShiftDate).
		Msg("Alert escalated to e-mail")
	return p.recordDelivered(ctx, event, model.ChannelEmail)
}

func (p *Processor) recordDelivered(ctx context.Context, event messaging.AlertRetryEvent, channel string) (bool, int32, error) {
	record := model.AlertEvent{
		ID:        event.AlertID,
		WorkerID:  event.WorkerID,
		ShiftDate: event.ShiftDate,
		Kind:      model.AlertKind(event.Kind),
		Channel:   channel,
		SentAt:    p.clock.Now(),
	}
	if err := p.alerts.RecordAlert(ctx, record); err != nil {
		// The worker delivered but could not record. Retry soon; the
		// dedupe check above keeps the redelivery from double-sending.
		return true, 10, fmt.Errorf("alert delivered but not recorded: %w", err)
	}

	metrics.AlertsSent.WithLabelValues(channel).Inc()
	return false, 0, nil
}

func receiveCount(msg types.Message) int {
	raw, ok := msg.Attributes["ApproximateReceiveCount"]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// calculateBackoff determines how long to wait before retrying a failed job.
// It increases the delay exponentially with each retry.
func calculateBackoff(retryCount int) int32 {
	backoff := int32(math.Pow(2, float64(retryCount)) * 10)
	if backoff > 3600 {
		return 3600 // max at 1 hour
	}
	return backoff
}
