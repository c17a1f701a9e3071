package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"shiftwatch.service/internal/core/model"
	"shiftwatch.service/internal/ports/messaging"
	"shiftwatch.service/internal/ports/repository"
	"shiftwatch.service/pkg/metrics"
)

// ErrDuplicateAlertSuppressed is the expected idempotence outcome: the
// dedupe history already holds this (worker, date, kind). Not a failure.
var ErrDuplicateAlertSuppressed = errors.New("alert already recorded for this shift")

// ChatSender is the delivery contract the dispatcher needs. The gateway
// behind it owns retries, timeouts and the push/pull mode.
type ChatSender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// AlertDispatcher turns compliance transitions into exactly-once
// notifications. The dedupe check runs against the durable alert history,
// so the guarantee holds across restarts; a delivery failure leaves the
// history untouched and hands the alert to the retry queue instead.
type AlertDispatcher struct {
	store    repository.Store
	gateway  ChatSender
	producer messaging.AlertProducer
	clock    Clock

	adminChatID int64
}

// NewAlertDispatcher wires the dispatcher to history, transport and queue.
func NewAlertDispatcher(store repository.Store, gateway ChatSender, producer messaging.AlertProducer, clock Clock, adminChatID int64) *AlertDispatcher {
	return &AlertDispatcher{
		store:       store,
		gateway:     gateway,
		producer:    producer,
		clock:       clock,
		adminChatID: adminChatID,
	}
}

// NotifyMissing announces one missed shift to the administrator. Safe to
// call repeatedly for the same record: only the first delivery is sent and
// recorded, every later call returns ErrDuplicateAlertSuppressed.
func (d *AlertDispatcher) NotifyMissing(ctx context.Context, rec ComplianceRecord) error {
	has, err := d.store.HasAlert(ctx, rec.WorkerID, rec.Date, model.AlertMissingShift)
	if err != nil {
		return fmt.Errorf("checking alert history: %w", err)
	}
	if has {
		metrics.AlertsSuppressed.Inc()
		return ErrDuplicateAlertSuppressed
	}

	text := formatMissingAlert(rec)
	alertID := uuid.NewString()

	if err := d.gateway.Send(ctx, d.adminChatID, text); err != nil {
		// Never drop silently: park it on the queue for the alert worker.
		event := messaging.AlertRetryEvent{
			AlertID:    alertID,
			WorkerID:   rec.WorkerID,
			ShiftDate:  rec.Date,
			Kind:       string(model.AlertMissingShift),
			ChatID:     d.adminChatID,
			Text:       text,
			OccurredAt: d.clock.Now(),
		}
		if qerr := d.producer.PublishAlertRetry(ctx, event); qerr != nil {
			return fmt.Errorf("alert delivery failed and queueing failed (%v): %w", qerr, err)
		}
		metrics.AlertsQueued.Inc()
		log.Warn().Str("worker_id", rec.WorkerID).Str("date", rec.Date).Err(err).
			Msg("Alert delivery failed, queued for retry")
		return fmt.Errorf("alert delivery failed, queued for retry: %w", err)
	}

	alert := model.AlertEvent{
		ID:        alertID,
		WorkerID:  rec.WorkerID,
		ShiftDate: rec.Date,
		Kind:      model.AlertMissingShift,
		Channel:   model.ChannelChat,
		SentAt:    d.clock.Now(),
	}
	if err := d.store.RecordAlert(ctx, alert); err != nil {
		// The message went out; losing the history entry risks one repeat
		// after a restart, which the store's conflict rule absorbs.
		log.Error().Err(err).Str("worker_id", rec.WorkerID).Str("date", rec.Date).
			Msg("Alert sent but recording history failed")
		return fmt.Errorf("recording alert history: %w", err)
	}

	metrics.AlertsSent.WithLabelValues(model.ChannelChat).Inc()
	log.Info().Str("worker_id", rec.WorkerID).Str("date", rec.Date).
		Str("alert_id", alertID).Msg("Missing shift alert sent")
	return nil
}

// NotifyWorkerMessage delivers a free-form message to one worker's chat.
func (d *AlertDispatcher) NotifyWorkerMessage(ctx context.Context, workerID, text string) error {
	w, err := d.store.FindWorker(ctx, workerID)
	if err != nil {
		return fmt.Errorf("looking up worker %s: %w", workerID, err)
	}
	if w == nil {
		return ErrWorkerNotFound
	}

	if err := d.gateway.Send(ctx, w.ChatID, text); err != nil {
		return fmt.Errorf("delivering message to worker %s: %w", workerID, err)
	}
	return nil
}

// NotifyAdmin delivers a free-form message to the administrator channel.
func (d *AlertDispatcher) NotifyAdmin(ctx context.Context, text string) error {
	if err := d.gateway.Send(ctx, d.adminChatID, text); err != nil {
		return fmt.Errorf("delivering admin message: %w", err)
	}
	return nil
}

func formatMissingAlert(rec ComplianceRecord) string {
	return fmt.Sprintf("Missed shift: %s did not check in for the %s-%s shift on %s (grace period expired).",
		rec.WorkerID,
		rec.Shift.Start.Format("15:04"),
		rec.Shift.End.Format("15:04"),
		rec.Date,
	)
}
