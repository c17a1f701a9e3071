package telegram

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"shiftwatch.service/internal/delivery"
)

const (
	// pollTimeoutSeconds is the server-side hold of one getUpdates call.
	pollTimeoutSeconds = 30
	// idlePause is the recheck interval while push delivery is active.
	idlePause = 2 * time.Second
	// errorPause keeps a broken platform from being hammered.
	errorPause = 3 * time.Second
)

// UpdatesClient is the slice of the bot transport the poller needs.
type UpdatesClient interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
}

// DeliveryState exposes the gateway's push/pull flag.
type DeliveryState interface {
	Mode() delivery.Mode
}

// Poller long-polls the platform for updates while the gateway is in pull
// mode and stays idle otherwise. Updates go through the same router as the
// webhook, so nothing downstream sees the difference.
type Poller struct {
	api    UpdatesClient
	state  DeliveryState
	router *UpdateRouter
	offset int64
}

// NewPoller wires the pull-mode update loop.
func NewPoller(api UpdatesClient, state DeliveryState, router *UpdateRouter) *Poller {
	return &Poller{api: api, state: state, router: router}
}

// Run blocks until ctx is done. One bad update never stops the loop.
func (p *Poller) Run(ctx context.Context) error {
	log.Info().Msg("Update poller started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if p.state.Mode() != delivery.ModePull {
			if err := pause(ctx, idlePause); err != nil {
				return err
			}
			continue
		}

		updates, err := p.api.GetUpdates(ctx, p.offset, pollTimeoutSeconds)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Msg("Long poll failed")
			if err := pause(ctx, errorPause); err != nil {
				return err
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= p.offset {
				p.offset = u.UpdateID + 1
			}
			if err := p.router.HandleUpdate(ctx, u); err != nil {
				log.Error().Err(err).Int64("update_id", u.UpdateID).Msg("Failed to handle update")
			}
		}
	}
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
