package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"shiftwatch.service/internal/core"
	"shiftwatch.service/pkg/metrics"
)

// ErrDeliveryFailure means every send attempt for one message failed. The
// caller decides whether to queue the message for a later retry.
var ErrDeliveryFailure = errors.New("message delivery failed")

// Mode is the active update-delivery channel.
type Mode string

const (
	// ModePush means the chat platform calls our webhook.
	ModePush Mode = "push"
	// ModePull means we long-poll the platform for updates.
	ModePull Mode = "pull"
)

// probeInterval is how often a gateway in pull mode retries webhook
// registration to get back to push.
const probeInterval = 2 * time.Minute

// Telegram throttles bots around 30 messages per second overall.
const (
	sendRatePerSecond = 25
	sendBurst         = 5
)

// ChatAPI is the slice of the bot transport the gateway needs.
type ChatAPI interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	RegisterWebhook(ctx context.Context, url string) error
	DropWebhook(ctx context.Context) error
}

// Settings are the delivery knobs, all taken from configuration.
type Settings struct {
	WebhookURL     string
	MaxAttempts    int
	BackoffBase    time.Duration
	AttemptTimeout time.Duration
	FallbackAfter  int
}

// Gateway sends chat messages with retries, pacing and a circuit breaker,
// and owns the push/pull delivery mode flag. No internal lock is held while
// a network call is in flight.
type Gateway struct {
	api     ChatAPI
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	clock   core.Clock
	st      Settings

	mu            sync.Mutex
	mode          Mode
	fallbackSince time.Time
}

// NewGateway wires a gateway around the given transport. The breaker trips
// on a 50% failure ratio after at least 10 requests, like the other
// outbound dependencies in this codebase.
func NewGateway(api ChatAPI, st Settings, clock core.Clock) *Gateway {
	settings := gobreaker.Settings{
		Name:        "Chat-API",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.5
		},
	}

	return &Gateway{
		api:     api,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(sendRatePerSecond), sendBurst),
		clock:   clock,
		st:      st,
		mode:    ModePush,
	}
}

// Send delivers one message to a chat. It paces outbound traffic, runs each
// attempt through the circuit breaker with its own timeout, and retries
// with exponential backoff up to the configured attempt count. An open
// breaker aborts the retry loop immediately.
func (g *Gateway) Send(ctx context.Context, chatID int64, text string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for send slot: %w", err)
	}

	operation := func() (any, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, g.st.AttemptTimeout)
		defer cancel()

		_, err := g.breaker.Execute(func() (interface{}, error) {
			return nil, g.api.SendMessage(attemptCtx, chatID, text)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) {
				metrics.DeliveryAttempts.WithLabelValues("open_circuit").Inc()
				return nil, backoff.Permanent(err)
			}
			metrics.DeliveryAttempts.WithLabelValues("error").Inc()
			return nil, err
		}

		metrics.DeliveryAttempts.WithLabelValues("ok").Inc()
		return nil, nil
	}

	pol := backoff.NewExponentialBackOff()
	pol.InitialInterval = g.st.BackoffBase
	pol.Multiplier = 2
	pol.RandomizationFactor = 0

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(pol),
		backoff.WithMaxTries(uint(g.st.MaxAttempts)),
	)
	if err != nil {
		return fmt.Errorf("%w: chat %d: %w", ErrDeliveryFailure, chatID, err)
	}

	return nil
}

// EnsurePrimary tries to put the gateway into push mode by registering the
// webhook. With no public URL configured it selects pull mode directly.
// After the configured number of consecutive failures it drops the webhook
// and falls back to pull mode; the probe loop keeps trying to get back.
// Safe to call again at any time.
func (g *Gateway) EnsurePrimary(ctx context.Context) error {
	if g.st.WebhookURL == "" {
		g.mu.Lock()
		g.mode = ModePull
		g.fallbackSince = time.Time{}
		g.mu.Unlock()
		metrics.DeliveryMode.Set(1)

		// Clear any registration left over from a previous deployment so
		// the platform does not keep pushing updates into the void.
		if err := g.api.DropWebhook(ctx); err != nil {
			log.Debug().Err(err).Msg("Dropping stale webhook failed")
		}
		log.Info().Msg("No public webhook URL configured, long-poll delivery selected")
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= g.st.FallbackAfter; attempt++ {
		err := g.api.RegisterWebhook(ctx, g.st.WebhookURL)
		if err == nil {
			g.setPush()
			return nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("Webhook registration failed")

		if attempt == g.st.FallbackAfter {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.st.BackoffBase << (attempt - 1)):
		}
	}

	g.setPull()
	if err := g.api.DropWebhook(ctx); err != nil {
		log.Debug().Err(err).Msg("Dropping half-registered webhook failed")
	}
	return fmt.Errorf("webhook setup failed after %d attempts, using long polling: %w", g.st.FallbackAfter, lastErr)
}

// RunModeProbe periodically retries webhook registration while the gateway
// is in pull mode. Blocks until ctx is done. With no public URL there is
// nothing to register, so the probe just waits for shutdown.
func (g *Gateway) RunModeProbe(ctx context.Context) error {
	if g.st.WebhookURL == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if g.Mode() != ModePull {
				continue
			}
			if err := g.api.RegisterWebhook(ctx, g.st.WebhookURL); err != nil {
				log.Debug().Err(err).Msg("Webhook still unreachable, staying on long polling")
				continue
			}
			g.setPush()
		}
	}
}

// Mode returns the active delivery mode.
func (g *Gateway) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// DeliveryMode is the health view of Mode.
func (g *Gateway) DeliveryMode() string {
	return string(g.Mode())
}

// FallbackSince reports when the gateway dropped into pull mode after a
// failed webhook setup. The second return is false in push mode and for a
// deployment that chose pull mode by configuration.
func (g *Gateway) FallbackSince() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mode != ModePull || g.fallbackSince.IsZero() {
		return time.Time{}, false
	}
	return g.fallbackSince, true
}

func (g *Gateway) setPush() {
	g.mu.Lock()
	recovered := g.mode == ModePull
	g.mode = ModePush
	g.fallbackSince = time.Time{}
	g.mu.Unlock()

	metrics.DeliveryMode.Set(0)
	if recovered {
		log.Info().Msg("Webhook delivery restored, leaving long-poll fallback")
	} else {
		log.Info().Msg("Webhook delivery active")
	}
}

func (g *Gateway) setPull() {
	g.mu.Lock()
	already := g.mode == ModePull
	if !already {
		g.mode = ModePull
		g.fallbackSince = g.clock.Now()
	}
	g.mu.Unlock()

	metrics.DeliveryMode.Set(1)
	if !already {
		log.Warn().Msg("Falling back to long-poll update delivery")
	}
}
