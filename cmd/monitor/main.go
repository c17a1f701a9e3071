// Entry point for the compliance monitor and its HTTP surface
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"shiftwatch.service/internal/api"
	"shiftwatch.service/internal/api/handler"
	"shiftwatch.service/internal/config"
	"shiftwatch.service/internal/core"
	"shiftwatch.service/internal/core/model"
	"shiftwatch.service/internal/delivery"
	"shiftwatch.service/internal/delivery/telegram"
	"shiftwatch.service/internal/ports/messaging"
	"shiftwatch.service/internal/ports/repository"
	"shiftwatch.service/pkg/aws"
	"shiftwatch.service/pkg/database"
	"shiftwatch.service/pkg/logger"
	"shiftwatch.service/pkg/telemetry"
)

func main() {
	// Load config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load configuration")
	}

	// Configure structured logging
	logger.Setup("monitor", cfg.IsLocalDev)

	// Configure OpenTelemetry Tracing
	shutdownTracer, err := telemetry.InitTracer("monitor", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to init tracer")
	}
	defer func() {
		_ = shutdownTracer(context.Background())
	}()

	loc, err := cfg.OfficeLocation()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not resolve office timezone")
	}

	// DB connection
	db, err := database.NewInstrumentedConnection(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Error opening database")
	}
	defer db.Close()
	log.Info().Msg("Successfully connected to the database.")

	store := repository.NewPostgresStore(db, loc)
	if err := store.EnsureSchema(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Could not ensure database schema")
	}

	// AWS SDK Config
	awsCfg, err := aws.NewAWSConfig(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load SDK config")
	}
	sqsClient := sqs.NewFromConfig(awsCfg)
	producer := messaging.NewSQSProducer(sqsClient, cfg.AlertQueueURL)

	// Core components
	clock := core.SystemClock()

	fence, err := core.NewGeofence(model.Coordinate{Lat: cfg.OfficeLatitude, Lon: cfg.OfficeLongitude}, cfg.OfficeRadiusMeters)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid office geofence")
	}

	index := core.NewScheduleIndex(store, store, loc)
	machine := core.NewAttendanceStateMachine(store, fence, clock, cfg.GracePeriod(), loc)
	registry := core.NewPendingActionRegistry(cfg.PendingActionTTL(), cfg.CleanupInterval(), clock)

	// Chat delivery
	botClient := telegram.NewBotClient(cfg.BotAPIURL, cfg.BotToken)
	gateway := delivery.NewGateway(botClient, delivery.Settings{
		WebhookURL:     cfg.WebhookPublicURL,
		MaxAttempts:    cfg.DeliveryMaxAttempts,
		BackoffBase:    cfg.DeliveryBackoffBase(),
		AttemptTimeout: cfg.DeliveryTimeout(),
		FallbackAfter:  cfg.FallbackThreshold,
	}, clock)

	dispatcher := core.NewAlertDispatcher(store, gateway, producer, clock, cfg.AdminChatID)
	service := core.NewAttendanceService(machine, registry, index, store, dispatcher, clock)
	monitor := core.NewComplianceMonitor(machine, index, dispatcher, clock, cfg.SweepInterval(), loc)
	health := core.NewHealthReporter(registry, monitor, gateway, clock, cfg.PendingHighWater, cfg.FallbackDegradedThreshold())

	updates := telegram.NewUpdateRouter(service, gateway)
	poller := telegram.NewPoller(botClient, gateway, updates)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Setup router and server
	h := &handler.Handler{
		Service:  service,
		Health:   health,
		Updates:  updates,
		Shutdown: stop,
	}
	router := api.NewRouter(h)

	// Wrap the router with OpenTelemetry middleware to create spans for each request
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: otelhttp.NewHandler(router, "monitor"),
	}

	// Register the webhook before taking traffic. Failure is not fatal: the
	// gateway drops to pull mode and the probe loop keeps trying to recover.
	if err := gateway.EnsurePrimary(ctx); err != nil {
		log.Warn().Err(err).Msg("Starting without webhook delivery")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return registry.Start(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return gateway.RunModeProbe(gctx) })
	g.Go(func() error { return poller.Run(gctx) })

	g.Go(func() error {
		log.Info().Str("port", cfg.ServerPort).Msg("Monitor service starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		// The context is used to inform the server it has 5 seconds to finish
		// the requests it is currently handling
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		health.MarkCritical(err.Error())
		log.Error().Err(err).Interface("health", health.Snapshot()).Msg("Service halted")
		os.Exit(1)
	}

	log.Info().Msg("Server exiting")
}
