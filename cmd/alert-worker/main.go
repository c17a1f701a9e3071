// Entry point for the alert retry worker
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/rs/zerolog/log"

	"shiftwatch.service/internal/config"
	"shiftwatch.service/internal/core"
	"shiftwatch.service/internal/delivery"
	"shiftwatch.service/internal/delivery/email"
	"shiftwatch.service/internal/delivery/telegram"
	"shiftwatch.service/internal/ports/repository"
	"shiftwatch.service/internal/worker"
	"shiftwatch.service/internal/worker/alert"
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
	logger.Setup("alert-worker", cfg.IsLocalDev)

	// Configure OpenTelemetry Tracing
	shutdownTracer, err := telemetry.InitTracer("alert-worker", cfg.OTLPEndpoint)
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
	db, err := database.NewConnection(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Error opening database")
	}
	defer db.Close()
	log.Info().Msg("Successfully connected to the database.")

	// AWS SDK Config
	awsCfg, err := aws.NewAWSConfig(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load SDK config")
	}

	// Initialize Dependencies
	sqsClient := sqs.NewFromConfig(awsCfg)
	sesClient := ses.NewFromConfig(awsCfg)
	store := repository.NewPostgresStore(db, loc)

	// The worker shares the rate-limited, circuit-broken send path with the
	// monitor but never touches webhook registration.
	botClient := telegram.NewBotClient(cfg.BotAPIURL, cfg.BotToken)
	gateway := delivery.NewGateway(botClient, delivery.Settings{
		MaxAttempts:    cfg.DeliveryMaxAttempts,
		BackoffBase:    cfg.DeliveryBackoffBase(),
		AttemptTimeout: cfg.DeliveryTimeout(),
		FallbackAfter:  cfg.FallbackThreshold,
	}, core.SystemClock())

	mailer := email.NewSESMailer(sesClient, cfg.SenderEmail)
	processor := alert.NewProcessor(store, gateway, mailer, cfg.AdminEmail, core.SystemClock())

	// Start Worker
	ctx, cancel := context.WithCancel(context.Background())
	app := worker.NewWorker(sqsClient, cfg.AlertQueueURL, processor)

	go func() {
		app.Start(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info().Msg("Shutting down worker...")

	// Cancel the context to signal the worker to stop polling.
	cancel()

	log.Info().Msg("Worker exited gracefully")
}
