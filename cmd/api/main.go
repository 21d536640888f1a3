package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-evaluator/internal/config"
	"github.com/noah-isme/gema-evaluator/internal/database"
	"github.com/noah-isme/gema-evaluator/internal/handler"
	"github.com/noah-isme/gema-evaluator/internal/middleware"
	"github.com/noah-isme/gema-evaluator/internal/observability"
	"github.com/noah-isme/gema-evaluator/internal/queue"
	"github.com/noah-isme/gema-evaluator/internal/repository"
	"github.com/noah-isme/gema-evaluator/internal/router"
	"github.com/noah-isme/gema-evaluator/internal/service"
	"github.com/noah-isme/gema-evaluator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.RequireInfrastructure(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "api").Logger()
	observability.RegisterMetrics()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(context.Background(), cfg.RedisURL, "gema-evaluator-api")
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName+" api", logger)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	if natsConn != nil {
		defer natsConn.Drain()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validate := validator.New(validator.WithRequiredStructEnabled())
	policy := worker.Policy{
		MaxAttempts:    cfg.EvaluationMaxAttempts,
		Backoff:        cfg.EvaluationBackoff,
		AttemptTimeout: cfg.EvaluationAttemptTimeout,
		Deadline:       cfg.EvaluationDeadline,
	}

	submissionRepo := repository.NewSubmissionRepository(db)
	evaluationRepo := repository.NewEvaluationRepository(db)
	jobs := queue.NewRedisQueue(redisClient, cfg.QueueName, logger)

	events := service.NewEvaluationEvents(natsConn, cfg.EventsSubject, logger)
	events.Start(ctx)

	evaluationService := service.NewEvaluationService(submissionRepo, evaluationRepo, jobs, policy, validate, logger)

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("failed to access database handle: %v", err)
	}
	healthChecks := map[string]handler.HealthCheckFunc{
		"database": sqlDB.PingContext,
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: logger})
	router.Register(app, cfg, router.Dependencies{
		EvaluationHandler: handler.NewEvaluationHandler(evaluationService, events, logger, cfg.StreamPingPeriod),
		HealthHandler:     handler.NewHealthHandler(cfg, healthChecks),
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdown(app, logger)
}

func shutdown(app *fiber.App, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
