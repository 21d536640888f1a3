package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-evaluator/internal/config"
	"github.com/noah-isme/gema-evaluator/internal/database"
	"github.com/noah-isme/gema-evaluator/internal/observability"
	"github.com/noah-isme/gema-evaluator/internal/queue"
	"github.com/noah-isme/gema-evaluator/internal/repository"
	"github.com/noah-isme/gema-evaluator/internal/service"
	"github.com/noah-isme/gema-evaluator/internal/worker"
	"github.com/noah-isme/gema-evaluator/pkg/evaluator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.RequireInfrastructure(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "worker").Logger()
	observability.RegisterMetrics()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(context.Background(), cfg.RedisURL, "gema-evaluator-worker")
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName+" worker", logger)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	if natsConn != nil {
		defer natsConn.Drain()
	}

	eval, err := evaluator.New(evaluator.Config{
		Provider:       cfg.AIProvider,
		BaseURL:        cfg.EvaluatorURL,
		Model:          cfg.AIModel,
		OpenAIAPIKey:   cfg.OpenAIAPIKey,
		HealthTimeout:  cfg.EvaluatorHealthTimeout,
		ConnectTimeout: cfg.EvaluatorConnectTimeout,
		Timeout:        cfg.EvaluatorTimeout,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("failed to configure evaluator: %v", err)
	}

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
	processor := service.NewEvaluationProcessor(submissionRepo, evaluationRepo, eval, events, policy, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := worker.NewRunner(jobs, processor, policy, worker.RunnerConfig{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
	}, logger)
	sweeper := worker.NewSweeper(submissionRepo, processor, worker.SweeperConfig{
		Interval:            cfg.SweeperInterval,
		EvaluatingThreshold: cfg.SweeperEvaluatingThreshold,
		QueuedThreshold:     cfg.SweeperQueuedThreshold,
		BatchSize:           cfg.SweeperBatchSize,
	}, logger).WithQueueStats(jobs)

	logger.Info().
		Str("provider", eval.Provider()).
		Dur("worst_case_job_lifetime", policy.WorstCaseLifetime()).
		Msg("evaluation worker starting")

	runner.Start(ctx)
	go sweeper.Run(ctx)

	<-ctx.Done()
	logger.Info().Msg("shutdown requested, waiting for in-flight evaluations")
	runner.Wait()
}
