package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-evaluator/internal/observability"
	"github.com/noah-isme/gema-evaluator/internal/queue"
)

const failureHookTimeout = 30 * time.Second

// Processor executes evaluation jobs. Handle runs one attempt; Fail is the terminal write
// performed once retries or the deadline are exhausted.
type Processor interface {
	Handle(ctx context.Context, job queue.Job) error
	Fail(ctx context.Context, job queue.Job, cause error) error
}

// JobSource is the part of the queue the runner consumes.
type JobSource interface {
	Dequeue(ctx context.Context) (queue.Job, error)
	Schedule(ctx context.Context, job queue.Job, delay time.Duration) error
}

// RunnerConfig sizes the runner.
type RunnerConfig struct {
	Concurrency  int
	PollInterval time.Duration
}

// Runner pulls jobs from the queue and enforces the retry policy around each attempt.
type Runner struct {
	source       JobSource
	processor    Processor
	policy       Policy
	concurrency  int
	pollInterval time.Duration
	logger       zerolog.Logger
	tracer       trace.Tracer
	now          func() time.Time
	wg           sync.WaitGroup
}

// NewRunner constructs a runner.
func NewRunner(source JobSource, processor Processor, policy Policy, cfg RunnerConfig, logger zerolog.Logger) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	return &Runner{
		source:       source,
		processor:    processor,
		policy:       policy.normalized(),
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		logger:       logger.With().Str("component", "evaluation_runner").Logger(),
		tracer:       otel.Tracer("github.com/noah-isme/gema-evaluator/internal/worker"),
		now:          time.Now,
	}
}

// Start launches the worker goroutines. They stop polling when ctx is cancelled and let
// in-flight attempts finish.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info().Int("concurrency", r.concurrency).Msg("starting evaluation runner")
	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go r.loop(ctx, i)
	}
}

// Wait blocks until every worker goroutine has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
	r.logger.Info().Msg("evaluation runner stopped")
}

func (r *Runner) loop(ctx context.Context, id int) {
	defer r.wg.Done()
	logger := r.logger.With().Int("worker_id", id).Logger()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := r.source.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				logger.Error().Err(err).Msg("failed to dequeue evaluation job")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.pollInterval):
			}
			continue
		}

		r.Process(context.WithoutCancel(ctx), job)
	}
}

// Process runs one attempt of job and decides between success, retry, drop and the failure hook.
func (r *Runner) Process(ctx context.Context, job queue.Job) {
	logger := r.logger.With().
		Uint("submission_id", job.SubmissionID).
		Str("request_id", job.EvaluationRequestID).
		Int("attempt", job.Attempt).
		Logger()

	if job.Expired(r.now()) {
		logger.Warn().Time("deadline", job.RetryUntil()).Msg("evaluation job picked up after its deadline")
		observability.JobAttempts().WithLabelValues("expired").Inc()
		r.fail(ctx, job, ErrDeadlineExceeded, logger)
		return
	}

	err := r.attempt(ctx, job)
	if err == nil {
		observability.JobAttempts().WithLabelValues("ok").Inc()
		return
	}

	if IsPermanent(err) {
		logger.Warn().Err(err).Msg("dropping evaluation job after permanent error")
		observability.JobAttempts().WithLabelValues("dropped").Inc()
		return
	}

	retry := IsRetry(err)
	if !retry && job.Attempt < r.policy.MaxAttempts {
		if r.policy.CanRetry(job, r.now()) {
			retry = true
		} else {
			// The next attempt would start after the deadline.
			err = errors.Join(ErrDeadlineExceeded, err)
		}
	}
	if retry {
		delay := r.policy.BackoffAfter(job.Attempt)
		scheduleErr := r.source.Schedule(ctx, job.NextAttempt(), delay)
		if scheduleErr == nil {
			logger.Warn().Err(err).Dur("backoff", delay).Msg("evaluation attempt failed, retry scheduled")
			observability.JobAttempts().WithLabelValues("retry").Inc()
			observability.JobRetries().Inc()
			return
		}
		logger.Error().Err(scheduleErr).Msg("failed to schedule evaluation retry")
	}

	observability.JobAttempts().WithLabelValues("failed").Inc()
	r.fail(ctx, job, err, logger)
}

func (r *Runner) attempt(parent context.Context, job queue.Job) (err error) {
	timeout := r.policy.AttemptTimeout
	if remaining := job.RetryUntil().Sub(r.now()); remaining < timeout {
		timeout = remaining
	}

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "evaluation.attempt", trace.WithAttributes(
		attribute.Int64("submission.id", int64(job.SubmissionID)),
		attribute.String("evaluation.request_id", job.EvaluationRequestID),
		attribute.Int("evaluation.attempt", job.Attempt),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("evaluation job panicked: %v", recovered)
		}
		observability.JobDuration().Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	err = r.processor.Handle(ctx, job)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrAttemptTimeout) {
		err = fmt.Errorf("%w: %w", ErrAttemptTimeout, err)
	}
	return err
}

func (r *Runner) fail(parent context.Context, job queue.Job, cause error, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(parent, failureHookTimeout)
	defer cancel()

	if err := r.processor.Fail(ctx, job, cause); err != nil {
		logger.Error().Err(err).AnErr("cause", cause).Msg("evaluation failure hook could not write terminal status")
		return
	}
	logger.Warn().Err(cause).Bool("timeout", IsTimeout(cause)).Msg("evaluation job failed")
}
