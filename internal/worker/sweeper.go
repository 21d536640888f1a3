package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-evaluator/internal/models"
	"github.com/noah-isme/gema-evaluator/internal/observability"
	"github.com/noah-isme/gema-evaluator/internal/queue"
)

// StaleSource lists submissions stuck in a non-terminal status.
type StaleSource interface {
	ListStale(ctx context.Context, status models.EvaluationStatus, before time.Time, limit int) ([]models.Submission, error)
}

// Expirer force-terminates a stuck submission. It must re-check status and cutoff atomically
// and report false when the submission moved on in the meantime.
type Expirer interface {
	Expire(ctx context.Context, submission models.Submission, cutoff time.Time) (bool, error)
}

// QueueStats reports queue depth. Implementations refresh the depth gauge as a side effect.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// SweeperConfig controls the stale-submission scan.
type SweeperConfig struct {
	Interval            time.Duration
	EvaluatingThreshold time.Duration
	QueuedThreshold     time.Duration
	BatchSize           int
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Evaluating int `json:"evaluating"`
	Queued     int `json:"queued"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Swept returns the number of submissions moved to timed_out.
func (r SweepResult) Swept() int {
	return r.Evaluating + r.Queued
}

// Sweeper periodically times out submissions no job ever finished.
type Sweeper struct {
	source  StaleSource
	expirer Expirer
	depth   QueueStats
	cfg     SweeperConfig
	logger  zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewSweeper constructs a sweeper.
func NewSweeper(source StaleSource, expirer Expirer, cfg SweeperConfig, logger zerolog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.EvaluatingThreshold <= 0 {
		cfg.EvaluatingThreshold = 15 * time.Minute
	}
	if cfg.QueuedThreshold <= 0 {
		cfg.QueuedThreshold = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	return &Sweeper{
		source:  source,
		expirer: expirer,
		cfg:     cfg,
		logger:  logger.With().Str("component", "stale_sweeper").Logger(),
		tracer:  otel.Tracer("github.com/noah-isme/gema-evaluator/internal/worker/sweeper"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithQueueStats makes every tick also sample the queue depth.
func (s *Sweeper) WithQueueStats(stats QueueStats) *Sweeper {
	s.depth = stats
	return s
}

// Run ticks once immediately and then on every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one sweep and samples the queue depth.
func (s *Sweeper) Tick(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("stale sweep failed")
	}
	if s.depth == nil {
		return
	}
	stats, err := s.depth.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("failed to read queue depth")
		}
		return
	}
	s.logger.Debug().Int64("ready", stats.Ready).Int64("delayed", stats.Delayed).Msg("queue depth sampled")
}

// Sweep scans both non-terminal statuses once. Running it concurrently is safe because every
// write is gated on the submission still matching status and cutoff.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := s.tracer.Start(ctx, "evaluation.sweep")
	defer span.End()

	observability.Sweeps().Inc()
	now := s.now()

	var result SweepResult
	buckets := []struct {
		status    models.EvaluationStatus
		threshold time.Duration
		counter   *int
	}{
		{status: models.EvaluationStatusEvaluating, threshold: s.cfg.EvaluatingThreshold, counter: &result.Evaluating},
		{status: models.EvaluationStatusQueued, threshold: s.cfg.QueuedThreshold, counter: &result.Queued},
	}

	for _, bucket := range buckets {
		cutoff := now.Add(-bucket.threshold)
		stale, err := s.source.ListStale(ctx, bucket.status, cutoff, s.cfg.BatchSize)
		if err != nil {
			return result, fmt.Errorf("list stale %s submissions: %w", bucket.status, err)
		}

		for _, submission := range stale {
			applied, err := s.expirer.Expire(ctx, submission, cutoff)
			if err != nil {
				result.Failed++
				s.logger.Error().Err(err).Uint("submission_id", submission.ID).Msg("failed to expire stale submission")
				continue
			}
			if !applied {
				result.Skipped++
				continue
			}
			*bucket.counter++
			observability.Swept().WithLabelValues(string(bucket.status)).Inc()
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.evaluating", result.Evaluating),
		attribute.Int("sweep.queued", result.Queued),
		attribute.Int("sweep.skipped", result.Skipped),
	)
	if result.Swept() > 0 || result.Failed > 0 {
		s.logger.Info().
			Int("evaluating", result.Evaluating).
			Int("queued", result.Queued).
			Int("skipped", result.Skipped).
			Int("failed", result.Failed).
			Msg("stale sweep finished")
	}
	return result, nil
}
