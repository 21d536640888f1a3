package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-evaluator/internal/observability"
)

const promoteBatchSize = 64

// ErrEmpty is returned by Dequeue when no job is ready.
var ErrEmpty = errors.New("queue empty")

// Queue moves evaluation jobs between the API and the workers.
type Queue interface {
	Dispatch(ctx context.Context, job Job) error
	Schedule(ctx context.Context, job Job, delay time.Duration) error
	Dequeue(ctx context.Context) (Job, error)
}

// Stats summarises queue depth.
type Stats struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
}

// RedisQueue keeps ready jobs in a list and backoff jobs in a sorted set scored by their due time.
// Delivery is at-most-once: a worker that dies holding a job loses it, and the stale sweeper
// repairs the submission.
type RedisQueue struct {
	client     *redis.Client
	readyKey   string
	delayedKey string
	logger     zerolog.Logger
	now        func() time.Time
}

// Option customises a RedisQueue.
type Option func(*RedisQueue)

// WithClock overrides the clock used to score delayed jobs.
func WithClock(now func() time.Time) Option {
	return func(q *RedisQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewRedisQueue constructs a queue rooted at the given key name.
func NewRedisQueue(client *redis.Client, name string, logger zerolog.Logger, opts ...Option) *RedisQueue {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "gema:evaluations"
	}

	q := &RedisQueue{
		client:     client,
		readyKey:   name + ":ready",
		delayedKey: name + ":delayed",
		logger:     logger.With().Str("component", "evaluation_queue").Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Dispatch makes the job immediately available to workers.
func (q *RedisQueue) Dispatch(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.readyKey, payload).Err(); err != nil {
		return fmt.Errorf("dispatch job: %w", err)
	}
	return nil
}

// Schedule makes the job available once delay has elapsed.
func (q *RedisQueue) Schedule(ctx context.Context, job Job, delay time.Duration) error {
	if delay <= 0 {
		return q.Dispatch(ctx, job)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(due), Member: string(payload)}).Err(); err != nil {
		return fmt.Errorf("schedule job: %w", err)
	}
	return nil
}

// Dequeue promotes due delayed jobs and pops the oldest ready job.
func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return Job{}, err
	}

	payload, err := q.client.RPop(ctx, q.readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrEmpty
	}
	if err != nil {
		return Job{}, fmt.Errorf("dequeue job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		q.logger.Error().Err(err).Str("payload", payload).Msg("dropping malformed job payload")
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

// Stats reports queue depth and refreshes the depth gauge.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	ready, err := q.client.LLen(ctx, q.readyKey).Result()
	if err != nil {
		return Stats{}, err
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey).Result()
	if err != nil {
		return Stats{}, err
	}

	observability.QueueDepth().WithLabelValues("ready").Set(float64(ready))
	observability.QueueDepth().WithLabelValues("delayed").Set(float64(delayed))
	return Stats{Ready: ready, Delayed: delayed}, nil
}

func (q *RedisQueue) promoteDue(ctx context.Context) error {
	upper := strconv.FormatInt(q.now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   upper,
		Count: promoteBatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("list due jobs: %w", err)
	}

	for _, member := range due {
		// ZREM decides which worker owns the promotion.
		removed, err := q.client.ZRem(ctx, q.delayedKey, member).Result()
		if err != nil {
			return fmt.Errorf("claim due job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey, member).Err(); err != nil {
			return fmt.Errorf("promote due job: %w", err)
		}
	}
	return nil
}
