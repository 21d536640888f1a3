package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API and the evaluation worker.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	JWTSecret   string

	AIProvider              string
	AIModel                 string
	OpenAIAPIKey            string
	EvaluatorURL            string
	EvaluatorHealthTimeout  time.Duration
	EvaluatorConnectTimeout time.Duration
	EvaluatorTimeout        time.Duration

	EvaluationMaxAttempts    int
	EvaluationBackoff        []time.Duration
	EvaluationAttemptTimeout time.Duration
	EvaluationDeadline       time.Duration

	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	QueueName          string

	SweeperInterval            time.Duration
	SweeperEvaluatingThreshold time.Duration
	SweeperQueuedThreshold     time.Duration
	SweeperBatchSize           int

	EventsSubject    string
	StreamPingPeriod time.Duration
	EnqueueRateLimit int
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// WorstCaseJobLifetime is the longest an evaluation job can keep a submission in evaluating.
func (c Config) WorstCaseJobLifetime() time.Duration {
	total := time.Duration(c.EvaluationMaxAttempts) * c.EvaluationAttemptTimeout
	for i := 0; i < c.EvaluationMaxAttempts-1 && len(c.EvaluationBackoff) > 0; i++ {
		idx := i
		if idx >= len(c.EvaluationBackoff) {
			idx = len(c.EvaluationBackoff) - 1
		}
		total += c.EvaluationBackoff[idx]
	}
	if total > c.EvaluationDeadline {
		return c.EvaluationDeadline
	}
	return total
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "GEMA Evaluator")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("ai.provider", "remote")
	v.SetDefault("ai.model", "")
	v.SetDefault("evaluator.url", "http://localhost:8000")
	v.SetDefault("evaluator.health_timeout", "3s")
	v.SetDefault("evaluator.connect_timeout", "5s")
	v.SetDefault("evaluator.timeout", "110s")
	v.SetDefault("evaluation.max_attempts", 3)
	v.SetDefault("evaluation.backoff", "10s,30s,60s")
	v.SetDefault("evaluation.attempt_timeout", "120s")
	v.SetDefault("evaluation.deadline", "10m")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("queue.name", "gema:evaluations")
	v.SetDefault("sweeper.interval", "5m")
	v.SetDefault("sweeper.evaluating_threshold", "15m")
	v.SetDefault("sweeper.queued_threshold", "30m")
	v.SetDefault("sweeper.batch_size", 100)
	v.SetDefault("events.subject", "gema.evaluations")
	v.SetDefault("stream.ping_period", "30s")
	v.SetDefault("rate_limit.enqueue", 10)
}

func fromViper(v *viper.Viper) (Config, error) {
	durations := map[string]*time.Duration{}
	cfg := Config{
		AppName:          v.GetString("app.name"),
		AppEnv:           v.GetString("app.env"),
		AppPort:          v.GetString("app.port"),
		DatabaseURL:      v.GetString("database.url"),
		RedisURL:         v.GetString("redis.url"),
		NATSURL:          v.GetString("nats.url"),
		JWTSecret:        v.GetString("jwt.secret"),
		AIProvider:       strings.ToLower(strings.TrimSpace(v.GetString("ai.provider"))),
		AIModel:          v.GetString("ai.model"),
		OpenAIAPIKey:     v.GetString("openai_api_key"),
		EvaluatorURL:     v.GetString("evaluator.url"),
		QueueName:        v.GetString("queue.name"),
		EventsSubject:    v.GetString("events.subject"),
		SweeperBatchSize: v.GetInt("sweeper.batch_size"),

		EvaluationMaxAttempts: v.GetInt("evaluation.max_attempts"),
		WorkerConcurrency:     v.GetInt("worker.concurrency"),
		EnqueueRateLimit:      v.GetInt("rate_limit.enqueue"),
	}

	durations["evaluator.health_timeout"] = &cfg.EvaluatorHealthTimeout
	durations["evaluator.connect_timeout"] = &cfg.EvaluatorConnectTimeout
	durations["evaluator.timeout"] = &cfg.EvaluatorTimeout
	durations["evaluation.attempt_timeout"] = &cfg.EvaluationAttemptTimeout
	durations["evaluation.deadline"] = &cfg.EvaluationDeadline
	durations["worker.poll_interval"] = &cfg.WorkerPollInterval
	durations["sweeper.interval"] = &cfg.SweeperInterval
	durations["sweeper.evaluating_threshold"] = &cfg.SweeperEvaluatingThreshold
	durations["sweeper.queued_threshold"] = &cfg.SweeperQueuedThreshold
	durations["stream.ping_period"] = &cfg.StreamPingPeriod

	for key, target := range durations {
		parsed, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("invalid %s: must be positive", key)
		}
		*target = parsed
	}

	backoff, err := parseDurationList(v.GetString("evaluation.backoff"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid evaluation.backoff: %w", err)
	}
	cfg.EvaluationBackoff = backoff

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.EvaluationMaxAttempts <= 0 {
		return fmt.Errorf("invalid evaluation.max_attempts: must be positive")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("invalid worker.concurrency: must be positive")
	}
	if c.SweeperBatchSize <= 0 {
		return fmt.Errorf("invalid sweeper.batch_size: must be positive")
	}
	if c.EvaluatorTimeout >= c.EvaluationAttemptTimeout {
		return fmt.Errorf("evaluator.timeout (%s) must be below evaluation.attempt_timeout (%s)", c.EvaluatorTimeout, c.EvaluationAttemptTimeout)
	}
	if worst := c.WorstCaseJobLifetime(); c.SweeperEvaluatingThreshold <= worst {
		return fmt.Errorf("sweeper.evaluating_threshold (%s) must exceed the worst-case job lifetime (%s)", c.SweeperEvaluatingThreshold, worst)
	}
	if c.SweeperQueuedThreshold < c.SweeperEvaluatingThreshold {
		return fmt.Errorf("sweeper.queued_threshold must not be below sweeper.evaluating_threshold")
	}
	return nil
}

// RequireInfrastructure checks the settings every binary needs to reach its backing services.
func (c Config) RequireInfrastructure() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database url must be provided")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("redis url must be provided")
	}
	return nil
}

func parseDurationList(raw string) ([]time.Duration, error) {
	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative backoff %s", d)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one backoff duration is required")
	}
	return out, nil
}
