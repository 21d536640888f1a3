package evaluator

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Provider names accepted by New.
const (
	ProviderRemote   = "remote"
	ProviderOpenAI   = "openai"
	ProviderLocal    = "local"
	ProviderDisabled = "disabled"
)

// Config selects and configures an evaluator strategy.
type Config struct {
	Provider       string
	BaseURL        string
	Model          string
	OpenAIAPIKey   string
	HealthTimeout  time.Duration
	ConnectTimeout time.Duration
	Timeout        time.Duration
	Logger         zerolog.Logger
}

// New resolves the evaluator strategy once, at construction time.
func New(cfg Config) (Evaluator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderRemote:
		remote, err := NewHTTPEvaluator(HTTPConfig{
			BaseURL:        cfg.BaseURL,
			Model:          cfg.Model,
			HealthTimeout:  cfg.HealthTimeout,
			ConnectTimeout: cfg.ConnectTimeout,
			Timeout:        cfg.Timeout,
			Logger:         cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		return remote, nil
	case ProviderOpenAI:
		client, err := NewOpenAIEvaluator(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
			Logger:  cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case ProviderLocal:
		return NewLocalEvaluator(), nil
	case ProviderDisabled:
		return DisabledEvaluator{}, nil
	default:
		return nil, fmt.Errorf("unknown evaluator provider %q", cfg.Provider)
	}
}
