package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OpenAIConfig defines configuration options for the OpenAI evaluator.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
	BaseURL     string
	Logger      zerolog.Logger
}

// OpenAIEvaluator implements Evaluator against the OpenAI chat completion API.
type OpenAIEvaluator struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIEvaluator builds a new evaluator using the provided configuration.
func NewOpenAIEvaluator(cfg OpenAIConfig) (*OpenAIEvaluator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 110 * time.Second
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	config.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAIEvaluator{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-evaluator/pkg/evaluator/openai"),
		logger: logger.With().Str("component", "openai_evaluator").Logger(),
	}, nil
}

// Provider implements Evaluator.
func (e *OpenAIEvaluator) Provider() string { return "openai" }

// Model implements Evaluator.
func (e *OpenAIEvaluator) Model() string { return e.cfg.Model }

// Evaluate sends the evaluation request to OpenAI and parses the response.
func (e *OpenAIEvaluator) Evaluate(parent context.Context, input Input) (Outcome, error) {
	ctx, span := e.tracer.Start(parent, "openai.evaluate", trace.WithAttributes(
		attribute.String("model", e.cfg.Model),
	))
	defer span.End()

	if reason, blocked := CheckContent(input); blocked {
		outcome := Unavailable(reason, nil)
		observeOutcome(e.Provider(), outcome)
		return outcome, nil
	}

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: evaluatorSystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildUserPrompt(input),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := e.client.CreateChatCompletion(ctx, request)
	evaluationDuration.WithLabelValues(e.Provider()).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		reason := ReasonAPIError
		if isTimeout(err) {
			reason = ReasonEvaluatorTimeout
		}
		outcome := Unavailable(reason, map[string]interface{}{"error": err.Error()})
		observeOutcome(e.Provider(), outcome)
		return outcome, nil
	}

	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		outcome := Unavailable(ReasonException, map[string]interface{}{"error": "no choices returned from openai"})
		observeOutcome(e.Provider(), outcome)
		return outcome, nil
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	outcome, err := parseEvaluationResponse(content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome = Unavailable(ReasonException, map[string]interface{}{"error": err.Error()})
		observeOutcome(e.Provider(), outcome)
		return outcome, nil
	}

	outcome.Metadata["usage"] = map[string]interface{}{
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"total_tokens":      resp.Usage.TotalTokens,
	}
	observeOutcome(e.Provider(), outcome)
	return outcome, nil
}

func evaluatorSystemPrompt() string {
	return "You are an automated reviewer for student project submissions. Respond with a JSON object containing " +
		"total_score (0-100), functional_score (0-100), code_quality_score (0-100), passed (boolean) and summary " +
		"(short feedback for the student). Focus on correctness, code quality, and the stated task requirements."
}

func buildUserPrompt(input Input) string {
	builder := strings.Builder{}
	builder.WriteString("# Task\n")
	builder.WriteString(input.TaskTitle)
	builder.WriteString("\n\n## Description\n")
	builder.WriteString(input.TaskDescription)
	if input.KnownIssues != "" {
		builder.WriteString("\n\n## Known Issues\n")
		builder.WriteString(input.KnownIssues)
	}
	if input.RepoURL != "" {
		builder.WriteString("\n\n## Repository\n")
		builder.WriteString(input.RepoURL)
	}
	if input.AnswerText != "" {
		builder.WriteString("\n\n## Answer\n")
		builder.WriteString(input.AnswerText)
	}
	if input.StudentRunStatus != "" {
		builder.WriteString("\n\n## Student Run Status\n")
		builder.WriteString(input.StudentRunStatus)
	}
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

func parseEvaluationResponse(content string) (Outcome, error) {
	type payload struct {
		TotalScore       float64  `json:"total_score"`
		FunctionalScore  *float64 `json:"functional_score"`
		CodeQualityScore *float64 `json:"code_quality_score"`
		Passed           *bool    `json:"passed"`
		Summary          string   `json:"summary"`
	}

	var data payload
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return Outcome{}, fmt.Errorf("parse evaluation json: %w", err)
	}

	rubric := map[string]interface{}{}
	if data.FunctionalScore != nil {
		rubric["functional"] = *data.FunctionalScore
	}
	if data.CodeQualityScore != nil {
		rubric["code_quality"] = *data.CodeQualityScore
	}

	metadata := map[string]interface{}{"total_score": data.TotalScore}
	if data.Passed != nil {
		metadata["passed"] = *data.Passed
	}

	return Completed(int(math.Round(data.TotalScore)), data.Summary, rubric, metadata), nil
}
