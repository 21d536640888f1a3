package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxResponseBytes = 1 << 20

const evaluateResponseSchema = `{
  "type": "object",
  "required": ["success"],
  "properties": {
    "success": {"type": "boolean"},
    "data": {
      "type": "object",
      "required": ["total_score"],
      "properties": {
        "total_score": {"type": "number"},
        "functional_score": {"type": ["number", "null"]},
        "code_quality_score": {"type": ["number", "null"]},
        "passed": {"type": ["boolean", "null"]},
        "summary": {"type": ["string", "null"]}
      }
    },
    "error": {
      "type": "object",
      "properties": {
        "type": {"type": "string"},
        "reason": {"type": ["string", "null"]},
        "message": {"type": ["string", "null"]}
      }
    }
  },
  "if": {"properties": {"success": {"const": true}}},
  "then": {"required": ["data"]}
}`

// HTTPConfig configures the remote evaluator client.
type HTTPConfig struct {
	BaseURL        string
	Model          string
	HealthTimeout  time.Duration
	ConnectTimeout time.Duration
	Timeout        time.Duration
	Logger         zerolog.Logger
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// HTTPEvaluator calls the external evaluator service over HTTP.
type HTTPEvaluator struct {
	cfg    HTTPConfig
	client *http.Client
	schema *jsonschema.Schema
	tracer trace.Tracer
	logger zerolog.Logger
}

type evaluateRequest struct {
	RepoURL          string `json:"repo_url"`
	AnswerText       string `json:"answer_text"`
	StudentRunStatus string `json:"student_run_status"`
	TaskTitle        string `json:"task_title"`
	TaskDescription  string `json:"task_description"`
	KnownIssues      string `json:"known_issues"`
}

type evaluateResponse struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data"`
	Error   *struct {
		Type    string `json:"type"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewHTTPEvaluator builds a remote evaluator client.
func NewHTTPEvaluator(cfg HTTPConfig) (*HTTPEvaluator, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("evaluator base url is required")
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 3 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 110 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "remote"
	}

	schema, err := jsonschema.CompileString("evaluate_response.json", evaluateResponseSchema)
	if err != nil {
		return nil, fmt.Errorf("compile evaluator response schema: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   cfg.ConnectTimeout,
				ResponseHeaderTimeout: cfg.Timeout,
				MaxIdleConnsPerHost:   8,
			},
		}
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &HTTPEvaluator{
		cfg:    cfg,
		client: client,
		schema: schema,
		tracer: otel.Tracer("github.com/noah-isme/gema-evaluator/pkg/evaluator/http"),
		logger: logger.With().Str("component", "http_evaluator").Logger(),
	}, nil
}

// Provider implements Evaluator.
func (e *HTTPEvaluator) Provider() string { return "remote" }

// Model implements Evaluator.
func (e *HTTPEvaluator) Model() string { return e.cfg.Model }

// Evaluate implements Evaluator.
func (e *HTTPEvaluator) Evaluate(parent context.Context, input Input) (Outcome, error) {
	ctx, span := e.tracer.Start(parent, "evaluator.remote.evaluate", trace.WithAttributes(
		attribute.String("evaluator.base_url", e.cfg.BaseURL),
	))
	defer span.End()

	if reason, blocked := CheckContent(input); blocked {
		outcome := Unavailable(reason, nil)
		observeOutcome(e.Provider(), outcome)
		return outcome, nil
	}

	if err := e.healthCheck(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("evaluator health check failed")
		span.SetStatus(codes.Error, "healthcheck_failed")
		outcome := Unavailable(ReasonHealthcheckFailed, map[string]interface{}{"error": err.Error()})
		observeOutcome(e.Provider(), outcome)
		return outcome, nil
	}

	start := time.Now()
	outcome, err := e.evaluate(ctx, input)
	evaluationDuration.WithLabelValues(e.Provider()).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}

	if !outcome.IsCompleted() {
		span.SetStatus(codes.Error, string(outcome.Reason))
	}
	span.SetAttributes(
		attribute.String("evaluator.kind", string(outcome.Kind)),
		attribute.String("evaluator.reason", string(outcome.Reason)),
	)
	observeOutcome(e.Provider(), outcome)
	return outcome, nil
}

func (e *HTTPEvaluator) healthCheck(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, e.cfg.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("evaluator health returned status %d", resp.StatusCode)
	}
	return nil
}

func (e *HTTPEvaluator) evaluate(parent context.Context, input Input) (Outcome, error) {
	ctx, cancel := context.WithTimeout(parent, e.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(evaluateRequest{
		RepoURL:          strings.TrimSpace(input.RepoURL),
		AnswerText:       input.AnswerText,
		StudentRunStatus: input.StudentRunStatus,
		TaskTitle:        input.TaskTitle,
		TaskDescription:  input.TaskDescription,
		KnownIssues:      input.KnownIssues,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal evaluate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("build evaluate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return Unavailable(ReasonEvaluatorTimeout, map[string]interface{}{"error": err.Error()}), nil
		}
		return Unavailable(ReasonAPIError, map[string]interface{}{"error": err.Error()}), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(err) {
			return Unavailable(ReasonEvaluatorTimeout, map[string]interface{}{"error": err.Error()}), nil
		}
		return Unavailable(ReasonAPIError, map[string]interface{}{"error": err.Error()}), nil
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return Unavailable(ReasonAPIError, map[string]interface{}{
			"http_status": resp.StatusCode,
			"body":        truncate(string(raw), 512),
		}), nil
	}

	var document interface{}
	if err := json.Unmarshal(raw, &document); err != nil {
		return Unavailable(ReasonException, map[string]interface{}{
			"http_status": resp.StatusCode,
			"error":       fmt.Sprintf("decode evaluator response: %v", err),
		}), nil
	}
	if err := e.schema.Validate(document); err != nil {
		return Unavailable(ReasonException, map[string]interface{}{
			"http_status": resp.StatusCode,
			"error":       fmt.Sprintf("evaluator response failed validation: %v", err),
		}), nil
	}

	var payload evaluateResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Unavailable(ReasonException, map[string]interface{}{"error": err.Error()}), nil
	}

	if !payload.Success || resp.StatusCode >= http.StatusBadRequest {
		return unavailableFromError(resp.StatusCode, payload), nil
	}

	return completedFromData(payload.Data), nil
}

func unavailableFromError(status int, payload evaluateResponse) Outcome {
	metadata := map[string]interface{}{"http_status": status}
	reason := ReasonAPIError
	if payload.Error != nil {
		metadata["error_type"] = payload.Error.Type
		metadata["error_reason"] = payload.Error.Reason
		metadata["error_message"] = payload.Error.Message

		switch strings.ToLower(strings.TrimSpace(payload.Error.Type)) {
		case string(ReasonAIDisabled):
			reason = ReasonAIDisabled
		case string(ReasonNoContent):
			reason = ReasonNoContent
		case string(ReasonMissingRepoURL):
			reason = ReasonMissingRepoURL
		case "timeout", string(ReasonEvaluatorTimeout):
			reason = ReasonEvaluatorTimeout
		}
	}
	return Unavailable(reason, metadata)
}

func completedFromData(data map[string]interface{}) Outcome {
	total, _ := data["total_score"].(float64)
	summary, _ := data["summary"].(string)

	rubric := map[string]interface{}{}
	for _, key := range []string{"functional_score", "code_quality_score"} {
		if value, ok := data[key].(float64); ok {
			rubric[strings.TrimSuffix(key, "_score")] = value
		}
	}

	metadata := make(map[string]interface{}, len(data))
	for k, v := range data {
		metadata[k] = v
	}

	return Completed(int(math.Round(total)), summary, rubric, metadata)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
