package evaluator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseEvaluationResponseClampsScore(t *testing.T) {
	outcome, err := parseEvaluationResponse(`{"total_score": 140, "functional_score": 100, "passed": true, "summary": "great"}`)
	require.NoError(t, err)
	require.Equal(t, 100, outcome.Score)
	require.Equal(t, "great", outcome.Feedback)
	require.Equal(t, float64(100), outcome.RubricScores["functional"])

	_, err = parseEvaluationResponse("not json")
	require.Error(t, err)
}

func TestOpenAIEvaluatorMapsChatCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]interface{}{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": `{"total_score": 72, "code_quality_score": 65, "summary": "Needs tests"}`,
				},
			}},
			"usage": map[string]interface{}{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	defer server.Close()

	evaluator, err := NewOpenAIEvaluator(OpenAIConfig{APIKey: "test", BaseURL: server.URL + "/v1", Logger: zerolog.Nop()})
	require.NoError(t, err)

	outcome, err := evaluator.Evaluate(context.Background(), Input{AnswerText: "answer", TaskTitle: "Essay"})
	require.NoError(t, err)
	require.True(t, outcome.IsCompleted())
	require.Equal(t, 72, outcome.Score)
	require.Equal(t, "Needs tests", outcome.Feedback)
	require.Contains(t, outcome.Metadata, "usage")
}

func TestOpenAIEvaluatorReportsAPIErrorAsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "boom", "type": "server_error"}}`))
	}))
	defer server.Close()

	evaluator, err := NewOpenAIEvaluator(OpenAIConfig{APIKey: "test", BaseURL: server.URL + "/v1", Logger: zerolog.Nop()})
	require.NoError(t, err)

	outcome, err := evaluator.Evaluate(context.Background(), Input{AnswerText: "answer"})
	require.NoError(t, err)
	require.Equal(t, ReasonAPIError, outcome.Reason)
}
