package evaluator

import (
	"context"
	"strings"
)

// Reason explains why an evaluation could not produce a score.
type Reason string

const (
	ReasonMissingRepoURL    Reason = "missing_repo_url"
	ReasonNoContent         Reason = "no_content"
	ReasonHealthcheckFailed Reason = "healthcheck_failed"
	ReasonAIDisabled        Reason = "ai_disabled"
	ReasonAPIError          Reason = "api_error"
	ReasonEvaluatorTimeout  Reason = "evaluator_timeout"
	ReasonException         Reason = "exception"
)

// Transient reports whether retrying the evaluation could change the outcome.
func (r Reason) Transient() bool {
	switch r {
	case ReasonHealthcheckFailed, ReasonAPIError, ReasonEvaluatorTimeout, ReasonException:
		return true
	default:
		return false
	}
}

// Kind tags an Outcome.
type Kind string

const (
	KindCompleted   Kind = "completed"
	KindUnavailable Kind = "unavailable"
)

// Input contains the artefacts needed to grade a submission.
type Input struct {
	RepoURL          string
	AnswerText       string
	StudentRunStatus string
	TaskTitle        string
	TaskDescription  string
	KnownIssues      string
	RequiresRepoURL  bool
}

// Outcome is the normalised result of an evaluation call.
type Outcome struct {
	Kind         Kind
	Score        int
	Feedback     string
	RubricScores map[string]interface{}
	Reason       Reason
	Metadata     map[string]interface{}
}

// Completed builds a scored outcome, clamping the score into 0..100.
func Completed(score int, feedback string, rubric map[string]interface{}, metadata map[string]interface{}) Outcome {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return Outcome{
		Kind:         KindCompleted,
		Score:        score,
		Feedback:     feedback,
		RubricScores: rubric,
		Metadata:     ensureMetadata(metadata),
	}
}

// Unavailable builds an outcome for an evaluation that produced no score.
func Unavailable(reason Reason, metadata map[string]interface{}) Outcome {
	metadata = ensureMetadata(metadata)
	metadata["reason"] = string(reason)
	return Outcome{
		Kind:     KindUnavailable,
		Reason:   reason,
		Metadata: metadata,
	}
}

// IsCompleted reports whether the outcome carries a score.
func (o Outcome) IsCompleted() bool {
	return o.Kind == KindCompleted
}

// Evaluator grades submissions. Expected unavailability is reported through the Outcome;
// a non-nil error means something unexpected happened and the caller may retry.
type Evaluator interface {
	Evaluate(ctx context.Context, input Input) (Outcome, error)
	Provider() string
	Model() string
}

// CheckContent returns the reason a submission cannot be sent to an evaluator at all.
func CheckContent(input Input) (Reason, bool) {
	repoURL := strings.TrimSpace(input.RepoURL)
	answer := strings.TrimSpace(input.AnswerText)

	if repoURL == "" && answer == "" {
		return ReasonNoContent, true
	}
	if input.RequiresRepoURL && repoURL == "" {
		return ReasonMissingRepoURL, true
	}
	return "", false
}

func ensureMetadata(metadata map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
