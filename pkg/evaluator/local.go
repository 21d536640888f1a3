package evaluator

import (
	"context"
	"strings"
)

// LocalEvaluator is a deterministic in-process evaluator for development and tests.
type LocalEvaluator struct{}

// NewLocalEvaluator constructs the local evaluator.
func NewLocalEvaluator() *LocalEvaluator {
	return &LocalEvaluator{}
}

// Provider implements Evaluator.
func (LocalEvaluator) Provider() string { return "local" }

// Model implements Evaluator.
func (LocalEvaluator) Model() string { return "heuristic-v1" }

// Evaluate scores a submission from simple content heuristics.
func (l LocalEvaluator) Evaluate(ctx context.Context, input Input) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Unavailable(ReasonEvaluatorTimeout, map[string]interface{}{"error": err.Error()}), nil
	}
	if reason, blocked := CheckContent(input); blocked {
		return Unavailable(reason, nil), nil
	}

	score := 40
	if strings.TrimSpace(input.RepoURL) != "" {
		score += 30
	}
	words := len(strings.Fields(input.AnswerText))
	switch {
	case words >= 200:
		score += 30
	case words >= 50:
		score += 20
	case words > 0:
		score += 10
	}
	if strings.EqualFold(strings.TrimSpace(input.StudentRunStatus), "failed") {
		score -= 20
	}

	outcome := Completed(score, "Evaluated by the local heuristic evaluator.", map[string]interface{}{
		"functional":   float64(score),
		"code_quality": float64(score),
	}, map[string]interface{}{"words": words})
	observeOutcome(l.Provider(), outcome)
	return outcome, nil
}

// DisabledEvaluator reports every evaluation as routed to manual review.
type DisabledEvaluator struct{}

// Provider implements Evaluator.
func (DisabledEvaluator) Provider() string { return "disabled" }

// Model implements Evaluator.
func (DisabledEvaluator) Model() string { return "" }

// Evaluate implements Evaluator.
func (d DisabledEvaluator) Evaluate(context.Context, Input) (Outcome, error) {
	outcome := Unavailable(ReasonAIDisabled, nil)
	observeOutcome(d.Provider(), outcome)
	return outcome, nil
}
