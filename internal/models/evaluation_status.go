package models

import (
	"fmt"
	"strings"
)

// EvaluationStatus is the canonical lifecycle value stored on a submission and mirrored on audit rows.
type EvaluationStatus string

const (
	EvaluationStatusQueued       EvaluationStatus = "queued"
	EvaluationStatusEvaluating   EvaluationStatus = "evaluating"
	EvaluationStatusCompleted    EvaluationStatus = "completed"
	EvaluationStatusManualReview EvaluationStatus = "manual_review"
	EvaluationStatusSkipped      EvaluationStatus = "skipped"
	EvaluationStatusFailed       EvaluationStatus = "failed"
	EvaluationStatusTimedOut     EvaluationStatus = "timed_out"
)

// AuditStatus is the narrow status persisted on audit rows.
type AuditStatus string

const (
	AuditStatusQueued    AuditStatus = "queued"
	AuditStatusRunning   AuditStatus = "running"
	AuditStatusSucceeded AuditStatus = "succeeded"
	AuditStatusFailed    AuditStatus = "failed"
)

// Reason codes recorded on audit rows.
const (
	ReasonMissingRepoURL    = "missing_repo_url"
	ReasonNoContent         = "no_content"
	ReasonHealthcheckFailed = "healthcheck_failed"
	ReasonAIDisabled        = "ai_disabled"
	ReasonAPIError          = "api_error"
	ReasonEvaluatorTimeout  = "evaluator_timeout"
	ReasonException         = "exception"
	ReasonStaleCleanup      = "stale_cleanup"
	ReasonJobFailed         = "job_failed"
	ReasonJobTimedOut       = "job_timed_out"
	ReasonEnqueued          = "enqueued"
	ReasonRequeued          = "requeued"
	ReasonRetryScheduled    = "retry_scheduled"
	ReasonSuperseded        = "superseded"
)

var terminalStatuses = []EvaluationStatus{
	EvaluationStatusCompleted,
	EvaluationStatusManualReview,
	EvaluationStatusSkipped,
	EvaluationStatusFailed,
	EvaluationStatusTimedOut,
}

var allowedStatusTransitions = map[EvaluationStatus]map[EvaluationStatus]struct{}{
	EvaluationStatusQueued: {
		EvaluationStatusQueued:       {},
		EvaluationStatusEvaluating:   {},
		EvaluationStatusCompleted:    {},
		EvaluationStatusManualReview: {},
		EvaluationStatusSkipped:      {},
		EvaluationStatusFailed:       {},
		EvaluationStatusTimedOut:     {},
	},
	EvaluationStatusEvaluating: {
		EvaluationStatusQueued:       {},
		EvaluationStatusEvaluating:   {},
		EvaluationStatusCompleted:    {},
		EvaluationStatusManualReview: {},
		EvaluationStatusSkipped:      {},
		EvaluationStatusFailed:       {},
		EvaluationStatusTimedOut:     {},
	},
}

func init() {
	// Terminal rows leave only through an administrative re-queue. A later
	// completion may still replace an earlier terminal snapshot.
	for _, from := range terminalStatuses {
		next := map[EvaluationStatus]struct{}{EvaluationStatusQueued: {}}
		for _, to := range terminalStatuses {
			next[to] = struct{}{}
		}
		allowedStatusTransitions[from] = next
	}
}

// IsTerminal reports whether no job will mutate the submission further without a re-queue.
func (s EvaluationStatus) IsTerminal() bool {
	for _, terminal := range terminalStatuses {
		if s == terminal {
			return true
		}
	}
	return false
}

// Valid reports whether the status is one of the known lifecycle values.
func (s EvaluationStatus) Valid() bool {
	_, ok := allowedStatusTransitions[s]
	return ok
}

// TerminalStatuses returns a copy of the terminal status set UIs use to stop polling.
func TerminalStatuses() []EvaluationStatus {
	out := make([]EvaluationStatus, len(terminalStatuses))
	copy(out, terminalStatuses)
	return out
}

// ValidateStatusTransition checks a submission status change against the lifecycle table.
func ValidateStatusTransition(from, to EvaluationStatus) error {
	if !from.Valid() {
		return fmt.Errorf("invalid evaluation status: %q", from)
	}
	if !to.Valid() {
		return fmt.Errorf("invalid evaluation status: %q", to)
	}
	if _, ok := allowedStatusTransitions[from][to]; !ok {
		return fmt.Errorf("invalid evaluation transition: %s -> %s", from, to)
	}
	return nil
}

// AuditStatusFor derives the narrow audit status from a semantic status.
func AuditStatusFor(semantic EvaluationStatus) AuditStatus {
	switch semantic {
	case EvaluationStatusQueued:
		return AuditStatusQueued
	case EvaluationStatusEvaluating:
		return AuditStatusRunning
	case EvaluationStatusCompleted:
		return AuditStatusSucceeded
	default:
		return AuditStatusFailed
	}
}

// ParseEvaluationStatus normalises user supplied status strings.
func ParseEvaluationStatus(value string) (EvaluationStatus, error) {
	status := EvaluationStatus(strings.ToLower(strings.TrimSpace(value)))
	if !status.Valid() {
		return "", fmt.Errorf("invalid evaluation status: %q", value)
	}
	return status, nil
}
