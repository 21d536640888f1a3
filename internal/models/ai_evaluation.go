package models

import (
	"time"

	"gorm.io/datatypes"
)

// AIEvaluation is one append-only audit row per evaluation attempt.
type AIEvaluation struct {
	ID                  uint              `gorm:"primaryKey" json:"id"`
	SubmissionID        uint              `gorm:"not null;index" json:"submission_id"`
	Provider            string            `gorm:"size:32" json:"provider"`
	Model               string            `gorm:"size:64" json:"model"`
	Status              AuditStatus       `gorm:"size:16;not null" json:"status"`
	SemanticStatus      EvaluationStatus  `gorm:"size:32;not null" json:"semantic_status"`
	Reason              string            `gorm:"size:64" json:"reason"`
	Attempt             int               `gorm:"default:0" json:"attempt"`
	Score               *int              `json:"score"`
	Feedback            string            `gorm:"type:text" json:"feedback"`
	RubricScores        datatypes.JSONMap `json:"rubric_scores"`
	Metadata            datatypes.JSONMap `json:"metadata"`
	ErrorMessage        string            `gorm:"type:text" json:"error_message"`
	StartedAt           *time.Time        `json:"started_at"`
	CompletedAt         *time.Time        `json:"completed_at"`
	EvaluationRequestID string            `gorm:"size:64;not null;index" json:"evaluation_request_id"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// TableName keeps the audit ledger name stable across renames of the Go type.
func (AIEvaluation) TableName() string {
	return "ai_evaluations"
}

// SetSemanticStatus updates the semantic status and derives the narrow audit status from it.
func (e *AIEvaluation) SetSemanticStatus(status EvaluationStatus) {
	e.SemanticStatus = status
	e.Status = AuditStatusFor(status)
}

// IsCompleted reports whether the row has been finalised and must no longer change.
func (e AIEvaluation) IsCompleted() bool {
	return e.CompletedAt != nil
}

// CompletedAfter reports whether this row finished strictly after the given time.
func (e AIEvaluation) CompletedAfter(t time.Time) bool {
	return e.CompletedAt != nil && e.CompletedAt.After(t)
}

// MarkAttemptFailed records a failed attempt that leaves the submission evaluating because a retry follows.
func (e *AIEvaluation) MarkAttemptFailed(reason string) {
	e.SemanticStatus = EvaluationStatusEvaluating
	e.Status = AuditStatusFailed
	e.Reason = reason
}
