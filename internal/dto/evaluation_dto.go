package dto

import (
	"time"

	"github.com/noah-isme/gema-evaluator/internal/models"
)

// RequeueEvaluationRequest is the optional body of the administrative re-queue endpoint.
type RequeueEvaluationRequest struct {
	Note string `json:"note" validate:"omitempty,max=500"`
}

// EnqueueEvaluationResponse acknowledges a dispatched evaluation job.
type EnqueueEvaluationResponse struct {
	SubmissionID        uint      `json:"submission_id"`
	EvaluationRequestID string    `json:"evaluation_request_id"`
	EvaluationStatus    string    `json:"evaluation_status"`
	AuditRecordID       uint      `json:"audit_record_id"`
	RetryUntil          time.Time `json:"retry_until"`
}

// EvaluationRecordResponse exposes one audit row. Internal fields are only filled for staff.
type EvaluationRecordResponse struct {
	ID                  uint                   `json:"id"`
	SubmissionID        uint                   `json:"submission_id"`
	EvaluationRequestID string                 `json:"evaluation_request_id"`
	Provider            string                 `json:"provider"`
	Model               string                 `json:"model"`
	Status              string                 `json:"status"`
	SemanticStatus      string                 `json:"semantic_status"`
	Reason              string                 `json:"reason,omitempty"`
	Attempt             int                    `json:"attempt"`
	Score               *int                   `json:"score"`
	Feedback            string                 `json:"feedback,omitempty"`
	RubricScores        map[string]interface{} `json:"rubric_scores,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	ErrorMessage        string                 `json:"error_message,omitempty"`
	StartedAt           *time.Time             `json:"started_at"`
	CompletedAt         *time.Time             `json:"completed_at"`
	CreatedAt           time.Time              `json:"created_at"`
}

// EvaluationStatusResponse is the read-only poll projection UIs use to decide whether to keep polling.
type EvaluationStatusResponse struct {
	SubmissionID       uint                      `json:"submission_id"`
	EvaluationStatus   string                    `json:"evaluation_status"`
	IsTerminal         bool                      `json:"is_terminal"`
	AIScore            *int                      `json:"ai_score"`
	AIFeedback         *string                   `json:"ai_feedback"`
	IsEvaluated        bool                      `json:"is_evaluated"`
	EvaluatedAt        *time.Time                `json:"evaluated_at"`
	UpdatedAt          time.Time                 `json:"updated_at"`
	LatestAIEvaluation *EvaluationRecordResponse `json:"latest_ai_evaluation"`
	TerminalStatuses   []string                  `json:"terminal_statuses"`
}

// NewEvaluationRecordResponse converts an audit row into a DTO.
func NewEvaluationRecordResponse(record models.AIEvaluation, includeInternals bool) EvaluationRecordResponse {
	response := EvaluationRecordResponse{
		ID:                  record.ID,
		SubmissionID:        record.SubmissionID,
		EvaluationRequestID: record.EvaluationRequestID,
		Provider:            record.Provider,
		Model:               record.Model,
		Status:              string(record.Status),
		SemanticStatus:      string(record.SemanticStatus),
		Reason:              record.Reason,
		Attempt:             record.Attempt,
		Score:               record.Score,
		Feedback:            record.Feedback,
		StartedAt:           record.StartedAt,
		CompletedAt:         record.CompletedAt,
		CreatedAt:           record.CreatedAt,
	}
	if record.RubricScores != nil {
		response.RubricScores = map[string]interface{}(record.RubricScores)
	}
	if includeInternals {
		if record.Metadata != nil {
			response.Metadata = map[string]interface{}(record.Metadata)
		}
		response.ErrorMessage = record.ErrorMessage
	}
	return response
}

// NewEvaluationRecordResponseSlice converts audit rows into DTOs.
func NewEvaluationRecordResponseSlice(records []models.AIEvaluation, includeInternals bool) []EvaluationRecordResponse {
	responses := make([]EvaluationRecordResponse, 0, len(records))
	for _, record := range records {
		responses = append(responses, NewEvaluationRecordResponse(record, includeInternals))
	}
	return responses
}

// NewEvaluationStatusResponse builds the poll projection. latest may be nil.
func NewEvaluationStatusResponse(submission models.Submission, latest *models.AIEvaluation) EvaluationStatusResponse {
	terminal := models.TerminalStatuses()
	statuses := make([]string, 0, len(terminal))
	for _, status := range terminal {
		statuses = append(statuses, string(status))
	}

	response := EvaluationStatusResponse{
		SubmissionID:     submission.ID,
		EvaluationStatus: string(submission.EvaluationStatus),
		IsTerminal:       submission.EvaluationStatus.IsTerminal(),
		AIScore:          submission.AIScore,
		AIFeedback:       submission.AIFeedback,
		IsEvaluated:      submission.IsEvaluated,
		EvaluatedAt:      submission.EvaluatedAt,
		UpdatedAt:        submission.UpdatedAt,
		TerminalStatuses: statuses,
	}
	if latest != nil {
		record := NewEvaluationRecordResponse(*latest, false)
		response.LatestAIEvaluation = &record
	}
	return response
}
