package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Task describes the work a student answers with a submission.
type Task struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Title           string    `gorm:"size:255;not null" json:"title"`
	Description     string    `gorm:"type:text" json:"description"`
	KnownIssues     string    `gorm:"type:text" json:"known_issues"`
	RequiresRepoURL bool      `gorm:"default:false" json:"requires_repo_url"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Submission represents one student attempt at a task together with its evaluation snapshot.
type Submission struct {
	ID                   uint              `gorm:"primaryKey" json:"id"`
	TaskID               uint              `gorm:"not null;index" json:"task_id"`
	StudentID            uint              `gorm:"not null;index" json:"student_id"`
	RepoURL              string            `gorm:"size:512" json:"repo_url"`
	AnswerText           string            `gorm:"type:text" json:"answer_text"`
	RunStatus            string            `gorm:"size:64" json:"student_run_status"`
	EvaluationStatus     EvaluationStatus  `gorm:"size:32;not null;default:'queued';index:idx_submissions_status_updated,priority:1" json:"evaluation_status"`
	AIScore              *int              `json:"ai_score"`
	AIFeedback           *string           `gorm:"type:text" json:"ai_feedback"`
	AIMetadata           datatypes.JSONMap `json:"ai_metadata"`
	FinalScore           *float64          `json:"final_score"`
	RubricScores         datatypes.JSONMap `json:"rubric_scores"`
	IsEvaluated          bool              `gorm:"default:false" json:"is_evaluated"`
	EvaluatedAt          *time.Time        `json:"evaluated_at"`
	LatestAIEvaluationID *uint             `json:"latest_ai_evaluation_id"`
	ActiveRequestID      string            `gorm:"column:active_evaluation_request_id;size:64;not null;default:''" json:"active_evaluation_request_id"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `gorm:"index:idx_submissions_status_updated,priority:2" json:"updated_at"`
	Task                 Task              `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"task"`
}

// OwnedBy reports whether requestID may write the evaluation snapshot. Rows queued before
// ownership was tracked accept any request.
func (s Submission) OwnedBy(requestID string) bool {
	return s.ActiveRequestID == "" || s.ActiveRequestID == requestID
}

// HasContent reports whether the submission carries anything an evaluator could grade.
func (s Submission) HasContent() bool {
	return strings.TrimSpace(s.RepoURL) != "" || strings.TrimSpace(s.AnswerText) != ""
}

// EvaluationSnapshot is the set of denormalised fields written together with a terminal status.
type EvaluationSnapshot struct {
	Status       EvaluationStatus
	Score        *int
	Feedback     *string
	Metadata     map[string]interface{}
	FinalScore   *float64
	RubricScores map[string]interface{}
	IsEvaluated  bool
	EvaluatedAt  *time.Time
}

// ClearedSnapshot returns a snapshot that resets score fields so stale numbers never linger.
func ClearedSnapshot(status EvaluationStatus, feedback string, metadata map[string]interface{}) EvaluationSnapshot {
	snapshot := EvaluationSnapshot{
		Status:   status,
		Metadata: metadata,
	}
	if strings.TrimSpace(feedback) != "" {
		message := feedback
		snapshot.Feedback = &message
	}
	return snapshot
}

// Columns renders the snapshot as a column map; nil values clear the column.
func (s EvaluationSnapshot) Columns() map[string]interface{} {
	columns := map[string]interface{}{
		"evaluation_status": s.Status,
		"ai_score":          s.Score,
		"ai_feedback":       s.Feedback,
		"final_score":       s.FinalScore,
		"is_evaluated":      s.IsEvaluated,
		"evaluated_at":      s.EvaluatedAt,
	}
	if s.Metadata != nil {
		columns["ai_metadata"] = datatypes.JSONMap(s.Metadata)
	} else {
		columns["ai_metadata"] = nil
	}
	if s.RubricScores != nil {
		columns["rubric_scores"] = datatypes.JSONMap(s.RubricScores)
	} else {
		columns["rubric_scores"] = nil
	}
	return columns
}
