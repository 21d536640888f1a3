package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-evaluator/internal/models"
)

// ErrEvaluationFinalized is returned when a caller tries to mutate an audit row that already has completed_at set.
var ErrEvaluationFinalized = errors.New("evaluation record already finalized")

// EvaluationRepository persists the append-only evaluation audit ledger.
type EvaluationRepository interface {
	Create(ctx context.Context, record *models.AIEvaluation) error
	Start(ctx context.Context, id uint, attempt int, startedAt time.Time) (bool, error)
	Finalize(ctx context.Context, record *models.AIEvaluation) error
	GetByID(ctx context.Context, id uint) (models.AIEvaluation, error)
	ListBySubmission(ctx context.Context, submissionID uint, limit int) ([]models.AIEvaluation, error)
	LatestForRequest(ctx context.Context, submissionID uint, requestID string) (models.AIEvaluation, error)
}

// NewEvaluationRepository constructs the audit ledger repository.
func NewEvaluationRepository(db *gorm.DB) EvaluationRepository {
	return &evaluationRepository{db: db}
}

type evaluationRepository struct {
	db *gorm.DB
}

func (r *evaluationRepository) Create(ctx context.Context, record *models.AIEvaluation) error {
	return r.db.WithContext(ctx).Create(record).Error
}

// Start claims a queued row for the first attempt. It reports false when the row was already claimed or finalized.
func (r *evaluationRepository) Start(ctx context.Context, id uint, attempt int, startedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.AIEvaluation{}).
		Where("id = ? AND status = ? AND completed_at IS NULL", id, models.AuditStatusQueued).
		Updates(map[string]interface{}{
			"status":          models.AuditStatusRunning,
			"semantic_status": models.EvaluationStatusEvaluating,
			"attempt":         attempt,
			"started_at":      startedAt,
			"updated_at":      startedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *evaluationRepository) Finalize(ctx context.Context, record *models.AIEvaluation) error {
	return finalizeEvaluation(r.db.WithContext(ctx), record)
}

func (r *evaluationRepository) GetByID(ctx context.Context, id uint) (models.AIEvaluation, error) {
	var record models.AIEvaluation
	if err := r.db.WithContext(ctx).First(&record, id).Error; err != nil {
		return models.AIEvaluation{}, err
	}
	return record, nil
}

func (r *evaluationRepository) ListBySubmission(ctx context.Context, submissionID uint, limit int) ([]models.AIEvaluation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var records []models.AIEvaluation
	err := r.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *evaluationRepository) LatestForRequest(ctx context.Context, submissionID uint, requestID string) (models.AIEvaluation, error) {
	var record models.AIEvaluation
	err := r.db.WithContext(ctx).
		Where("submission_id = ? AND evaluation_request_id = ?", submissionID, requestID).
		Order("id DESC").
		First(&record).Error
	if err != nil {
		return models.AIEvaluation{}, err
	}
	return record, nil
}

// finalizeEvaluation writes the outcome columns of an audit row exactly once.
func finalizeEvaluation(db *gorm.DB, record *models.AIEvaluation) error {
	if record.ID == 0 {
		return errors.New("finalize requires a persisted evaluation record")
	}
	if record.CompletedAt == nil {
		return errors.New("finalize requires completed_at")
	}

	columns := map[string]interface{}{
		"provider":        record.Provider,
		"model":           record.Model,
		"status":          record.Status,
		"semantic_status": record.SemanticStatus,
		"reason":          record.Reason,
		"attempt":         record.Attempt,
		"score":           record.Score,
		"feedback":        record.Feedback,
		"rubric_scores":   record.RubricScores,
		"metadata":        record.Metadata,
		"error_message":   record.ErrorMessage,
		"started_at":      record.StartedAt,
		"completed_at":    record.CompletedAt,
		"updated_at":      *record.CompletedAt,
	}

	result := db.Model(&models.AIEvaluation{}).
		Where("id = ? AND completed_at IS NULL", record.ID).
		Updates(columns)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEvaluationFinalized
	}
	return nil
}
