package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-evaluator/internal/models"
)

// SkipReason explains why ApplyEvaluation left the snapshot untouched.
type SkipReason string

const (
	// SkipStatusChanged means the row no longer matched the required status.
	SkipStatusChanged SkipReason = "status_changed"
	// SkipRecentlyUpdated means the row was touched after the staleness cutoff.
	SkipRecentlyUpdated SkipReason = "recently_updated"
	// SkipSuperseded means another request completed later and owns the snapshot.
	SkipSuperseded SkipReason = "superseded"
	// SkipRequestReplaced means a re-queue handed the submission to a newer request.
	SkipRequestReplaced SkipReason = "request_replaced"
)

// SnapshotWrite describes one terminal write: the audit row plus the snapshot it should install.
type SnapshotWrite struct {
	SubmissionID uint
	// Record is inserted when its ID is zero and finalized otherwise.
	Record   *models.AIEvaluation
	Snapshot models.EvaluationSnapshot
	// RequireStatus gates the whole write on the current submission status.
	RequireStatus []models.EvaluationStatus
	// UpdatedBefore gates the whole write on the submission not being touched since the cutoff.
	UpdatedBefore *time.Time
	// RequireRequest gates the snapshot on the submission still being owned by this request.
	// The audit row is persisted either way.
	RequireRequest string
	Now            time.Time
}

// WriteResult reports what ApplyEvaluation did.
type WriteResult struct {
	Applied      bool
	Skipped      SkipReason
	SupersededBy uint
	// Previous is the status the submission had before the write.
	Previous models.EvaluationStatus
}

// SubmissionRepository owns every write to the submission snapshot.
type SubmissionRepository interface {
	Create(ctx context.Context, submission *models.Submission) error
	GetByID(ctx context.Context, id uint) (models.Submission, error)
	MarkQueued(ctx context.Context, submissionID uint, record *models.AIEvaluation, now time.Time) error
	MarkEvaluating(ctx context.Context, submissionID uint, requestID string, now time.Time) (bool, error)
	ListStale(ctx context.Context, status models.EvaluationStatus, before time.Time, limit int) ([]models.Submission, error)
	ApplyEvaluation(ctx context.Context, write SnapshotWrite) (WriteResult, error)
}

// NewSubmissionRepository constructs a submission repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

type submissionRepository struct {
	db *gorm.DB
}

func (r *submissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	return r.db.WithContext(ctx).Create(submission).Error
}

func (r *submissionRepository) GetByID(ctx context.Context, id uint) (models.Submission, error) {
	var submission models.Submission
	err := r.db.WithContext(ctx).
		Preload("Task").
		First(&submission, id).Error
	if err != nil {
		return models.Submission{}, err
	}
	return submission, nil
}

// MarkQueued appends a queued audit row, resets the submission to queued and hands it to the
// record's request in one transaction.
func (r *submissionRepository) MarkQueued(ctx context.Context, submissionID uint, record *models.AIEvaluation, now time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var submission models.Submission
		if err := lockSubmission(tx, submissionID, &submission); err != nil {
			return err
		}
		if err := models.ValidateStatusTransition(submission.EvaluationStatus, models.EvaluationStatusQueued); err != nil {
			return err
		}

		record.SubmissionID = submissionID
		record.SetSemanticStatus(models.EvaluationStatusQueued)
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("create queued evaluation: %w", err)
		}

		return tx.Model(&models.Submission{}).
			Where("id = ?", submissionID).
			Updates(map[string]interface{}{
				"evaluation_status":            models.EvaluationStatusQueued,
				"active_evaluation_request_id": record.EvaluationRequestID,
				"updated_at":                   now,
			}).Error
	})
}

// MarkEvaluating moves a non-terminal submission owned by requestID to evaluating. It reports
// false for terminal rows and for rows handed to another request.
func (r *submissionRepository) MarkEvaluating(ctx context.Context, submissionID uint, requestID string, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ? AND evaluation_status IN ?", submissionID, []models.EvaluationStatus{
			models.EvaluationStatusQueued,
			models.EvaluationStatusEvaluating,
		}).
		Where("active_evaluation_request_id IN ?", []string{"", requestID}).
		Updates(map[string]interface{}{
			"evaluation_status": models.EvaluationStatusEvaluating,
			"updated_at":        now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *submissionRepository) ListStale(ctx context.Context, status models.EvaluationStatus, before time.Time, limit int) ([]models.Submission, error) {
	if limit <= 0 {
		limit = 100
	}

	var submissions []models.Submission
	err := r.db.WithContext(ctx).
		Where("evaluation_status = ? AND updated_at < ?", status, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&submissions).Error
	if err != nil {
		return nil, err
	}
	return submissions, nil
}

// ApplyEvaluation persists the audit row and the snapshot in one transaction. The snapshot is
// only overwritten while the writing request owns the submission and no audit row from a
// different request completed later than this one.
func (r *submissionRepository) ApplyEvaluation(ctx context.Context, write SnapshotWrite) (WriteResult, error) {
	if write.Record == nil {
		return WriteResult{}, errors.New("apply evaluation requires an audit record")
	}
	if write.Record.CompletedAt == nil {
		return WriteResult{}, errors.New("apply evaluation requires a completed audit record")
	}

	var result WriteResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var submission models.Submission
		if err := lockSubmission(tx, write.SubmissionID, &submission); err != nil {
			return err
		}
		result.Previous = submission.EvaluationStatus

		if write.RequireRequest != "" && !submission.OwnedBy(write.RequireRequest) {
			// History keeps the outcome even though the snapshot belongs to someone else.
			if err := persistRecord(tx, write.SubmissionID, write.Record); err != nil {
				return err
			}
			result.Skipped = SkipRequestReplaced
			return nil
		}
		if len(write.RequireStatus) > 0 && !containsStatus(write.RequireStatus, submission.EvaluationStatus) {
			result.Skipped = SkipStatusChanged
			return nil
		}
		if write.UpdatedBefore != nil && !submission.UpdatedAt.Before(*write.UpdatedBefore) {
			result.Skipped = SkipRecentlyUpdated
			return nil
		}
		if err := models.ValidateStatusTransition(submission.EvaluationStatus, write.Snapshot.Status); err != nil {
			return err
		}

		if err := persistRecord(tx, write.SubmissionID, write.Record); err != nil {
			return err
		}

		newer, err := latestCompletedByOtherRequest(tx, write.SubmissionID, write.Record.EvaluationRequestID)
		if err != nil {
			return err
		}
		if newer != nil && newer.CompletedAfter(*write.Record.CompletedAt) {
			result.Skipped = SkipSuperseded
			result.SupersededBy = newer.ID
			return nil
		}

		columns := write.Snapshot.Columns()
		columns["latest_ai_evaluation_id"] = write.Record.ID
		columns["updated_at"] = write.Now
		if err := tx.Model(&models.Submission{}).Where("id = ?", write.SubmissionID).Updates(columns).Error; err != nil {
			return fmt.Errorf("update submission snapshot: %w", err)
		}

		result.Applied = true
		return nil
	})
	if err != nil {
		return WriteResult{}, err
	}
	return result, nil
}

func persistRecord(tx *gorm.DB, submissionID uint, record *models.AIEvaluation) error {
	record.SubmissionID = submissionID
	if record.ID == 0 {
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("create evaluation record: %w", err)
		}
		return nil
	}
	if err := finalizeEvaluation(tx, record); err != nil {
		return fmt.Errorf("finalize evaluation record: %w", err)
	}
	return nil
}

func lockSubmission(tx *gorm.DB, id uint, submission *models.Submission) error {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(submission, id).Error
}

// latestCompletedByOtherRequest returns the most recently completed terminal audit row written by a
// different request, or nil when there is none.
func latestCompletedByOtherRequest(tx *gorm.DB, submissionID uint, requestID string) (*models.AIEvaluation, error) {
	var record models.AIEvaluation
	err := tx.
		Where("submission_id = ? AND evaluation_request_id <> ? AND completed_at IS NOT NULL AND semantic_status IN ?",
			submissionID, requestID, models.TerminalStatuses()).
		Order("completed_at DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func containsStatus(statuses []models.EvaluationStatus, status models.EvaluationStatus) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}
