package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-evaluator/internal/models"
)

func TestEvaluationRepositoryStartClaimsQueuedRowOnce(t *testing.T) {
	db := setupEvaluationTestDB(t)
	repo := NewEvaluationRepository(db)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	submission := seedSubmission(t, db, models.EvaluationStatusQueued, now)

	record := &models.AIEvaluation{SubmissionID: submission.ID, EvaluationRequestID: "req-1"}
	record.SetSemanticStatus(models.EvaluationStatusQueued)
	require.NoError(t, repo.Create(context.Background(), record))

	claimed, err := repo.Start(context.Background(), record.ID, 1, now)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = repo.Start(context.Background(), record.ID, 1, now)
	require.NoError(t, err)
	require.False(t, claimed)

	stored, err := repo.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, models.AuditStatusRunning, stored.Status)
	require.Equal(t, 1, stored.Attempt)
}

func TestEvaluationRepositoryFinalizeIsWriteOnce(t *testing.T) {
	db := setupEvaluationTestDB(t)
	repo := NewEvaluationRepository(db)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	submission := seedSubmission(t, db, models.EvaluationStatusEvaluating, now)

	record := &models.AIEvaluation{SubmissionID: submission.ID, EvaluationRequestID: "req-1", StartedAt: &now}
	record.SetSemanticStatus(models.EvaluationStatusEvaluating)
	require.NoError(t, repo.Create(context.Background(), record))

	completed := now.Add(time.Minute)
	record.CompletedAt = &completed
	record.Reason = models.ReasonRetryScheduled
	record.Status = models.AuditStatusFailed
	require.NoError(t, repo.Finalize(context.Background(), record))

	record.Reason = "rewritten"
	require.ErrorIs(t, repo.Finalize(context.Background(), record), ErrEvaluationFinalized)

	stored, err := repo.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReasonRetryScheduled, stored.Reason)
	require.NotNil(t, stored.CompletedAt)
}

func TestEvaluationRepositoryListBySubmissionNewestFirst(t *testing.T) {
	db := setupEvaluationTestDB(t)
	repo := NewEvaluationRepository(db)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	submission := seedSubmission(t, db, models.EvaluationStatusQueued, now)

	for _, requestID := range []string{"req-1", "req-2", "req-3"} {
		record := &models.AIEvaluation{SubmissionID: submission.ID, EvaluationRequestID: requestID}
		record.SetSemanticStatus(models.EvaluationStatusQueued)
		require.NoError(t, repo.Create(context.Background(), record))
	}

	records, err := repo.ListBySubmission(context.Background(), submission.ID, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "req-3", records[0].EvaluationRequestID)

	latest, err := repo.LatestForRequest(context.Background(), submission.ID, "req-2")
	require.NoError(t, err)
	require.Equal(t, "req-2", latest.EvaluationRequestID)
}
