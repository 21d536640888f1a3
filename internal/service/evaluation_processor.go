package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-evaluator/internal/dto"
	"github.com/noah-isme/gema-evaluator/internal/models"
	"github.com/noah-isme/gema-evaluator/internal/observability"
	"github.com/noah-isme/gema-evaluator/internal/queue"
	"github.com/noah-isme/gema-evaluator/internal/repository"
	"github.com/noah-isme/gema-evaluator/internal/worker"
	"github.com/noah-isme/gema-evaluator/pkg/evaluator"
)

// Fixed, non-technical messages shown to students.
const (
	FeedbackManualReview  = "Your submission will be reviewed manually by a teacher."
	FeedbackNoContent     = "No answer or repository link was submitted, so automatic evaluation was skipped."
	FeedbackMissingRepo   = "This task needs a repository link, so automatic evaluation was skipped."
	FeedbackFailed        = "Automatic evaluation could not be completed. Your submission will be reviewed manually."
	FeedbackTimedOut      = "Automatic evaluation timed out. Your submission will be reviewed manually."
	FeedbackStaleTimedOut = "Automatic evaluation did not finish in time. Your submission will be reviewed manually."
)

// finalizeTimeout bounds audit writes that run after the attempt context may have expired.
const finalizeTimeout = 10 * time.Second

// errEvaluatorUnavailable asks the runner to retry a transient evaluator outcome.
type errEvaluatorUnavailable struct {
	reason evaluator.Reason
}

func (e errEvaluatorUnavailable) Error() string {
	return fmt.Sprintf("evaluator unavailable: %s", e.reason)
}

// EvaluationProcessor owns every write to the evaluation status and snapshot of a submission.
type EvaluationProcessor interface {
	Handle(ctx context.Context, job queue.Job) error
	Fail(ctx context.Context, job queue.Job, cause error) error
	Expire(ctx context.Context, submission models.Submission, cutoff time.Time) (bool, error)
}

type evaluationProcessor struct {
	submissions repository.SubmissionRepository
	evaluations repository.EvaluationRepository
	evaluator   evaluator.Evaluator
	events      EvaluationEvents
	policy      worker.Policy
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewEvaluationProcessor constructs the processor. events may be nil.
func NewEvaluationProcessor(
	submissions repository.SubmissionRepository,
	evaluations repository.EvaluationRepository,
	eval evaluator.Evaluator,
	events EvaluationEvents,
	policy worker.Policy,
	logger zerolog.Logger,
) EvaluationProcessor {
	return &evaluationProcessor{
		submissions: submissions,
		evaluations: evaluations,
		evaluator:   eval,
		events:      events,
		policy:      policy,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "evaluation_processor").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-evaluator/internal/service/evaluation"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handle runs one attempt. A nil return means a terminal write happened or was superseded;
// an error asks the runner to retry or to invoke Fail.
func (p *evaluationProcessor) Handle(ctx context.Context, job queue.Job) error {
	ctx, span := p.tracer.Start(ctx, "evaluation.handle", trace.WithAttributes(
		attribute.Int64("submission.id", int64(job.SubmissionID)),
		attribute.Int("evaluation.attempt", job.Attempt),
	))
	defer span.End()

	logger := p.logger.With().
		Uint("submission_id", job.SubmissionID).
		Str("request_id", job.EvaluationRequestID).
		Int("attempt", job.Attempt).
		Logger()

	submission, err := p.submissions.GetByID(ctx, job.SubmissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return worker.Permanent(ErrSubmissionNotFound)
		}
		return err
	}
	if !submission.OwnedBy(job.EvaluationRequestID) {
		logger.Info().Str("active_request_id", submission.ActiveRequestID).Msg("submission handed to a newer request, skipping job")
		p.releaseQueuedRow(ctx, job, logger)
		return worker.Permanent(ErrEvaluationSuperseded)
	}
	if submission.EvaluationStatus.IsTerminal() {
		logger.Info().Str("status", string(submission.EvaluationStatus)).Msg("submission already terminal, skipping job")
		p.releaseQueuedRow(ctx, job, logger)
		return worker.Permanent(ErrEvaluationAlreadyFinal)
	}

	startedAt := p.now()
	record, err := p.beginAttempt(ctx, job, startedAt)
	if err != nil {
		return fmt.Errorf("record evaluation attempt: %w", err)
	}

	marked, err := p.submissions.MarkEvaluating(ctx, submission.ID, job.EvaluationRequestID, startedAt)
	if err != nil {
		return fmt.Errorf("mark submission evaluating: %w", err)
	}
	if !marked {
		// Terminal or re-queued since the read above.
		p.abandonAttempt(ctx, record, logger)
		return worker.Permanent(ErrEvaluationSuperseded)
	}
	p.publish(ctx, submission.ID, record)

	input := evaluator.Input{
		RepoURL:          submission.RepoURL,
		AnswerText:       submission.AnswerText,
		StudentRunStatus: submission.RunStatus,
		TaskTitle:        submission.Task.Title,
		TaskDescription:  submission.Task.Description,
		KnownIssues:      submission.Task.KnownIssues,
		RequiresRepoURL:  submission.Task.RequiresRepoURL,
	}

	var outcome evaluator.Outcome
	if reason, blocked := evaluator.CheckContent(input); blocked {
		outcome = evaluator.Unavailable(reason, map[string]interface{}{"precheck": true})
	} else {
		outcome, err = p.evaluator.Evaluate(ctx, input)
		if err != nil {
			p.finishFailedAttempt(ctx, record, models.ReasonException, err, logger)
			return fmt.Errorf("evaluate submission %d: %w", submission.ID, err)
		}
	}

	status := classifyOutcome(outcome)
	if status == models.EvaluationStatusManualReview && outcome.Reason.Transient() && p.policy.CanRetry(job, p.now()) {
		p.finishRetryableAttempt(ctx, record, outcome, logger)
		return worker.Retry(errEvaluatorUnavailable{reason: outcome.Reason})
	}

	completedAt := p.now()
	record.Provider = p.evaluator.Provider()
	record.Model = p.evaluator.Model()
	record.SetSemanticStatus(status)
	record.Reason = string(outcome.Reason)
	record.Metadata = auditMetadata(outcome.Metadata, job)
	record.CompletedAt = &completedAt

	var snapshot models.EvaluationSnapshot
	if outcome.IsCompleted() {
		score := outcome.Score
		finalScore := float64(score)
		feedback := p.sanitize(outcome.Feedback)
		record.Score = &score
		record.Feedback = feedback
		record.RubricScores = jsonMap(outcome.RubricScores)

		snapshot = models.EvaluationSnapshot{
			Status:       status,
			Score:        &score,
			Metadata:     outcome.Metadata,
			FinalScore:   &finalScore,
			RubricScores: outcome.RubricScores,
			IsEvaluated:  true,
			EvaluatedAt:  &completedAt,
		}
		if feedback != "" {
			snapshot.Feedback = &feedback
		}
	} else {
		message := userMessageFor(status, outcome.Reason)
		record.Feedback = message
		snapshot = models.ClearedSnapshot(status, message, publicMetadata(outcome.Reason, job, p.evaluator))
	}

	return p.apply(ctx, repository.SnapshotWrite{
		SubmissionID:   submission.ID,
		Record:         record,
		Snapshot:       snapshot,
		RequireRequest: job.EvaluationRequestID,
		Now:            completedAt,
	}, logger)
}

// Fail is the terminal write after retries or the deadline ran out. Calling it twice for the same
// request is a no-op, and a request replaced by a re-queue only closes its own audit row.
func (p *evaluationProcessor) Fail(ctx context.Context, job queue.Job, cause error) error {
	logger := p.logger.With().
		Uint("submission_id", job.SubmissionID).
		Str("request_id", job.EvaluationRequestID).
		Int("attempt", job.Attempt).
		Logger()

	status := models.EvaluationStatusFailed
	reason := models.ReasonJobFailed
	message := FeedbackFailed
	if worker.IsTimeout(cause) {
		status = models.EvaluationStatusTimedOut
		reason = models.ReasonJobTimedOut
		message = FeedbackTimedOut
	}
	observability.FailureHook().WithLabelValues(string(status)).Inc()

	now := p.now()
	record := &models.AIEvaluation{
		SubmissionID:        job.SubmissionID,
		EvaluationRequestID: job.EvaluationRequestID,
		Attempt:             job.Attempt,
		Provider:            p.evaluator.Provider(),
		Model:               p.evaluator.Model(),
	}

	latest, err := p.evaluations.LatestForRequest(ctx, job.SubmissionID, job.EvaluationRequestID)
	switch {
	case err == nil && latest.IsCompleted() && latest.SemanticStatus.IsTerminal():
		logger.Info().Uint("evaluation_id", latest.ID).Msg("terminal status already written for request")
		return nil
	case err == nil && !latest.IsCompleted():
		record.ID = latest.ID
		record.StartedAt = latest.StartedAt
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("load evaluation for request: %w", err)
	}

	errorText := ""
	if cause != nil {
		errorText = cause.Error()
	}
	record.SetSemanticStatus(status)
	record.Reason = reason
	record.Feedback = message
	record.ErrorMessage = errorText
	record.CompletedAt = &now
	record.Metadata = datatypes.JSONMap{
		"error":       errorText,
		"timeout":     status == models.EvaluationStatusTimedOut,
		"attempt":     job.Attempt,
		"retry_until": job.RetryUntil().Format(time.RFC3339),
	}

	snapshot := models.ClearedSnapshot(status, message, map[string]interface{}{
		"reason":                reason,
		"evaluation_request_id": job.EvaluationRequestID,
	})

	err = p.apply(ctx, repository.SnapshotWrite{
		SubmissionID: job.SubmissionID,
		Record:       record,
		Snapshot:     snapshot,
		RequireStatus: []models.EvaluationStatus{
			models.EvaluationStatusQueued,
			models.EvaluationStatusEvaluating,
		},
		RequireRequest: job.EvaluationRequestID,
		Now:            now,
	}, logger)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}

// Expire moves a stuck submission to timed_out when it still matches its stuck status and has
// not been touched since cutoff.
func (p *evaluationProcessor) Expire(ctx context.Context, submission models.Submission, cutoff time.Time) (bool, error) {
	now := p.now()
	stuckFor := now.Sub(submission.UpdatedAt)
	logger := p.logger.With().
		Uint("submission_id", submission.ID).
		Str("stuck_status", string(submission.EvaluationStatus)).
		Dur("stuck_for", stuckFor).
		Logger()

	requestID := uuid.NewString()
	record := &models.AIEvaluation{
		SubmissionID:        submission.ID,
		EvaluationRequestID: requestID,
		Provider:            "sweeper",
		Reason:              models.ReasonStaleCleanup,
		Feedback:            FeedbackStaleTimedOut,
		CompletedAt:         &now,
		Metadata: datatypes.JSONMap{
			"stuck_status":      string(submission.EvaluationStatus),
			"stuck_since":       submission.UpdatedAt.UTC().Format(time.RFC3339),
			"stuck_for_seconds": int64(stuckFor.Seconds()),
			"cutoff":            cutoff.UTC().Format(time.RFC3339),
		},
	}
	record.SetSemanticStatus(models.EvaluationStatusTimedOut)

	snapshot := models.ClearedSnapshot(models.EvaluationStatusTimedOut, FeedbackStaleTimedOut, map[string]interface{}{
		"reason":                models.ReasonStaleCleanup,
		"evaluation_request_id": requestID,
	})

	result, err := p.submissions.ApplyEvaluation(ctx, repository.SnapshotWrite{
		SubmissionID:  submission.ID,
		Record:        record,
		Snapshot:      snapshot,
		RequireStatus: []models.EvaluationStatus{submission.EvaluationStatus},
		UpdatedBefore: &cutoff,
		Now:           now,
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if !result.Applied {
		logger.Debug().Str("skipped", string(result.Skipped)).Msg("stale submission moved on before sweep")
		return false, nil
	}

	logger.Warn().Msg("stale submission timed out by sweeper")
	observability.JobOutcomes().WithLabelValues(string(models.EvaluationStatusTimedOut), models.ReasonStaleCleanup).Inc()
	p.publish(ctx, submission.ID, record)
	return true, nil
}

func (p *evaluationProcessor) apply(ctx context.Context, write repository.SnapshotWrite, logger zerolog.Logger) error {
	result, err := p.submissions.ApplyEvaluation(ctx, write)
	if err != nil {
		return fmt.Errorf("apply evaluation: %w", err)
	}

	if !result.Applied {
		observability.SnapshotSkips().WithLabelValues(string(result.Skipped)).Inc()
		logger.Info().
			Str("skipped", string(result.Skipped)).
			Uint("superseded_by", result.SupersededBy).
			Str("status", string(write.Snapshot.Status)).
			Msg("evaluation snapshot left untouched")
		return nil
	}

	observability.JobOutcomes().WithLabelValues(string(write.Snapshot.Status), write.Record.Reason).Inc()
	logger.Info().
		Str("status", string(write.Snapshot.Status)).
		Str("previous", string(result.Previous)).
		Str("reason", write.Record.Reason).
		Uint("evaluation_id", write.Record.ID).
		Msg("evaluation snapshot written")
	p.publish(ctx, write.SubmissionID, write.Record)
	return nil
}

// beginAttempt claims the queued row created at enqueue time for the first attempt and appends a
// new running row for every later attempt.
func (p *evaluationProcessor) beginAttempt(ctx context.Context, job queue.Job, startedAt time.Time) (*models.AIEvaluation, error) {
	record := &models.AIEvaluation{
		SubmissionID:        job.SubmissionID,
		EvaluationRequestID: job.EvaluationRequestID,
		Attempt:             job.Attempt,
		Provider:            p.evaluator.Provider(),
		Model:               p.evaluator.Model(),
		StartedAt:           &startedAt,
	}
	record.SetSemanticStatus(models.EvaluationStatusEvaluating)

	if job.Attempt <= 1 && job.AuditRecordID != 0 {
		claimed, err := p.evaluations.Start(ctx, job.AuditRecordID, job.Attempt, startedAt)
		if err != nil {
			return nil, err
		}
		if claimed {
			record.ID = job.AuditRecordID
			return record, nil
		}
	}

	if err := p.evaluations.Create(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (p *evaluationProcessor) finishRetryableAttempt(ctx context.Context, record *models.AIEvaluation, outcome evaluator.Outcome, logger zerolog.Logger) {
	completedAt := p.now()
	record.MarkAttemptFailed(string(outcome.Reason))
	record.Metadata = datatypes.JSONMap(outcome.Metadata)
	record.Metadata["retry_scheduled"] = true
	record.CompletedAt = &completedAt
	if err := p.finalize(ctx, record); err != nil {
		logger.Warn().Err(err).Msg("failed to finalize retryable evaluation attempt")
	}
	logger.Warn().Str("reason", string(outcome.Reason)).Msg("evaluator unavailable, retrying")
}

func (p *evaluationProcessor) finishFailedAttempt(ctx context.Context, record *models.AIEvaluation, reason string, cause error, logger zerolog.Logger) {
	completedAt := p.now()
	record.MarkAttemptFailed(reason)
	record.ErrorMessage = cause.Error()
	record.Metadata = datatypes.JSONMap{"error": cause.Error()}
	record.CompletedAt = &completedAt
	if err := p.finalize(ctx, record); err != nil {
		logger.Warn().Err(err).Msg("failed to finalize errored evaluation attempt")
	}
}

func (p *evaluationProcessor) abandonAttempt(ctx context.Context, record *models.AIEvaluation, logger zerolog.Logger) {
	completedAt := p.now()
	record.MarkAttemptFailed(models.ReasonSuperseded)
	record.CompletedAt = &completedAt
	if err := p.finalize(ctx, record); err != nil {
		logger.Warn().Err(err).Msg("failed to finalize abandoned evaluation attempt")
		return
	}
	logger.Info().Uint("evaluation_id", record.ID).Msg("evaluation attempt closed as superseded")
}

// releaseQueuedRow closes the queued audit row of a job that is dropped before it starts.
func (p *evaluationProcessor) releaseQueuedRow(ctx context.Context, job queue.Job, logger zerolog.Logger) {
	if job.AuditRecordID == 0 {
		return
	}
	record, err := p.evaluations.GetByID(ctx, job.AuditRecordID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Warn().Err(err).Uint("evaluation_id", job.AuditRecordID).Msg("failed to load queued evaluation")
		}
		return
	}
	if record.IsCompleted() || record.Status != models.AuditStatusQueued {
		return
	}
	p.abandonAttempt(ctx, &record, logger)
}

func (p *evaluationProcessor) finalize(ctx context.Context, record *models.AIEvaluation) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	return p.evaluations.Finalize(ctx, record)
}

func (p *evaluationProcessor) publish(ctx context.Context, submissionID uint, record *models.AIEvaluation) {
	if p.events == nil {
		return
	}
	submission, err := p.submissions.GetByID(ctx, submissionID)
	if err != nil {
		p.logger.Warn().Err(err).Uint("submission_id", submissionID).Msg("failed to load submission for status event")
		return
	}
	p.events.Publish(ctx, dto.NewEvaluationStatusResponse(submission, record))
}

func (p *evaluationProcessor) sanitize(feedback string) string {
	return strings.TrimSpace(p.sanitizer.Sanitize(feedback))
}

// classifyOutcome maps an evaluator outcome onto a terminal status. Transient reasons map to
// manual_review here and are retried by the caller while attempts remain.
func classifyOutcome(outcome evaluator.Outcome) models.EvaluationStatus {
	if outcome.IsCompleted() {
		return models.EvaluationStatusCompleted
	}
	switch outcome.Reason {
	case evaluator.ReasonNoContent, evaluator.ReasonMissingRepoURL:
		return models.EvaluationStatusSkipped
	default:
		return models.EvaluationStatusManualReview
	}
}

func userMessageFor(status models.EvaluationStatus, reason evaluator.Reason) string {
	if status == models.EvaluationStatusSkipped {
		if reason == evaluator.ReasonMissingRepoURL {
			return FeedbackMissingRepo
		}
		return FeedbackNoContent
	}
	return FeedbackManualReview
}

func auditMetadata(metadata map[string]interface{}, job queue.Job) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range metadata {
		out[k] = v
	}
	out["attempt"] = job.Attempt
	out["retry_until"] = job.RetryUntil().Format(time.RFC3339)
	return out
}

func publicMetadata(reason evaluator.Reason, job queue.Job, eval evaluator.Evaluator) map[string]interface{} {
	return map[string]interface{}{
		"reason":                string(reason),
		"provider":              eval.Provider(),
		"evaluation_request_id": job.EvaluationRequestID,
	}
}

func jsonMap(values map[string]interface{}) datatypes.JSONMap {
	if values == nil {
		return nil
	}
	return datatypes.JSONMap(values)
}
