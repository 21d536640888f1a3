package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-evaluator/internal/dto"
	"github.com/noah-isme/gema-evaluator/internal/models"
	"github.com/noah-isme/gema-evaluator/internal/observability"
	"github.com/noah-isme/gema-evaluator/internal/queue"
	"github.com/noah-isme/gema-evaluator/internal/repository"
	"github.com/noah-isme/gema-evaluator/internal/worker"
)

var (
	// ErrSubmissionNotFound indicates a submission could not be found.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrEvaluationInProgress indicates an evaluation job is already running for the submission.
	ErrEvaluationInProgress = errors.New("evaluation already in progress")
	// ErrEvaluationAlreadyFinal indicates the submission reached a terminal status and needs a re-queue.
	ErrEvaluationAlreadyFinal = errors.New("evaluation already finished")
	// ErrEvaluationSuperseded indicates a re-queue handed the submission to a newer request.
	ErrEvaluationSuperseded = errors.New("evaluation superseded by a newer request")
)

// Job origins.
const (
	OriginSubmission = "submission"
	OriginRequeue    = "requeue"
)

// EvaluationActor identifies the staff member triggering a re-queue.
type EvaluationActor struct {
	ID   uint
	Role string
}

// Dispatcher is the part of the queue used to hand jobs to workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, job queue.Job) error
}

// EvaluationService exposes enqueue, re-queue and read models for submission evaluations.
type EvaluationService interface {
	Enqueue(ctx context.Context, submissionID uint) (dto.EnqueueEvaluationResponse, error)
	Requeue(ctx context.Context, submissionID uint, actor EvaluationActor, payload dto.RequeueEvaluationRequest) (dto.EnqueueEvaluationResponse, error)
	Status(ctx context.Context, submissionID uint) (dto.EvaluationStatusResponse, error)
	History(ctx context.Context, submissionID uint, limit int, includeInternals bool) ([]dto.EvaluationRecordResponse, error)
}

type evaluationService struct {
	submissions repository.SubmissionRepository
	evaluations repository.EvaluationRepository
	dispatcher  Dispatcher
	policy      worker.Policy
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	now         func() time.Time
}

// NewEvaluationService constructs an EvaluationService instance.
func NewEvaluationService(
	submissions repository.SubmissionRepository,
	evaluations repository.EvaluationRepository,
	dispatcher Dispatcher,
	policy worker.Policy,
	validate *validator.Validate,
	logger zerolog.Logger,
) EvaluationService {
	return &evaluationService{
		submissions: submissions,
		evaluations: evaluations,
		dispatcher:  dispatcher,
		policy:      policy,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "evaluation_service").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue dispatches the first evaluation of a submission that is still queued. It returns as soon
// as the job is on the queue.
func (s *evaluationService) Enqueue(ctx context.Context, submissionID uint) (dto.EnqueueEvaluationResponse, error) {
	submission, err := s.load(ctx, submissionID)
	if err != nil {
		return dto.EnqueueEvaluationResponse{}, err
	}

	switch {
	case submission.EvaluationStatus == models.EvaluationStatusEvaluating:
		return dto.EnqueueEvaluationResponse{}, ErrEvaluationInProgress
	case submission.EvaluationStatus.IsTerminal():
		return dto.EnqueueEvaluationResponse{}, ErrEvaluationAlreadyFinal
	}

	return s.dispatch(ctx, submission, models.ReasonEnqueued, OriginSubmission, nil)
}

// Requeue is the administrative action that moves a submission in any status back to queued.
// Earlier audit rows are kept.
func (s *evaluationService) Requeue(ctx context.Context, submissionID uint, actor EvaluationActor, payload dto.RequeueEvaluationRequest) (dto.EnqueueEvaluationResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.EnqueueEvaluationResponse{}, err
	}

	submission, err := s.load(ctx, submissionID)
	if err != nil {
		return dto.EnqueueEvaluationResponse{}, err
	}

	metadata := datatypes.JSONMap{
		"previous_status": string(submission.EvaluationStatus),
		"actor_id":        actor.ID,
		"actor_role":      actor.Role,
	}
	if note := strings.TrimSpace(s.sanitizer.Sanitize(payload.Note)); note != "" {
		metadata["note"] = note
	}

	response, err := s.dispatch(ctx, submission, models.ReasonRequeued, OriginRequeue, metadata)
	if err != nil {
		return dto.EnqueueEvaluationResponse{}, err
	}

	s.logger.Info().
		Uint("submission_id", submissionID).
		Uint("actor_id", actor.ID).
		Str("previous_status", string(submission.EvaluationStatus)).
		Str("request_id", response.EvaluationRequestID).
		Msg("submission re-queued for evaluation")
	return response, nil
}

func (s *evaluationService) Status(ctx context.Context, submissionID uint) (dto.EvaluationStatusResponse, error) {
	submission, err := s.load(ctx, submissionID)
	if err != nil {
		return dto.EvaluationStatusResponse{}, err
	}

	var latest *models.AIEvaluation
	if submission.LatestAIEvaluationID != nil {
		record, err := s.evaluations.GetByID(ctx, *submission.LatestAIEvaluationID)
		switch {
		case err == nil:
			latest = &record
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return dto.EvaluationStatusResponse{}, err
		}
	}

	return dto.NewEvaluationStatusResponse(submission, latest), nil
}

func (s *evaluationService) History(ctx context.Context, submissionID uint, limit int, includeInternals bool) ([]dto.EvaluationRecordResponse, error) {
	if _, err := s.load(ctx, submissionID); err != nil {
		return nil, err
	}

	records, err := s.evaluations.ListBySubmission(ctx, submissionID, limit)
	if err != nil {
		return nil, err
	}
	return dto.NewEvaluationRecordResponseSlice(records, includeInternals), nil
}

func (s *evaluationService) dispatch(ctx context.Context, submission models.Submission, reason, origin string, metadata datatypes.JSONMap) (dto.EnqueueEvaluationResponse, error) {
	now := s.now()
	requestID := uuid.NewString()

	if metadata == nil {
		metadata = datatypes.JSONMap{}
	}
	metadata["origin"] = origin

	record := &models.AIEvaluation{
		EvaluationRequestID: requestID,
		Reason:              reason,
		Metadata:            metadata,
	}
	if err := s.submissions.MarkQueued(ctx, submission.ID, record, now); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.EnqueueEvaluationResponse{}, ErrSubmissionNotFound
		}
		return dto.EnqueueEvaluationResponse{}, fmt.Errorf("queue submission %d: %w", submission.ID, err)
	}

	job := s.policy.NewJob(submission.ID, requestID, record.ID, origin, now)
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		// The submission stays queued; the sweeper times it out if no job ever arrives.
		s.logger.Error().Err(err).Uint("submission_id", submission.ID).Str("request_id", requestID).Msg("failed to dispatch evaluation job")
		return dto.EnqueueEvaluationResponse{}, fmt.Errorf("dispatch evaluation job: %w", err)
	}
	observability.EvaluationsEnqueued().WithLabelValues(origin).Inc()

	return dto.EnqueueEvaluationResponse{
		SubmissionID:        submission.ID,
		EvaluationRequestID: requestID,
		EvaluationStatus:    string(models.EvaluationStatusQueued),
		AuditRecordID:       record.ID,
		RetryUntil:          job.RetryUntil(),
	}, nil
}

func (s *evaluationService) load(ctx context.Context, submissionID uint) (models.Submission, error) {
	submission, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Submission{}, ErrSubmissionNotFound
		}
		return models.Submission{}, err
	}
	return submission, nil
}
