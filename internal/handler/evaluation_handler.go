package handler

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-evaluator/internal/dto"
	"github.com/noah-isme/gema-evaluator/internal/middleware"
	"github.com/noah-isme/gema-evaluator/internal/service"
	"github.com/noah-isme/gema-evaluator/internal/utils"
)

const defaultStreamPing = 30 * time.Second

// EvaluationHandler exposes enqueue, poll, history, stream and re-queue endpoints.
type EvaluationHandler struct {
	service    service.EvaluationService
	events     service.EvaluationEvents
	logger     zerolog.Logger
	pingPeriod time.Duration
	limiter    fiber.Handler
}

// NewEvaluationHandler constructs a handler instance. events may be nil, which disables the stream.
func NewEvaluationHandler(svc service.EvaluationService, events service.EvaluationEvents, logger zerolog.Logger, pingPeriod time.Duration) *EvaluationHandler {
	if pingPeriod <= 0 {
		pingPeriod = defaultStreamPing
	}
	return &EvaluationHandler{
		service:    svc,
		events:     events,
		logger:     logger.With().Str("component", "evaluation_handler").Logger(),
		pingPeriod: pingPeriod,
	}
}

// SetEnqueueLimiter guards the enqueue route. It must be called before Register.
func (h *EvaluationHandler) SetEnqueueLimiter(limiter fiber.Handler) {
	h.limiter = limiter
}

// Register binds the submission evaluation routes under the provided group.
func (h *EvaluationHandler) Register(router fiber.Router) {
	if h.limiter != nil {
		router.Post("/:id/evaluation", h.limiter, h.enqueue)
	} else {
		router.Post("/:id/evaluation", h.enqueue)
	}
	router.Get("/:id/evaluation", h.status)
	router.Get("/:id/evaluations", h.history)

	if h.events != nil {
		router.Get("/:id/evaluation/ws", h.upgrade, websocket.New(h.stream))
	}
}

// RegisterAdmin binds the staff-only re-queue route.
func (h *EvaluationHandler) RegisterAdmin(router fiber.Router) {
	router.Post("/submissions/:id/requeue", h.requeue)
}

func (h *EvaluationHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	c.Locals("submission_id", id)
	c.Locals("request_ctx", withRequestContext(c))
	return c.Next()
}

func (h *EvaluationHandler) enqueue(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.service.Enqueue(withRequestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "evaluation queued", response)
}

func (h *EvaluationHandler) status(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	status, err := h.service.Status(withRequestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "evaluation status", status)
}

func (h *EvaluationHandler) history(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	limit, err := parseQueryInt(c, "limit")
	if err != nil || limit < 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	includeInternals := middleware.IsStaff(userRoleFromContext(c))
	records, err := h.service.History(withRequestContext(c), id, limit, includeInternals)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "evaluation history", records)
}

func (h *EvaluationHandler) requeue(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.RequeueEvaluationRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}

	response, err := h.service.Requeue(withRequestContext(c), id, evaluationActorFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "evaluation re-queued", response)
}

// stream pushes the current projection and then every change until the submission is terminal.
func (h *EvaluationHandler) stream(conn *websocket.Conn) {
	submissionID, _ := conn.Locals("submission_id").(uint)
	ctx, _ := conn.Locals("request_ctx").(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := middleware.LoggerWithCorrelation(ctx, h.logger).With().Uint("submission_id", submissionID).Logger()

	updates, cleanup := h.events.Subscribe(submissionID)
	defer cleanup()

	current, err := h.service.Status(ctx, submissionID)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, service.ErrSubmissionNotFound) {
			code = websocket.ClosePolicyViolation
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, "submission unavailable"))
		return
	}
	if err := conn.WriteJSON(current); err != nil || current.IsTerminal {
		h.closeStream(conn, logger)
		return
	}

	// Reads only detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(update); err != nil {
				logger.Debug().Err(err).Msg("failed to write evaluation update")
				return
			}
			if update.IsTerminal {
				h.closeStream(conn, logger)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *EvaluationHandler) closeStream(conn *websocket.Conn, logger zerolog.Logger) {
	if err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "evaluation finished")); err != nil {
		logger.Debug().Err(err).Msg("failed to close evaluation stream")
	}
}

func (h *EvaluationHandler) handleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrSubmissionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "submission not found")
	case errors.Is(err, service.ErrEvaluationInProgress):
		return utils.SendError(c, fiber.StatusConflict, "evaluation already in progress")
	case errors.Is(err, service.ErrEvaluationAlreadyFinal):
		return utils.SendError(c, fiber.StatusConflict, "evaluation already finished; ask a teacher to re-queue it")
	case isValidationError(err):
		return utils.SendValidationError(c, err)
	default:
		requestLogger := middleware.LoggerWithCorrelation(withRequestContext(c), h.logger)
		requestLogger.Error().Err(err).Msg("evaluation request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
