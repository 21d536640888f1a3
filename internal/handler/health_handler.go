package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-evaluator/internal/config"
	"github.com/noah-isme/gema-evaluator/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Service     string            `json:"service"`
	Environment string            `json:"environment"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// HealthCheckFunc probes one dependency.
type HealthCheckFunc func(ctx context.Context) error

// HealthHandler reports service health together with its dependency probes.
type HealthHandler struct {
	cfg     config.Config
	checks  map[string]HealthCheckFunc
	timeout time.Duration
}

// NewHealthHandler constructs a health handler. checks may be nil.
func NewHealthHandler(cfg config.Config, checks map[string]HealthCheckFunc) *HealthHandler {
	return &HealthHandler{cfg: cfg, checks: checks, timeout: 2 * time.Second}
}

// Register binds the health route.
func (h *HealthHandler) Register(router fiber.Router) {
	router.Get("/health", h.health)
}

func (h *HealthHandler) health(c *fiber.Ctx) error {
	payload := HealthResponse{
		Status:      "ok",
		Timestamp:   time.Now().UTC(),
		Service:     h.cfg.AppName,
		Environment: h.cfg.AppEnv,
	}

	if len(h.checks) > 0 {
		ctx, cancel := context.WithTimeout(withRequestContext(c), h.timeout)
		defer cancel()

		payload.Checks = make(map[string]string, len(h.checks))
		for name, check := range h.checks {
			if err := check(ctx); err != nil {
				payload.Checks[name] = "down"
				payload.Status = "degraded"
				continue
			}
			payload.Checks[name] = "up"
		}
	}

	if payload.Status != "ok" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(utils.APIResponse{
			Success: false,
			Data:    payload,
			Message: "service degraded",
		})
	}
	return utils.SendSuccess(c, "service healthy", payload)
}
