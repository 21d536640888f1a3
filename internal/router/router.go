package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-evaluator/internal/config"
	"github.com/noah-isme/gema-evaluator/internal/handler"
	"github.com/noah-isme/gema-evaluator/internal/middleware"
	"github.com/noah-isme/gema-evaluator/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	EvaluationHandler *handler.EvaluationHandler
	HealthHandler     *handler.HealthHandler
	JWTMiddleware     fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	if deps.HealthHandler != nil {
		deps.HealthHandler.Register(api)
	}
	app.Get("/metrics", observability.MetricsHandler())

	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.EvaluationHandler != nil {
		if cfg.EnqueueRateLimit > 0 {
			deps.EvaluationHandler.SetEnqueueLimiter(middleware.RateLimit("evaluation_enqueue", cfg.EnqueueRateLimit, time.Minute))
		}
		submissions := app.Group("/api/v2/submissions", jwtMiddleware, middleware.RequireUser())
		deps.EvaluationHandler.Register(submissions)

		admin := app.Group("/api/v2/admin", jwtMiddleware, middleware.RequireRole(middleware.StaffRoles...))
		deps.EvaluationHandler.RegisterAdmin(admin)
	}
}
