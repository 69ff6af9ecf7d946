package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	checks map[string]HealthCheck
}

func NewHealthHandler(checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

func (h *HealthHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/checkhealth", h.CheckHealth)
}

// CheckHealth answers 200 when every dependency responds and 503 otherwise,
// with the per-dependency state in the body.
func (h *HealthHandler) CheckHealth(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	status := fiber.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = fiber.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	return c.Status(status).JSON(fiber.Map{
		"service":      "ingestion-service",
		"healthy":      status == fiber.StatusOK,
		"dependencies": deps,
	})
}
