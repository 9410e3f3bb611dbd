package handlers

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Check probes one dependency
type Check func(ctx context.Context) error

// HealthHandler provides health check endpoints
type HealthHandler struct {
	checks  map[string]Check
	timeout time.Duration
	logger  *zap.Logger
}

// NewHealthHandler creates a health handler
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		checks:  make(map[string]Check),
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

// AddCheck registers a dependency probed by the readiness endpoint
func (h *HealthHandler) AddCheck(name string, check Check) {
	h.checks[name] = check
}

// BasicHealth returns simple healthy status (for load balancers)
// GET /health
func (h *HealthHandler) BasicHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// Readiness probes every registered dependency
// GET /health/ready
func (h *HealthHandler) Readiness(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := fiber.Map{}
	ready := true
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			ready = false
			checks[name] = fiber.Map{"status": "unhealthy", "error": err.Error()}
			h.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		checks[name] = fiber.Map{"status": "healthy"}
	}

	status := fiber.StatusOK
	if !ready {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"ready":     ready,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}
