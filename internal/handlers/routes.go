package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/KeremKalyoncu/medresolve/internal/middleware"
)

// Routes groups the handlers mounted by the API server
type Routes struct {
	Resolve     *ResolveHandler
	Jobs        *JobHandler // nil when batches are disabled
	Admin       *AdminHandler
	Credentials *CredentialHandler
	Health      *HealthHandler
	Metrics     *MetricsHandler

	// Auth guards /api/v1 and /metrics; RateLimit guards /api/v1 only
	Auth      fiber.Handler
	RateLimit fiber.Handler
}

// Register mounts every route on app
func (r Routes) Register(app *fiber.App) {
	app.Use(r.Metrics.CountRequests())

	app.Get("/health", r.Health.BasicHealth)
	app.Get("/health/ready", r.Health.Readiness)
	app.Get("/metrics", r.guard(), r.Metrics.Snapshot)

	api := app.Group("/api/v1", r.guard())
	if r.RateLimit != nil {
		api.Use(r.RateLimit)
	}
	api.Use(middleware.RequireJSON())

	api.Post("/resolve", r.Resolve.Resolve)
	api.Post("/detect", r.Resolve.Detect)
	if r.Jobs != nil {
		api.Post("/batch", r.Jobs.SubmitBatch)
		api.Get("/jobs/:id", r.Jobs.GetJob)
	}

	api.Get("/cache/stats", r.Admin.CacheStats)
	api.Delete("/cache", r.Admin.ClearCache)
	api.Get("/services/stats", r.Admin.ServiceStats)
	api.Post("/credentials/:id/test", r.Admin.TestCredential)
	api.Get("/credentials", r.Credentials.List)
	api.Put("/credentials/:id/status", r.Credentials.SetStatus)
	api.Delete("/credentials/:id", r.Credentials.Delete)
}

func (r Routes) guard() fiber.Handler {
	if r.Auth != nil {
		return r.Auth
	}
	return func(c *fiber.Ctx) error { return c.Next() }
}
