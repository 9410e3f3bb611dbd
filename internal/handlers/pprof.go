package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/pprof"
)

// RegisterPprofRoutes mounts the runtime profiles under /debug/pprof.
// They sit behind the API key when one is configured.
//
// Usage: curl -H "X-API-Key: ..." http://localhost:8080/debug/pprof/profile?seconds=30 > cpu.prof
func RegisterPprofRoutes(app *fiber.App, guard fiber.Handler) {
	app.Use("/debug/pprof", guard)
	app.Use(pprof.New())
}
