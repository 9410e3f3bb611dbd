package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"github.com/KeremKalyoncu/medresolve/internal/app"
	"github.com/KeremKalyoncu/medresolve/internal/config"
	"github.com/KeremKalyoncu/medresolve/internal/handlers"
	"github.com/KeremKalyoncu/medresolve/internal/logger"
	"github.com/KeremKalyoncu/medresolve/internal/middleware"
	"github.com/KeremKalyoncu/medresolve/internal/shutdown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	zapLogger, err := logger.FromConfig(cfg.Logger, "api")
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer zapLogger.Sync()

	ctx := context.Background()
	container, err := app.NewContainer(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize application", zap.Error(err))
	}
	container.Start(ctx)

	gs := shutdown.NewGracefulShutdown(zapLogger, cfg.API.WriteTimeout)
	gs.Register("container", container.Close)

	server := fiber.New(fiber.Config{
		AppName:      "medresolve",
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		BodyLimit:    1 << 20,
		ErrorHandler: middleware.ErrorHandler(zapLogger),
	})

	// Middleware stack (order matters)
	server.Use(recover.New())
	server.Use(requestid.New())
	server.Use(compress.New())
	server.Use(cors.New(cors.Config{
		AllowOrigins: cfg.API.CORSOrigins,
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-API-Key",
	}))
	server.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path} ${locals:requestid}\n",
	}))

	rateLimiter := middleware.NewRateLimiter(cfg.API.RateLimitRPS, cfg.API.RateLimitBurst)
	gs.Register("rate limiter", func(context.Context) error {
		rateLimiter.Close()
		return nil
	})

	keys := middleware.ParseAPIKeys(cfg.API.APIKeys)
	if len(keys) == 0 {
		zapLogger.Warn("API_KEYS is empty, authentication is disabled")
	}
	auth := middleware.APIKeyAuth(keys)

	health := handlers.NewHealthHandler(zapLogger)
	for name, check := range container.HealthChecks() {
		health.AddCheck(name, check)
	}

	routes := handlers.Routes{
		Resolve: handlers.NewResolveHandler(container.Resolver, zapLogger),
		Admin: handlers.NewAdminHandler(
			container.Cache,
			container.Governor,
			container.Credentials,
			container.Breakers,
			zapLogger,
		),
		Credentials: handlers.NewCredentialHandler(container.CredentialStore, zapLogger),
		Health:      health,
		Metrics:     handlers.NewMetricsHandler(container.Metrics, container.Cache, container.Breakers, container.HTTPClients, zapLogger),
		Auth:        auth,
		RateLimit:   rateLimiter.Middleware(),
	}
	if container.QueueClient != nil {
		routes.Jobs = handlers.NewJobHandler(container.QueueClient, zapLogger)
	}
	routes.Register(server)

	// Performance profiling endpoints (for debugging)
	if cfg.API.EnablePprof {
		handlers.RegisterPprofRoutes(server, auth)
		zapLogger.Info("pprof profiling endpoints enabled at /debug/pprof")
	}

	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	zapLogger.Info("Starting API server", zap.String("addr", addr))

	go func() {
		if err := server.Listen(addr); err != nil {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Registered last so it runs first: stop taking requests before closing stores
	gs.Register("http server", server.ShutdownWithContext)

	if err := gs.Wait(ctx); err != nil {
		zapLogger.Error("Shutdown finished with errors", zap.Error(err))
	}
	zapLogger.Info("Server stopped")
}
