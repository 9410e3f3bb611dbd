package main

import (
	"context"
	"log"

	"go.uber.org/zap"

	"github.com/KeremKalyoncu/medresolve/internal/app"
	"github.com/KeremKalyoncu/medresolve/internal/config"
	"github.com/KeremKalyoncu/medresolve/internal/logger"
	"github.com/KeremKalyoncu/medresolve/internal/queue"
	"github.com/KeremKalyoncu/medresolve/internal/shutdown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}
	// The worker exists to drain the batch queue
	cfg.API.EnableBatch = true

	zapLogger, err := logger.FromConfig(cfg.Logger, "worker")
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting resolve worker")

	ctx := context.Background()
	container, err := app.NewContainer(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize application", zap.Error(err))
	}
	container.Start(ctx)

	gs := shutdown.NewGracefulShutdown(zapLogger, cfg.Worker.ShutdownTimeout)
	gs.Register("container", container.Close)

	workerServer := queue.NewServer(queue.ServerConfig{
		Redis:           container.RedisConnOpt(),
		Concurrency:     cfg.Worker.Concurrency,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
		Logger:          zapLogger,
	}, container.Processor)

	zapLogger.Info("Worker configuration",
		zap.String("redis", cfg.Redis.Address),
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.String("cache_backend", cfg.Cache.Backend),
	)

	if err := workerServer.Start(); err != nil {
		zapLogger.Fatal("Worker error", zap.Error(err))
	}
	gs.Register("worker server", workerServer.Shutdown)

	if err := gs.Wait(ctx); err != nil {
		zapLogger.Error("Shutdown finished with errors", zap.Error(err))
	}
	zapLogger.Info("Worker stopped")
}
