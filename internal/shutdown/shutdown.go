package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// GracefulShutdown runs registered cleanup hooks when the process is asked to stop
type GracefulShutdown struct {
	logger  *zap.Logger
	timeout time.Duration

	mu    sync.Mutex
	hooks []hook
	once  sync.Once
	err   error
}

// NewGracefulShutdown creates a shutdown handler
func NewGracefulShutdown(logger *zap.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GracefulShutdown{logger: logger, timeout: timeout}
}

// Register adds a cleanup hook. Hooks run in reverse registration order,
// so components are stopped before the dependencies they were built on.
func (gs *GracefulShutdown) Register(name string, fn func(ctx context.Context) error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.hooks = append(gs.hooks, hook{name: name, fn: fn})
}

// Wait blocks until a shutdown signal is received or ctx is done, then
// runs the hooks
func (gs *GracefulShutdown) Wait(ctx context.Context) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		gs.logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
		gs.logger.Info("Shutdown requested")
	}

	return gs.Shutdown()
}

// Shutdown runs every hook once within the timeout. Hook failures are
// logged and joined; they never stop the remaining hooks.
func (gs *GracefulShutdown) Shutdown() error {
	gs.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
		defer cancel()

		gs.mu.Lock()
		hooks := make([]hook, len(gs.hooks))
		copy(hooks, gs.hooks)
		gs.mu.Unlock()

		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			h := hooks[i]
			gs.logger.Info("Executing cleanup hook", zap.String("hook", h.name))

			if err := h.fn(ctx); err != nil {
				gs.logger.Error("Cleanup hook failed",
					zap.String("hook", h.name),
					zap.Error(err),
				)
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			}
		}
		gs.err = errors.Join(errs...)

		gs.logger.Info("Graceful shutdown completed")
	})
	return gs.err
}
