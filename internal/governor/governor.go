package governor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/KeremKalyoncu/medresolve/internal/errors"
	"github.com/KeremKalyoncu/medresolve/internal/retry"
	"github.com/KeremKalyoncu/medresolve/internal/store"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// ConfigStore holds operator-editable switches and persisted stats
type ConfigStore interface {
	GetServiceConfig(ctx context.Context, platform types.Platform) (*types.PlatformServiceConfig, error)
	GetSettings(ctx context.Context) (types.GlobalSettings, error)
	SaveStats(ctx context.Context, platform types.Platform, s types.ServiceStats) error
	LoadStats(ctx context.Context) (map[types.Platform]types.ServiceStats, error)
}

// Defaults apply to platforms without a service config row
type Defaults struct {
	RateLimitPerMinute int
	CacheTTL           time.Duration
}

// Governor gates every resolution and keeps per-platform running stats
type Governor struct {
	store    ConfigStore
	limiter  Limiter
	defaults map[types.Platform]Defaults
	logger   *zap.Logger

	mu    sync.Mutex
	stats map[types.Platform]types.ServiceStats
	dirty map[types.Platform]bool
}

// New creates a governor
func New(st ConfigStore, limiter Limiter, defaults map[types.Platform]Defaults, logger *zap.Logger) *Governor {
	return &Governor{
		store:    st,
		limiter:  limiter,
		defaults: defaults,
		logger:   logger,
		stats:    make(map[types.Platform]types.ServiceStats),
		dirty:    make(map[types.Platform]bool),
	}
}

// Admit checks maintenance mode, the platform switch and its rate limit, in
// that order. Denials carry the operator message verbatim. Store faults
// fail open.
func (g *Governor) Admit(ctx context.Context, platform types.Platform) error {
	settings, err := g.store.GetSettings(ctx)
	if err != nil {
		g.logger.Warn("Settings lookup failed, admitting", zap.Error(err))
	} else if settings.MaintenanceMode {
		return apperrors.ErrMaintenance.WithMessage(settings.MaintenanceMessage)
	}

	cfg := g.ServiceConfig(ctx, platform)
	if !cfg.Enabled {
		return apperrors.ErrPlatformDisabled.WithMessage(cfg.DisabledMessage)
	}

	if cfg.RateLimitPerMinute > 0 {
		ok, err := g.limiter.Allow(ctx, string(platform), cfg.RateLimitPerMinute, time.Minute)
		if err != nil {
			g.logger.Warn("Rate counter failed, admitting", zap.String("platform", string(platform)), zap.Error(err))
			return nil
		}
		if !ok {
			return apperrors.ErrRateLimited
		}
	}
	return nil
}

// ServiceConfig returns the effective config of a platform, falling back to
// defaults when no row exists or the store is unavailable
func (g *Governor) ServiceConfig(ctx context.Context, platform types.Platform) types.PlatformServiceConfig {
	cfg, err := g.store.GetServiceConfig(ctx, platform)
	if err == nil {
		return *cfg
	}
	if !errors.Is(err, store.ErrNotFound) {
		g.logger.Warn("Service config lookup failed, using defaults", zap.String("platform", string(platform)), zap.Error(err))
	}

	d := g.defaults[platform]
	return types.PlatformServiceConfig{
		Platform:           platform,
		Enabled:            true,
		RateLimitPerMinute: d.RateLimitPerMinute,
		CacheTTLSeconds:    int(d.CacheTTL / time.Second),
	}
}

// CacheTTL returns the TTL configured for a platform, 0 meaning cache default
func (g *Governor) CacheTTL(ctx context.Context, platform types.Platform) time.Duration {
	return time.Duration(g.ServiceConfig(ctx, platform).CacheTTLSeconds) * time.Second
}

// RecordOutcome folds one resolution into the running stats. The average is
// maintained incrementally: avg' = avg + (ms - avg) / total.
func (g *Governor) RecordOutcome(platform types.Platform, success bool, responseTimeMs int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.stats[platform]
	s.TotalRequests++
	if success {
		s.SuccessCount++
	} else {
		s.ErrorCount++
	}
	s.AvgResponseTimeMs += (float64(responseTimeMs) - s.AvgResponseTimeMs) / float64(s.TotalRequests)
	g.stats[platform] = s
	g.dirty[platform] = true
}

// Stats returns a snapshot of every platform's running stats
func (g *Governor) Stats() map[types.Platform]types.ServiceStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[types.Platform]types.ServiceStats, len(g.stats))
	for p, s := range g.stats {
		out[p] = s
	}
	return out
}

// Load seeds running stats from the store so counters survive restarts
func (g *Governor) Load(ctx context.Context) error {
	persisted, err := g.store.LoadStats(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for p, s := range persisted {
		if _, seen := g.stats[p]; !seen {
			g.stats[p] = s
		}
	}
	return nil
}

// Flush persists stats changed since the previous flush
func (g *Governor) Flush(ctx context.Context) error {
	g.mu.Lock()
	pending := make(map[types.Platform]types.ServiceStats, len(g.dirty))
	for p := range g.dirty {
		pending[p] = g.stats[p]
	}
	g.dirty = make(map[types.Platform]bool)
	g.mu.Unlock()

	var errs []error
	for p, s := range pending {
		err := retry.Do(ctx, retry.Persist(), func(ctx context.Context) error {
			return g.store.SaveStats(ctx, p, s)
		})
		if err != nil {
			errs = append(errs, err)
			g.markDirty(p)
		}
	}
	return errors.Join(errs...)
}

func (g *Governor) markDirty(p types.Platform) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dirty[p] = true
}

// DefaultFlushInterval is used when Run is given a non-positive interval
const DefaultFlushInterval = 30 * time.Second

// Run flushes stats every interval until ctx ends, then flushes once more
func (g *Governor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := g.Flush(ctx); err != nil {
				g.logger.Error("Failed to flush service stats", zap.Error(err))
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := g.Flush(flushCtx); err != nil {
				g.logger.Error("Failed to flush service stats on shutdown", zap.Error(err))
			}
			cancel()
			return
		}
	}
}
