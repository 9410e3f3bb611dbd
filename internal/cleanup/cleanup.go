package cleanup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CachePurger deletes expired cache rows. Backends with native expiry
// (redis, memory) have nothing to purge.
type CachePurger interface {
	Purge(ctx context.Context) (int64, error)
}

// UsePruner deletes credential usage rows older than a cutoff
type UsePruner interface {
	PruneUses(ctx context.Context, before time.Time) (int64, error)
}

// Strategy defines the janitor schedule
type Strategy struct {
	// Enable automatic cleanup
	Enabled bool

	// Run cleanup every N duration
	Interval time.Duration

	// Usage rows older than this are dropped. Hourly quotas only look back
	// one hour, so anything beyond that is history.
	UseRetention time.Duration
}

// Result contains the outcome of one cleanup cycle
type Result struct {
	CacheRowsPurged int64
	UsesPruned      int64
	Errors          []error
}

// Janitor prunes expired cache rows and stale credential usage rows
type Janitor struct {
	strategy Strategy
	cache    CachePurger
	uses     UsePruner
	logger   *zap.Logger
	now      func() time.Time

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewJanitor creates a janitor. cache may be nil when the cache backend
// expires entries itself.
func NewJanitor(strategy Strategy, cache CachePurger, uses UsePruner, logger *zap.Logger) *Janitor {
	if strategy.Interval <= 0 {
		strategy.Interval = 10 * time.Minute
	}
	if strategy.UseRetention < time.Hour {
		strategy.UseRetention = 2 * time.Hour
	}
	return &Janitor{
		strategy:  strategy,
		cache:     cache,
		uses:      uses,
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start begins the periodic cleanup process
func (j *Janitor) Start(ctx context.Context) {
	if !j.strategy.Enabled {
		j.logger.Info("Janitor is disabled")
		close(j.stoppedCh)
		return
	}

	go j.run(ctx)

	j.logger.Info("Janitor started",
		zap.Duration("interval", j.strategy.Interval),
		zap.Duration("use_retention", j.strategy.UseRetention),
	)
}

// Stop stops the janitor and waits for a running cycle to finish
func (j *Janitor) Stop() {
	select {
	case <-j.stopCh:
	default:
		close(j.stopCh)
	}
	<-j.stoppedCh
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.stoppedCh)

	ticker := time.NewTicker(j.strategy.Interval)
	defer ticker.Stop()

	// Run once at startup
	j.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			j.RunOnce(ctx)
		case <-j.stopCh:
			j.logger.Info("Janitor stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs one cleanup cycle
func (j *Janitor) RunOnce(ctx context.Context) *Result {
	result := &Result{}

	if j.cache != nil {
		n, err := j.cache.Purge(ctx)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("cache purge: %w", err))
		}
		result.CacheRowsPurged = n
	}

	if j.uses != nil {
		n, err := j.uses.PruneUses(ctx, j.now().Add(-j.strategy.UseRetention))
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("credential use prune: %w", err))
		}
		result.UsesPruned = n
	}

	for _, err := range result.Errors {
		j.logger.Error("Cleanup error", zap.Error(err))
	}
	j.logger.Info("Cleanup cycle completed",
		zap.Int64("cache_rows_purged", result.CacheRowsPurged),
		zap.Int64("uses_pruned", result.UsesPruned),
		zap.Int("errors", len(result.Errors)),
	)
	return result
}
