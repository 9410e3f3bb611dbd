package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// Backend is the storage behind the result cache. Keys already carry the
// platform as their first segment; platform is passed separately so
// backends can clear and count without parsing keys.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, platform types.Platform, payload []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Clear removes every entry of platform, or every entry when platform is empty
	Clear(ctx context.Context, platform types.Platform) (int64, error)
	CountByPlatform(ctx context.Context) (map[types.Platform]int64, error)
	Close() error
}

// Stats is the cache report exposed to operators
type Stats struct {
	Hits           uint64                   `json:"hits"`
	Misses         uint64                   `json:"misses"`
	HitRate        float64                  `json:"hitRate"`
	SizeByPlatform map[types.Platform]int64 `json:"sizeByPlatform"`
}

// ResultCache stores successful extraction results under canonical keys
type ResultCache struct {
	backend    Backend
	logger     *zap.Logger
	defaultTTL map[types.Platform]time.Duration
	maxTTL     time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewResultCache creates a result cache over backend. defaultTTL supplies the
// per-platform TTL used when a caller passes 0; maxTTL caps every TTL when > 0.
func NewResultCache(backend Backend, defaultTTL map[types.Platform]time.Duration, maxTTL time.Duration, logger *zap.Logger) *ResultCache {
	return &ResultCache{
		backend:    backend,
		logger:     logger,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
	}
}

// Get returns the cached result for a URL. Backend faults count as misses.
func (c *ResultCache) Get(ctx context.Context, platform types.Platform, rawURL string) (*types.ExtractionResult, bool) {
	key := Key(platform, rawURL)

	data, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
	}
	if err != nil || !ok {
		c.misses.Add(1)
		c.logger.Debug("Cache miss", zap.String("key", key))
		return nil, false
	}

	var result types.ExtractionResult
	if err := json.Unmarshal(data, &result); err != nil {
		c.misses.Add(1)
		c.logger.Warn("Failed to unmarshal cache value", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	c.hits.Add(1)
	c.logger.Debug("Cache hit", zap.String("key", key))
	return &result, true
}

// Has reports whether a live entry exists without touching hit/miss counters
func (c *ResultCache) Has(ctx context.Context, platform types.Platform, rawURL string) bool {
	_, ok, err := c.backend.Get(ctx, Key(platform, rawURL))
	return err == nil && ok
}

// Set stores a successful result. Failed or empty results are never cached.
// A zero ttl selects the platform default.
func (c *ResultCache) Set(ctx context.Context, platform types.Platform, rawURL string, result *types.ExtractionResult, ttl time.Duration) error {
	if result == nil || !result.Success || len(result.Formats) == 0 {
		return nil
	}

	if ttl <= 0 {
		ttl = c.TTL(platform)
	}
	if c.maxTTL > 0 && ttl > c.maxTTL {
		ttl = c.maxTTL
	}

	stored := *result
	stored.Cached = false
	stored.ResponseTimeMs = 0

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	key := Key(platform, rawURL)
	if err := c.backend.Set(ctx, key, platform, data, ttl); err != nil {
		c.logger.Error("Failed to set cache", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to set cache: %w", err)
	}

	c.logger.Debug("Cache set", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

// Delete drops the entry of one URL
func (c *ResultCache) Delete(ctx context.Context, platform types.Platform, rawURL string) error {
	return c.backend.Delete(ctx, Key(platform, rawURL))
}

// Clear removes the entries of platform, or all entries when platform is empty
func (c *ResultCache) Clear(ctx context.Context, platform types.Platform) (int64, error) {
	n, err := c.backend.Clear(ctx, platform)
	if err != nil {
		return 0, fmt.Errorf("failed to clear cache: %w", err)
	}
	c.logger.Info("Cache cleared", zap.String("platform", string(platform)), zap.Int64("count", n))
	return n, nil
}

// Stats reports hit/miss counters and live entries per platform
func (c *ResultCache) Stats(ctx context.Context) (Stats, error) {
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := Stats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}

	sizes, err := c.backend.CountByPlatform(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to count cache entries: %w", err)
	}
	stats.SizeByPlatform = sizes
	return stats, nil
}

// TTL returns the default TTL of a platform
func (c *ResultCache) TTL(platform types.Platform) time.Duration {
	if ttl, ok := c.defaultTTL[platform]; ok && ttl > 0 {
		return ttl
	}
	return time.Hour
}

// Close releases the backend
func (c *ResultCache) Close() error {
	return c.backend.Close()
}
