package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// MetricsSource is the telemetry registry
type MetricsSource interface {
	IncrementRequests()
	GetSnapshot() map[string]interface{}
}

// PoolStats reports upstream connection pool settings
type PoolStats interface {
	Stats() map[string]interface{}
}

// MetricsHandler serves the metrics snapshot
type MetricsHandler struct {
	metrics  MetricsSource
	cache    CacheAdmin
	breakers BreakerStates
	pool     PoolStats
	logger   *zap.Logger
}

// NewMetricsHandler creates a metrics handler
func NewMetricsHandler(m MetricsSource, c CacheAdmin, breakers BreakerStates, pool PoolStats, logger *zap.Logger) *MetricsHandler {
	return &MetricsHandler{metrics: m, cache: c, breakers: breakers, pool: pool, logger: logger}
}

// CountRequests counts every request reaching the API
func (h *MetricsHandler) CountRequests() fiber.Handler {
	return func(c *fiber.Ctx) error {
		h.metrics.IncrementRequests()
		return c.Next()
	}
}

// Snapshot returns the metrics snapshot with cache, breaker and pool state
// GET /metrics
func (h *MetricsHandler) Snapshot(c *fiber.Ctx) error {
	snapshot := h.metrics.GetSnapshot()

	// Add cache stats if available
	if stats, err := h.cache.Stats(c.UserContext()); err == nil {
		snapshot["cache_stats"] = stats
	} else {
		h.logger.Warn("Cache stats unavailable", zap.Error(err))
	}

	snapshot["breakers"] = h.breakers.States()
	snapshot["http_pool"] = h.pool.Stats()

	return c.JSON(snapshot)
}
