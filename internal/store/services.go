package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// ServiceRepository persists per-platform service configuration, running
// stats and the global settings row.
type ServiceRepository struct {
	db *sqlx.DB
}

// NewServiceRepository creates a new service repository
func NewServiceRepository(db *sqlx.DB) *ServiceRepository {
	return &ServiceRepository{db: db}
}

type serviceRow struct {
	Platform           string `db:"platform"`
	Enabled            bool   `db:"enabled"`
	RateLimitPerMinute int    `db:"rate_limit_per_minute"`
	CacheTTLSeconds    int    `db:"cache_ttl_seconds"`
	DisabledMessage    string `db:"disabled_message"`
}

type statsRow struct {
	Platform          string  `db:"platform"`
	TotalRequests     int64   `db:"total_requests"`
	SuccessCount      int64   `db:"success_count"`
	ErrorCount        int64   `db:"error_count"`
	AvgResponseTimeMs float64 `db:"avg_response_time_ms"`
}

// GetServiceConfig returns the operator config row, or ErrNotFound
func (r *ServiceRepository) GetServiceConfig(ctx context.Context, platform types.Platform) (*types.PlatformServiceConfig, error) {
	var row serviceRow
	query := r.db.Rebind(`
		SELECT platform, enabled, rate_limit_per_minute, cache_ttl_seconds, disabled_message
		FROM service_configs WHERE platform = ?`)
	if err := r.db.GetContext(ctx, &row, query, string(platform)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get service config: %w", err)
	}
	return &types.PlatformServiceConfig{
		Platform:           types.Platform(row.Platform),
		Enabled:            row.Enabled,
		RateLimitPerMinute: row.RateLimitPerMinute,
		CacheTTLSeconds:    row.CacheTTLSeconds,
		DisabledMessage:    row.DisabledMessage,
	}, nil
}

// UpsertServiceConfig writes the operator-editable fields of a platform
func (r *ServiceRepository) UpsertServiceConfig(ctx context.Context, cfg types.PlatformServiceConfig) error {
	query := r.db.Rebind(`
		INSERT INTO service_configs (platform, enabled, rate_limit_per_minute, cache_ttl_seconds, disabled_message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform) DO UPDATE SET
			enabled = excluded.enabled,
			rate_limit_per_minute = excluded.rate_limit_per_minute,
			cache_ttl_seconds = excluded.cache_ttl_seconds,
			disabled_message = excluded.disabled_message,
			updated_at = excluded.updated_at`)
	_, err := r.db.ExecContext(ctx, query,
		string(cfg.Platform), cfg.Enabled, cfg.RateLimitPerMinute, cfg.CacheTTLSeconds,
		cfg.DisabledMessage, toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert service config: %w", err)
	}
	return nil
}

// GetSettings returns the global settings; a missing row means defaults
func (r *ServiceRepository) GetSettings(ctx context.Context) (types.GlobalSettings, error) {
	var row struct {
		MaintenanceMode    bool   `db:"maintenance_mode"`
		MaintenanceMessage string `db:"maintenance_message"`
	}
	err := r.db.GetContext(ctx, &row, `SELECT maintenance_mode, maintenance_message FROM global_settings WHERE id = 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.GlobalSettings{}, nil
		}
		return types.GlobalSettings{}, fmt.Errorf("failed to get settings: %w", err)
	}
	return types.GlobalSettings{
		MaintenanceMode:    row.MaintenanceMode,
		MaintenanceMessage: row.MaintenanceMessage,
	}, nil
}

// SaveSettings upserts the single settings row
func (r *ServiceRepository) SaveSettings(ctx context.Context, s types.GlobalSettings) error {
	query := r.db.Rebind(`
		INSERT INTO global_settings (id, maintenance_mode, maintenance_message) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			maintenance_mode = excluded.maintenance_mode,
			maintenance_message = excluded.maintenance_message`)
	if _, err := r.db.ExecContext(ctx, query, s.MaintenanceMode, s.MaintenanceMessage); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// SaveStats upserts the running stats of a platform
func (r *ServiceRepository) SaveStats(ctx context.Context, platform types.Platform, s types.ServiceStats) error {
	query := r.db.Rebind(`
		INSERT INTO service_stats (platform, total_requests, success_count, error_count, avg_response_time_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform) DO UPDATE SET
			total_requests = excluded.total_requests,
			success_count = excluded.success_count,
			error_count = excluded.error_count,
			avg_response_time_ms = excluded.avg_response_time_ms,
			updated_at = excluded.updated_at`)
	_, err := r.db.ExecContext(ctx, query,
		string(platform), s.TotalRequests, s.SuccessCount, s.ErrorCount, s.AvgResponseTimeMs,
		toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save service stats: %w", err)
	}
	return nil
}

// LoadStats returns every persisted stats row keyed by platform
func (r *ServiceRepository) LoadStats(ctx context.Context) (map[types.Platform]types.ServiceStats, error) {
	var rows []statsRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT platform, total_requests, success_count, error_count, avg_response_time_ms
		FROM service_stats`)
	if err != nil {
		return nil, fmt.Errorf("failed to load service stats: %w", err)
	}

	out := make(map[types.Platform]types.ServiceStats, len(rows))
	for _, row := range rows {
		out[types.Platform(row.Platform)] = types.ServiceStats{
			TotalRequests:     row.TotalRequests,
			SuccessCount:      row.SuccessCount,
			ErrorCount:        row.ErrorCount,
			AvgResponseTimeMs: row.AvgResponseTimeMs,
		}
	}
	return out, nil
}
