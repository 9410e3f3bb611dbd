package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// FingerprintRepository persists browser profiles
type FingerprintRepository struct {
	db *sqlx.DB
}

// NewFingerprintRepository creates a new fingerprint repository
func NewFingerprintRepository(db *sqlx.DB) *FingerprintRepository {
	return &FingerprintRepository{db: db}
}

type fingerprintRow struct {
	ID              string `db:"id"`
	Platform        string `db:"platform"`
	UserAgent       string `db:"user_agent"`
	SecChUa         string `db:"sec_ch_ua"`
	SecChUaPlatform string `db:"sec_ch_ua_platform"`
	SecChUaMobile   string `db:"sec_ch_ua_mobile"`
	AcceptLanguage  string `db:"accept_language"`
	Browser         string `db:"browser"`
	DeviceType      string `db:"device_type"`
	Priority        int    `db:"priority"`
	Enabled         bool   `db:"enabled"`
	UseCount        int64  `db:"use_count"`
	SuccessCount    int64  `db:"success_count"`
	ErrorCount      int64  `db:"error_count"`
	LastError       string `db:"last_error"`
}

func (r fingerprintRow) toFingerprint() types.Fingerprint {
	return types.Fingerprint{
		ID:              r.ID,
		Platform:        types.Platform(r.Platform),
		UserAgent:       r.UserAgent,
		SecChUa:         r.SecChUa,
		SecChUaPlatform: r.SecChUaPlatform,
		SecChUaMobile:   r.SecChUaMobile,
		AcceptLanguage:  r.AcceptLanguage,
		Browser:         r.Browser,
		DeviceType:      r.DeviceType,
		Priority:        r.Priority,
		Enabled:         r.Enabled,
		UseCount:        r.UseCount,
		SuccessCount:    r.SuccessCount,
		ErrorCount:      r.ErrorCount,
		LastError:       r.LastError,
	}
}

// Create inserts a fingerprint
func (r *FingerprintRepository) Create(ctx context.Context, f *types.Fingerprint) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.Platform == "" {
		f.Platform = types.PlatformAll
	}
	query := r.db.Rebind(`
		INSERT INTO fingerprints (id, platform, user_agent, sec_ch_ua, sec_ch_ua_platform,
			sec_ch_ua_mobile, accept_language, browser, device_type, priority, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, query,
		f.ID, string(f.Platform), f.UserAgent, f.SecChUa, f.SecChUaPlatform,
		f.SecChUaMobile, f.AcceptLanguage, f.Browser, f.DeviceType, f.Priority, f.Enabled,
	)
	if err != nil {
		return fmt.Errorf("failed to create fingerprint: %w", err)
	}
	return nil
}

// ListEnabled returns enabled fingerprints scoped to platform or to every platform
func (r *FingerprintRepository) ListEnabled(ctx context.Context, platform types.Platform) ([]types.Fingerprint, error) {
	var rows []fingerprintRow
	query := r.db.Rebind(`
		SELECT id, platform, user_agent, sec_ch_ua, sec_ch_ua_platform, sec_ch_ua_mobile,
			accept_language, browser, device_type, priority, enabled, use_count,
			success_count, error_count, last_error
		FROM fingerprints
		WHERE enabled = ? AND (platform = ? OR platform = ?)
		ORDER BY id`)
	if err := r.db.SelectContext(ctx, &rows, query, true, string(platform), string(types.PlatformAll)); err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}

	out := make([]types.Fingerprint, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toFingerprint())
	}
	return out, nil
}

// IncrementUse records a pick
func (r *FingerprintRepository) IncrementUse(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx,
		r.db.Rebind(`UPDATE fingerprints SET use_count = use_count + 1 WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to record fingerprint use: %w", err)
	}
	return nil
}

// RecordOutcome bumps success or error counters
func (r *FingerprintRepository) RecordOutcome(ctx context.Context, id string, success bool, lastErr string) error {
	var query string
	var args []any
	if success {
		query = `UPDATE fingerprints SET success_count = success_count + 1 WHERE id = ?`
		args = []any{id}
	} else {
		query = `UPDATE fingerprints SET error_count = error_count + 1, last_error = ? WHERE id = ?`
		args = []any{lastErr, id}
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to record fingerprint outcome: %w", err)
	}
	return nil
}

// SetEnabled is the operator switch for a bad profile
func (r *FingerprintRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE fingerprints SET enabled = ? WHERE id = ?`), enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update fingerprint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
