package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// SQLBackend keeps entries in the cache_entries table. Expired rows are
// filtered on read and removed by Purge.
type SQLBackend struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLBackend creates a relational backend over a migrated database
func NewSQLBackend(db *sqlx.DB) *SQLBackend {
	return &SQLBackend{db: db, now: time.Now}
}

// Get implements Backend
func (b *SQLBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var payload string
	query := b.db.Rebind(`SELECT payload FROM cache_entries WHERE cache_key = ? AND expires_at > ?`)
	err := b.db.GetContext(ctx, &payload, query, key, b.now().UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return []byte(payload), true, nil
}

// Set upserts an entry; the last writer wins
func (b *SQLBackend) Set(ctx context.Context, key string, platform types.Platform, payload []byte, ttl time.Duration) error {
	query := b.db.Rebind(`
		INSERT INTO cache_entries (cache_key, platform, payload, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			platform = excluded.platform,
			payload = excluded.payload,
			expires_at = excluded.expires_at`)
	expires := b.now().Add(ttl).UnixMilli()
	if _, err := b.db.ExecContext(ctx, query, key, string(platform), string(payload), expires); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// Delete implements Backend
func (b *SQLBackend) Delete(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, b.db.Rebind(`DELETE FROM cache_entries WHERE cache_key = ?`), key)
	return err
}

// Clear implements Backend
func (b *SQLBackend) Clear(ctx context.Context, platform types.Platform) (int64, error) {
	var res sql.Result
	var err error
	if platform == "" {
		res, err = b.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	} else {
		res, err = b.db.ExecContext(ctx, b.db.Rebind(`DELETE FROM cache_entries WHERE platform = ?`), string(platform))
	}
	if err != nil {
		return 0, fmt.Errorf("failed to clear cache entries: %w", err)
	}
	return res.RowsAffected()
}

// CountByPlatform counts live entries
func (b *SQLBackend) CountByPlatform(ctx context.Context) (map[types.Platform]int64, error) {
	var rows []struct {
		Platform string `db:"platform"`
		N        int64  `db:"n"`
	}
	query := b.db.Rebind(`SELECT platform, COUNT(*) AS n FROM cache_entries WHERE expires_at > ? GROUP BY platform`)
	if err := b.db.SelectContext(ctx, &rows, query, b.now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to count cache entries: %w", err)
	}

	counts := make(map[types.Platform]int64, len(rows))
	for _, r := range rows {
		counts[types.Platform(r.Platform)] = r.N
	}
	return counts, nil
}

// Purge deletes expired rows
func (b *SQLBackend) Purge(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx, b.db.Rebind(`DELETE FROM cache_entries WHERE expires_at <= ?`), b.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache entries: %w", err)
	}
	return res.RowsAffected()
}

// Close is a no-op; the database handle is shared
func (b *SQLBackend) Close() error {
	return nil
}
