// Package store holds the relational persistence shared by the credential
// pool, fingerprint pool, governor and the SQL cache backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("store: not found")

const (
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	pingTimeout            = 5 * time.Second
)

// Times are stored as unix milliseconds so the schema is identical on
// sqlite and postgres.
const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id                TEXT PRIMARY KEY,
	platform          TEXT NOT NULL,
	tier              TEXT NOT NULL DEFAULT 'public',
	owner_id          TEXT NOT NULL DEFAULT '',
	label             TEXT NOT NULL DEFAULT '',
	secret            TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'healthy',
	use_count         BIGINT NOT NULL DEFAULT 0,
	success_count     BIGINT NOT NULL DEFAULT 0,
	error_count       BIGINT NOT NULL DEFAULT 0,
	cooldown_until    BIGINT,
	max_uses_per_hour INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	last_used_at      BIGINT,
	created_at        BIGINT NOT NULL,
	updated_at        BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credentials_platform_status ON credentials (platform, status);
CREATE TABLE IF NOT EXISTS credential_uses (
	credential_id TEXT NOT NULL,
	used_at       BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credential_uses_id_at ON credential_uses (credential_id, used_at);
CREATE TABLE IF NOT EXISTS fingerprints (
	id                 TEXT PRIMARY KEY,
	platform           TEXT NOT NULL DEFAULT 'all',
	user_agent         TEXT NOT NULL,
	sec_ch_ua          TEXT NOT NULL DEFAULT '',
	sec_ch_ua_platform TEXT NOT NULL DEFAULT '',
	sec_ch_ua_mobile   TEXT NOT NULL DEFAULT '',
	accept_language    TEXT NOT NULL DEFAULT '',
	browser            TEXT NOT NULL DEFAULT '',
	device_type        TEXT NOT NULL DEFAULT 'desktop',
	priority           INTEGER NOT NULL DEFAULT 1,
	enabled            BOOLEAN NOT NULL DEFAULT TRUE,
	use_count          BIGINT NOT NULL DEFAULT 0,
	success_count      BIGINT NOT NULL DEFAULT 0,
	error_count        BIGINT NOT NULL DEFAULT 0,
	last_error         TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS service_configs (
	platform              TEXT PRIMARY KEY,
	enabled               BOOLEAN NOT NULL DEFAULT TRUE,
	rate_limit_per_minute INTEGER NOT NULL DEFAULT 0,
	cache_ttl_seconds     INTEGER NOT NULL DEFAULT 0,
	disabled_message      TEXT NOT NULL DEFAULT '',
	updated_at            BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS service_stats (
	platform             TEXT PRIMARY KEY,
	total_requests       BIGINT NOT NULL DEFAULT 0,
	success_count        BIGINT NOT NULL DEFAULT 0,
	error_count          BIGINT NOT NULL DEFAULT 0,
	avg_response_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at           BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS global_settings (
	id                  INTEGER PRIMARY KEY CHECK (id = 1),
	maintenance_mode    BOOLEAN NOT NULL DEFAULT FALSE,
	maintenance_message TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key  TEXT PRIMARY KEY,
	platform   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	expires_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_platform ON cache_entries (platform, expires_at);
`

// Open connects to the configured driver, applies connection settings and
// migrates the schema.
func Open(ctx context.Context, driver, dsn string, maxOpenConns int) (*sqlx.DB, error) {
	if driver == "sqlite" {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database lives as long as its single connection
	if driver == "sqlite" && isMemoryDSN(dsn) {
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		if maxOpenConns > 0 {
			db.SetMaxOpenConns(maxOpenConns)
		}
		db.SetMaxIdleConns(defaultMaxIdleConns)
		db.SetConnMaxLifetime(defaultConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate creates every table and index if missing
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

// sqliteDSN appends the production pragmas understood by modernc.org/sqlite
// so they apply to every pooled connection.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	pragmas := []string{"_pragma=busy_timeout(10000)", "_pragma=foreign_keys(1)"}
	if !isMemoryDSN(dsn) {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(pragmas, "&")
}

func isMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func toMillisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}
