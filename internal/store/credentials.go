package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// CredentialRepository persists credentials and their usage log
type CredentialRepository struct {
	db *sqlx.DB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *sqlx.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

type credentialRow struct {
	ID             string `db:"id"`
	Platform       string `db:"platform"`
	Tier           string `db:"tier"`
	OwnerID        string `db:"owner_id"`
	Label          string `db:"label"`
	Secret         string `db:"secret"`
	Status         string `db:"status"`
	UseCount       int64  `db:"use_count"`
	SuccessCount   int64  `db:"success_count"`
	ErrorCount     int64  `db:"error_count"`
	CooldownUntil  *int64 `db:"cooldown_until"`
	MaxUsesPerHour int    `db:"max_uses_per_hour"`
	LastError      string `db:"last_error"`
	LastUsedAt     *int64 `db:"last_used_at"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (r credentialRow) toCredential() types.Credential {
	return types.Credential{
		ID:             r.ID,
		Platform:       types.Platform(r.Platform),
		Tier:           types.Tier(r.Tier),
		OwnerID:        r.OwnerID,
		Label:          r.Label,
		Secret:         r.Secret,
		Status:         types.CredentialStatus(r.Status),
		UseCount:       r.UseCount,
		SuccessCount:   r.SuccessCount,
		ErrorCount:     r.ErrorCount,
		CooldownUntil:  fromMillisPtr(r.CooldownUntil),
		MaxUsesPerHour: r.MaxUsesPerHour,
		LastError:      r.LastError,
		LastUsedAt:     fromMillisPtr(r.LastUsedAt),
		CreatedAt:      fromMillis(r.CreatedAt),
		UpdatedAt:      fromMillis(r.UpdatedAt),
	}
}

const credentialColumns = `id, platform, tier, owner_id, label, secret, status, use_count,
	success_count, error_count, cooldown_until, max_uses_per_hour, last_error,
	last_used_at, created_at, updated_at`

// Create inserts a credential, assigning an id and defaults when missing
func (r *CredentialRepository) Create(ctx context.Context, c *types.Credential) error {
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Tier == "" {
		c.Tier = types.TierPublic
	}
	if c.Status == "" {
		c.Status = types.StatusHealthy
	}
	c.CreatedAt, c.UpdatedAt = now, now

	query := r.db.Rebind(`
		INSERT INTO credentials (id, platform, tier, owner_id, label, secret, status,
			cooldown_until, max_uses_per_hour, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.ExecContext(ctx, query,
		c.ID, string(c.Platform), string(c.Tier), c.OwnerID, c.Label, c.Secret,
		string(c.Status), toMillisPtr(c.CooldownUntil), c.MaxUsesPerHour,
		toMillis(now), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// Get retrieves a credential by id
func (r *CredentialRepository) Get(ctx context.Context, id string) (*types.Credential, error) {
	var row credentialRow
	query := r.db.Rebind(`SELECT ` + credentialColumns + ` FROM credentials WHERE id = ?`)
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	c := row.toCredential()
	return &c, nil
}

// List returns every credential of a platform
func (r *CredentialRepository) List(ctx context.Context, platform types.Platform) ([]types.Credential, error) {
	var rows []credentialRow
	query := r.db.Rebind(`SELECT ` + credentialColumns + ` FROM credentials WHERE platform = ? ORDER BY created_at`)
	if err := r.db.SelectContext(ctx, &rows, query, string(platform)); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return toCredentials(rows), nil
}

// ListCandidates returns healthy credentials of one tier, least recently used
// first. Private credentials are restricted to ownerID.
func (r *CredentialRepository) ListCandidates(ctx context.Context, platform types.Platform, tier types.Tier, ownerID string) ([]types.Credential, error) {
	var rows []credentialRow
	query := `SELECT ` + credentialColumns + ` FROM credentials
		WHERE platform = ? AND status = ? AND tier = ?`
	args := []any{string(platform), string(types.StatusHealthy), string(tier)}
	if tier == types.TierPrivate {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY COALESCE(last_used_at, 0) ASC, id ASC`

	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list candidate credentials: %w", err)
	}
	return toCredentials(rows), nil
}

// PromoteCooled moves cooldown credentials whose cooldown has elapsed back to healthy
func (r *CredentialRepository) PromoteCooled(ctx context.Context, platform types.Platform, now time.Time) (int64, error) {
	query := r.db.Rebind(`
		UPDATE credentials SET status = ?, cooldown_until = NULL, updated_at = ?
		WHERE platform = ? AND status = ? AND cooldown_until IS NOT NULL AND cooldown_until <= ?`)
	res, err := r.db.ExecContext(ctx, query,
		string(types.StatusHealthy), toMillis(now),
		string(platform), string(types.StatusCooldown), toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to promote cooled credentials: %w", err)
	}
	return res.RowsAffected()
}

// CountUsesSince counts recorded uses of a credential strictly after since
func (r *CredentialRepository) CountUsesSince(ctx context.Context, id string, since time.Time) (int, error) {
	var n int
	query := r.db.Rebind(`SELECT COUNT(*) FROM credential_uses WHERE credential_id = ? AND used_at > ?`)
	if err := r.db.GetContext(ctx, &n, query, id, toMillis(since)); err != nil {
		return 0, fmt.Errorf("failed to count credential uses: %w", err)
	}
	return n, nil
}

// RecordUse appends to the usage log and stamps last_used_at
func (r *CredentialRepository) RecordUse(ctx context.Context, id string, at time.Time) error {
	ms := toMillis(at)
	if _, err := r.db.ExecContext(ctx,
		r.db.Rebind(`INSERT INTO credential_uses (credential_id, used_at) VALUES (?, ?)`), id, ms); err != nil {
		return fmt.Errorf("failed to record credential use: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		r.db.Rebind(`UPDATE credentials SET last_used_at = ?, updated_at = ? WHERE id = ?`), ms, ms, id); err != nil {
		return fmt.Errorf("failed to stamp credential use: %w", err)
	}
	return nil
}

// IncrementSuccess bumps use and success counters
func (r *CredentialRepository) IncrementSuccess(ctx context.Context, id string, at time.Time) error {
	query := r.db.Rebind(`
		UPDATE credentials SET use_count = use_count + 1, success_count = success_count + 1, updated_at = ?
		WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, query, toMillis(at), id); err != nil {
		return fmt.Errorf("failed to record credential success: %w", err)
	}
	return nil
}

// IncrementError bumps the error counter and records the message
func (r *CredentialRepository) IncrementError(ctx context.Context, id, lastErr string, at time.Time) error {
	query := r.db.Rebind(`
		UPDATE credentials SET error_count = error_count + 1, last_error = ?, updated_at = ?
		WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, query, lastErr, toMillis(at), id); err != nil {
		return fmt.Errorf("failed to record credential error: %w", err)
	}
	return nil
}

// TransitionStatus moves a credential to status `to` only if its current status
// is one of `from`, counting the error in the same statement. It reports
// whether this call performed the transition.
func (r *CredentialRepository) TransitionStatus(ctx context.Context, id string, from []types.CredentialStatus, to types.CredentialStatus, cooldownUntil *time.Time, lastErr string, at time.Time) (bool, error) {
	fromArgs := make([]string, len(from))
	for i, s := range from {
		fromArgs[i] = string(s)
	}

	query, args, err := sqlx.In(`
		UPDATE credentials
		SET status = ?, cooldown_until = ?, error_count = error_count + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND status IN (?)`,
		string(to), toMillisPtr(cooldownUntil), lastErr, toMillis(at), id, fromArgs)
	if err != nil {
		return false, fmt.Errorf("failed to build status transition: %w", err)
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read transition result: %w", err)
	}
	return n == 1, nil
}

// SetStatus is the operator path: refresh an expired credential, disable or re-enable it
func (r *CredentialRepository) SetStatus(ctx context.Context, id string, status types.CredentialStatus) error {
	query := r.db.Rebind(`UPDATE credentials SET status = ?, cooldown_until = NULL, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, string(status), toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set credential status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a credential and its usage log
func (r *CredentialRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM credential_uses WHERE credential_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete credential uses: %w", err)
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM credentials WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneUses drops usage rows older than before
func (r *CredentialRepository) PruneUses(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM credential_uses WHERE used_at < ?`), toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune credential uses: %w", err)
	}
	return res.RowsAffected()
}

func toCredentials(rows []credentialRow) []types.Credential {
	out := make([]types.Credential, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toCredential())
	}
	return out
}
