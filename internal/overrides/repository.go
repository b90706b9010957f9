package overrides

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-policy/internal/platform/db"
	"github.com/odyssey-erp/odyssey-policy/internal/policy"
)

// Repository persists permission overrides.
type Repository interface {
	ListByPrincipal(ctx context.Context, principalID int64) ([]policy.PermissionOverride, error)
	Upsert(ctx context.Context, o policy.PermissionOverride) (policy.PermissionOverride, error)
	Delete(ctx context.Context, id string) (policy.PermissionOverride, error)
	ExpiredBetween(ctx context.Context, since, until time.Time) ([]int64, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const overrideColumns = `id, user_id, permission, kind, expires_at, reason, created_by, created_at`

// ListByPrincipal returns every stored override of the principal, expired ones included.
func (r *PGRepository) ListByPrincipal(ctx context.Context, principalID int64) ([]policy.PermissionOverride, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+overrideColumns+`
FROM permission_overrides WHERE user_id = $1 ORDER BY created_at, id`, principalID)
	if err != nil {
		return nil, fmt.Errorf("overrides: list: %w", err)
	}
	defer rows.Close()
	var out []policy.PermissionOverride
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Upsert stores o. A principal holds at most one override per permission; a second write for
// the same permission replaces kind, expiry and reason while keeping the original id.
func (r *PGRepository) Upsert(ctx context.Context, o policy.PermissionOverride) (policy.PermissionOverride, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO permission_overrides (id, user_id, permission, kind, expires_at, reason, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (user_id, permission) DO UPDATE
SET kind = EXCLUDED.kind, expires_at = EXCLUDED.expires_at, reason = EXCLUDED.reason,
    created_by = EXCLUDED.created_by, created_at = EXCLUDED.created_at
RETURNING `+overrideColumns,
		o.ID, o.PrincipalID, string(o.Permission), string(o.Kind), o.ExpiresAt, o.Reason, o.CreatedBy, o.CreatedAt)
	stored, err := scanOverride(row)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return policy.PermissionOverride{}, ErrUnknownPrincipal
		}
		return policy.PermissionOverride{}, fmt.Errorf("overrides: upsert: %w", err)
	}
	return stored, nil
}

// Delete removes the override and returns the removed row.
func (r *PGRepository) Delete(ctx context.Context, id string) (policy.PermissionOverride, error) {
	row := r.pool.QueryRow(ctx, `DELETE FROM permission_overrides WHERE id = $1 RETURNING `+overrideColumns, id)
	o, err := scanOverride(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return policy.PermissionOverride{}, ErrNotFound
		}
		return policy.PermissionOverride{}, fmt.Errorf("overrides: delete: %w", err)
	}
	return o, nil
}

// ExpiredBetween returns the principals holding an override whose expiry falls in
// (since, until]. A zero since matches every expiry up to until.
func (r *PGRepository) ExpiredBetween(ctx context.Context, since, until time.Time) ([]int64, error) {
	var lower *time.Time
	if !since.IsZero() {
		lower = &since
	}
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT user_id FROM permission_overrides
WHERE expires_at IS NOT NULL
  AND ($1::timestamptz IS NULL OR expires_at > $1)
  AND expires_at <= $2
ORDER BY user_id`, lower, until)
	if err != nil {
		return nil, fmt.Errorf("overrides: expired: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func scanOverride(row pgx.Row) (policy.PermissionOverride, error) {
	var (
		o          policy.PermissionOverride
		permission string
		kind       string
		reason     *string
		createdBy  *int64
	)
	if err := row.Scan(&o.ID, &o.PrincipalID, &permission, &kind, &o.ExpiresAt, &reason, &createdBy, &o.CreatedAt); err != nil {
		return policy.PermissionOverride{}, err
	}
	o.Permission = policy.Permission(permission)
	o.Kind = policy.OverrideKind(kind)
	if reason != nil {
		o.Reason = *reason
	}
	if createdBy != nil {
		o.CreatedBy = *createdBy
	}
	return o, nil
}

var _ Repository = (*PGRepository)(nil)
