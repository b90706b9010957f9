package roles

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-policy/internal/platform/db"
	"github.com/odyssey-erp/odyssey-policy/internal/policy"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// DisplayNames returns the display names stored for roles.
func (r *Repository) DisplayNames(ctx context.Context) (map[policy.Role]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT name, display_name FROM roles`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[policy.Role]string)
	for rows.Next() {
		var name, display string
		if err := rows.Scan(&name, &display); err != nil {
			return nil, err
		}
		out[policy.NormalizeRole(name)] = display
	}
	return out, rows.Err()
}

// ListAssignments returns the tenant roles of userID.
func (r *Repository) ListAssignments(ctx context.Context, userID int64) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT m.user_id, m.tenant_id, t.name, m.role, m.created_at
FROM user_tenant_roles m
JOIN tenants t ON t.id = m.tenant_id
WHERE m.user_id = $1
ORDER BY m.created_at, m.tenant_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		var (
			a    Assignment
			role string
		)
		if err := rows.Scan(&a.UserID, &a.TenantID, &a.TenantName, &role, &a.AssignedAt); err != nil {
			return nil, err
		}
		a.Role = policy.NormalizeRole(role)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Upsert sets the role of userID in tenantID, replacing any previous one.
func (r *Repository) Upsert(ctx context.Context, userID, tenantID int64, role policy.Role) (Assignment, error) {
	var (
		a   Assignment
		raw string
	)
	err := r.pool.QueryRow(ctx, `WITH upserted AS (
	INSERT INTO user_tenant_roles (user_id, tenant_id, role, created_at)
	VALUES ($1, $2, $3, NOW())
	ON CONFLICT (user_id, tenant_id) DO UPDATE SET role = EXCLUDED.role
	RETURNING user_id, tenant_id, role, created_at
)
SELECT u.user_id, u.tenant_id, t.name, u.role, u.created_at
FROM upserted u JOIN tenants t ON t.id = u.tenant_id`, userID, tenantID, string(role)).Scan(
		&a.UserID, &a.TenantID, &a.TenantName, &raw, &a.AssignedAt)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return Assignment{}, shared.ErrNotFound
		}
		return Assignment{}, fmt.Errorf("roles: upsert assignment: %w", err)
	}
	a.Role = policy.Role(raw)
	return a, nil
}

// Delete removes the role of userID in tenantID.
func (r *Repository) Delete(ctx context.Context, userID, tenantID int64) error {
	var deleted int64
	err := r.pool.QueryRow(ctx, `DELETE FROM user_tenant_roles WHERE user_id = $1 AND tenant_id = $2 RETURNING tenant_id`,
		userID, tenantID).Scan(&deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAssignmentNotFound
	}
	return err
}
