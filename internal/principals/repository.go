package principals

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-policy/internal/policy"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
)

// Repository loads principal snapshots from the membership store.
type Repository interface {
	LoadPrincipal(ctx context.Context, userID int64) (policy.Principal, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// LoadPrincipal reads the super-admin flag, tenant memberships and global role flags of an
// active user. Memberships are ordered by assignment time so the default tenant is stable.
func (r *PGRepository) LoadPrincipal(ctx context.Context, userID int64) (policy.Principal, error) {
	p := policy.Principal{ID: userID}
	err := r.pool.QueryRow(ctx, `SELECT is_super_admin FROM users WHERE id = $1 AND is_active`, userID).Scan(&p.IsSuperAdmin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return policy.Principal{}, shared.ErrNotFound
		}
		return policy.Principal{}, fmt.Errorf("principals: load user: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT m.tenant_id, t.name, m.role
FROM user_tenant_roles m
JOIN tenants t ON t.id = m.tenant_id
WHERE m.user_id = $1
ORDER BY m.created_at, m.tenant_id`, userID)
	if err != nil {
		return policy.Principal{}, fmt.Errorf("principals: load memberships: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ms   policy.Membership
			role string
		)
		if err := rows.Scan(&ms.TenantID, &ms.TenantName, &role); err != nil {
			return policy.Principal{}, err
		}
		ms.Role = policy.NormalizeRole(role)
		p.Memberships = append(p.Memberships, ms)
	}
	if err := rows.Err(); err != nil {
		return policy.Principal{}, err
	}

	globals, err := r.pool.Query(ctx, `SELECT role FROM user_global_roles WHERE user_id = $1`, userID)
	if err != nil {
		return policy.Principal{}, fmt.Errorf("principals: load global roles: %w", err)
	}
	defer globals.Close()
	for globals.Next() {
		var role string
		if err := globals.Scan(&role); err != nil {
			return policy.Principal{}, err
		}
		if p.GlobalRoles == nil {
			p.GlobalRoles = make(map[policy.Role]bool)
		}
		p.GlobalRoles[policy.NormalizeRole(role)] = true
	}
	return p, globals.Err()
}

var _ Repository = (*PGRepository)(nil)
