package modules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-policy/internal/platform/db"
	"github.com/odyssey-erp/odyssey-policy/internal/policy"
)

// Repository reads and writes module configuration.
type Repository interface {
	List(ctx context.Context) ([]Summary, error)
	Load(ctx context.Context, moduleID string) (policy.ModuleConfig, error)
	ReplaceMatrix(ctx context.Context, moduleID string, matrix map[policy.StatusID]map[policy.StatusID][]policy.Role) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// List returns every configured module ordered by id.
func (r *PGRepository) List(ctx context.Context) ([]Summary, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name FROM workflow_modules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("modules: list: %w", err)
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.Name); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Load assembles the configuration snapshot of moduleID.
func (r *PGRepository) Load(ctx context.Context, moduleID string) (policy.ModuleConfig, error) {
	cfg := policy.ModuleConfig{
		ID:          moduleID,
		Statuses:    make(map[policy.StatusID]policy.StatusMeta),
		Transitions: make(map[policy.StatusID][]policy.StatusID),
		RoleMatrix:  make(map[policy.StatusID]map[policy.StatusID][]policy.Role),
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_modules WHERE id = $1)`, moduleID).Scan(&exists); err != nil {
		return policy.ModuleConfig{}, fmt.Errorf("modules: lookup: %w", err)
	}
	if !exists {
		return policy.ModuleConfig{}, ErrNotFound
	}

	rows, err := r.pool.Query(ctx, `SELECT status_id, label, color, is_final
FROM workflow_statuses WHERE module_id = $1`, moduleID)
	if err != nil {
		return policy.ModuleConfig{}, fmt.Errorf("modules: statuses: %w", err)
	}
	for rows.Next() {
		var (
			id    int
			meta  policy.StatusMeta
			color *string
		)
		if err := rows.Scan(&id, &meta.Label, &color, &meta.Final); err != nil {
			rows.Close()
			return policy.ModuleConfig{}, err
		}
		if color != nil {
			meta.Color = *color
		}
		cfg.Statuses[policy.StatusID(id)] = meta
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return policy.ModuleConfig{}, err
	}

	rows, err = r.pool.Query(ctx, `SELECT from_status, to_status
FROM workflow_transitions WHERE module_id = $1 ORDER BY from_status, to_status`, moduleID)
	if err != nil {
		return policy.ModuleConfig{}, fmt.Errorf("modules: transitions: %w", err)
	}
	for rows.Next() {
		var from, to int
		if err := rows.Scan(&from, &to); err != nil {
			rows.Close()
			return policy.ModuleConfig{}, err
		}
		cfg.Transitions[policy.StatusID(from)] = append(cfg.Transitions[policy.StatusID(from)], policy.StatusID(to))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return policy.ModuleConfig{}, err
	}

	rows, err = r.pool.Query(ctx, `SELECT from_status, to_status, role
FROM workflow_transition_roles WHERE module_id = $1 ORDER BY from_status, to_status, role`, moduleID)
	if err != nil {
		return policy.ModuleConfig{}, fmt.Errorf("modules: matrix: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			from, to int
			role     string
		)
		if err := rows.Scan(&from, &to, &role); err != nil {
			return policy.ModuleConfig{}, err
		}
		row := cfg.RoleMatrix[policy.StatusID(from)]
		if row == nil {
			row = make(map[policy.StatusID][]policy.Role)
			cfg.RoleMatrix[policy.StatusID(from)] = row
		}
		row[policy.StatusID(to)] = append(row[policy.StatusID(to)], policy.Role(role))
	}
	return cfg, rows.Err()
}

// ReplaceMatrix swaps the role matrix of moduleID in one transaction.
func (r *PGRepository) ReplaceMatrix(ctx context.Context, moduleID string, matrix map[policy.StatusID]map[policy.StatusID][]policy.Role) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM workflow_transition_roles WHERE module_id = $1`, moduleID); err != nil {
			return fmt.Errorf("modules: clear matrix: %w", err)
		}
		batch := &pgx.Batch{}
		for from, row := range matrix {
			for to, roles := range row {
				for _, role := range roles {
					batch.Queue(`INSERT INTO workflow_transition_roles (module_id, from_status, to_status, role)
VALUES ($1, $2, $3, $4)`, moduleID, int(from), int(to), string(role))
				}
			}
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if db.IsForeignKeyViolation(err) {
				return fmt.Errorf("%w: matrix references a missing transition", policy.ErrInvalidModule)
			}
			return fmt.Errorf("modules: write matrix: %w", err)
		}
		return nil
	})
}

var _ Repository = (*PGRepository)(nil)
