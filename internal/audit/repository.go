package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WindowParams memfilter audit_logs. Nilai yang tidak Valid berarti tanpa filter.
type WindowParams struct {
	FromAt   pgtype.Timestamptz
	ToAt     pgtype.Timestamptz
	ActorID  pgtype.Int8
	Entity   pgtype.Text
	Action   pgtype.Text
	EntityID pgtype.Text
	Offset   int32
	Limit    pgtype.Int4
}

// Repository menyediakan akses ke audit_logs.
type Repository interface {
	Window(ctx context.Context, arg WindowParams) ([]TimelineRow, error)
}

// PGRepository membaca audit_logs dari PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository membuat repository audit.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const windowQuery = `SELECT a.occurred_at, a.actor_id, COALESCE(u.email, ''), a.action, a.entity, a.entity_id, a.meta
FROM audit_logs a
LEFT JOIN users u ON u.id = a.actor_id
WHERE ($1::timestamptz IS NULL OR a.occurred_at >= $1)
  AND ($2::timestamptz IS NULL OR a.occurred_at < $2)
  AND ($3::bigint IS NULL OR a.actor_id = $3)
  AND ($4::text IS NULL OR a.entity = $4)
  AND ($5::text IS NULL OR a.action = $5)
  AND ($6::text IS NULL OR a.entity_id = $6)
ORDER BY a.occurred_at DESC, a.id DESC
OFFSET $7
LIMIT $8`

// Window mengembalikan baris audit sesuai filter, terbaru lebih dulu.
func (r *PGRepository) Window(ctx context.Context, arg WindowParams) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, windowQuery,
		arg.FromAt, arg.ToAt, arg.ActorID, arg.Entity, arg.Action, arg.EntityID, arg.Offset, arg.Limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (TimelineRow, error) {
		var (
			out  TimelineRow
			at   time.Time
			meta []byte
		)
		if err := row.Scan(&at, &out.ActorID, &out.ActorEmail, &out.Action, &out.Entity, &out.EntityID, &meta); err != nil {
			return TimelineRow{}, err
		}
		out.At = at.UTC()
		if len(meta) > 0 && string(meta) != "null" {
			if err := json.Unmarshal(meta, &out.Meta); err != nil {
				return TimelineRow{}, err
			}
		}
		return out, nil
	})
}

var _ Repository = (*PGRepository)(nil)
