package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/csims/csims/internal/platform/db"
)

// PgRepository reads audit_logs.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const timelineQuery = `SELECT a.occurred_at, COALESCE(a.actor_id, 0), COALESCE(u.email, ''), a.action, a.entity, a.entity_id, a.meta
FROM audit_logs a
LEFT JOIN users u ON u.id = a.actor_id
WHERE ($1::timestamptz IS NULL OR a.occurred_at >= $1)
  AND ($2::timestamptz IS NULL OR a.occurred_at < $2)
  AND ($3::bigint IS NULL OR a.actor_id = $3)
  AND ($4::text IS NULL OR a.entity = $4)
  AND ($5::text IS NULL OR a.action = $5)
ORDER BY a.occurred_at DESC, a.id DESC`

// TimelineWindow returns limit rows starting at offset.
func (r *PgRepository) TimelineWindow(ctx context.Context, filters TimelineFilters, limit, offset int) ([]TimelineRow, error) {
	args := append(filterArgs(filters), limit, offset)
	return r.query(ctx, timelineQuery+` LIMIT $6 OFFSET $7`, args...)
}

// TimelineAll returns every matching row.
func (r *PgRepository) TimelineAll(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	return r.query(ctx, timelineQuery, filterArgs(filters)...)
}

func (r *PgRepository) query(ctx context.Context, sql string, args ...any) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, db.Classify("audit timeline", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TimelineRow, error) {
		var t TimelineRow
		var meta []byte
		if err := row.Scan(&t.At, &t.ActorID, &t.Actor, &t.Action, &t.Entity, &t.EntityID, &meta); err != nil {
			return TimelineRow{}, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &t.Meta)
		}
		return t, nil
	})
	return out, db.Classify("audit timeline", err)
}

func filterArgs(f TimelineFilters) []any {
	return []any{optionalTime(f.From), optionalTime(f.To), optionalID(f.ActorID), optionalText(f.Entity), optionalText(f.Action)}
}

func optionalTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func optionalID(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}

func optionalText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
