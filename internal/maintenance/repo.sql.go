package maintenance

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/csims/csims/internal/platform/db"
)

// PgStore purges Postgres tables.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewStore constructs PgStore.
func NewStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// DeleteAll deletes every row of tables in order inside one transaction.
func (s *PgStore) DeleteAll(ctx context.Context, tables []string) ([]TableCount, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("maintenance store not initialised")
	}
	counts := make([]TableCount, 0, len(tables))
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, table := range tables {
			tag, err := tx.Exec(ctx, `DELETE FROM `+pgx.Identifier{table}.Sanitize())
			if err != nil {
				return err
			}
			counts = append(counts, TableCount{Table: table, Rows: tag.RowsAffected()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
