package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardiorisk/cardiorisk/internal/platform/db"
)

// PGStore keeps counters in the id_counter table. When the context carries a
// transaction (db.TxFromContext) the counter update joins it, so an aborted
// patient insert also gives the ID back.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Read(ctx context.Context, scope string) (int64, bool, error) {
	var value int64
	err := db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT value FROM id_counter WHERE scope = $1`, scope).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, s.mapErr("read counter", err)
	}
	return value, true, nil
}

func (s *PGStore) CompareAndSwap(ctx context.Context, scope string, expected int64, found bool, next int64) (bool, error) {
	q := db.Conn(ctx, s.pool)

	if !found {
		tag, err := q.Exec(ctx, `
			INSERT INTO id_counter (scope, value) VALUES ($1, $2)
			ON CONFLICT (scope) DO NOTHING`, scope, next)
		if err != nil {
			return false, s.mapErr("create counter", err)
		}
		return tag.RowsAffected() == 1, nil
	}

	// Under READ COMMITTED a concurrent committed increment makes the WHERE
	// clause miss after the row lock is released, which surfaces as 0 rows.
	tag, err := q.Exec(ctx, `
		UPDATE id_counter SET value = $3, updated_at = NOW()
		WHERE scope = $1 AND value = $2`, scope, expected, next)
	if err != nil {
		return false, s.mapErr("update counter", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) mapErr(op string, err error) error {
	if db.IsConflict(err) {
		return fmt.Errorf("%w: %s: %v", ErrTransactionConflict, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
