package profile

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardiorisk/cardiorisk/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *repoPG) Get(ctx context.Context, userID string) (*Profile, error) {
	p := Profile{UserID: userID}
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT first_name, last_name, updated_at FROM app_user WHERE id = $1`, userID).
		Scan(&p.FirstName, &p.LastName, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) Upsert(ctx context.Context, p *Profile) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO app_user (id, first_name, last_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name, updated_at = NOW()
		RETURNING updated_at`,
		p.UserID, p.FirstName, p.LastName).Scan(&p.UpdatedAt)
}
