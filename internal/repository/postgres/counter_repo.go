package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/shared-counter/internal/domain"
)

type CounterRepo struct {
	pool *pgxpool.Pool
}

func NewCounterRepo(pool *pgxpool.Pool) *CounterRepo {
	return &CounterRepo{pool: pool}
}

func (r *CounterRepo) Get(ctx context.Context, name string) (domain.Counter, error) {
	c := domain.Counter{Name: name}
	err := r.pool.QueryRow(ctx,
		`SELECT value, version, last_updated FROM counters WHERE name = $1`, name,
	).Scan(&c.Value, &c.Version, &c.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Counter{}, domain.ErrNotFound
		}
		return domain.Counter{}, fmt.Errorf("postgres: get counter: %w", err)
	}
	return c, nil
}

func (r *CounterRepo) Create(ctx context.Context, c domain.Counter) error {
	ct, err := r.pool.Exec(ctx, `
		INSERT INTO counters (name, value, version, last_updated)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING`,
		c.Name, c.Value, c.Version, c.LastUpdated)
	if err != nil {
		return fmt.Errorf("postgres: create counter: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (r *CounterRepo) CompareAndSwap(ctx context.Context, name string, expectedVersion, value int64, now time.Time) (domain.Counter, error) {
	c := domain.Counter{Name: name}
	err := r.pool.QueryRow(ctx, `
		UPDATE counters SET value = $3, version = version + 1, last_updated = $4
		WHERE name = $1 AND version = $2
		RETURNING value, version, last_updated`,
		name, expectedVersion, value, now,
	).Scan(&c.Value, &c.Version, &c.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Counter{}, domain.ErrVersionConflict
		}
		return domain.Counter{}, fmt.Errorf("postgres: cas counter: %w", err)
	}
	return c, nil
}
