package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/shared-counter/internal/domain"
)

type OperatorRepo struct {
	pool *pgxpool.Pool
}

func NewOperatorRepo(pool *pgxpool.Pool) *OperatorRepo {
	return &OperatorRepo{pool: pool}
}

// GetOperatorByUsername returns domain.ErrNotFound for unknown usernames.
func (r *OperatorRepo) GetOperatorByUsername(ctx context.Context, username string) (*domain.Operator, error) {
	var (
		o      = &domain.Operator{}
		scopes []string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, scopes
		FROM operators WHERE username = $1`, username,
	).Scan(&o.ID, &o.Username, &o.PasswordHash, &scopes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get operator: %w", err)
	}
	o.Scopes = make(map[string]bool, len(scopes))
	for _, sc := range scopes {
		o.Scopes[sc] = true
	}
	return o, nil
}
