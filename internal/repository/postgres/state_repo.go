package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/shared-counter/internal/domain"
)

// StateRepo keeps the full state as JSONB; the blocked columns exist for the
// active-blocks count.
type StateRepo struct {
	pool *pgxpool.Pool
}

func NewStateRepo(pool *pgxpool.Pool) *StateRepo {
	return &StateRepo{pool: pool}
}

func (r *StateRepo) Get(ctx context.Context, fp string) (domain.ClientSecurityState, error) {
	var (
		version int64
		data    []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT version, data FROM client_security_state WHERE fingerprint = $1`, fp,
	).Scan(&version, &data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ClientSecurityState{}, domain.ErrNotFound
		}
		return domain.ClientSecurityState{}, fmt.Errorf("postgres: get client state: %w", err)
	}

	var s domain.ClientSecurityState
	if err := json.Unmarshal(data, &s); err != nil {
		return domain.ClientSecurityState{}, fmt.Errorf("postgres: corrupt client state: %w", err)
	}
	s.Version = version
	return s, nil
}

func (r *StateRepo) Save(ctx context.Context, s domain.ClientSecurityState, expectedVersion int64) (domain.ClientSecurityState, error) {
	s.Version = expectedVersion + 1
	data, err := json.Marshal(s)
	if err != nil {
		return domain.ClientSecurityState{}, fmt.Errorf("postgres: encode client state: %w", err)
	}
	var expires *time.Time
	if s.IsBlocked {
		expires = &s.BlockExpiresAt
	}

	if expectedVersion == 0 {
		ct, err := r.pool.Exec(ctx, `
			INSERT INTO client_security_state (fingerprint, version, is_blocked, block_expires_at, data)
			VALUES ($1, 1, $2, $3, $4)
			ON CONFLICT (fingerprint) DO NOTHING`,
			s.Fingerprint, s.IsBlocked, expires, data)
		if err != nil {
			return domain.ClientSecurityState{}, fmt.Errorf("postgres: insert client state: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return domain.ClientSecurityState{}, domain.ErrAlreadyExists
		}
		return s, nil
	}

	ct, err := r.pool.Exec(ctx, `
		UPDATE client_security_state
		SET version = version + 1, is_blocked = $3, block_expires_at = $4, data = $5, updated_at = NOW()
		WHERE fingerprint = $1 AND version = $2`,
		s.Fingerprint, expectedVersion, s.IsBlocked, expires, data)
	if err != nil {
		return domain.ClientSecurityState{}, fmt.Errorf("postgres: update client state: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ClientSecurityState{}, domain.ErrVersionConflict
	}
	return s, nil
}

func (r *StateRepo) CountActiveBlocks(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM client_security_state
		WHERE is_blocked AND block_expires_at > $1`, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count active blocks: %w", err)
	}
	return n, nil
}
