package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/shared-counter/internal/domain"
)

type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

func (r *EventRepo) Insert(ctx context.Context, e domain.SecurityEvent) error {
	violations, err := json.Marshal(e.Violations)
	if err != nil {
		return fmt.Errorf("postgres: encode violations: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO security_events (id, fingerprint, operation, severity, violations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Fingerprint, string(e.Operation), int16(e.Severity), violations, e.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: insert event: %w", err)
	}
	return nil
}

func (r *EventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ct, err := r.pool.Exec(ctx, `DELETE FROM security_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune events: %w", err)
	}
	return ct.RowsAffected(), nil
}

// Recent returns the newest limit events since the cutoff, oldest first.
func (r *EventRepo) Recent(ctx context.Context, fp string, since time.Time, limit int) ([]domain.SecurityEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, fingerprint, operation, severity, violations, created_at
		FROM (
			SELECT * FROM security_events
			WHERE fingerprint = $1 AND created_at >= $2
			ORDER BY created_at DESC
			LIMIT NULLIF($3, 0)
		) recent
		ORDER BY created_at ASC`, fp, since, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent events: %w", err)
	}
	defer rows.Close()

	var out []domain.SecurityEvent
	for rows.Next() {
		var (
			e          domain.SecurityEvent
			op         string
			severity   int16
			violations []byte
		)
		if err := rows.Scan(&e.ID, &e.Fingerprint, &op, &severity, &violations, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		e.Operation = domain.Operation(op)
		e.Severity = domain.Severity(severity)
		if err := json.Unmarshal(violations, &e.Violations); err != nil {
			return nil, fmt.Errorf("postgres: corrupt violations: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *EventRepo) SeverityCounts(ctx context.Context, since time.Time) (domain.SeverityBreakdown, error) {
	var b domain.SeverityBreakdown
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE severity = 4),
			COUNT(*) FILTER (WHERE severity = 3),
			COUNT(*) FILTER (WHERE severity = 2),
			COUNT(*) FILTER (WHERE severity = 1)
		FROM security_events
		WHERE created_at >= $1`, since).Scan(&b.Critical, &b.High, &b.Medium, &b.Low)
	if err != nil {
		return domain.SeverityBreakdown{}, fmt.Errorf("postgres: severity counts: %w", err)
	}
	return b, nil
}
