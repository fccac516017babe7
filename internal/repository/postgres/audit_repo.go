package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/shared-counter/internal/audit"
	"github.com/xela07ax/shared-counter/internal/domain"
)

const auditColumns = 12

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// WriteBatch is one multi-row INSERT per flush.
func (r *AuditRepo) WriteBatch(ctx context.Context, records []audit.OperationRecord) error {
	if len(records) == 0 {
		return nil
	}
	query, args, err := buildAuditInsert(records)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return nil
}

func buildAuditInsert(records []audit.OperationRecord) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO operation_audit (id, trace_id, fingerprint, operation, status, new_value, version, violations, severity, error, duration_ms, timestamp) VALUES `)

	args := make([]any, 0, len(records)*auditColumns)
	for i, rec := range records {
		if i > 0 {
			sb.WriteByte(',')
		}
		p := i * auditColumns
		sb.WriteByte('(')
		for c := 1; c <= auditColumns; c++ {
			if c > 1 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", p+c)
		}
		sb.WriteByte(')')

		violations, err := json.Marshal(rec.Violations)
		if err != nil {
			return "", nil, fmt.Errorf("postgres: encode audit violations: %w", err)
		}
		args = append(args,
			rec.ID, rec.TraceID, rec.Fingerprint, string(rec.Operation), rec.Status,
			rec.NewValue, rec.Version, violations, int16(rec.Severity), rec.Error,
			rec.DurationMs, rec.Timestamp,
		)
	}
	return sb.String(), args, nil
}

// FetchRecent returns the newest records of one fingerprint, newest first.
func (r *AuditRepo) FetchRecent(ctx context.Context, fp string, limit int) ([]audit.OperationRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, trace_id, fingerprint, operation, status, new_value, version,
		       violations, severity, error, duration_ms, timestamp
		FROM operation_audit
		WHERE fingerprint = $1
		ORDER BY timestamp DESC
		LIMIT $2`, fp, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch audit: %w", err)
	}
	defer rows.Close()

	out := make([]audit.OperationRecord, 0, limit)
	for rows.Next() {
		var (
			rec        audit.OperationRecord
			op         string
			severity   int16
			violations []byte
		)
		if err := rows.Scan(&rec.ID, &rec.TraceID, &rec.Fingerprint, &op, &rec.Status, &rec.NewValue,
			&rec.Version, &violations, &severity, &rec.Error, &rec.DurationMs, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan audit: %w", err)
		}
		rec.Operation = domain.Operation(op)
		rec.Severity = domain.Severity(severity)
		if len(violations) > 0 {
			if err := json.Unmarshal(violations, &rec.Violations); err != nil {
				return nil, fmt.Errorf("postgres: corrupt audit violations: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
