package security

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/shared-counter/internal/domain"
)

// EventRepository stores security events. Implementations must return Recent
// oldest first.
type EventRepository interface {
	Insert(ctx context.Context, e domain.SecurityEvent) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Recent(ctx context.Context, fp string, since time.Time, limit int) ([]domain.SecurityEvent, error)
	SeverityCounts(ctx context.Context, since time.Time) (domain.SeverityBreakdown, error)
}

// EventLog is the append-only audit of violations. It owns the retention policy:
// every insert prunes what fell out of the retention window.
type EventLog struct {
	repo      EventRepository
	retention time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func NewEventLog(repo EventRepository, retention time.Duration, logger *zap.Logger) *EventLog {
	if retention <= 0 {
		retention = DefaultPolicy().EventRetention
	}
	return &EventLog{
		repo:      repo,
		retention: retention,
		now:       time.Now,
		logger:    logger.Named("event-log"),
	}
}

func (l *EventLog) Record(ctx context.Context, e domain.SecurityEvent) error {
	if len(e.Violations) == 0 {
		return nil
	}
	if e.Severity == 0 {
		e.Severity = domain.MaxSeverity(e.Violations)
	}
	if err := l.repo.Insert(ctx, e); err != nil {
		return fmt.Errorf("event log: insert: %w", err)
	}

	cutoff := l.now().Add(-l.retention)
	deleted, err := l.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		// the event itself is stored, pruning will catch up on the next insert
		l.logger.Warn("event retention prune failed", zap.Error(err))
		return nil
	}
	if deleted > 0 {
		l.logger.Debug("pruned security events", zap.Int64("count", deleted), zap.Time("cutoff", cutoff))
	}
	return nil
}

func (l *EventLog) Recent(ctx context.Context, fp string, since time.Time, limit int) ([]domain.SecurityEvent, error) {
	events, err := l.repo.Recent(ctx, fp, since, limit)
	if err != nil {
		return nil, fmt.Errorf("event log: recent: %w", err)
	}
	return events, nil
}

// Breakdown counts retained events by severity.
func (l *EventLog) Breakdown(ctx context.Context) (domain.SeverityBreakdown, error) {
	b, err := l.repo.SeverityCounts(ctx, l.now().Add(-l.retention))
	if err != nil {
		return domain.SeverityBreakdown{}, fmt.Errorf("event log: severity counts: %w", err)
	}
	return b, nil
}
