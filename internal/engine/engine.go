package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/shared-counter/internal/audit"
	"github.com/xela07ax/shared-counter/internal/counter"
	"github.com/xela07ax/shared-counter/internal/domain"
	"github.com/xela07ax/shared-counter/internal/fingerprint"
	"github.com/xela07ax/shared-counter/internal/occ"
	"github.com/xela07ax/shared-counter/internal/security"
)

// BlockPublisher announces operator decisions to the other instances.
type BlockPublisher interface {
	PublishBlock(ctx context.Context, fp string, blocked bool) error
}

type Option func(*CounterEngine)

func WithBlockPublisher(p BlockPublisher) Option {
	return func(e *CounterEngine) { e.blocks = p }
}

func WithAuditor(a audit.Auditor) Option {
	return func(e *CounterEngine) { e.auditor = a }
}

func WithClock(now func() time.Time) Option {
	return func(e *CounterEngine) { e.now = now }
}

// CounterEngine is the single entry point for counter mutations:
// fingerprint check, then the security gate, then the optimistic store.
type CounterEngine struct {
	gate    *security.Gate
	store   *counter.Store
	auditor audit.Auditor
	blocks  BlockPublisher
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewCounterEngine(gate *security.Gate, store *counter.Store, metrics *Metrics, logger *zap.Logger, opts ...Option) *CounterEngine {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	e := &CounterEngine{
		gate:    gate,
		store:   store,
		auditor: nopAuditor{},
		metrics: metrics,
		logger:  logger.Named("engine"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplyDelta runs one gated mutation. Errors are *domain.RejectionError for
// refused requests, wrapped domain.ErrInvalidFingerprint/ErrInvalidOperation
// for bad input, domain.ErrConcurrencyExhausted, or *domain.OperationalError.
func (e *CounterEngine) ApplyDelta(ctx context.Context, req domain.DeltaRequest) (domain.DeltaResult, error) {
	began := time.Now()
	start := e.now()
	if req.TraceID == "" {
		req.TraceID = TraceIDFromContext(ctx)
	}

	record := audit.OperationRecord{
		ID:          uuid.New().String(),
		TraceID:     req.TraceID,
		Fingerprint: req.Fingerprint,
		Operation:   req.Op,
		Timestamp:   start,
	}

	res, outcome, err := e.applyDelta(ctx, req, &record)

	e.metrics.TotalRequests.WithLabelValues(string(req.Op)).Inc()
	e.metrics.Outcomes.WithLabelValues(outcome).Inc()
	e.metrics.RequestDuration.WithLabelValues(string(req.Op), outcome).Observe(time.Since(began).Seconds())

	record.DurationMs = e.now().Sub(start).Milliseconds()
	if err != nil && record.Status == "" {
		record.Status = audit.StatusFailed
	}
	if err != nil {
		record.Error = err.Error()
	}
	e.auditor.Log(record)

	return res, err
}

func (e *CounterEngine) applyDelta(ctx context.Context, req domain.DeltaRequest, record *audit.OperationRecord) (domain.DeltaResult, string, error) {
	op, err := domain.ParseOperation(string(req.Op))
	if err != nil {
		record.Status = audit.StatusRejected
		return domain.DeltaResult{}, "invalid", err
	}
	record.Operation = op

	if err := fingerprint.Validate(req.Fingerprint); err != nil {
		record.Status = audit.StatusRejected
		return domain.DeltaResult{}, "invalid", err
	}

	decision, err := e.gate.Evaluate(ctx, req.Fingerprint, time.UnixMilli(req.ClientTimestamp), op)
	if err != nil {
		return domain.DeltaResult{}, e.failure(err), e.operational("gate", err)
	}

	for _, v := range decision.Violations {
		e.metrics.Violations.WithLabelValues(string(v.Type)).Inc()
		record.Violations = append(record.Violations, v.Type)
	}
	record.Severity = domain.MaxSeverity(decision.Violations)
	if decision.NewlyBlocked {
		e.metrics.Blocks.WithLabelValues("gate").Inc()
	}

	if !decision.Accepted {
		record.Status = audit.StatusRejected
		rej := &domain.RejectionError{
			Violations: decision.Violations,
			RetryAfter: decision.RetryAfter,
		}
		if decision.State.IsBlocked {
			rej.BlockExpiresAt = decision.State.BlockExpiresAt
		}
		e.logger.Debug("operation rejected",
			zap.String("fingerprint", req.Fingerprint),
			zap.String("trace_id", req.TraceID),
			zap.Stringer("severity", record.Severity),
			zap.Duration("retry_after", decision.RetryAfter))
		return domain.DeltaResult{}, "rejected", rej
	}

	c, err := e.store.Apply(ctx, op)
	if err != nil {
		return domain.DeltaResult{}, e.failure(err), e.operational("counter", err)
	}

	record.Status = audit.StatusAccepted
	value := c.Value
	record.NewValue = &value
	record.Version = c.Version

	return domain.DeltaResult{
		NewValue: c.Value,
		Version:  c.Version,
		Warnings: decision.Warnings(),
	}, "accepted", nil
}

func (e *CounterEngine) failure(err error) string {
	if errors.Is(err, domain.ErrConcurrencyExhausted) {
		return "exhausted"
	}
	return "error"
}

// operational keeps the taxonomy errors and context cancellation as they are;
// anything else becomes an OperationalError.
func (e *CounterEngine) operational(op string, err error) error {
	if errors.Is(err, domain.ErrConcurrencyExhausted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	e.logger.Error("storage failure", zap.String("op", op), zap.Error(err))
	return &domain.OperationalError{Op: op, Err: err}
}

// GetCounterState is a plain read; it never touches the gate.
func (e *CounterEngine) GetCounterState(ctx context.Context) (domain.CounterState, error) {
	c, err := e.store.State(ctx)
	if err != nil {
		return domain.CounterState{}, e.operational("counter", err)
	}
	return c.State(), nil
}

// SetBlock is the operator override. The decision is announced on the block
// channel after the state write.
func (e *CounterEngine) SetBlock(ctx context.Context, fp string, action domain.BlockAction, duration time.Duration) (domain.BlockResult, error) {
	if err := fingerprint.Validate(fp); err != nil {
		return domain.BlockResult{}, err
	}
	res, err := e.gate.SetBlock(ctx, fp, action, duration)
	if err != nil {
		return domain.BlockResult{}, e.operational("set_block", err)
	}
	if res.Blocked {
		e.metrics.Blocks.WithLabelValues("operator").Inc()
	}

	if e.blocks != nil {
		if err := e.blocks.PublishBlock(ctx, fp, res.Blocked); err != nil {
			e.logger.Warn("block signal not published", zap.String("fingerprint", fp), zap.Error(err))
		}
	}
	return res, nil
}

func (e *CounterEngine) GetSecurityStats(ctx context.Context) (domain.SecurityStats, error) {
	stats, err := e.gate.Stats(ctx)
	if err != nil {
		return domain.SecurityStats{}, e.operational("stats", err)
	}
	return stats, nil
}

// ClientState exposes the stored security state to operators.
func (e *CounterEngine) ClientState(ctx context.Context, fp string) (domain.ClientSecurityState, error) {
	if err := fingerprint.Validate(fp); err != nil {
		return domain.ClientSecurityState{}, err
	}
	st, err := e.gate.ClientState(ctx, fp)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ClientSecurityState{}, err
		}
		return domain.ClientSecurityState{}, e.operational("client_state", err)
	}
	return st, nil
}

// CountConflicts hooks the retry loop of one row kind into the conflict counter.
func CountConflicts(cfg occ.Config, metrics *Metrics, row string) occ.Config {
	c := metrics.Conflicts.WithLabelValues(row)
	cfg.OnConflict = func(uint) { c.Inc() }
	return cfg
}

type nopAuditor struct{}

func (nopAuditor) Log(audit.OperationRecord) {}
