package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/shared-counter/internal/domain"
	"github.com/xela07ax/shared-counter/internal/occ"
)

// StateRepository stores ClientSecurityState rows with version CAS.
type StateRepository interface {
	// Get returns domain.ErrNotFound for an unseen fingerprint.
	Get(ctx context.Context, fp string) (domain.ClientSecurityState, error)
	// Save writes s if the stored version equals expectedVersion (0 = create) and
	// returns the row with its new version. Conflicts are domain.ErrVersionConflict
	// or domain.ErrAlreadyExists.
	Save(ctx context.Context, s domain.ClientSecurityState, expectedVersion int64) (domain.ClientSecurityState, error)
	CountActiveBlocks(ctx context.Context, now time.Time) (int64, error)
}

type Option func(*Gate)

func WithRetry(cfg occ.Config) Option {
	return func(g *Gate) { g.retry = cfg }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
		g.log.now = now
	}
}

// Gate decides whether a request may reach the counter. Same-fingerprint races
// are resolved with version CAS on the state row, not with locks.
type Gate struct {
	policy Policy
	states StateRepository
	log    *EventLog
	retry  occ.Config
	now    func() time.Time
	logger *zap.Logger
}

func NewGate(policy Policy, states StateRepository, log *EventLog, logger *zap.Logger, opts ...Option) *Gate {
	g := &Gate{
		policy: policy.WithDefaults(),
		states: states,
		log:    log,
		now:    time.Now,
		logger: logger.Named("gate"),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gate) Policy() Policy { return g.policy }

func (g *Gate) load(ctx context.Context, fp string) (domain.ClientSecurityState, error) {
	s, err := g.states.Get(ctx, fp)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ClientSecurityState{Fingerprint: fp}, nil
	}
	if err != nil {
		return domain.ClientSecurityState{}, fmt.Errorf("gate: load state: %w", err)
	}
	return s, nil
}

// Evaluate checks one request and persists the updated state. Violations are
// written to the event log whether or not the request is accepted.
func (g *Gate) Evaluate(ctx context.Context, fp string, clientTs time.Time, op domain.Operation) (Decision, error) {
	var dec Decision

	err := occ.Do(ctx, g.retry, func(attempt uint) error {
		now := g.now()
		state, err := g.load(ctx, fp)
		if err != nil {
			return err
		}
		recent, err := g.log.Recent(ctx, fp, now.Add(-g.policy.PatternWindow), g.policy.PatternMaxEvents)
		if err != nil {
			return err
		}

		d := Evaluate(Input{State: state, Recent: recent, Now: now, ClientTimestamp: clientTs}, g.policy)
		saved, err := g.states.Save(ctx, d.State, state.Version)
		if err != nil {
			if occ.IsConflict(err) {
				g.logger.Debug("state cas conflict", zap.String("fingerprint", fp), zap.Uint("attempt", attempt))
			}
			return err
		}
		d.State = saved
		dec = d
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	if len(dec.Violations) > 0 {
		event := domain.SecurityEvent{
			ID:          uuid.New().String(),
			Fingerprint: fp,
			Operation:   op,
			Violations:  dec.Violations,
			Timestamp:   dec.Now,
			Severity:    domain.MaxSeverity(dec.Violations),
		}
		if err := g.log.Record(ctx, event); err != nil {
			// state already carries the violation; losing the audit row must not
			// change the decision
			g.logger.Error("security event not recorded", zap.String("fingerprint", fp), zap.Error(err))
		}
		if dec.NewlyBlocked {
			g.logger.Warn("client blocked",
				zap.String("fingerprint", fp),
				zap.Time("expires_at", dec.State.BlockExpiresAt))
		}
	}
	return dec, nil
}

// SetBlock is the operator override. It does not touch violation accounting on
// block; unblock gives the client a clean slate.
func (g *Gate) SetBlock(ctx context.Context, fp string, action domain.BlockAction, duration time.Duration) (domain.BlockResult, error) {
	if duration <= 0 {
		duration = g.policy.BlockDuration
	}

	var saved domain.ClientSecurityState
	err := occ.Do(ctx, g.retry, func(uint) error {
		now := g.now()
		state, err := g.load(ctx, fp)
		if err != nil {
			return err
		}
		expected := state.Version
		if state.FirstSeen.IsZero() {
			state = initState(fp, now)
		}

		switch action {
		case domain.ActionBlock:
			state.IsBlocked = true
			state.BlockExpiresAt = now.Add(duration)
		case domain.ActionUnblock:
			state.IsBlocked = false
			state.BlockExpiresAt = time.Time{}
			state.BackoffMs = 0
			state.ViolationCount = 0
		default:
			return fmt.Errorf("gate: unknown block action %q", action)
		}

		saved, err = g.states.Save(ctx, state, expected)
		return err
	})
	if err != nil {
		return domain.BlockResult{}, err
	}

	res := domain.BlockResult{Fingerprint: fp, Blocked: saved.IsBlocked}
	if saved.IsBlocked {
		exp := saved.BlockExpiresAt.UnixMilli()
		res.ExpiresAt = &exp
	}
	g.logger.Info("block state set by operator",
		zap.String("fingerprint", fp),
		zap.String("action", string(action)),
		zap.Duration("duration", duration))
	return res, nil
}

// ClientState returns the stored state, domain.ErrNotFound for unseen clients.
func (g *Gate) ClientState(ctx context.Context, fp string) (domain.ClientSecurityState, error) {
	return g.states.Get(ctx, fp)
}

func (g *Gate) Stats(ctx context.Context) (domain.SecurityStats, error) {
	breakdown, err := g.log.Breakdown(ctx)
	if err != nil {
		return domain.SecurityStats{}, err
	}
	blocks, err := g.states.CountActiveBlocks(ctx, g.now())
	if err != nil {
		return domain.SecurityStats{}, fmt.Errorf("gate: count active blocks: %w", err)
	}
	return domain.SecurityStats{
		RecentViolations:  breakdown.Total(),
		ActiveBlocks:      blocks,
		SeverityBreakdown: breakdown,
	}, nil
}
