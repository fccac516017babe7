package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/shared-counter/internal/domain"
	"github.com/xela07ax/shared-counter/internal/occ"
)

// Repository is the versioned row storage behind the counter.
type Repository interface {
	// Get returns domain.ErrNotFound when the row does not exist yet.
	Get(ctx context.Context, name string) (domain.Counter, error)
	// Create inserts the row with version 1, domain.ErrAlreadyExists on a race.
	Create(ctx context.Context, c domain.Counter) error
	// CompareAndSwap writes value with version+1 only if the stored version equals
	// expectedVersion, otherwise domain.ErrVersionConflict.
	CompareAndSwap(ctx context.Context, name string, expectedVersion, value int64, now time.Time) (domain.Counter, error)
}

// Publisher broadcasts committed counter states to display subscribers.
type Publisher interface {
	PublishCounter(ctx context.Context, c domain.Counter) error
}

type Option func(*Store)

func WithRetry(cfg occ.Config) Option {
	return func(s *Store) { s.retry = cfg }
}

func WithPublisher(p Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type Store struct {
	name      string
	repo      Repository
	retry     occ.Config
	publisher Publisher
	now       func() time.Time
	logger    *zap.Logger
}

func NewStore(name string, repo Repository, logger *zap.Logger, opts ...Option) *Store {
	if name == "" {
		name = domain.DefaultCounterName
	}
	s := &Store{
		name:   name,
		repo:   repo,
		now:    time.Now,
		logger: logger.Named("counter"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply performs read -> compute -> conditional write with bounded retry.
// Exhausted retries surface as domain.ErrConcurrencyExhausted and are not
// retried any further here.
func (s *Store) Apply(ctx context.Context, op domain.Operation) (domain.Counter, error) {
	var result domain.Counter

	err := occ.Do(ctx, s.retry, func(attempt uint) error {
		now := s.now()

		current, err := s.repo.Get(ctx, s.name)
		if errors.Is(err, domain.ErrNotFound) {
			created := domain.Counter{
				Name:        s.name,
				Value:       op.InitialValue(),
				Version:     1,
				LastUpdated: now,
			}
			if err := s.repo.Create(ctx, created); err != nil {
				// ErrAlreadyExists: someone else created it, re-read on the next attempt
				return err
			}
			result = created
			return nil
		}
		if err != nil {
			return err
		}

		updated, err := s.repo.CompareAndSwap(ctx, s.name, current.Version, op.Apply(current.Value), now)
		if err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				s.logger.Debug("counter cas conflict",
					zap.Uint("attempt", attempt),
					zap.Int64("version", current.Version))
			}
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrConcurrencyExhausted) {
			s.logger.Warn("counter update gave up after retries", zap.String("op", string(op)))
			return domain.Counter{}, err
		}
		return domain.Counter{}, fmt.Errorf("counter: apply %s: %w", op, err)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishCounter(ctx, result); err != nil {
			s.logger.Warn("counter update signal failed", zap.Error(err))
		}
	}
	return result, nil
}

// State reads the current value. A counter that was never written reads as zero
// and is not created.
func (s *Store) State(ctx context.Context) (domain.Counter, error) {
	c, err := s.repo.Get(ctx, s.name)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Counter{Name: s.name}, nil
	}
	if err != nil {
		return domain.Counter{}, fmt.Errorf("counter: read state: %w", err)
	}
	return c, nil
}
