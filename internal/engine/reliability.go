package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/shared-counter/internal/counter"
	"github.com/xela07ax/shared-counter/internal/domain"
	"github.com/xela07ax/shared-counter/internal/infra"
)

// ErrStorageUnavailable is returned while the breaker is open.
var ErrStorageUnavailable = errors.New("storage unavailable")

// BreakerRepo guards a counter repository with a circuit breaker so an
// unreachable store fails fast. Lost races and missing rows are normal
// outcomes and never count as failures.
type BreakerRepo struct {
	next counter.Repository
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerRepo(next counter.Repository, cfg infra.BreakerConfig, metrics *Metrics, logger *zap.Logger) *BreakerRepo {
	const name = "counter-store"
	logger = logger.Named("breaker")

	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, domain.ErrVersionConflict) ||
				errors.Is(err, domain.ErrAlreadyExists) ||
				errors.Is(err, domain.ErrNotFound) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	return &BreakerRepo{next: next, cb: cb}
}

func (b *BreakerRepo) Get(ctx context.Context, name string) (domain.Counter, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Get(ctx, name)
	})
	if err != nil {
		return domain.Counter{}, b.wrap(err)
	}
	return res.(domain.Counter), nil
}

func (b *BreakerRepo) Create(ctx context.Context, c domain.Counter) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Create(ctx, c)
	})
	return b.wrap(err)
}

func (b *BreakerRepo) CompareAndSwap(ctx context.Context, name string, expectedVersion, value int64, now time.Time) (domain.Counter, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.CompareAndSwap(ctx, name, expectedVersion, value, now)
	})
	if err != nil {
		return domain.Counter{}, b.wrap(err)
	}
	return res.(domain.Counter), nil
}

func (b *BreakerRepo) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerRepo) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return err
}
