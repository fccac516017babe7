// Package occ runs optimistic read-compute-conditional-write cycles with a
// bounded number of attempts and exponential backoff between them.
package occ

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/xela07ax/shared-counter/internal/domain"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 10 * time.Millisecond
)

type Config struct {
	Attempts  uint          `mapstructure:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay"`

	// OnConflict is called after every lost CAS race (metrics hook).
	OnConflict func(attempt uint)
}

func (c Config) withDefaults() Config {
	if c.Attempts == 0 {
		c.Attempts = DefaultAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	return c
}

// IsConflict reports whether err is a lost optimistic race worth retrying.
func IsConflict(err error) bool {
	return errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrAlreadyExists)
}

// Do runs fn until it succeeds, fails with a non-conflict error, or the attempts
// are used up. Exhaustion is reported as domain.ErrConcurrencyExhausted.
func Do(ctx context.Context, cfg Config, fn func(attempt uint) error) error {
	cfg = cfg.withDefaults()

	var attempt uint
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(cfg.Attempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsConflict),
		// 10ms, 20ms, 40ms ...
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return cfg.BaseDelay << n
		}),
	)

	err := r.Do(func() error {
		defer func() { attempt++ }()
		err := fn(attempt)
		if cfg.OnConflict != nil && IsConflict(err) {
			cfg.OnConflict(attempt)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if IsConflict(err) {
		return domain.ErrConcurrencyExhausted
	}
	return err
}
