package occ

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/shared-counter/internal/domain"
)

func TestDo_SucceedsAfterConflicts(t *testing.T) {
	var calls []uint
	conflicts := 0
	err := Do(context.Background(), Config{BaseDelay: time.Millisecond, OnConflict: func(uint) { conflicts++ }}, func(attempt uint) error {
		calls = append(calls, attempt)
		if attempt < 2 {
			return domain.ErrVersionConflict
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []uint{0, 1, 2}, calls)
	assert.Equal(t, 2, conflicts)
}

func TestDo_ExhaustionIsReported(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{BaseDelay: time.Millisecond}, func(uint) error {
		calls++
		return domain.ErrVersionConflict
	})

	assert.ErrorIs(t, err, domain.ErrConcurrencyExhausted)
	assert.Equal(t, DefaultAttempts, calls)
}

func TestDo_CreationRaceIsRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{BaseDelay: time.Millisecond}, func(uint) error {
		calls++
		if calls == 1 {
			return domain.ErrAlreadyExists
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_OtherErrorsAreNotRetried(t *testing.T) {
	boom := errors.New("connection refused")
	calls := 0
	err := Do(context.Background(), Config{BaseDelay: time.Millisecond}, func(uint) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, domain.ErrConcurrencyExhausted)
	assert.Equal(t, 1, calls)
}

func TestDo_BackoffIsBounded(t *testing.T) {
	start := time.Now()
	err := Do(context.Background(), Config{}, func(uint) error {
		return domain.ErrVersionConflict
	})
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, domain.ErrConcurrencyExhausted)
	// 10ms + 20ms between three attempts, no sleep after the last one
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}
