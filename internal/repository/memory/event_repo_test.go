package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/shared-counter/internal/domain"
)

var t0 = time.Date(2026, time.May, 4, 10, 0, 0, 0, time.UTC)

func event(fp string, at time.Time, sev domain.Severity) domain.SecurityEvent {
	return domain.SecurityEvent{ID: fmt.Sprintf("%s-%d", fp, at.UnixNano()), Fingerprint: fp, Timestamp: at, Severity: sev}
}

func TestEventRepo_RecentIsPerFingerprint(t *testing.T) {
	r := NewEventRepo()
	ctx := context.Background()

	// inserted out of order on purpose
	for _, off := range []int{3, 1, 2, 5, 4} {
		require.NoError(t, r.Insert(ctx, event("fp-alpha-01", t0.Add(time.Duration(off)*time.Second), domain.SeverityHigh)))
		require.NoError(t, r.Insert(ctx, event("fp-bravo-02", t0.Add(time.Duration(off)*time.Second), domain.SeverityLow)))
	}

	got, err := r.Recent(ctx, "fp-alpha-01", t0.Add(2*time.Second), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, t0.Add(4*time.Second), got[0].Timestamp)
	assert.Equal(t, t0.Add(5*time.Second), got[1].Timestamp)
	for _, e := range got {
		assert.Equal(t, "fp-alpha-01", e.Fingerprint)
	}

	got, err = r.Recent(ctx, "fp-alpha-01", t0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	got, err = r.Recent(ctx, "fp-unknown-9", t0, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEventRepo_DeleteOlderThan(t *testing.T) {
	r := NewEventRepo()
	ctx := context.Background()

	require.NoError(t, r.Insert(ctx, event("fp-alpha-01", t0, domain.SeverityCritical)))
	require.NoError(t, r.Insert(ctx, event("fp-alpha-01", t0.Add(time.Hour), domain.SeverityHigh)))
	require.NoError(t, r.Insert(ctx, event("fp-bravo-02", t0.Add(time.Minute), domain.SeverityMedium)))

	n, err := r.DeleteOlderThan(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 1, r.Len())

	got, err := r.Recent(ctx, "fp-alpha-01", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, t0.Add(time.Hour), got[0].Timestamp)

	r.mu.RLock()
	_, kept := r.rows["fp-bravo-02"]
	r.mu.RUnlock()
	assert.False(t, kept, "emptied rows are dropped")

	// a dropped row is recreated on the next insert
	require.NoError(t, r.Insert(ctx, event("fp-bravo-02", t0.Add(2*time.Hour), domain.SeverityLow)))
	got, err = r.Recent(ctx, "fp-bravo-02", time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	b, err := r.SeverityCounts(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityBreakdown{High: 1, Low: 1}, b)
}

func TestEventRepo_ConcurrentFingerprints(t *testing.T) {
	r := NewEventRepo()
	ctx := context.Background()

	const clients, perClient = 20, 50
	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			fp := fmt.Sprintf("fp-client-%03d", c)
			for i := 0; i < perClient; i++ {
				at := t0.Add(time.Duration(i) * time.Millisecond)
				_ = r.Insert(ctx, event(fp, at, domain.SeverityHigh))
				_, _ = r.DeleteOlderThan(ctx, t0.Add(-time.Hour))
				_, _ = r.Recent(ctx, fp, t0, 10)
			}
		}(c)
	}
	wg.Wait()

	assert.Equal(t, clients*perClient, r.Len())
	for c := 0; c < clients; c++ {
		got, err := r.Recent(ctx, fmt.Sprintf("fp-client-%03d", c), time.Time{}, 0)
		require.NoError(t, err)
		assert.Len(t, got, perClient)
	}
}
