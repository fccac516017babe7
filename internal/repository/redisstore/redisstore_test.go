package redisstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/shared-counter/internal/counter"
	"github.com/xela07ax/shared-counter/internal/domain"
	"github.com/xela07ax/shared-counter/internal/infra"
	"github.com/xela07ax/shared-counter/internal/occ"
	"github.com/xela07ax/shared-counter/internal/security"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestCounterRepo_CreateAndCompareAndSwap(t *testing.T) {
	_, rdb := newClient(t)
	repo := NewCounterRepo(rdb)
	ctx := context.Background()

	_, err := repo.Get(ctx, "global")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = repo.CompareAndSwap(ctx, "global", 1, 5, t0)
	require.ErrorIs(t, err, domain.ErrVersionConflict, "missing row is a conflict")

	require.NoError(t, repo.Create(ctx, domain.Counter{Name: "global", Value: 1, Version: 1, LastUpdated: t0}))
	require.ErrorIs(t, repo.Create(ctx, domain.Counter{Name: "global", Value: 9, Version: 1, LastUpdated: t0}), domain.ErrAlreadyExists)

	c, err := repo.CompareAndSwap(ctx, "global", 1, 2, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Value)
	assert.Equal(t, int64(2), c.Version)

	_, err = repo.CompareAndSwap(ctx, "global", 1, 3, t0)
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	got, err := repo.Get(ctx, "global")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Value)
	assert.Equal(t, int64(2), got.Version)
	assert.True(t, got.LastUpdated.Equal(t0.Add(time.Second)))
}

func TestCounterRepo_ConcurrentStoreKeepsEveryAcceptedWrite(t *testing.T) {
	_, rdb := newClient(t)
	store := counter.NewStore("global", NewCounterRepo(rdb), zap.NewNop(),
		counter.WithRetry(occ.Config{Attempts: 10, BaseDelay: time.Millisecond}))

	const n = 20
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Apply(context.Background(), domain.OpIncrement); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, domain.ErrConcurrencyExhausted)
			}
		}()
	}
	wg.Wait()

	c, err := store.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ok, c.Value)
	assert.Equal(t, ok, c.Version)
}

func TestStateRepo_VersionedSave(t *testing.T) {
	_, rdb := newClient(t)
	repo := NewStateRepo(rdb, time.Hour)
	ctx := context.Background()

	_, err := repo.Get(ctx, "fp-redis-001")
	require.ErrorIs(t, err, domain.ErrNotFound)

	s := domain.ClientSecurityState{
		Fingerprint:         "fp-redis-001",
		FirstSeen:           t0,
		LastOperation:       t0,
		DailyOperationCount: 1,
	}
	saved, err := repo.Save(ctx, s, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	_, err = repo.Save(ctx, s, 0)
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	s.DailyOperationCount = 2
	saved, err = repo.Save(ctx, s, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	_, err = repo.Save(ctx, s, 1)
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	got, err := repo.Get(ctx, "fp-redis-001")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, int64(2), got.DailyOperationCount)
	assert.True(t, got.FirstSeen.Equal(t0))
}

func TestStateRepo_ActiveBlocksIndex(t *testing.T) {
	mr, rdb := newClient(t)
	repo := NewStateRepo(rdb, 0)
	ctx := context.Background()

	s := domain.ClientSecurityState{
		Fingerprint:    "fp-blocked-01",
		IsBlocked:      true,
		BlockExpiresAt: t0.Add(5 * time.Minute),
	}
	saved, err := repo.Save(ctx, s, 0)
	require.NoError(t, err)

	n, err := repo.CountActiveBlocks(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.CountActiveBlocks(ctx, t0.Add(6*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	members, _ := mr.ZMembers(infra.RedisKeyActiveBlocks)
	assert.Empty(t, members, "expired entries are trimmed")

	// unblock removes the entry immediately
	saved.IsBlocked = true
	saved.BlockExpiresAt = t0.Add(time.Hour)
	saved, err = repo.Save(ctx, saved, saved.Version)
	require.NoError(t, err)
	saved.IsBlocked = false
	_, err = repo.Save(ctx, saved, saved.Version)
	require.NoError(t, err)

	n, err = repo.CountActiveBlocks(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func event(id, fp string, at time.Time, sev domain.Severity) domain.SecurityEvent {
	return domain.SecurityEvent{
		ID:          id,
		Fingerprint: fp,
		Operation:   domain.OpIncrement,
		Violations:  []domain.Violation{{Type: domain.ViolationRapidFire, Severity: sev, Timestamp: at}},
		Timestamp:   at,
		Severity:    sev,
	}
}

func TestEventRepo_RecentStatsAndPrune(t *testing.T) {
	_, rdb := newClient(t)
	repo := NewEventRepo(rdb, time.Hour, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, event("e1", "fp-alpha-01", t0, domain.SeverityMedium)))
	require.NoError(t, repo.Insert(ctx, event("e2", "fp-alpha-01", t0.Add(time.Second), domain.SeverityHigh)))
	require.NoError(t, repo.Insert(ctx, event("e3", "fp-alpha-01", t0.Add(2*time.Second), domain.SeverityCritical)))
	require.NoError(t, repo.Insert(ctx, event("e4", "fp-beta-002", t0, domain.SeverityCritical)))

	recent, err := repo.Recent(ctx, "fp-alpha-01", t0.Add(500*time.Millisecond), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "e2", recent[0].ID)
	assert.Equal(t, "e3", recent[1].ID)

	last, err := repo.Recent(ctx, "fp-alpha-01", t0, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "e3", last[0].ID)

	b, err := repo.SeverityCounts(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityBreakdown{Critical: 2, High: 1, Medium: 1}, b)

	removed, err := repo.DeleteOlderThan(ctx, t0.Add(1500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	recent, err = repo.Recent(ctx, "fp-alpha-01", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "e3", recent[0].ID)

	beta, err := repo.Recent(ctx, "fp-beta-002", time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, beta)
}

func TestPublisher_CounterAndBlockChannels(t *testing.T) {
	_, rdb := newClient(t)
	pub := NewPublisher(rdb)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, infra.RedisChanCounterUpdates, infra.RedisChanBlocks)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	_, err = sub.Receive(ctx)
	require.NoError(t, err)
	ch := sub.Channel()

	require.NoError(t, pub.PublishCounter(ctx, domain.Counter{Name: "global", Value: 7, Version: 9, LastUpdated: t0}))
	require.NoError(t, pub.PublishBlock(ctx, "fp-blocked-01", true))

	msg := <-ch
	assert.Equal(t, infra.RedisChanCounterUpdates, msg.Channel)
	var st domain.CounterState
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &st))
	assert.Equal(t, domain.CounterState{Value: 7, Version: 9, LastUpdated: t0.UnixMilli()}, st)

	msg = <-ch
	assert.Equal(t, infra.RedisChanBlocks, msg.Channel)
	assert.Equal(t, "fp-blocked-01:true", msg.Payload)
}

func TestGate_OnRedisBackend(t *testing.T) {
	_, rdb := newClient(t)
	now := t0
	clock := func() time.Time { return now }

	events := security.NewEventLog(NewEventRepo(rdb, time.Hour, zap.NewNop()), 24*time.Hour, zap.NewNop())
	gate := security.NewGate(security.DefaultPolicy(), NewStateRepo(rdb, time.Hour), events, zap.NewNop(),
		security.WithClock(clock))
	ctx := context.Background()

	d, err := gate.Evaluate(ctx, "fp-gate-redis", now, domain.OpIncrement)
	require.NoError(t, err)
	assert.True(t, d.Accepted)

	now = now.Add(10 * time.Millisecond)
	d, err = gate.Evaluate(ctx, "fp-gate-redis", now, domain.OpIncrement)
	require.NoError(t, err)
	assert.False(t, d.Accepted)

	st, err := gate.ClientState(ctx, "fp-gate-redis")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version)
	assert.Equal(t, int64(2), st.DailyOperationCount)
	assert.Equal(t, int64(1), st.ViolationCount)

	recent, err := events.Recent(ctx, "fp-gate-redis", t0, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.SeverityCritical, recent[0].Severity)
}
