package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/shared-counter/internal/domain"
	"github.com/xela07ax/shared-counter/internal/infra"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return StreamEvent{}
	}
}

func assertSilent(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBroadcaster_DropsStaleVersions(t *testing.T) {
	b := NewBroadcaster(nil, zap.NewNop())
	ch, cancel := b.Subscribe("")
	defer cancel()

	ctx := context.Background()
	require.NoError(t, b.PublishCounter(ctx, domain.Counter{Value: 5, Version: 5}))
	require.NoError(t, b.PublishCounter(ctx, domain.Counter{Value: 3, Version: 3}))
	require.NoError(t, b.PublishCounter(ctx, domain.Counter{Value: 0, Version: 6}))

	assert.Equal(t, int64(5), receive(t, ch).Counter.Version)
	assert.Equal(t, int64(6), receive(t, ch).Counter.Version)
	assertSilent(t, ch)
}

func TestBroadcaster_BlockGoesToOwnerOnly(t *testing.T) {
	b := NewBroadcaster(nil, zap.NewNop())
	owner, cancelOwner := b.Subscribe("fp-owner-0001")
	defer cancelOwner()
	other, cancelOther := b.Subscribe("fp-other-0002")
	defer cancelOther()
	anon, cancelAnon := b.Subscribe("")
	defer cancelAnon()

	b.NotifyBlock("fp-owner-0001", true)

	ev := receive(t, owner)
	assert.Equal(t, StreamBlock, ev.Kind)
	assert.True(t, *ev.Blocked)
	assertSilent(t, other)
	assertSilent(t, anon)
}

func TestBroadcaster_SlowSubscriberDoesNotStall(t *testing.T) {
	b := NewBroadcaster(nil, zap.NewNop())
	_, cancel := b.Subscribe("")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 100; i++ {
			_ = b.PublishCounter(context.Background(), domain.Counter{Value: i, Version: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
}

func TestBroadcaster_CancelIsIdempotent(t *testing.T) {
	b := NewBroadcaster(nil, zap.NewNop())
	_, cancel := b.Subscribe("")
	cancel()
	assert.NotPanics(t, cancel)
}

func TestParseBlockSignal(t *testing.T) {
	tests := []struct {
		payload string
		fp      string
		blocked bool
		ok      bool
	}{
		{"fp-123456:true", "fp-123456", true, true},
		{"fp-123456:false", "fp-123456", false, true},
		{"a:b:c:on", "a:b:c", true, true},
		{"fp-123456:off", "fp-123456", false, true},
		{"fp-123456", "", false, false},
		{":true", "", false, false},
		{"fp-123456:", "", false, false},
		{"fp-123456:maybe", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			fp, blocked, ok := ParseBlockSignal(tt.payload)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.fp, fp)
			assert.Equal(t, tt.blocked, blocked)
		})
	}
}

func TestBroadcaster_RunRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	b := NewBroadcaster(nil, zap.NewNop())
	ch, cancel := b.Subscribe("fp-remote-0001")
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go b.RunRedis(ctx, rdb, func(context.Context) (domain.CounterState, error) {
		return domain.CounterState{Value: 10, Version: 10}, nil
	})

	// the resync after subscribe proves the subscription is live
	synced := receive(t, ch)
	assert.Equal(t, int64(10), synced.Counter.Version)

	require.NoError(t, rdb.Publish(ctx, infra.RedisChanCounterUpdates, `{"value":11,"version":11,"lastUpdated":0}`).Err())
	assert.Equal(t, int64(11), receive(t, ch).Counter.Value)

	require.NoError(t, rdb.Publish(ctx, infra.RedisChanBlocks, "fp-remote-0001:true").Err())
	ev := receive(t, ch)
	assert.Equal(t, StreamBlock, ev.Kind)
	assert.True(t, *ev.Blocked)
}

func TestStreamCursor_SkipsVersionsAlreadySent(t *testing.T) {
	counterAt := func(v int64) StreamEvent {
		return StreamEvent{Kind: StreamCounter, Counter: &domain.CounterState{Value: v, Version: v}}
	}
	blocked := true

	var c streamCursor
	assert.True(t, c.fresh(counterAt(5)), "initial snapshot")
	assert.False(t, c.fresh(counterAt(4)), "queued before the snapshot")
	assert.False(t, c.fresh(counterAt(5)), "duplicate of the snapshot")
	assert.True(t, c.fresh(StreamEvent{Kind: StreamBlock, Blocked: &blocked}))
	assert.True(t, c.fresh(counterAt(6)))
	assert.False(t, c.fresh(counterAt(6)))
}
