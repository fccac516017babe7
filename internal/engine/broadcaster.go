package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/shared-counter/internal/domain"
	"github.com/xela07ax/shared-counter/internal/infra"
)

const (
	StreamCounter = "counter"
	StreamBlock   = "block"
)

// StreamEvent is one message of the display feed.
type StreamEvent struct {
	Kind    string               `json:"kind"`
	Counter *domain.CounterState `json:"counter,omitempty"`
	Blocked *bool                `json:"blocked,omitempty"`
}

type subscriber struct {
	fp string
	ch chan StreamEvent
}

// Broadcaster fans counter updates out to every open stream and block
// decisions to the streams of the affected fingerprint. Slow readers lose
// events instead of stalling the publisher.
type Broadcaster struct {
	mu          sync.RWMutex
	subs        map[*subscriber]struct{}
	lastVersion int64

	buffer  int
	metrics *Metrics
	logger  *zap.Logger
}

func NewBroadcaster(metrics *Metrics, logger *zap.Logger) *Broadcaster {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Broadcaster{
		subs:    make(map[*subscriber]struct{}),
		buffer:  16,
		metrics: metrics,
		logger:  logger.Named("broadcaster"),
	}
}

// Subscribe opens a feed; fp may be empty when the caller only wants counter updates.
func (b *Broadcaster) Subscribe(fp string) (<-chan StreamEvent, func()) {
	s := &subscriber{fp: fp, ch: make(chan StreamEvent, b.buffer)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	b.metrics.StreamSubscribers.Inc()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			b.metrics.StreamSubscribers.Dec()
		})
	}
}

// PublishCounter makes the broadcaster a counter.Publisher for single-instance runs.
func (b *Broadcaster) PublishCounter(_ context.Context, c domain.Counter) error {
	b.broadcastCounter(c.State())
	return nil
}

// broadcastCounter drops states older than the last one sent; versions only grow.
func (b *Broadcaster) broadcastCounter(st domain.CounterState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st.Version <= b.lastVersion {
		return
	}
	b.lastVersion = st.Version

	ev := StreamEvent{Kind: StreamCounter, Counter: &st}
	for s := range b.subs {
		b.send(s, ev)
	}
}

func (b *Broadcaster) NotifyBlock(fp string, blocked bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ev := StreamEvent{Kind: StreamBlock, Blocked: &blocked}
	for s := range b.subs {
		if s.fp != "" && s.fp == fp {
			b.send(s, ev)
		}
	}
}

func (b *Broadcaster) send(s *subscriber, ev StreamEvent) {
	select {
	case s.ch <- ev:
	default:
		b.logger.Debug("stream subscriber lagging, event dropped", zap.String("kind", ev.Kind))
	}
}

// RunRedis feeds the broadcaster from the shared Pub/Sub channels until ctx
// ends. After every (re)subscribe the current state is pushed through current.
func (b *Broadcaster) RunRedis(ctx context.Context, rdb redis.UniversalClient, current func(ctx context.Context) (domain.CounterState, error)) {
	ListenResilient(ctx, rdb, b.logger,
		func(ctx context.Context) error {
			st, err := current(ctx)
			if err != nil {
				return err
			}
			b.broadcastCounter(st)
			return nil
		},
		map[string]func(string){
			infra.RedisChanCounterUpdates: b.handleCounterPayload,
			infra.RedisChanBlocks:         b.handleBlockPayload,
		},
	)
}

func (b *Broadcaster) handleCounterPayload(payload string) {
	var st domain.CounterState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		b.logger.Error("invalid counter payload", zap.String("payload", payload), zap.Error(err))
		return
	}
	b.broadcastCounter(st)
}

// handleBlockPayload parses "<fingerprint>:true|false"; fingerprints may contain ':'.
func (b *Broadcaster) handleBlockPayload(payload string) {
	fp, status, ok := ParseBlockSignal(payload)
	if !ok {
		b.logger.Error("invalid block signal", zap.String("payload", payload))
		return
	}
	b.NotifyBlock(fp, status)
}

func ParseBlockSignal(payload string) (fp string, blocked bool, ok bool) {
	i := strings.LastIndexByte(payload, ':')
	if i <= 0 || i == len(payload)-1 {
		return "", false, false
	}
	switch payload[i+1:] {
	case "true", "on":
		return payload[:i], true, true
	case "false", "off":
		return payload[:i], false, true
	}
	return "", false, false
}
