package audit

/*
Trail collects OperationRecord values off the request path and persists them
in batches.

- Log never blocks: records go into a buffered channel, overflow is logged
  and dropped (load shedding).
- The worker flushes every FlushInterval or when BatchSize records are queued.
- Stop closes the channel and waits for the worker to drain it, so a graceful
  shutdown loses nothing already accepted.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sink is where batches end up (Postgres, or Discard).
type Sink interface {
	WriteBatch(ctx context.Context, records []OperationRecord) error
}

type Auditor interface {
	Log(record OperationRecord)
}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	return c
}

type Trail struct {
	cfg    Config
	ch     chan OperationRecord
	sink   Sink
	logger *zap.Logger
	wg     sync.WaitGroup

	closed atomic.Bool
	mu     sync.RWMutex // guards sends against close(ch)

	dropped atomic.Int64
}

func NewTrail(sink Sink, cfg Config, logger *zap.Logger) *Trail {
	cfg = cfg.withDefaults()
	return &Trail{
		cfg:    cfg,
		ch:     make(chan OperationRecord, cfg.BufferSize),
		sink:   sink,
		logger: logger.Named("audit"),
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop refuses new records, drains the buffer and waits for the final flush.
func (t *Trail) Stop() {
	t.mu.Lock()
	if t.closed.Swap(true) {
		t.mu.Unlock()
		return
	}
	t.logger.Info("stopping audit trail: closing channel and flushing buffer")
	close(t.ch)
	t.mu.Unlock()

	t.wg.Wait()
	t.logger.Info("audit trail stopped", zap.Int64("dropped", t.dropped.Load()))
}

func (t *Trail) Log(record OperationRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed.Load() {
		t.dropped.Add(1)
		t.logger.Warn("audit record dropped: trail is stopping", zap.String("id", record.ID))
		return
	}

	select {
	case t.ch <- record:
	default:
		t.dropped.Add(1)
		t.logger.Error("audit_buffer_overflow",
			zap.String("fingerprint", record.Fingerprint),
			zap.String("trace_id", record.TraceID),
		)
	}
}

// Dropped is the number of records lost to overflow or late Log calls.
func (t *Trail) Dropped() int64 {
	return t.dropped.Load()
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]OperationRecord, 0, t.cfg.BatchSize)
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// the request context is long gone by now
		if err := t.sink.WriteBatch(context.Background(), batch); err != nil {
			t.logger.Error("audit flush failed", zap.Int("records", len(batch)), zap.Error(err))
		}
		batch = make([]OperationRecord, 0, t.cfg.BatchSize)
	}

	for {
		select {
		case record, ok := <-t.ch:
			if !ok {
				flush()
				t.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, record)
			if len(batch) >= t.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Discard is the sink used when no database is configured.
type Discard struct{}

func (Discard) WriteBatch(context.Context, []OperationRecord) error { return nil }
