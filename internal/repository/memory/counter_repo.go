// Package memory keeps rows in process memory. Each row has its own lock, the
// shared map is only locked to look rows up or insert them.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/shared-counter/internal/domain"
)

type counterRow struct {
	mu sync.Mutex
	c  domain.Counter
}

type CounterRepo struct {
	mu   sync.RWMutex
	rows map[string]*counterRow
}

func NewCounterRepo() *CounterRepo {
	return &CounterRepo{rows: make(map[string]*counterRow)}
}

func (r *CounterRepo) row(name string) (*counterRow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[name]
	return row, ok
}

func (r *CounterRepo) Get(_ context.Context, name string) (domain.Counter, error) {
	row, ok := r.row(name)
	if !ok {
		return domain.Counter{}, domain.ErrNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	return row.c, nil
}

func (r *CounterRepo) Create(_ context.Context, c domain.Counter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[c.Name]; ok {
		return domain.ErrAlreadyExists
	}
	r.rows[c.Name] = &counterRow{c: c}
	return nil
}

func (r *CounterRepo) CompareAndSwap(_ context.Context, name string, expectedVersion, value int64, now time.Time) (domain.Counter, error) {
	row, ok := r.row(name)
	if !ok {
		return domain.Counter{}, domain.ErrNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	if row.c.Version != expectedVersion {
		return domain.Counter{}, domain.ErrVersionConflict
	}
	row.c.Value = value
	row.c.Version++
	row.c.LastUpdated = now
	return row.c, nil
}
