package memory

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/shared-counter/internal/domain"
)

// eventRow holds the events of one fingerprint ordered by timestamp.
type eventRow struct {
	mu     sync.Mutex
	events []domain.SecurityEvent
	// dead rows were dropped from the map; writers must look the row up again
	dead bool
}

type indexEntry struct {
	ts       time.Time
	severity domain.Severity
	fp       string
}

// eventIndex is a min-heap on timestamp over every stored event.
type eventIndex []indexEntry

func (h eventIndex) Len() int           { return len(h) }
func (h eventIndex) Less(i, j int) bool { return h[i].ts.Before(h[j].ts) }
func (h eventIndex) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *eventIndex) Push(x any)        { *h = append(*h, x.(indexEntry)) }
func (h *eventIndex) Pop() any {
	old := *h
	e := old[len(old)-1]
	*h = old[:len(old)-1]
	return e
}

// EventRepo keeps one row per fingerprint, so Recent only touches the caller's
// row. The time index serves retention and the severity stats.
type EventRepo struct {
	mu   sync.RWMutex
	rows map[string]*eventRow

	indexMu sync.Mutex
	index   eventIndex
}

func NewEventRepo() *EventRepo {
	return &EventRepo{rows: make(map[string]*eventRow)}
}

func (r *EventRepo) row(fp string) *eventRow {
	r.mu.RLock()
	row, ok := r.rows[fp]
	r.mu.RUnlock()
	if ok {
		return row
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok = r.rows[fp]; !ok {
		row = &eventRow{}
		r.rows[fp] = row
	}
	return row
}

func (r *EventRepo) Insert(_ context.Context, e domain.SecurityEvent) error {
	for {
		row := r.row(e.Fingerprint)
		row.mu.Lock()
		if row.dead {
			row.mu.Unlock()
			continue
		}
		i := sort.Search(len(row.events), func(i int) bool { return row.events[i].Timestamp.After(e.Timestamp) })
		row.events = append(row.events, domain.SecurityEvent{})
		copy(row.events[i+1:], row.events[i:])
		row.events[i] = e
		row.mu.Unlock()
		break
	}

	r.indexMu.Lock()
	heap.Push(&r.index, indexEntry{ts: e.Timestamp, severity: e.Severity, fp: e.Fingerprint})
	r.indexMu.Unlock()
	return nil
}

// DeleteOlderThan pops expired entries off the index and trims only the rows
// they belong to.
func (r *EventRepo) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	touched := make(map[string]struct{})
	var deleted int64

	r.indexMu.Lock()
	for r.index.Len() > 0 && r.index[0].ts.Before(cutoff) {
		e := heap.Pop(&r.index).(indexEntry)
		touched[e.fp] = struct{}{}
		deleted++
	}
	r.indexMu.Unlock()

	for fp := range touched {
		r.trim(fp, cutoff)
	}
	return deleted, nil
}

func (r *EventRepo) trim(fp string, cutoff time.Time) {
	r.mu.RLock()
	row, ok := r.rows[fp]
	r.mu.RUnlock()
	if !ok {
		return
	}

	row.mu.Lock()
	i := sort.Search(len(row.events), func(i int) bool { return !row.events[i].Timestamp.Before(cutoff) })
	row.events = append(row.events[:0:0], row.events[i:]...)
	empty := len(row.events) == 0
	row.mu.Unlock()
	if !empty {
		return
	}

	r.mu.Lock()
	row.mu.Lock()
	if len(row.events) == 0 && r.rows[fp] == row {
		row.dead = true
		delete(r.rows, fp)
	}
	row.mu.Unlock()
	r.mu.Unlock()
}

// Recent returns up to limit events of fp at or after since, oldest first.
func (r *EventRepo) Recent(_ context.Context, fp string, since time.Time, limit int) ([]domain.SecurityEvent, error) {
	r.mu.RLock()
	row, ok := r.rows[fp]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	row.mu.Lock()
	defer row.mu.Unlock()
	i := sort.Search(len(row.events), func(i int) bool { return !row.events[i].Timestamp.Before(since) })
	from := row.events[i:]
	if limit > 0 && len(from) > limit {
		from = from[len(from)-limit:]
	}
	return append([]domain.SecurityEvent(nil), from...), nil
}

func (r *EventRepo) SeverityCounts(_ context.Context, since time.Time) (domain.SeverityBreakdown, error) {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	var b domain.SeverityBreakdown
	for _, e := range r.index {
		if !e.ts.Before(since) {
			b.Add(e.severity, 1)
		}
	}
	return b, nil
}

// Len is used by tests.
func (r *EventRepo) Len() int {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	return r.index.Len()
}
