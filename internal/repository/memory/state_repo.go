package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xela07ax/shared-counter/internal/domain"
)

type stateRow struct {
	mu    sync.Mutex
	state domain.ClientSecurityState
}

type StateRepo struct {
	mu   sync.RWMutex
	rows map[string]*stateRow
}

func NewStateRepo() *StateRepo {
	return &StateRepo{rows: make(map[string]*stateRow)}
}

func (r *StateRepo) Get(_ context.Context, fp string) (domain.ClientSecurityState, error) {
	r.mu.RLock()
	row, ok := r.rows[fp]
	r.mu.RUnlock()
	if !ok {
		return domain.ClientSecurityState{}, domain.ErrNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	return row.state, nil
}

func (r *StateRepo) Save(_ context.Context, s domain.ClientSecurityState, expectedVersion int64) (domain.ClientSecurityState, error) {
	if expectedVersion == 0 {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.rows[s.Fingerprint]; ok {
			return domain.ClientSecurityState{}, domain.ErrAlreadyExists
		}
		s.Version = 1
		r.rows[s.Fingerprint] = &stateRow{state: s}
		return s, nil
	}

	r.mu.RLock()
	row, ok := r.rows[s.Fingerprint]
	r.mu.RUnlock()
	if !ok {
		return domain.ClientSecurityState{}, domain.ErrVersionConflict
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	if row.state.Version != expectedVersion {
		return domain.ClientSecurityState{}, domain.ErrVersionConflict
	}
	s.Version = expectedVersion + 1
	row.state = s
	return s, nil
}

func (r *StateRepo) CountActiveBlocks(_ context.Context, now time.Time) (int64, error) {
	r.mu.RLock()
	rows := make([]*stateRow, 0, len(r.rows))
	for _, row := range r.rows {
		rows = append(rows, row)
	}
	r.mu.RUnlock()

	var n int64
	for _, row := range rows {
		row.mu.Lock()
		if row.state.BlockedAt(now) {
			n++
		}
		row.mu.Unlock()
	}
	return n, nil
}
