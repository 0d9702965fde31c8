package ratelimit

import (
	"context"
	"sync"

	"github.com/mbd888/tradeescrow/internal/syncutil"
)

// MemoryQuotaStore keeps quota windows in memory.
type MemoryQuotaStore struct {
	locks   syncutil.ShardedMutex
	mu      sync.RWMutex
	windows map[string]Window
}

// NewMemoryQuotaStore creates an in-memory quota store.
func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{windows: make(map[string]Window)}
}

func (m *MemoryQuotaStore) Increment(_ context.Context, actor string, fn func(*Window) error) error {
	unlock := m.locks.Lock(actor)
	defer unlock()

	m.mu.RLock()
	w, ok := m.windows[actor]
	m.mu.RUnlock()
	if !ok {
		w = Window{Actor: actor}
	}
	if err := fn(&w); err != nil {
		return err
	}

	m.mu.Lock()
	m.windows[actor] = w
	m.mu.Unlock()
	return nil
}

func (m *MemoryQuotaStore) Get(_ context.Context, actor string) (*Window, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.windows[actor]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

var _ QuotaStore = (*MemoryQuotaStore)(nil)
