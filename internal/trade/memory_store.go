package trade

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory trade store for demo/development mode.
type MemoryStore struct {
	trades map[string]*Trade
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades: make(map[string]*Trade),
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.trades[t.ID]; ok {
		return ErrConcurrentUpdate
	}
	t.Version = 1
	m.trades[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.trades[t.ID]
	if !ok {
		return ErrTradeNotFound
	}
	if cur.Version != t.Version {
		return ErrConcurrentUpdate
	}
	t.Version++
	m.trades[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.trades[id]; !ok {
		return ErrTradeNotFound
	}
	delete(m.trades, id)
	return nil
}

// collect returns copies of matching trades, newest first.
func (m *MemoryStore) collect(limit int, match func(*Trade) bool) []*Trade {
	m.mu.RLock()
	var result []*Trade
	for _, t := range m.trades {
		if match(t) {
			result = append(result, t.Clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(result, func(a, b *Trade) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) ListByParty(ctx context.Context, addr string, limit int, opts ...ListOption) ([]*Trade, error) {
	addr = strings.ToLower(addr)
	after := applyListOpts(opts).cursor
	return m.collect(limit, func(t *Trade) bool {
		if after != nil {
			// Newest first: skip everything at or before the cursor.
			if c := t.CreatedAt.Compare(after.At); c > 0 || (c == 0 && t.ID <= after.ID) {
				return false
			}
		}
		return t.Buyer == addr || t.Seller == addr
	}), nil
}

func (m *MemoryStore) ListByState(ctx context.Context, state State, limit int) ([]*Trade, error) {
	return m.collect(limit, func(t *Trade) bool {
		return t.State == state
	}), nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Trade, error) {
	return m.collect(limit, func(t *Trade) bool {
		switch t.State {
		case StateRequestCreated, StateRequestAccepted, StateEscrowFunded:
			return t.Expired(now)
		}
		return false
	}), nil
}

func (m *MemoryStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Trade, error) {
	return m.collect(limit, func(t *Trade) bool {
		return t.IsTerminal() && t.ClosedAt != nil && !t.ClosedAt.After(cutoff)
	}), nil
}

var _ Store = (*MemoryStore)(nil)
