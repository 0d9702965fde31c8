package arbitration

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory arbitration store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	pools    map[string]map[string]*Arbitrator
	requests map[string]*RandomnessRequest
}

// NewMemoryStore creates a new in-memory arbitration store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:    make(map[string]map[string]*Arbitrator),
		requests: make(map[string]*RandomnessRequest),
	}
}

func (m *MemoryStore) Upsert(_ context.Context, a *Arbitrator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[a.Currency]
	if !ok {
		pool = make(map[string]*Arbitrator)
		m.pools[a.Currency] = pool
	}
	cp := *a
	pool[a.Address] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, currency, addr string) (*Arbitrator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.pools[currency][addr]
	if !ok {
		return nil, ErrArbitratorNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, currency string) ([]*Arbitrator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Arbitrator, 0, len(m.pools[currency]))
	for _, a := range m.pools[currency] {
		cp := *a
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(x, y *Arbitrator) int { return strings.Compare(x.Address, y.Address) })
	return out, nil
}

func (m *MemoryStore) CountActive(_ context.Context, currency string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, a := range m.pools[currency] {
		if a.Active {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AssignCase(_ context.Context, currency, addr string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.pools[currency][addr]
	if !ok {
		return ErrArbitratorNotFound
	}
	if !a.Active {
		return ErrInactive
	}
	if a.CaseLoad >= a.MaxCases {
		return ErrAtCapacity
	}
	a.CaseLoad++
	a.TotalCases++
	a.UpdatedAt = now
	return nil
}

func (m *MemoryStore) CompleteCase(_ context.Context, currency, addr string, resolved bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.pools[currency][addr]
	if !ok {
		return ErrArbitratorNotFound
	}
	if a.CaseLoad > 0 {
		a.CaseLoad--
	}
	if resolved {
		a.ResolvedCases++
	}
	a.UpdatedAt = now
	return nil
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *RandomnessRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*RandomnessRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return cloneRequest(r), nil
}

func (m *MemoryStore) ConsumeRequest(_ context.Context, id, value string, now time.Time) (*RandomnessRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	switch {
	case r.Status == RandomnessConsumed:
		return nil, ErrRequestConsumed
	case r.Lapsed(now):
		return nil, ErrRequestExpired
	}
	r.Status = RandomnessConsumed
	r.Value = value
	r.ConsumedAt = &now
	return cloneRequest(r), nil
}

func (m *MemoryStore) RestoreRequest(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if r.Status == RandomnessConsumed {
		r.Status = RandomnessPending
		r.Value = ""
		r.ConsumedAt = nil
	}
	return nil
}

func (m *MemoryStore) FailRequest(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if r.Status == RandomnessPending {
		r.Status = RandomnessFailed
	}
	return nil
}

func cloneRequest(r *RandomnessRequest) *RandomnessRequest {
	cp := *r
	if r.ConsumedAt != nil {
		t := *r.ConsumedAt
		cp.ConsumedAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
