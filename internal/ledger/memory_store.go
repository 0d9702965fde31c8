package ledger

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/tradeescrow/internal/fees"
	"github.com/mbd888/tradeescrow/internal/trade"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances   map[string]*Balance // "account|asset"
	entries    []*Entry
	references map[string]*batchRecord
	mu         sync.RWMutex
}

type batchRecord struct {
	fingerprint string
	reversed    bool
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:   make(map[string]*Balance),
		references: make(map[string]*batchRecord),
	}
}

func balanceKey(account, asset string) string {
	return account + "|" + asset
}

func (m *MemoryStore) ApplyBatch(ctx context.Context, reference, fingerprint string, transfers []trade.Transfer, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.references[reference]
	if ok {
		if rec.fingerprint != fingerprint {
			return false, ErrReferenceConflict
		}
		if !rec.reversed {
			return false, nil
		}
	}
	if err := m.move(reference, transfers, now); err != nil {
		return false, err
	}
	m.references[reference] = &batchRecord{fingerprint: fingerprint}
	return true, nil
}

func (m *MemoryStore) ReverseBatch(ctx context.Context, reference, fingerprint string, transfers []trade.Transfer, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.references[reference]
	if !ok || rec.reversed {
		return false, nil
	}
	if rec.fingerprint != fingerprint {
		return false, ErrReferenceConflict
	}
	back := make([]trade.Transfer, len(transfers))
	for i, t := range transfers {
		back[i] = reversal(t)
	}
	if err := m.move(reference, back, now); err != nil {
		return false, err
	}
	rec.reversed = true
	return true, nil
}

// move applies every leg or none. Callers hold m.mu.
func (m *MemoryStore) move(reference string, transfers []trade.Transfer, now time.Time) error {
	// Compute every new balance first so a failing leg leaves nothing behind.
	staged := make(map[string]Balance)
	get := func(account, asset string) Balance {
		k := balanceKey(account, asset)
		if b, ok := staged[k]; ok {
			return b
		}
		if b, ok := m.balances[k]; ok {
			return *b
		}
		return Balance{Account: account, Asset: asset}
	}
	for _, t := range transfers {
		from := get(t.From, t.Asset)
		if from.Available < t.Amount {
			return ErrInsufficientBalance
		}
		from.Available -= t.Amount
		out, err := fees.Add(from.TotalOut, t.Amount)
		if err != nil {
			return err
		}
		from.TotalOut = out
		from.UpdatedAt = now
		staged[balanceKey(t.From, t.Asset)] = from

		to := get(t.To, t.Asset)
		avail, err := fees.Add(to.Available, t.Amount)
		if err != nil {
			return err
		}
		in, err := fees.Add(to.TotalIn, t.Amount)
		if err != nil {
			return err
		}
		to.Available, to.TotalIn, to.UpdatedAt = avail, in, now
		staged[balanceKey(t.To, t.Asset)] = to
	}

	for k, b := range staged {
		m.balances[k] = &b
	}
	for _, t := range transfers {
		m.appendEntry(reference, t.From, t.To, t.Asset, t.Amount, "debit", t.Memo, now)
		m.appendEntry(reference, t.To, t.From, t.Asset, t.Amount, "credit", t.Memo, now)
	}
	return nil
}

func (m *MemoryStore) appendEntry(reference, account, counterparty, asset string, amount uint64, typ, memo string, now time.Time) {
	m.entries = append(m.entries, &Entry{
		ID:           int64(len(m.entries) + 1),
		Reference:    reference,
		Account:      account,
		Counterparty: counterparty,
		Asset:        asset,
		Amount:       amount,
		Type:         typ,
		Memo:         memo,
		CreatedAt:    now,
	})
}

func (m *MemoryStore) Credit(ctx context.Context, reference, account, asset string, amount uint64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fp := "credit:" + balanceKey(account, asset)
	if prev, ok := m.references[reference]; ok {
		if prev.fingerprint != fp {
			return false, ErrReferenceConflict
		}
		return false, nil
	}

	k := balanceKey(account, asset)
	b, ok := m.balances[k]
	if !ok {
		b = &Balance{Account: account, Asset: asset}
	}
	avail, err := fees.Add(b.Available, amount)
	if err != nil {
		return false, err
	}
	in, err := fees.Add(b.TotalIn, amount)
	if err != nil {
		return false, err
	}
	b.Available, b.TotalIn, b.UpdatedAt = avail, in, now
	m.balances[k] = b
	m.appendEntry(reference, account, "external", asset, amount, "credit", "deposit", now)
	m.references[reference] = &batchRecord{fingerprint: fp}
	return true, nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, account, asset string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if b, ok := m.balances[balanceKey(account, asset)]; ok {
		cp := *b
		return &cp, nil
	}
	return &Balance{Account: account, Asset: asset}, nil
}

func (m *MemoryStore) ListBalances(ctx context.Context, account string) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Balance
	for _, b := range m.balances {
		if b.Account == account {
			cp := *b
			result = append(result, &cp)
		}
	}
	slices.SortFunc(result, func(a, b *Balance) int { return strings.Compare(a.Asset, b.Asset) })
	return result, nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if e := m.entries[i]; e.Account == account {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
