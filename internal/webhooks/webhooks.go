// Package webhooks delivers trade events to HTTP endpoints registered by the
// trade parties.
//
// Every delivery is a POST with a JSON Payload body. Receivers verify it by
// computing HMAC-SHA256 over "<timestamp>.<body>" with the subscription
// secret and comparing it to the X-TradeEscrow-Signature header.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/mbd888/tradeescrow/internal/trade"
)

const (
	HeaderEvent     = "X-TradeEscrow-Event"
	HeaderDelivery  = "X-TradeEscrow-Delivery"
	HeaderTimestamp = "X-TradeEscrow-Timestamp"
	HeaderSignature = "X-TradeEscrow-Signature"
)

// MaxConsecutiveFailures disables a subscription after that many failed
// deliveries in a row.
const MaxConsecutiveFailures = 10

var ErrNotFound = errors.New("webhooks: subscription not found")

// Subscription is one trader's registered endpoint. An empty Kinds list
// receives every event.
type Subscription struct {
	ID                  string            `json:"id"`
	Trader              string            `json:"trader"`
	URL                 string            `json:"url"`
	Secret              string            `json:"-"`
	Kinds               []trade.EventKind `json:"kinds"`
	Active              bool              `json:"active"`
	CreatedAt           time.Time         `json:"createdAt"`
	LastSuccess         *time.Time        `json:"lastSuccess,omitempty"`
	LastError           string            `json:"lastError,omitempty"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives events of kind k.
func (s *Subscription) Wants(k trade.EventKind) bool {
	return len(s.Kinds) == 0 || slices.Contains(s.Kinds, k)
}

func (s *Subscription) clone() *Subscription {
	cp := *s
	cp.Kinds = slices.Clone(s.Kinds)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}

// Payload is the body of one delivery.
type Payload struct {
	ID    string      `json:"id"`
	Event trade.Event `json:"event"`
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByTrader(ctx context.Context, trader string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps subscriptions in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sub.clone(), nil
}

func (m *MemoryStore) ListByTrader(_ context.Context, trader string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.Trader == trader {
			out = append(out, sub.clone())
		}
	}
	slices.SortFunc(out, func(a, b *Subscription) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = sub.clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
