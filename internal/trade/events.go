package trade

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/tradeescrow/internal/metrics"
)

// EventKind names what happened to a trade.
type EventKind string

const (
	EventCreated             EventKind = "trade.created"
	EventAccepted            EventKind = "trade.accepted"
	EventFunded              EventKind = "escrow.funded"
	EventFiatConfirmed       EventKind = "fiat.confirmed"
	EventReleased            EventKind = "escrow.released"
	EventCancelled           EventKind = "trade.cancelled"
	EventExpired             EventKind = "trade.expired"
	EventRefunded            EventKind = "escrow.refunded"
	EventDisputeOpened       EventKind = "dispute.opened"
	EventRandomnessRequested EventKind = "dispute.randomness_requested"
	EventArbitratorAssigned  EventKind = "dispute.arbitrator_assigned"
	EventFallbackOpened      EventKind = "dispute.fallback_opened"
	EventSeedCommitted       EventKind = "dispute.seed_committed"
	EventSeedRevealed        EventKind = "dispute.seed_revealed"
	EventRoundFailed         EventKind = "dispute.round_failed"
	EventSettled             EventKind = "dispute.settled"
	EventPurged              EventKind = "trade.purged"
)

// EventKinds lists every kind in lifecycle order.
var EventKinds = []EventKind{
	EventCreated, EventAccepted, EventFunded, EventFiatConfirmed, EventReleased,
	EventCancelled, EventExpired, EventRefunded, EventDisputeOpened,
	EventRandomnessRequested, EventArbitratorAssigned, EventFallbackOpened,
	EventSeedCommitted, EventSeedRevealed, EventRoundFailed, EventSettled, EventPurged,
}

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool { return slices.Contains(EventKinds, k) }

// Event describes one committed change to a trade.
type Event struct {
	// Seq orders the events of one trade. Stores assign it on Append.
	Seq     int64             `json:"seq,omitempty"`
	TradeID string            `json:"tradeId"`
	Kind    EventKind         `json:"kind"`
	Actor   string            `json:"actor"`
	From    State             `json:"from,omitempty"`
	To      State             `json:"to,omitempty"`
	Parties []string          `json:"parties"`
	At      time.Time         `json:"at"`
	Data    map[string]string `json:"data,omitempty"`
}

// Publisher receives events after the change they describe was committed.
// Implementations must not block.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// EventStore keeps the event log of each trade.
type EventStore interface {
	Append(ctx context.Context, e Event) error
	// ListByTrade returns events oldest first. WithCursor resumes after the
	// event whose Seq the cursor names.
	ListByTrade(ctx context.Context, tradeID string, limit int, opts ...ListOption) ([]Event, error)
}

// EventCursor is the pagination key of e.
func EventCursor(e Event) (time.Time, string) {
	return e.At, strconv.FormatInt(e.Seq, 10)
}

// Publishers fans one event out to several publishers.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, e Event) {
	for _, p := range ps {
		p.Publish(ctx, e)
	}
}

// LogPublisher writes every event as a structured log line.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, e Event) {
	p.Logger.Info("trade event",
		"trade", e.TradeID, "kind", string(e.Kind), "actor", e.Actor,
		"from", string(e.From), "to", string(e.To))
}

// MetricsPublisher counts events and closed trades.
type MetricsPublisher struct{}

func (MetricsPublisher) Publish(_ context.Context, e Event) {
	metrics.TradeEventsTotal.WithLabelValues(string(e.Kind)).Inc()
	if e.To != "" && e.To.IsTerminal() {
		metrics.TradesClosedTotal.WithLabelValues(string(e.To)).Inc()
	}
}

// StorePublisher appends events to an EventStore, logging failures.
type StorePublisher struct {
	Store  EventStore
	Logger *slog.Logger
}

func (p StorePublisher) Publish(ctx context.Context, e Event) {
	if err := p.Store.Append(context.WithoutCancel(ctx), e); err != nil {
		p.Logger.Warn("failed to store trade event", "trade", e.TradeID, "kind", string(e.Kind), "error", err)
	}
}

// MemoryEventStore is an in-memory event log.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// NewMemoryEventStore creates an empty event log.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string][]Event)}
}

func (m *MemoryEventStore) Append(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Seq = int64(len(m.events[e.TradeID]) + 1)
	m.events[e.TradeID] = append(m.events[e.TradeID], e)
	return nil
}

// ListByTrade returns up to limit events, oldest first.
func (m *MemoryEventStore) ListByTrade(_ context.Context, tradeID string, limit int, opts ...ListOption) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evs := m.events[tradeID]
	if after := applyListOpts(opts).afterSeq(); after > 0 {
		evs = evs[min(after, int64(len(evs))):]
	}
	if limit > 0 && len(evs) > limit {
		evs = evs[:limit]
	}
	return slices.Clone(evs), nil
}

func newEvent(t *Trade, kind EventKind, actor string, from State, at time.Time) Event {
	parties := []string{t.Buyer, t.Seller}
	if t.Arbitrator != "" {
		parties = append(parties, t.Arbitrator)
	}
	return Event{
		TradeID: t.ID,
		Kind:    kind,
		Actor:   actor,
		From:    from,
		To:      t.State,
		Parties: parties,
		At:      at,
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}
