package extclient

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/mbd888/tradeescrow/internal/arbitration"
	"github.com/mbd888/tradeescrow/internal/trade"
)

// MemoryOffers is an in-process offer book for development mode.
type MemoryOffers struct {
	mu     sync.RWMutex
	offers map[string]trade.Offer
}

func NewMemoryOffers() *MemoryOffers {
	return &MemoryOffers{offers: make(map[string]trade.Offer)}
}

// Put adds or replaces an offer.
func (m *MemoryOffers) Put(o trade.Offer) {
	o.Owner = strings.ToLower(o.Owner)
	m.mu.Lock()
	m.offers[o.ID] = o
	m.mu.Unlock()
}

func (m *MemoryOffers) GetOffer(_ context.Context, id string) (*trade.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, trade.ErrOfferNotFound
	}
	return &o, nil
}

// MemoryProfiles counts active trades and outcomes in memory.
type MemoryProfiles struct {
	mu       sync.Mutex
	active   map[string]int
	outcomes map[string][]trade.Outcome
}

func NewMemoryProfiles() *MemoryProfiles {
	return &MemoryProfiles{
		active:   make(map[string]int),
		outcomes: make(map[string][]trade.Outcome),
	}
}

func (m *MemoryProfiles) GetProfile(_ context.Context, addr string) (*trade.Profile, error) {
	addr = strings.ToLower(addr)
	m.mu.Lock()
	defer m.mu.Unlock()
	return &trade.Profile{Address: addr, ActiveTrades: m.active[addr]}, nil
}

func (m *MemoryProfiles) AdjustActiveTrades(_ context.Context, addr string, delta int) error {
	addr = strings.ToLower(addr)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.active[addr] + delta
	if n < 0 {
		n = 0
	}
	m.active[addr] = n
	return nil
}

func (m *MemoryProfiles) RecordOutcome(_ context.Context, addr, _ string, outcome trade.Outcome) error {
	addr = strings.ToLower(addr)
	m.mu.Lock()
	m.outcomes[addr] = append(m.outcomes[addr], outcome)
	m.mu.Unlock()
	return nil
}

// Outcomes returns the outcomes recorded for addr.
func (m *MemoryProfiles) Outcomes(addr string) []trade.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]trade.Outcome(nil), m.outcomes[strings.ToLower(addr)]...)
}

// StaticPrices serves fixed quotes stamped with the current time.
type StaticPrices struct {
	mu     sync.RWMutex
	prices map[string]uint64
	now    func() time.Time
}

func NewStaticPrices() *StaticPrices {
	return &StaticPrices{prices: make(map[string]uint64), now: time.Now}
}

// Set fixes the price of asset in currency, scaled by trade.PriceScale.
func (s *StaticPrices) Set(currency, asset string, price uint64) {
	s.mu.Lock()
	s.prices[pairKey(currency, asset)] = price
	s.mu.Unlock()
}

func (s *StaticPrices) Quote(_ context.Context, currency, asset string) (trade.PriceQuote, error) {
	key := pairKey(currency, asset)
	s.mu.RLock()
	p, ok := s.prices[key]
	s.mu.RUnlock()
	if !ok {
		return trade.PriceQuote{}, fmt.Errorf("no price for %s", key)
	}
	return trade.PriceQuote{Price: p, UpdatedAt: s.now()}, nil
}

// DeliverFunc hands a randomness value back to the engine.
type DeliverFunc func(ctx context.Context, requestID string, value *uint256.Int) error

// LocalOracle answers randomness requests itself with crypto/rand values
// after a delay. It stands in for the oracle network in development mode.
type LocalOracle struct {
	mu      sync.RWMutex
	deliver DeliverFunc
	delay   time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewLocalOracle(delay time.Duration, logger *slog.Logger) *LocalOracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalOracle{delay: delay, logger: logger}
}

// SetDeliver wires the callback. Requests made before it is set are dropped
// and later reissued by the keeper.
func (o *LocalOracle) SetDeliver(fn DeliverFunc) {
	o.mu.Lock()
	o.deliver = fn
	o.mu.Unlock()
}

func (o *LocalOracle) RequestRandomness(_ context.Context, req *arbitration.RandomnessRequest) error {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Errorf("generate randomness: %w", err)
	}
	value := new(uint256.Int).SetBytes(buf[:])
	id := req.ID

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if o.delay > 0 {
			time.Sleep(o.delay)
		}
		o.mu.RLock()
		deliver := o.deliver
		o.mu.RUnlock()
		if deliver == nil {
			o.logger.Warn("randomness dropped, no consumer wired", "request_id", id)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := deliver(ctx, id, value); err != nil {
			o.logger.Warn("randomness delivery failed", "request_id", id, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every pending delivery has run.
func (o *LocalOracle) Wait() {
	o.wg.Wait()
}

var (
	_ trade.OfferService   = (*MemoryOffers)(nil)
	_ trade.ProfileService = (*MemoryProfiles)(nil)
	_ trade.PriceOracle    = (*StaticPrices)(nil)
	_ arbitration.Oracle   = (*LocalOracle)(nil)
)
