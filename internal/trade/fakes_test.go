package trade

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeescrow/internal/arbitration"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var (
	maker    = "0x" + strings.Repeat("a1", 20)
	taker    = "0x" + strings.Repeat("b2", 20)
	stranger = "0x" + strings.Repeat("c3", 20)
	arbOne   = "0x" + strings.Repeat("d4", 20)
)

const (
	sellOffer = "off_sell"
	buyOffer  = "off_buy"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeLedger keeps balances per account|asset and applies batches all or
// nothing, once per reference until the reference is reversed.
type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]uint64
	refs     map[string]bool
	applied  []string
	reversed []string
	err      error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[string]uint64), refs: make(map[string]bool)}
}

func (l *fakeLedger) Apply(_ context.Context, reference string, transfers []Transfer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	if l.refs[reference] {
		return nil
	}
	if err := l.move(transfers); err != nil {
		return err
	}
	l.refs[reference] = true
	l.applied = append(l.applied, reference)
	return nil
}

func (l *fakeLedger) Reverse(_ context.Context, reference string, transfers []Transfer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.refs[reference] {
		return nil
	}
	back := make([]Transfer, len(transfers))
	for i, tr := range transfers {
		back[i] = Transfer{From: tr.To, To: tr.From, Asset: tr.Asset, Amount: tr.Amount}
	}
	if err := l.move(back); err != nil {
		return err
	}
	delete(l.refs, reference)
	l.reversed = append(l.reversed, reference)
	return nil
}

// move applies every leg or none. Callers hold l.mu.
func (l *fakeLedger) move(transfers []Transfer) error {
	staged := make(map[string]uint64)
	get := func(k string) uint64 {
		if v, ok := staged[k]; ok {
			return v
		}
		return l.balances[k]
	}
	for _, tr := range transfers {
		from, to := tr.From+"|"+tr.Asset, tr.To+"|"+tr.Asset
		if get(from) < tr.Amount {
			return errors.New("insufficient balance")
		}
		staged[from] = get(from) - tr.Amount
		staged[to] = get(to) + tr.Amount
	}
	for k, v := range staged {
		l.balances[k] = v
	}
	return nil
}

func (l *fakeLedger) credit(account string, amount uint64) {
	l.mu.Lock()
	l.balances[account+"|USDC"] += amount
	l.mu.Unlock()
}

func (l *fakeLedger) balance(account string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account+"|USDC"]
}

type fakeOffers struct {
	mu     sync.Mutex
	offers map[string]*Offer
}

func (f *fakeOffers) GetOffer(_ context.Context, id string) (*Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOffers) update(id string, fn func(*Offer)) {
	f.mu.Lock()
	fn(f.offers[id])
	f.mu.Unlock()
}

type fakePrices struct {
	mu    sync.Mutex
	quote PriceQuote
	err   error
}

func (f *fakePrices) Quote(context.Context, string, string) (PriceQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quote, f.err
}

type fakeProfiles struct {
	mu       sync.Mutex
	active   map[string]int
	outcomes map[string][]Outcome
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{active: make(map[string]int), outcomes: make(map[string][]Outcome)}
}

func (f *fakeProfiles) GetProfile(_ context.Context, addr string) (*Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &Profile{Address: addr, ActiveTrades: f.active[addr]}, nil
}

func (f *fakeProfiles) AdjustActiveTrades(_ context.Context, addr string, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[addr] += delta
	return nil
}

func (f *fakeProfiles) RecordOutcome(_ context.Context, addr, _ string, o Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[addr] = append(f.outcomes[addr], o)
	return nil
}

func (f *fakeProfiles) activeOf(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[addr]
}

type fakeParams struct {
	mu sync.Mutex
	p  Params
}

func (f *fakeParams) Params(context.Context) (Params, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.p, nil
}

func (f *fakeParams) ArbitrationSettings(context.Context) (arbitration.Settings, error) {
	return arbitration.Settings{MaxPoolSize: 10, RandomnessValidity: time.Hour, SelectionRange: arbitration.DefaultSelectionRange}, nil
}

func (f *fakeParams) set(fn func(*Params)) {
	f.mu.Lock()
	fn(&f.p)
	f.mu.Unlock()
}

type fakeOracle struct {
	mu       sync.Mutex
	requests []*arbitration.RandomnessRequest
	err      error
}

func (o *fakeOracle) RequestRandomness(_ context.Context, req *arbitration.RandomnessRequest) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	cp := *req
	o.requests = append(o.requests, &cp)
	return nil
}

func (o *fakeOracle) fail(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	ledger   *fakeLedger
	offers   *fakeOffers
	prices   *fakePrices
	profiles *fakeProfiles
	params   *fakeParams
	arb      *arbitration.Service
	oracle   *fakeOracle
	clk      *clock
	events   *recorder
}

func testParams() Params {
	p := DefaultParams()
	p.Collectors = Collectors{Burn: "burn", Chain: "chain", Treasury: "treasury"}
	p.DisputeWindow = 24 * time.Hour
	p.AutoReleaseAfter = 6 * time.Hour
	return p
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  NewMemoryStore(),
		ledger: newFakeLedger(),
		offers: &fakeOffers{offers: map[string]*Offer{
			sellOffer: {ID: sellOffer, Owner: maker, Direction: DirectionSell, Currency: "USD", Asset: "USDC", MinAmount: 1, MaxAmount: 1_000_000, Active: true},
			buyOffer:  {ID: buyOffer, Owner: maker, Direction: DirectionBuy, Currency: "USD", Asset: "USDC", MinAmount: 1, MaxAmount: 1_000_000, PriceBps: 10_100, Active: true},
		}},
		profiles: newFakeProfiles(),
		params:   &fakeParams{p: testParams()},
		oracle:   &fakeOracle{},
		clk:      &clock{now: t0},
		events:   &recorder{},
	}
	f.prices = &fakePrices{quote: PriceQuote{Price: PriceScale, UpdatedAt: t0}}
	f.arb = arbitration.NewService(arbitration.NewMemoryStore(), f.oracle, f.params, quietLogger()).WithClock(f.clk.Now)
	f.svc = NewService(Deps{
		Store:       f.store,
		Ledger:      f.ledger,
		Params:      f.params,
		Offers:      f.offers,
		Prices:      f.prices,
		Arbitration: f.arb,
		Profiles:    f.profiles,
	}).WithPublisher(f.events).WithLogger(quietLogger()).WithClock(f.clk.Now)

	f.ledger.credit(maker, 10_000)
	f.ledger.credit(taker, 10_000)
	_, err := f.arb.Register(context.Background(), arbitration.RegisterRequest{
		Address: arbOne, Currency: "USD", Reputation: 5_000, MaxCases: 5,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) create(t *testing.T, offerID, caller string, amount uint64) *Trade {
	t.Helper()
	tr, err := f.svc.CreateTrade(context.Background(), caller, CreateRequest{OfferID: offerID, Amount: amount, Contact: "tg:@" + caller[:6]})
	require.NoError(t, err)
	return tr
}

// funded walks a sell-offer trade of 1000 to EscrowFunded.
func (f *fixture) funded(t *testing.T) *Trade {
	t.Helper()
	ctx := context.Background()
	tr := f.create(t, sellOffer, taker, 1000)
	_, err := f.svc.AcceptRequest(ctx, tr.ID, maker, "tg:@maker")
	require.NoError(t, err)
	tr, err = f.svc.FundEscrow(ctx, tr.ID, maker, 1000)
	require.NoError(t, err)
	return tr
}

// confirmed walks a sell-offer trade of 1000 to FiatConfirmed.
func (f *fixture) confirmed(t *testing.T) *Trade {
	t.Helper()
	tr := f.funded(t)
	tr, err := f.svc.MarkFiatDeposited(context.Background(), tr.ID, taker)
	require.NoError(t, err)
	return tr
}

// disputed opens a dispute on a confirmed trade once the window opens.
func (f *fixture) disputed(t *testing.T) *Trade {
	t.Helper()
	tr := f.confirmed(t)
	f.clk.Advance(31 * time.Minute)
	tr, err := f.svc.InitiateDispute(context.Background(), tr.ID, taker, DisputeRequest{BuyerContact: "buyer@example.com"})
	require.NoError(t, err)
	return tr
}

func (f *fixture) lastRequest(t *testing.T) *arbitration.RandomnessRequest {
	t.Helper()
	f.oracle.mu.Lock()
	defer f.oracle.mu.Unlock()
	require.NotEmpty(t, f.oracle.requests)
	return f.oracle.requests[len(f.oracle.requests)-1]
}
