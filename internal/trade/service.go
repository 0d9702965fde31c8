package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/tradeescrow/internal/fees"
	"github.com/mbd888/tradeescrow/internal/idgen"
	"github.com/mbd888/tradeescrow/internal/logging"
	"github.com/mbd888/tradeescrow/internal/metrics"
	"github.com/mbd888/tradeescrow/internal/ratelimit"
	"github.com/mbd888/tradeescrow/internal/retry"
	"github.com/mbd888/tradeescrow/internal/syncutil"
	"github.com/mbd888/tradeescrow/internal/traces"
)

// Operation names, used for pause flags, metrics and spans.
const (
	OpCreateTrade     = "create_trade"
	OpAcceptRequest   = "accept_request"
	OpFundEscrow      = "fund_escrow"
	OpMarkFiat        = "mark_fiat_deposited"
	OpReleaseEscrow   = "release_escrow"
	OpCancelRequest   = "cancel_request"
	OpRefundExpired   = "refund_expired"
	OpInitiateDispute = "initiate_dispute"
	OpConsumeRandom   = "consume_randomness"
	OpReissueRandom   = "reissue_randomness"
	OpOpenFallback    = "open_fallback"
	OpCommitSeed      = "commit_seed"
	OpRevealSeed      = "reveal_seed"
	OpFinalizeRound   = "finalize_round"
	OpSettleDispute   = "settle_dispute"
	OpPurge           = "purge"
)

// CreateRequest opens a trade against an offer.
type CreateRequest struct {
	OfferID string `json:"offerId" binding:"required"`
	Amount  uint64 `json:"amount,string" binding:"required"`
	Contact string `json:"contact"`
}

// DisputeRequest carries the contact details handed to the arbitrator.
type DisputeRequest struct {
	BuyerContact  string `json:"buyerContact"`
	SellerContact string `json:"sellerContact"`
}

// Deps are the collaborators of the state machine. Profiles and Quotas are
// optional.
type Deps struct {
	Store       Store
	Ledger      Ledger
	Params      ParamsSource
	Offers      OfferService
	Prices      PriceOracle
	Arbitration Arbitration
	Profiles    ProfileService
	Quotas      QuotaLimiter
}

// Service implements the trade state machine and dispute manager.
type Service struct {
	store       Store
	ledger      Ledger
	params      ParamsSource
	offers      OfferService
	prices      PriceOracle
	arbitration Arbitration
	profiles    ProfileService
	quotas      QuotaLimiter
	events      Publisher
	logger      *slog.Logger
	locks       *syncutil.ContextShardedMutex
	now         func() time.Time
}

// NewService creates a trade service.
func NewService(d Deps) *Service {
	return &Service{
		store:       d.Store,
		ledger:      d.Ledger,
		params:      d.Params,
		offers:      d.Offers,
		prices:      d.Prices,
		arbitration: d.Arbitration,
		profiles:    d.Profiles,
		quotas:      d.Quotas,
		events:      nopPublisher{},
		logger:      slog.Default(),
		locks:       syncutil.NewContextShardedMutex(),
		now:         time.Now,
	}
}

// WithPublisher sets the event sink.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.events = p
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// begin opens a span and a metrics timer for op. The returned func must be
// deferred with a pointer to the operation's error.
func (s *Service) begin(ctx context.Context, op, id, caller string) (context.Context, func(*error)) {
	ctx, span := traces.StartSpan(ctx, "trade."+op, traces.TradeID(id), traces.Actor(caller))
	done := metrics.ObserveOp(op)
	return ctx, func(errp *error) {
		finish(ctx, span, done, op, id, caller, *errp)
	}
}

func finish(ctx context.Context, span trace.Span, done func(string), op, id, caller string, err error) {
	defer span.End()
	if err == nil {
		done("ok")
		return
	}
	kind := KindOf(err)
	done(string(kind))
	traces.Fail(span, err, string(kind))
	if kind == KindInternal {
		logging.L(ctx).Error("trade operation failed", "op", op, "trade", id, "caller", caller, "error", err)
		return
	}
	logging.L(ctx).Warn("trade operation rejected", "op", op, "trade", id, "caller", caller, "kind", string(kind), "error", err)
}

func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	return s.locks.LockContext(ctx, id)
}

func (s *Service) snapshot(ctx context.Context) (Params, error) {
	p, err := s.params.Params(ctx)
	if err != nil {
		return Params{}, fmt.Errorf("load protocol params: %w", err)
	}
	return p, nil
}

// reload re-reads the stored trade after an external call and checks it is
// still the version the staged change was computed from.
func (s *Service) reload(ctx context.Context, base *Trade) (*Trade, error) {
	fresh, err := s.store.Get(ctx, base.ID)
	if err != nil {
		return nil, err
	}
	if fresh.Version != base.Version || fresh.State != base.State {
		return nil, ErrConcurrentUpdate
	}
	return fresh, nil
}

// transition moves t to state and records the edge in its history.
func transition(t *Trade, to State, actor, reason string, now time.Time) error {
	if !canTransition(t.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, t.State, to)
	}
	if t.History == nil {
		t.History = NewHistory(DefaultHistoryCapacity)
	}
	t.History.Push(HistoryEntry{From: t.State, To: to, Actor: actor, At: now, Reason: reason})
	t.State = to
	t.UpdatedAt = now
	if to.IsTerminal() {
		t.ClosedAt = &now
	}
	return nil
}

// commit verifies and stores a staged record, then publishes ev.
func (s *Service) commit(ctx context.Context, staged *Trade, ev Event) error {
	if err := checkInvariants(staged); err != nil {
		return err
	}
	if err := s.store.Update(ctx, staged); err != nil {
		return fmt.Errorf("failed to update trade: %w", err)
	}
	s.events.Publish(ctx, ev)
	return nil
}

// settle applies a payout batch out of the vault and commits the staged
// record. The store update is retried; if it still fails the batch is
// reversed so the vault again matches the stored record.
func (s *Service) settle(ctx context.Context, base, staged *Trade, reference string, transfers []Transfer, ev Event) error {
	if err := checkInvariants(staged); err != nil {
		return err
	}
	if err := s.ledger.Apply(ctx, reference, transfers); err != nil {
		return fmt.Errorf("ledger transfer failed: %w", err)
	}

	err := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		if _, err := s.reload(ctx, base); err != nil {
			return retry.Permanent(err)
		}
		if err := s.store.Update(ctx, staged); err != nil {
			if errors.Is(err, ErrConcurrentUpdate) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err == nil {
		s.events.Publish(ctx, ev)
		return nil
	}

	if rerr := s.ledger.Reverse(context.WithoutCancel(ctx), reference, transfers); rerr != nil {
		metrics.PersistenceFailuresTotal.Inc()
		s.logger.Error("CRITICAL: trade funds moved but record update and reversal failed",
			"trade", staged.ID, "reference", reference, "state", string(staged.State),
			"updateError", err, "reverseError", rerr)
		return fmt.Errorf("failed to update trade after transfer (requires manual resolution): %w", err)
	}
	s.logger.Warn("trade update failed after transfer, batch reversed",
		"trade", staged.ID, "reference", reference, "error", err)
	return fmt.Errorf("failed to update trade after transfer: %w", err)
}

// checkQuota counts action for actor. The returned func takes the count back
// and must be called if the operation then fails.
func (s *Service) checkQuota(ctx context.Context, actor string, action ratelimit.Action, p Params, now time.Time) (func(), error) {
	if s.quotas == nil {
		return func() {}, nil
	}
	if err := s.quotas.CheckAndIncrement(ctx, actor, action, p.Quotas, now); err != nil {
		return nil, err
	}
	return func() {
		if err := s.quotas.Refund(context.WithoutCancel(ctx), actor, action, now); err != nil {
			s.logger.Warn("failed to refund quota", "actor", actor, "action", action.String(), "error", err)
		}
	}, nil
}

func (s *Service) adjustActive(ctx context.Context, delta int, addrs ...string) {
	if s.profiles == nil {
		return
	}
	for _, a := range addrs {
		if err := s.profiles.AdjustActiveTrades(ctx, a, delta); err != nil {
			s.logger.Warn("failed to adjust active trades", "address", a, "delta", delta, "error", err)
		}
	}
}

func (s *Service) recordOutcome(ctx context.Context, t *Trade, addr string, o Outcome) {
	if s.profiles == nil {
		return
	}
	if err := s.profiles.RecordOutcome(ctx, addr, t.ID, o); err != nil {
		s.logger.Warn("failed to record trade outcome", "trade", t.ID, "address", addr, "outcome", string(o), "error", err)
	}
}

// activeParties returns the parties whose active-trade counter t holds.
func activeParties(t *Trade, from State) []string {
	if from == StateRequestCreated {
		return []string{t.Taker}
	}
	return []string{t.Taker, t.Maker}
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// quote fetches a fresh market price and applies the offer's premium.
func (s *Service) quote(ctx context.Context, offer *Offer, p Params, now time.Time) (uint64, error) {
	q, err := s.prices.Quote(ctx, offer.Currency, offer.Asset)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}
	if q.Price == 0 {
		return 0, fmt.Errorf("%w: zero price", ErrInvalidPrice)
	}
	if p.PriceMaxAge > 0 && now.Sub(q.UpdatedAt) > p.PriceMaxAge {
		return 0, fmt.Errorf("%w: updated %s ago", ErrStalePrice, now.Sub(q.UpdatedAt).Round(time.Second))
	}
	bps := offer.PriceBps
	if bps == 0 {
		bps = fees.MaxBps
	}
	return fees.MulDiv(q.Price, uint64(bps), fees.MaxBps)
}

// CreateTrade opens a request from caller (the taker) against an offer.
func (s *Service) CreateTrade(ctx context.Context, caller string, req CreateRequest) (t *Trade, err error) {
	caller = normalize(caller)
	ctx, end := s.begin(ctx, OpCreateTrade, req.OfferID, caller)
	defer end(&err)

	if caller == "" {
		return nil, ErrUnauthorized
	}
	p, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if p.OpPaused(OpCreateTrade) {
		return nil, ErrTradingPaused
	}
	if p.MaxContactLength > 0 && len(req.Contact) > p.MaxContactLength {
		return nil, ErrContactTooLong
	}

	offer, err := s.offers.GetOffer(ctx, req.OfferID)
	if err != nil {
		return nil, err
	}
	if err := checkOffer(offer, caller, req.Amount); err != nil {
		return nil, err
	}
	maker := normalize(offer.Owner)
	buyer, seller, ok := rolesFor(offer.Direction, maker, caller)
	if !ok {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrOfferInactive, offer.Direction)
	}

	if s.profiles != nil && p.MaxActiveTrades > 0 {
		prof, err := s.profiles.GetProfile(ctx, caller)
		if err != nil {
			return nil, fmt.Errorf("load profile: %w", err)
		}
		if prof.ActiveTrades >= p.MaxActiveTrades {
			return nil, ErrActiveTradeLimit
		}
	}

	now := s.now()
	price, err := s.quote(ctx, offer, p, now)
	if err != nil {
		return nil, err
	}
	fiat, err := fees.MulDiv(req.Amount, price, PriceScale)
	if err != nil {
		return nil, err
	}
	// Every payout path must be computable for this amount.
	if _, err := fees.Split(req.Amount, p.Fees, fees.Options{Protocol: true, Arbitration: true}); err != nil {
		return nil, err
	}

	// The offer may have changed while the price was fetched.
	offer, err = s.offers.GetOffer(ctx, req.OfferID)
	if err != nil {
		return nil, err
	}
	if err := checkOffer(offer, caller, req.Amount); err != nil {
		return nil, err
	}
	if normalize(offer.Owner) != maker {
		return nil, fmt.Errorf("%w: offer owner changed", ErrOfferInactive)
	}

	id := idgen.WithPrefix("trd_")
	t = &Trade{
		ID:          id,
		OfferID:     offer.ID,
		Direction:   offer.Direction,
		Maker:       maker,
		Taker:       caller,
		Buyer:       buyer,
		Seller:      seller,
		Currency:    offer.Currency,
		Asset:       offer.Asset,
		Amount:      req.Amount,
		LockedPrice: price,
		FiatAmount:  fiat,
		Escrow:      EscrowRecord{TradeID: id, Asset: offer.Asset},
		History:     NewHistory(p.HistoryCapacity),
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(p.RequestExpiry),
	}
	if caller == buyer {
		t.BuyerContact = req.Contact
	} else {
		t.SellerContact = req.Contact
	}
	if err := transition(t, StateRequestCreated, caller, "request created", now); err != nil {
		return nil, err
	}
	if err := checkInvariants(t); err != nil {
		return nil, err
	}
	refund, err := s.checkQuota(ctx, caller, ratelimit.ActionCreateTrade, p, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, t); err != nil {
		refund()
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}

	s.adjustActive(ctx, +1, caller)
	ev := newEvent(t, EventCreated, caller, "", now)
	ev.Data = map[string]string{"offerId": offer.ID, "amount": fmt.Sprint(t.Amount), "lockedPrice": fmt.Sprint(price)}
	s.events.Publish(ctx, ev)
	logging.L(ctx).Info("trade created", "trade", id, "offer", offer.ID, "taker", caller, "amount", t.Amount)
	return t, nil
}

func checkOffer(offer *Offer, taker string, amount uint64) error {
	if !offer.Active {
		return ErrOfferInactive
	}
	if normalize(offer.Owner) == taker {
		return ErrSelfTrade
	}
	if amount == 0 || amount < offer.MinAmount || (offer.MaxAmount > 0 && amount > offer.MaxAmount) {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrAmountOutOfRange, amount, offer.MinAmount, offer.MaxAmount)
	}
	return nil
}

// AcceptRequest lets the maker accept an open request.
func (s *Service) AcceptRequest(ctx context.Context, id, caller, contact string) (t *Trade, err error) {
	caller = normalize(caller)
	ctx, end := s.begin(ctx, OpAcceptRequest, id, caller)
	defer end(&err)

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if p.OpPaused(OpAcceptRequest) {
		return nil, ErrTradingPaused
	}
	if p.MaxContactLength > 0 && len(contact) > p.MaxContactLength {
		return nil, ErrContactTooLong
	}

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := acceptable(cur, caller, now); err != nil {
		return nil, err
	}

	offer, err := s.offers.GetOffer(ctx, cur.OfferID)
	if err != nil {
		return nil, err
	}
	if !offer.Active {
		return nil, ErrOfferInactive
	}
	if normalize(offer.Owner) != cur.Maker {
		return nil, fmt.Errorf("%w: offer owner changed", ErrInvariantViolation)
	}
	base, err := s.reload(ctx, cur)
	if err != nil {
		return nil, err
	}
	if err := acceptable(base, caller, now); err != nil {
		return nil, err
	}

	t = base.Clone()
	if caller == t.Buyer {
		t.BuyerContact = contact
	} else {
		t.SellerContact = contact
	}
	t.ExpiresAt = now.Add(p.RequestExpiry)
	if err := transition(t, StateRequestAccepted, caller, "request accepted", now); err != nil {
		return nil, err
	}
	refund, err := s.checkQuota(ctx, caller, ratelimit.ActionAcceptRequest, p, now)
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, t, newEvent(t, EventAccepted, caller, base.State, now)); err != nil {
		refund()
		return nil, err
	}
	s.adjustActive(ctx, +1, t.Maker)
	return t, nil
}

func acceptable(t *Trade, caller string, now time.Time) error {
	if caller != t.Maker {
		return ErrUnauthorized
	}
	if t.IsTerminal() {
		return ErrAlreadyTerminal
	}
	if t.State != StateRequestCreated {
		return ErrInvalidState
	}
	if t.Expired(now) {
		return ErrDeadlinePassed
	}
	return nil
}

// FundEscrow moves exactly the trade amount from the seller into the vault.
func (s *Service) FundEscrow(ctx context.Context, id, caller string, amount uint64) (t *Trade, err error) {
	caller = normalize(caller)
	ctx, end := s.begin(ctx, OpFundEscrow, id, caller)
	defer end(&err)

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if p.OpPaused(OpFundEscrow) {
		return nil, ErrTradingPaused
	}

	base, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if caller != base.Seller {
		return nil, ErrUnauthorized
	}
	if base.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	if base.State != StateRequestAccepted {
		return nil, ErrInvalidState
	}
	if base.Expired(now) {
		return nil, ErrDeadlinePassed
	}
	if amount != base.Amount {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrAmountMismatch, amount, base.Amount)
	}

	t = base.Clone()
	if err := t.Escrow.deposit(amount); err != nil {
		return nil, err
	}
	if err := transition(t, StateEscrowFunded, caller, "escrow funded", now); err != nil {
		return nil, err
	}
	t.FundedAt = &now
	t.ExpiresAt = now.Add(p.FundedExpiry)

	transfers := []Transfer{{From: t.Seller, To: VaultAccount(t.ID), Asset: t.Asset, Amount: amount, Memo: "fund"}}
	ev := newEvent(t, EventFunded, caller, base.State, now)
	if err := s.settle(ctx, base, t, "fund:"+t.ID, transfers, ev); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("escrow funded", "trade", t.ID, "amount", amount)
	return t, nil
}

// MarkFiatDeposited records the buyer's fiat payment and starts the dispute
// delay.
func (s *Service) MarkFiatDeposited(ctx context.Context, id, caller string) (t *Trade, err error) {
	caller = normalize(caller)
	ctx, end := s.begin(ctx, OpMarkFiat, id, caller)
	defer end(&err)

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	base, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if caller != base.Buyer {
		return nil, ErrUnauthorized
	}
	if base.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	if base.State != StateEscrowFunded {
		return nil, ErrInvalidState
	}
	if base.Expired(now) {
		return nil, ErrDeadlinePassed
	}

	t = base.Clone()
	if err := transition(t, StateFiatConfirmed, caller, "fiat deposited", now); err != nil {
		return nil, err
	}
	opens := now.Add(p.DisputeDelay)
	t.FiatConfirmedAt = &now
	t.DisputeWindowOpensAt = &opens
	if err := s.commit(ctx, t, newEvent(t, EventFiatConfirmed, caller, base.State, now)); err != nil {
		return nil, err
	}
	return t, nil
}

// ReleaseEscrow pays the buyer the amount minus protocol fees. The seller may
// release at any time after fiat confirmation; the buyer may once the
// configured auto-release delay has passed.
func (s *Service) ReleaseEscrow(ctx context.Context, id, caller string) (t *Trade, err error) {
	caller = normalize(caller)
	ctx, end := s.begin(ctx, OpReleaseEscrow, id, caller)
	defer end(&err)

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	base, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !base.IsParty(caller) {
		return nil, ErrUnauthorized
	}
	if base.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	if base.State != StateFiatConfirmed {
		return nil, ErrInvalidState
	}
	if caller == base.Buyer {
		if p.AutoReleaseAfter <= 0 || now.Before(base.FiatConfirmedAt.Add(p.AutoReleaseAfter)) {
			return nil, ErrUnauthorized
		}
	}

	split, err := fees.Split(base.Amount, p.Fees, fees.Options{Protocol: true})
	if err != nil {
		return nil, err
	}

	t = base.Clone()
	transfers, err := t.Escrow.plan(
		payout{To: t.Buyer, Amount: split.Remainder, Memo: "release"},
		payout{To: p.Collectors.Burn, Amount: split.Burn, Memo: "burn fee"},
		payout{To: p.Collectors.Chain, Amount: split.Chain, Memo: "chain fee"},
		payout{To: p.Collectors.Treasury, Amount: split.Treasury, Memo: "treasury fee"},
	)
	if err != nil {
		return nil, err
	}
	t.Escrow.drain()
	reason := "released by seller"
	if caller == t.Buyer {
		reason = "auto-release claimed by buyer"
	}
	if err := transition(t, StateEscrowReleased, caller, reason, now); err != nil {
		return nil, err
	}

	ev := newEvent(t, EventReleased, caller, base.State, now)
	ev.Data = breakdownData(split)
	if err := s.settle(ctx, base, t, "release:"+t.ID, transfers, ev); err != nil {
		return nil, err
	}
	s.adjustActive(ctx, -1, t.Taker, t.Maker)
	s.recordOutcome(ctx, t, t.Buyer, OutcomeCompleted)
	s.recordOutcome(ctx, t, t.Seller, OutcomeCompleted)
	logging.L(ctx).Info("escrow released", "trade", t.ID, "buyer", t.Buyer, "payout", split.Remainder)
	return t, nil
}

func breakdownData(b fees.Breakdown) map[string]string {
	return map[string]string{
		"principal":   fmt.Sprint(b.Principal),
		"burn":        fmt.Sprint(b.Burn),
		"chain":       fmt.Sprint(b.Chain),
		"treasury":    fmt.Sprint(b.Treasury),
		"arbitration": fmt.Sprint(b.Arbitration),
		"remainder":   fmt.Sprint(b.Remainder),
	}
}

// CancelRequest closes a trade before funding. Either party may cancel at any
// time; anyone may expire it once its deadline passed.
func (s *Service) CancelRequest(ctx context.Context, id, caller string) (t *Trade, err error) {
	caller = normalize(caller)
	ctx, end := s.begin(ctx, OpCancelRequest, id, caller)
	defer end(&err)

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	base, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if base.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	if base.State != StateRequestCreated && base.State != StateRequestAccepted {
		return nil, ErrInvalidState
	}

	to, kind, reason := StateRequestExpired, EventExpired, "deadline passed"
	if !base.Expired(now) {
		if !base.IsParty(caller) {
			return nil, ErrNotExpired
		}
		to, kind, reason = StateRequestCancelled, EventCancelled, "cancelled by party"
		if base, err = s.reload(ctx, base); err != nil {
			return nil, err
		}
	}

	t = base.Clone()
	if err := transition(t, to, caller, reason, now); err != nil {
		return nil, err
	}
	refund := func() {}
	if to == StateRequestCancelled {
		if refund, err = s.checkQuota(ctx, caller, ratelimit.ActionCancelRequest, p, now); err != nil {
			return nil, err
		}
	}
	if err := s.commit(ctx, t, newEvent(t, kind, caller, base.State, now)); err != nil {
		refund()
		return nil, err
	}
	s.adjustActive(ctx, -1, activeParties(t, base.State)...)
	if to == StateRequestCancelled {
		s.recordOutcome(ctx, t, caller, OutcomeCancelled)
	}
	return t, nil
}

// RefundExpired returns the escrow to the seller once a funded trade passed
// its deadline without a fiat confirmation. Anyone may call it.
func (s *Service) RefundExpired(ctx context.Context, id, caller string) (t *Trade, err error) {
	caller = normalize(caller)
	ctx, end := s.begin(ctx, OpRefundExpired, id, caller)
	defer end(&err)

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	base, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if base.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	if base.State != StateEscrowFunded {
		return nil, ErrInvalidState
	}
	if !base.Expired(now) {
		return nil, ErrNotExpired
	}

	t = base.Clone()
	transfers, err := t.Escrow.plan(payout{To: t.Seller, Amount: t.Escrow.Balance(), Memo: "refund"})
	if err != nil {
		return nil, err
	}
	t.Escrow.drain()
	if err := transition(t, StateEscrowRefunded, caller, "funded trade expired", now); err != nil {
		return nil, err
	}
	if err := s.settle(ctx, base, t, "refund:"+t.ID, transfers, newEvent(t, EventRefunded, caller, base.State, now)); err != nil {
		return nil, err
	}
	s.adjustActive(ctx, -1, t.Taker, t.Maker)
	s.recordOutcome(ctx, t, t.Seller, OutcomeRefunded)
	logging.L(ctx).Info("escrow refunded", "trade", t.ID, "seller", t.Seller, "amount", t.Amount)
	return t, nil
}

// Get returns a trade by ID.
func (s *Service) Get(ctx context.Context, id string) (*Trade, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns trades where addr is buyer or seller, newest first.
func (s *Service) ListByParty(ctx context.Context, addr string, limit int, opts ...ListOption) ([]*Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, normalize(addr), limit, opts...)
}

// Purge removes a terminal trade once the grace period after closing passed.
func (s *Service) Purge(ctx context.Context, id string) (err error) {
	ctx, end := s.begin(ctx, OpPurge, id, "")
	defer end(&err)

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !t.IsTerminal() || t.ClosedAt == nil {
		return ErrInvalidState
	}
	if s.now().Before(t.ClosedAt.Add(p.GracePeriod)) {
		return ErrNotExpired
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.events.Publish(ctx, newEvent(t, EventPurged, "", t.State, s.now()))
	return nil
}
