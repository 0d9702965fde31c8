package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mbd888/tradeescrow/internal/arbitration"
	"github.com/mbd888/tradeescrow/internal/fees"
	"github.com/mbd888/tradeescrow/internal/logging"
	"github.com/mbd888/tradeescrow/internal/ratelimit"
)

// InitiateDispute freezes a fiat-confirmed trade and asks the oracle for the
// randomness that selects its arbitrator.
func (s *Service) InitiateDispute(ctx context.Context, id, caller string, req DisputeRequest) (t *Trade, err error) {
	caller = normalize(caller)
	ctx, end := s.begin(ctx, OpInitiateDispute, id, caller)
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
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := disputable(cur, caller, p, now); err != nil {
		return nil, err
	}
	if p.OpPaused(OpInitiateDispute) {
		return nil, ErrTradingPaused
	}
	if p.MaxContactLength > 0 && (len(req.BuyerContact) > p.MaxContactLength || len(req.SellerContact) > p.MaxContactLength) {
		return nil, ErrContactTooLong
	}
	// Counted ahead of the oracle request; every later failure refunds it.
	refund, err := s.checkQuota(ctx, caller, ratelimit.ActionInitiateDispute, p, now)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			refund()
		}
	}()

	rr, rerr := s.arbitration.RequestRandomness(ctx, cur.ID, cur.Currency)
	if rr == nil {
		return nil, rerr
	}

	base, err := s.reload(ctx, cur)
	if err != nil {
		return nil, err
	}
	t = base.Clone()
	d := &Dispute{
		Initiator:           caller,
		BuyerContact:        firstNonEmpty(req.BuyerContact, t.BuyerContact),
		SellerContact:       firstNonEmpty(req.SellerContact, t.SellerContact),
		RandomnessRequestID: rr.ID,
		RandomnessAttempts:  1,
		OpenedAt:            now,
	}
	t.Dispute = d
	if err := transition(t, StateEscrowDisputed, caller, "dispute opened", now); err != nil {
		return nil, err
	}
	ev := newEvent(t, EventDisputeOpened, caller, base.State, now)
	ev.Data = map[string]string{"randomnessRequest": rr.ID, "randomnessStatus": string(rr.Status)}
	if err := s.commit(ctx, t, ev); err != nil {
		return nil, err
	}
	if rerr != nil {
		s.logger.Warn("dispute opened without randomness", "trade", t.ID, "request", rr.ID, "error", rerr)
	}
	logging.L(ctx).Info("dispute opened", "trade", t.ID, "initiator", caller, "request", rr.ID)
	return t, nil
}

func disputable(t *Trade, caller string, p Params, now time.Time) error {
	if !t.IsParty(caller) {
		return ErrUnauthorized
	}
	if t.IsTerminal() {
		return ErrAlreadyTerminal
	}
	if t.State == StateEscrowDisputed {
		return ErrDisputeExists
	}
	if t.State != StateFiatConfirmed {
		return ErrInvalidState
	}
	if t.DisputeWindowOpensAt == nil || now.Before(*t.DisputeWindowOpensAt) {
		return ErrDisputeWindowNotOpen
	}
	if p.DisputeWindow > 0 && !now.Before(t.DisputeWindowOpensAt.Add(p.DisputeWindow)) {
		return ErrDisputeWindowClosed
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// loadDispute returns a disputed trade that still waits for its arbitrator.
func (s *Service) loadDispute(ctx context.Context, id string) (*Trade, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	if t.State != StateEscrowDisputed {
		return nil, ErrInvalidState
	}
	if t.Dispute == nil {
		return nil, violation(t, "disputed without record")
	}
	if t.Arbitrator != "" {
		return nil, fmt.Errorf("%w: arbitrator already assigned", ErrInvalidState)
	}
	return t, nil
}

// requestOpen reports whether the dispute's randomness request can still be
// fulfilled.
func (s *Service) requestOpen(ctx context.Context, d *Dispute, now time.Time) (bool, error) {
	if d.RandomnessRequestID == "" {
		return false, nil
	}
	rr, err := s.arbitration.GetRequest(ctx, d.RandomnessRequestID)
	if errors.Is(err, arbitration.ErrRequestNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rr.Status == arbitration.RandomnessPending && !rr.Lapsed(now), nil
}

// ConsumeRandomness is the oracle callback. The value selects the
// arbitrator of the trade the request was issued for.
func (s *Service) ConsumeRandomness(ctx context.Context, requestID string, value *uint256.Int) (t *Trade, err error) {
	rr, err := s.arbitration.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	ctx, end := s.begin(ctx, OpConsumeRandom, rr.TradeID, "oracle")
	defer end(&err)

	unlock, err := s.lock(ctx, rr.TradeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	base, err := s.loadDispute(ctx, rr.TradeID)
	if err != nil {
		return nil, err
	}
	if base.Dispute.Round != nil {
		return nil, fmt.Errorf("%w: fallback round in progress", ErrInvalidState)
	}
	if base.Dispute.RandomnessRequestID != requestID {
		return nil, ErrWrongRequest
	}
	if value == nil {
		return nil, arbitration.ErrInvalidRandomness
	}

	// An empty pool must not burn the request.
	arb, err := s.arbitration.Select(ctx, base.Currency, value, base.Buyer, base.Seller)
	if err != nil {
		return nil, err
	}
	if _, err := s.arbitration.ConsumeRandomness(ctx, requestID, value); err != nil {
		return nil, err
	}
	t, err = s.assignTo(ctx, base, base.Clone(), arb, "oracle")
	if err != nil {
		if rerr := s.arbitration.RestoreRandomness(context.WithoutCancel(ctx), requestID); rerr != nil {
			s.logger.Error("failed to restore randomness request", "trade", base.ID, "request", requestID, "error", rerr)
		}
		return nil, err
	}
	return t, nil
}

// assign selects an arbitrator with random, reserves a case slot and commits
// the assignment on staged.
func (s *Service) assign(ctx context.Context, base, staged *Trade, random *uint256.Int, actor string) (*Trade, error) {
	arb, err := s.arbitration.Select(ctx, base.Currency, random, base.Buyer, base.Seller)
	if err != nil {
		return nil, err
	}
	return s.assignTo(ctx, base, staged, arb, actor)
}

// assignTo reserves a case slot on arb and commits the assignment on staged.
func (s *Service) assignTo(ctx context.Context, base, staged *Trade, arb *arbitration.Arbitrator, actor string) (*Trade, error) {
	if err := s.arbitration.AssignCase(ctx, base.Currency, arb.Address); err != nil {
		return nil, err
	}
	release := func() {
		if cerr := s.arbitration.CompleteCase(context.WithoutCancel(ctx), base.Currency, arb.Address, false); cerr != nil {
			s.logger.Error("failed to release arbitrator case slot", "trade", base.ID, "arbitrator", arb.Address, "error", cerr)
		}
	}

	if _, err := s.reload(ctx, base); err != nil {
		release()
		return nil, err
	}
	now := s.now()
	staged.Arbitrator = arb.Address
	staged.Dispute.Arbitrator = arb.Address
	staged.Dispute.AssignedAt = &now
	staged.UpdatedAt = now

	ev := newEvent(staged, EventArbitratorAssigned, actor, base.State, now)
	ev.Data = map[string]string{"arbitrator": arb.Address, "fallback": fmt.Sprint(staged.Dispute.Fallback)}
	if err := s.commit(ctx, staged, ev); err != nil {
		release()
		return nil, err
	}
	logging.L(ctx).Info("arbitrator assigned", "trade", staged.ID, "arbitrator", arb.Address, "fallback", staged.Dispute.Fallback)
	return staged, nil
}

// ReissueRandomness replaces a lapsed or failed randomness request. After a
// failed fallback round the attempt counter starts over.
func (s *Service) ReissueRandomness(ctx context.Context, id, caller string) (t *Trade, err error) {
	caller = normalize(caller)
	ctx, end := s.begin(ctx, OpReissueRandom, id, caller)
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
	cur, err := s.loadDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	reset := false
	if r := cur.Dispute.Round; r != nil {
		if !r.Failed {
			return nil, fmt.Errorf("%w: fallback round in progress", ErrInvalidState)
		}
		reset = true
	}
	open, err := s.requestOpen(ctx, cur.Dispute, now)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, ErrRandomnessOutstanding
	}
	if !reset && cur.Dispute.RandomnessAttempts >= p.MaxRandomnessAttempts {
		return nil, ErrUseFallback
	}

	rr, rerr := s.arbitration.RequestRandomness(ctx, cur.ID, cur.Currency)
	if rr == nil {
		return nil, rerr
	}
	base, err := s.reload(ctx, cur)
	if err != nil {
		return nil, err
	}
	t = base.Clone()
	if reset {
		t.Dispute.Round = nil
		t.Dispute.Fallback = false
		t.Dispute.RandomnessAttempts = 0
	}
	t.Dispute.RandomnessRequestID = rr.ID
	t.Dispute.RandomnessAttempts++
	t.UpdatedAt = now

	ev := newEvent(t, EventRandomnessRequested, caller, base.State, now)
	ev.Data = map[string]string{
		"randomnessRequest": rr.ID,
		"randomnessStatus":  string(rr.Status),
		"attempt":           fmt.Sprint(t.Dispute.RandomnessAttempts),
	}
	if err := s.commit(ctx, t, ev); err != nil {
		return nil, err
	}
	if rerr != nil {
		s.logger.Warn("randomness reissue rejected by oracle", "trade", t.ID, "request", rr.ID, "error", rerr)
	}
	return t, nil
}

// OpenFallback starts a commit-reveal round between buyer and seller once
// the oracle failed too many times.
func (s *Service) OpenFallback(ctx context.Context, id, caller string) (t *Trade, err error) {
	caller = normalize(caller)
	ctx, end := s.begin(ctx, OpOpenFallback, id, caller)
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
	cur, err := s.loadDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if cur.Dispute.Round != nil {
		return nil, fmt.Errorf("%w: round already opened", ErrInvalidState)
	}
	if cur.Dispute.RandomnessAttempts < p.MaxRandomnessAttempts {
		return nil, ErrFallbackNotAvailable
	}
	open, err := s.requestOpen(ctx, cur.Dispute, now)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, ErrRandomnessOutstanding
	}

	round, err := arbitration.NewRound([]string{cur.Buyer, cur.Seller}, p.RevealQuorum, now, p.CommitWindow, p.RevealWindow)
	if err != nil {
		return nil, err
	}
	base, err := s.reload(ctx, cur)
	if err != nil {
		return nil, err
	}
	t = base.Clone()
	t.Dispute.Fallback = true
	t.Dispute.Round = round
	t.UpdatedAt = now

	ev := newEvent(t, EventFallbackOpened, caller, base.State, now)
	ev.Data = map[string]string{
		"commitDeadline": round.CommitDeadline.Format(time.RFC3339),
		"revealDeadline": round.RevealDeadline.Format(time.RFC3339),
	}
	if err := s.commit(ctx, t, ev); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) loadRound(ctx context.Context, id string) (*Trade, error) {
	t, err := s.loadDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Dispute.Round == nil {
		return nil, fmt.Errorf("%w: no fallback round", ErrInvalidState)
	}
	return t, nil
}

// CommitSeed records a party's commitment in the fallback round.
func (s *Service) CommitSeed(ctx context.Context, id, caller string, commitment common.Hash) (t *Trade, err error) {
	caller = normalize(caller)
	ctx, end := s.begin(ctx, OpCommitSeed, id, caller)
	defer end(&err)

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	base, err := s.loadRound(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	t = base.Clone()
	if err := t.Dispute.Round.Commit(caller, commitment, now); err != nil {
		return nil, err
	}
	t.UpdatedAt = now
	if err := s.commit(ctx, t, newEvent(t, EventSeedCommitted, caller, base.State, now)); err != nil {
		return nil, err
	}
	return t, nil
}

// RevealSeed opens a party's commitment. When the last reveal arrives the
// round is finalized and the arbitrator assigned in the same call.
func (s *Service) RevealSeed(ctx context.Context, id, caller string, seed, salt common.Hash) (t *Trade, err error) {
	caller = normalize(caller)
	ctx, end := s.begin(ctx, OpRevealSeed, id, caller)
	defer end(&err)

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	base, err := s.loadRound(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	t = base.Clone()
	if err := t.Dispute.Round.Reveal(caller, seed, salt, now); err != nil {
		return nil, err
	}
	t.UpdatedAt = now
	if err := s.commit(ctx, t, newEvent(t, EventSeedRevealed, caller, base.State, now)); err != nil {
		return nil, err
	}
	if !t.Dispute.Round.Ready(now) {
		return t, nil
	}

	done, ferr := s.finalize(ctx, t, caller, now)
	if ferr != nil {
		s.logger.Warn("fallback round ready but not finalized", "trade", t.ID, "error", ferr)
		return t, nil
	}
	return done, nil
}

// FinalizeRound derives the fallback seed once every party revealed or the
// reveal deadline passed. Anyone may call it. A round that misses its quorum
// is stored as failed and a fresh randomness request may be issued.
func (s *Service) FinalizeRound(ctx context.Context, id, caller string) (t *Trade, err error) {
	caller = normalize(caller)
	ctx, end := s.begin(ctx, OpFinalizeRound, id, caller)
	defer end(&err)

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	base, err := s.loadRound(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.finalize(ctx, base, caller, s.now())
}

func (s *Service) finalize(ctx context.Context, base *Trade, caller string, now time.Time) (*Trade, error) {
	staged := base.Clone()
	random, err := staged.Dispute.Round.Finalize(now)
	if errors.Is(err, arbitration.ErrQuorumNotMet) {
		staged.UpdatedAt = now
		ev := newEvent(staged, EventRoundFailed, caller, base.State, now)
		ev.Data = map[string]string{"reveals": fmt.Sprint(len(staged.Dispute.Round.Reveals))}
		if cerr := s.commit(ctx, staged, ev); cerr != nil {
			return nil, cerr
		}
		return staged, nil
	}
	if err != nil {
		return nil, err
	}
	return s.assign(ctx, base, staged, random, caller)
}

// SettleDispute pays out a disputed trade in favour of winner. Only the
// assigned arbitrator may call it.
func (s *Service) SettleDispute(ctx context.Context, id, caller, winner string) (t *Trade, err error) {
	caller = normalize(caller)
	winner = normalize(winner)
	ctx, end := s.begin(ctx, OpSettleDispute, id, caller)
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
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	if cur.State != StateEscrowDisputed || cur.Dispute == nil {
		return nil, ErrInvalidState
	}
	if cur.Arbitrator == "" {
		return nil, ErrArbitratorPending
	}
	if caller != cur.Arbitrator {
		return nil, ErrNotArbitrator
	}
	if !cur.IsParty(winner) {
		return nil, ErrInvalidWinner
	}

	// The maker snapshot must still match the offer it was taken from.
	offer, err := s.offers.GetOffer(ctx, cur.OfferID)
	switch {
	case errors.Is(err, ErrOfferNotFound):
	case err != nil:
		return nil, err
	case normalize(offer.Owner) != cur.Maker:
		return nil, violation(cur, "offer owner %q differs from maker %q", offer.Owner, cur.Maker)
	}

	forMaker := winner == cur.Maker
	split, err := fees.Split(cur.Amount, p.Fees, fees.Options{Protocol: forMaker, Arbitration: true})
	if err != nil {
		return nil, err
	}

	now := s.now()
	t = cur.Clone()
	transfers, err := t.Escrow.plan(
		payout{To: winner, Amount: split.Remainder, Memo: "settlement"},
		payout{To: t.Arbitrator, Amount: split.Arbitration, Memo: "arbitration fee"},
		payout{To: p.Collectors.Burn, Amount: split.Burn, Memo: "burn fee"},
		payout{To: p.Collectors.Chain, Amount: split.Chain, Memo: "chain fee"},
		payout{To: p.Collectors.Treasury, Amount: split.Treasury, Memo: "treasury fee"},
	)
	if err != nil {
		return nil, err
	}
	t.Escrow.drain()
	t.Dispute.Winner = winner
	t.Dispute.ResolvedAt = &now
	to := StateSettledForTaker
	if forMaker {
		to = StateSettledForMaker
	}
	if err := transition(t, to, caller, "settled for "+winner, now); err != nil {
		return nil, err
	}

	ev := newEvent(t, EventSettled, caller, cur.State, now)
	ev.Data = breakdownData(split)
	ev.Data["winner"] = winner
	if err := s.settle(ctx, cur, t, "settle:"+t.ID, transfers, ev); err != nil {
		return nil, err
	}

	if err := s.arbitration.CompleteCase(ctx, t.Currency, t.Arbitrator, true); err != nil {
		s.logger.Warn("failed to complete arbitrator case", "trade", t.ID, "arbitrator", t.Arbitrator, "error", err)
	}
	s.adjustActive(ctx, -1, t.Taker, t.Maker)
	s.recordOutcome(ctx, t, winner, OutcomeDisputeWon)
	s.recordOutcome(ctx, t, t.Counterparty(winner), OutcomeDisputeLost)
	logging.L(ctx).Info("dispute settled", "trade", t.ID, "winner", winner, "arbitrator", t.Arbitrator)
	return t, nil
}
