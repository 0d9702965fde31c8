package trade

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeescrow/internal/arbitration"
	"github.com/mbd888/tradeescrow/internal/ratelimit"
)

func (f *fixture) assigned(t *testing.T) *Trade {
	t.Helper()
	tr := f.disputed(t)
	tr, err := f.svc.ConsumeRandomness(context.Background(), f.lastRequest(t).ID, uint256.NewInt(4242))
	require.NoError(t, err)
	require.Equal(t, arbOne, tr.Arbitrator)
	return tr
}

func TestInitiateDispute(t *testing.T) {
	f := newFixture(t)
	tr := f.disputed(t)

	assert.Equal(t, StateEscrowDisputed, tr.State)
	require.NotNil(t, tr.Dispute)
	assert.Equal(t, taker, tr.Dispute.Initiator)
	assert.Equal(t, "buyer@example.com", tr.Dispute.BuyerContact)
	assert.Equal(t, "tg:@maker", tr.Dispute.SellerContact)
	assert.Equal(t, 1, tr.Dispute.RandomnessAttempts)
	assert.Equal(t, f.lastRequest(t).ID, tr.Dispute.RandomnessRequestID)
	assert.Empty(t, tr.Arbitrator)
	assert.Equal(t, uint64(1000), tr.Escrow.Balance())
}

func TestInitiateDispute_QuotaRefundedWhenUpdateFails(t *testing.T) {
	f := newFixture(t)
	store := &flakyStore{MemoryStore: f.store}
	f.svc.store = store
	var limits ratelimit.Limits
	limits[ratelimit.ActionInitiateDispute] = 1
	f.params.set(func(p *Params) { p.Quotas = limits })
	f.svc.quotas = ratelimit.NewQuota(ratelimit.NewMemoryQuotaStore())
	ctx := context.Background()
	tr := f.confirmed(t)
	f.clk.Advance(31 * time.Minute)

	store.failures.Store(1)
	_, err := f.svc.InitiateDispute(ctx, tr.ID, taker, DisputeRequest{})
	require.Error(t, err)

	tr, err = f.svc.InitiateDispute(ctx, tr.ID, taker, DisputeRequest{})
	require.NoError(t, err)
	assert.Equal(t, StateEscrowDisputed, tr.State)
}

func TestInitiateDispute_Window(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.confirmed(t)

	_, err := f.svc.InitiateDispute(ctx, tr.ID, taker, DisputeRequest{})
	assert.ErrorIs(t, err, ErrDisputeWindowNotOpen)

	_, err = f.svc.InitiateDispute(ctx, tr.ID, stranger, DisputeRequest{})
	assert.ErrorIs(t, err, ErrUnauthorized)

	f.clk.Advance(25 * time.Hour)
	_, err = f.svc.InitiateDispute(ctx, tr.ID, maker, DisputeRequest{})
	assert.ErrorIs(t, err, ErrDisputeWindowClosed)
}

func TestInitiateDispute_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.funded(t)

	_, err := f.svc.InitiateDispute(ctx, tr.ID, taker, DisputeRequest{})
	assert.ErrorIs(t, err, ErrInvalidState, "fiat not confirmed yet")

	tr, err = f.svc.MarkFiatDeposited(ctx, tr.ID, taker)
	require.NoError(t, err)
	f.clk.Advance(time.Hour)

	f.params.set(func(p *Params) { p.PausedOps = map[string]bool{OpInitiateDispute: true} })
	_, err = f.svc.InitiateDispute(ctx, tr.ID, taker, DisputeRequest{})
	assert.ErrorIs(t, err, ErrTradingPaused)

	f.params.set(func(p *Params) { p.PausedOps = nil })
	_, err = f.svc.InitiateDispute(ctx, tr.ID, maker, DisputeRequest{})
	require.NoError(t, err)
	_, err = f.svc.InitiateDispute(ctx, tr.ID, taker, DisputeRequest{})
	assert.ErrorIs(t, err, ErrDisputeExists)
}

func TestInitiateDispute_OracleFailureStillOpensDispute(t *testing.T) {
	f := newFixture(t)
	f.oracle.fail(errors.New("vrf coordinator down"))
	tr := f.confirmed(t)
	f.clk.Advance(time.Hour)

	tr, err := f.svc.InitiateDispute(context.Background(), tr.ID, taker, DisputeRequest{})
	require.NoError(t, err)
	assert.Equal(t, StateEscrowDisputed, tr.State)

	rr, err := f.arb.GetRequest(context.Background(), tr.Dispute.RandomnessRequestID)
	require.NoError(t, err)
	assert.Equal(t, arbitration.RandomnessFailed, rr.Status)
}

func TestConsumeRandomness_AssignsArbitrator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// A party in the pool is never picked for its own trade.
	_, err := f.arb.Register(ctx, arbitration.RegisterRequest{Address: maker, Currency: "USD", Reputation: 10_000, MaxCases: 50})
	require.NoError(t, err)

	tr := f.assigned(t)
	assert.Equal(t, arbOne, tr.Dispute.Arbitrator)
	require.NotNil(t, tr.Dispute.AssignedAt)
	assert.Contains(t, f.events.kinds(), EventArbitratorAssigned)

	a, err := f.arb.Get(ctx, "USD", arbOne)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), a.CaseLoad)

	_, err = f.svc.ConsumeRandomness(ctx, tr.Dispute.RandomnessRequestID, uint256.NewInt(1))
	assert.Error(t, err)
}

func TestConsumeRandomness_UnknownRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ConsumeRandomness(context.Background(), "rnd_missing", uint256.NewInt(1))
	assert.ErrorIs(t, err, arbitration.ErrRequestNotFound)
}

func TestConsumeRandomness_NoEligibleArbitrator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.arb.Deactivate(ctx, "USD", arbOne)
	require.NoError(t, err)

	tr := f.disputed(t)
	requestID := f.lastRequest(t).ID
	_, err = f.svc.ConsumeRandomness(ctx, requestID, uint256.NewInt(9))
	assert.ErrorIs(t, err, arbitration.ErrNoEligibleArbitrator)

	stored, err := f.svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Arbitrator)

	rr, err := f.arb.GetRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, arbitration.RandomnessPending, rr.Status, "an empty pool leaves the request open")

	// Once the pool has a member the same value can still be delivered.
	arbTwo := "0x" + strings.Repeat("e5", 20)
	_, err = f.arb.Register(ctx, arbitration.RegisterRequest{Address: arbTwo, Currency: "USD", Reputation: 5_000, MaxCases: 5})
	require.NoError(t, err)
	tr, err = f.svc.ConsumeRandomness(ctx, requestID, uint256.NewInt(9))
	require.NoError(t, err)
	assert.Equal(t, arbTwo, tr.Dispute.Arbitrator)

	rr, err = f.arb.GetRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, arbitration.RandomnessConsumed, rr.Status)
}

func TestConsumeRandomness_CommitFailureRestoresRequest(t *testing.T) {
	f := newFixture(t)
	store := &flakyStore{MemoryStore: f.store}
	f.svc.store = store
	ctx := context.Background()
	tr := f.disputed(t)
	requestID := f.lastRequest(t).ID

	store.failures.Store(10)
	_, err := f.svc.ConsumeRandomness(ctx, requestID, uint256.NewInt(3))
	require.Error(t, err)

	rr, err := f.arb.GetRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, arbitration.RandomnessPending, rr.Status)
	assert.Empty(t, rr.Value)
	a, err := f.arb.Get(ctx, "USD", arbOne)
	require.NoError(t, err)
	assert.Zero(t, a.CaseLoad, "case slot released")

	store.failures.Store(0)
	tr, err = f.svc.ConsumeRandomness(ctx, requestID, uint256.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, arbOne, tr.Dispute.Arbitrator)
}

func TestReissueRandomness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.disputed(t)
	first := tr.Dispute.RandomnessRequestID

	_, err := f.svc.ReissueRandomness(ctx, tr.ID, stranger)
	assert.ErrorIs(t, err, ErrRandomnessOutstanding)

	f.clk.Advance(time.Hour)
	tr, err = f.svc.ReissueRandomness(ctx, tr.ID, stranger)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Dispute.RandomnessAttempts)
	assert.NotEqual(t, first, tr.Dispute.RandomnessRequestID)

	_, err = f.svc.ConsumeRandomness(ctx, first, uint256.NewInt(3))
	assert.Error(t, err, "lapsed request cannot be consumed")

	tr, err = f.svc.ConsumeRandomness(ctx, tr.Dispute.RandomnessRequestID, uint256.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, arbOne, tr.Arbitrator)
}

func TestConsumeRandomness_WrongRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.oracle.fail(errors.New("down"))
	tr := f.confirmed(t)
	f.clk.Advance(time.Hour)
	tr, err := f.svc.InitiateDispute(ctx, tr.ID, taker, DisputeRequest{})
	require.NoError(t, err)
	stale := tr.Dispute.RandomnessRequestID

	f.oracle.fail(nil)
	_, err = f.svc.ReissueRandomness(ctx, tr.ID, taker)
	require.NoError(t, err)

	_, err = f.svc.ConsumeRandomness(ctx, stale, uint256.NewInt(3))
	assert.ErrorIs(t, err, ErrWrongRequest)
}

// exhaust opens a dispute whose oracle never answers and burns every
// randomness attempt.
func (f *fixture) exhaust(t *testing.T) *Trade {
	t.Helper()
	ctx := context.Background()
	f.oracle.fail(errors.New("down"))
	tr := f.confirmed(t)
	f.clk.Advance(time.Hour)
	tr, err := f.svc.InitiateDispute(ctx, tr.ID, taker, DisputeRequest{})
	require.NoError(t, err)

	_, err = f.svc.OpenFallback(ctx, tr.ID, taker)
	assert.ErrorIs(t, err, ErrFallbackNotAvailable)

	for range 2 {
		tr, err = f.svc.ReissueRandomness(ctx, tr.ID, taker)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, tr.Dispute.RandomnessAttempts)
	_, err = f.svc.ReissueRandomness(ctx, tr.ID, taker)
	assert.ErrorIs(t, err, ErrUseFallback)
	return tr
}

func TestFallback_CommitRevealAssigns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.exhaust(t)

	tr, err := f.svc.OpenFallback(ctx, tr.ID, maker)
	require.NoError(t, err)
	require.NotNil(t, tr.Dispute.Round)
	assert.True(t, tr.Dispute.Fallback)
	assert.Equal(t, []string{taker, maker}, tr.Dispute.Round.Participants)

	_, err = f.svc.OpenFallback(ctx, tr.ID, maker)
	assert.ErrorIs(t, err, ErrInvalidState)

	seedB, saltB := common.HexToHash("0x01"), common.HexToHash("0x02")
	seedS, saltS := common.HexToHash("0x03"), common.HexToHash("0x04")

	_, err = f.svc.CommitSeed(ctx, tr.ID, stranger, arbitration.Commitment(stranger, seedB, saltB))
	assert.ErrorIs(t, err, arbitration.ErrNotParticipant)

	_, err = f.svc.CommitSeed(ctx, tr.ID, taker, arbitration.Commitment(taker, seedB, saltB))
	require.NoError(t, err)
	_, err = f.svc.RevealSeed(ctx, tr.ID, taker, seedB, saltB)
	assert.ErrorIs(t, err, arbitration.ErrWrongPhase, "reveals wait for every commitment")

	_, err = f.svc.CommitSeed(ctx, tr.ID, maker, arbitration.Commitment(maker, seedS, saltS))
	require.NoError(t, err)

	_, err = f.svc.RevealSeed(ctx, tr.ID, maker, seedB, saltS)
	assert.ErrorIs(t, err, arbitration.ErrCommitmentMismatch)

	tr, err = f.svc.RevealSeed(ctx, tr.ID, taker, seedB, saltB)
	require.NoError(t, err)
	assert.Empty(t, tr.Arbitrator)

	tr, err = f.svc.RevealSeed(ctx, tr.ID, maker, seedS, saltS)
	require.NoError(t, err)
	assert.Equal(t, arbOne, tr.Arbitrator)
	require.NotNil(t, tr.Dispute.Round.Seed)

	_, err = f.svc.SettleDispute(ctx, tr.ID, arbOne, taker)
	require.NoError(t, err)
}

func TestFallback_QuorumMissedResetsAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.exhaust(t)

	tr, err := f.svc.OpenFallback(ctx, tr.ID, taker)
	require.NoError(t, err)

	seed, salt := common.HexToHash("0xaa"), common.HexToHash("0xbb")
	_, err = f.svc.CommitSeed(ctx, tr.ID, taker, arbitration.Commitment(taker, seed, salt))
	require.NoError(t, err)

	f.clk.Advance(time.Hour)
	_, err = f.svc.RevealSeed(ctx, tr.ID, taker, seed, salt)
	require.NoError(t, err)

	_, err = f.svc.FinalizeRound(ctx, tr.ID, stranger)
	assert.ErrorIs(t, err, arbitration.ErrRoundStillCollecting)

	f.clk.Advance(time.Hour)
	tr, err = f.svc.FinalizeRound(ctx, tr.ID, stranger)
	require.NoError(t, err)
	assert.True(t, tr.Dispute.Round.Failed)
	assert.Empty(t, tr.Arbitrator)
	assert.Contains(t, f.events.kinds(), EventRoundFailed)

	f.oracle.fail(nil)
	tr, err = f.svc.ReissueRandomness(ctx, tr.ID, taker)
	require.NoError(t, err)
	assert.Nil(t, tr.Dispute.Round)
	assert.False(t, tr.Dispute.Fallback)
	assert.Equal(t, 1, tr.Dispute.RandomnessAttempts)

	tr, err = f.svc.ConsumeRandomness(ctx, tr.Dispute.RandomnessRequestID, uint256.NewInt(77))
	require.NoError(t, err)
	assert.Equal(t, arbOne, tr.Arbitrator)
}

func TestSettleDispute_ForTaker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.assigned(t)

	tr, err := f.svc.SettleDispute(ctx, tr.ID, arbOne, taker)
	require.NoError(t, err)

	assert.Equal(t, StateSettledForTaker, tr.State)
	assert.Equal(t, taker, tr.Dispute.Winner)
	require.NotNil(t, tr.Dispute.ResolvedAt)
	assert.Zero(t, tr.Escrow.Balance())
	assert.Equal(t, uint64(10_990), f.ledger.balance(taker))
	assert.Equal(t, uint64(10), f.ledger.balance(arbOne))
	assert.Zero(t, f.ledger.balance("burn"))
	assert.Zero(t, f.ledger.balance(VaultAccount(tr.ID)))

	a, err := f.arb.Get(ctx, "USD", arbOne)
	require.NoError(t, err)
	assert.Zero(t, a.CaseLoad)
	assert.Equal(t, uint64(1), a.ResolvedCases)

	assert.Equal(t, []Outcome{OutcomeDisputeWon}, f.profiles.outcomes[taker])
	assert.Equal(t, []Outcome{OutcomeDisputeLost}, f.profiles.outcomes[maker])
	assert.Zero(t, f.profiles.activeOf(taker))
	assert.Zero(t, f.profiles.activeOf(maker))
}

func TestSettleDispute_ForMakerChargesProtocolFees(t *testing.T) {
	f := newFixture(t)
	tr := f.assigned(t)

	tr, err := f.svc.SettleDispute(context.Background(), tr.ID, arbOne, maker)
	require.NoError(t, err)

	assert.Equal(t, StateSettledForMaker, tr.State)
	assert.Equal(t, uint64(9_000+984), f.ledger.balance(maker))
	assert.Equal(t, uint64(10), f.ledger.balance(arbOne))
	assert.Equal(t, uint64(1), f.ledger.balance("burn"))
	assert.Equal(t, uint64(2), f.ledger.balance("chain"))
	assert.Equal(t, uint64(3), f.ledger.balance("treasury"))
}

func TestSettleDispute_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.disputed(t)

	_, err := f.svc.SettleDispute(ctx, tr.ID, arbOne, taker)
	assert.ErrorIs(t, err, ErrArbitratorPending)

	tr, err = f.svc.ConsumeRandomness(ctx, f.lastRequest(t).ID, uint256.NewInt(5))
	require.NoError(t, err)

	_, err = f.svc.SettleDispute(ctx, tr.ID, stranger, taker)
	assert.ErrorIs(t, err, ErrNotArbitrator)
	_, err = f.svc.SettleDispute(ctx, tr.ID, taker, taker)
	assert.ErrorIs(t, err, ErrNotArbitrator)
	_, err = f.svc.SettleDispute(ctx, tr.ID, arbOne, stranger)
	assert.ErrorIs(t, err, ErrInvalidWinner)
	_, err = f.svc.SettleDispute(ctx, tr.ID, arbOne, arbOne)
	assert.ErrorIs(t, err, ErrInvalidWinner)

	f.offers.update(sellOffer, func(o *Offer) { o.Owner = stranger })
	_, err = f.svc.SettleDispute(ctx, tr.ID, arbOne, taker)
	assert.ErrorIs(t, err, ErrInvariantViolation)

	stored, err := f.svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StateEscrowDisputed, stored.State)
	assert.Equal(t, uint64(1000), f.ledger.balance(VaultAccount(tr.ID)))
}

func TestSettleDispute_MissingOfferTolerated(t *testing.T) {
	f := newFixture(t)
	tr := f.assigned(t)
	f.offers.mu.Lock()
	delete(f.offers.offers, sellOffer)
	f.offers.mu.Unlock()

	_, err := f.svc.SettleDispute(context.Background(), tr.ID, arbOne, taker)
	assert.NoError(t, err)
}

func TestSettleDispute_IgnoresPause(t *testing.T) {
	f := newFixture(t)
	tr := f.assigned(t)
	f.params.set(func(p *Params) { p.Paused = true })

	_, err := f.svc.SettleDispute(context.Background(), tr.ID, arbOne, maker)
	assert.NoError(t, err)
}
