package trade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeeper(f *fixture) *Keeper {
	return NewKeeper(f.svc, f.store, time.Minute, quietLogger())
}

func TestKeeper_ExpiresRequestsAndRefundsFunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	open := f.create(t, sellOffer, taker, 10)
	funded := f.funded(t)
	confirmed := f.confirmed(t)

	f.clk.Advance(3 * time.Hour)
	newTestKeeper(f).RunOnce(ctx)

	got, err := f.svc.Get(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRequestExpired, got.State)
	last, _ := got.History.Last()
	assert.Equal(t, KeeperAddress, last.Actor)

	got, err = f.svc.Get(ctx, funded.ID)
	require.NoError(t, err)
	assert.Equal(t, StateEscrowRefunded, got.State)

	got, err = f.svc.Get(ctx, confirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFiatConfirmed, got.State, "confirmed trades never expire")

	assert.Equal(t, uint64(9_000), f.ledger.balance(maker), "one escrow refunded, one still held")
}

func TestKeeper_ReissuesThenOpensFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.oracle.fail(errors.New("down"))
	tr := f.confirmed(t)
	f.clk.Advance(time.Hour)
	_, err := f.svc.InitiateDispute(ctx, tr.ID, taker, DisputeRequest{})
	require.NoError(t, err)

	k := newTestKeeper(f)
	k.RunOnce(ctx)
	k.RunOnce(ctx)
	got, err := f.svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Dispute.RandomnessAttempts)
	assert.Nil(t, got.Dispute.Round)

	k.RunOnce(ctx)
	got, err = f.svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Dispute.Round)
	assert.True(t, got.Dispute.Fallback)

	// Nobody commits: the keeper fails the round and starts over.
	f.clk.Advance(3 * time.Hour)
	k.RunOnce(ctx)
	got, err = f.svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, got.Dispute.Round.Failed)

	f.oracle.fail(nil)
	k.RunOnce(ctx)
	got, err = f.svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Dispute.Round)
	assert.Equal(t, 1, got.Dispute.RandomnessAttempts)
}

func TestKeeper_LeavesPendingRequestAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.disputed(t)
	before := tr.Dispute.RandomnessRequestID

	newTestKeeper(f).RunOnce(ctx)

	got, err := f.svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, before, got.Dispute.RandomnessRequestID)
	assert.Equal(t, 1, got.Dispute.RandomnessAttempts)
}

func TestKeeper_PurgesAfterGracePeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.create(t, sellOffer, taker, 10)
	_, err := f.svc.CancelRequest(ctx, tr.ID, taker)
	require.NoError(t, err)

	k := newTestKeeper(f)
	k.RunOnce(ctx)
	_, err = f.svc.Get(ctx, tr.ID)
	require.NoError(t, err)

	f.clk.Advance(30 * 24 * time.Hour)
	k.RunOnce(ctx)
	_, err = f.svc.Get(ctx, tr.ID)
	assert.ErrorIs(t, err, ErrTradeNotFound)
}

func TestKeeper_StartStop(t *testing.T) {
	f := newFixture(t)
	k := NewKeeper(f.svc, f.store, 5*time.Millisecond, quietLogger())

	done := make(chan struct{})
	go func() {
		k.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, k.Running, time.Second, time.Millisecond)

	k.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop")
	}
	assert.False(t, k.Running())
}
