package extclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeescrow/internal/arbitration"
	"github.com/mbd888/tradeescrow/internal/trade"
)

func TestMemoryOffers(t *testing.T) {
	m := NewMemoryOffers()
	m.Put(trade.Offer{ID: "off_1", Owner: "0xABC", Active: true})

	o, err := m.GetOffer(context.Background(), "off_1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", o.Owner)

	o.Active = false
	again, _ := m.GetOffer(context.Background(), "off_1")
	assert.True(t, again.Active, "callers get copies")

	_, err = m.GetOffer(context.Background(), "off_2")
	assert.ErrorIs(t, err, trade.ErrOfferNotFound)
}

func TestMemoryProfiles(t *testing.T) {
	m := NewMemoryProfiles()
	ctx := context.Background()
	require.NoError(t, m.AdjustActiveTrades(ctx, owner, 2))
	require.NoError(t, m.AdjustActiveTrades(ctx, owner, -5))

	p, err := m.GetProfile(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 0, p.ActiveTrades, "never negative")

	require.NoError(t, m.RecordOutcome(ctx, owner, "trd_1", trade.OutcomeDisputeWon))
	assert.Equal(t, []trade.Outcome{trade.OutcomeDisputeWon}, m.Outcomes(owner))
}

func TestStaticPrices(t *testing.T) {
	s := NewStaticPrices()
	s.Set("usd", "usdc", trade.PriceScale)

	q, err := s.Quote(context.Background(), "USD", "USDC")
	require.NoError(t, err)
	assert.Equal(t, uint64(trade.PriceScale), q.Price)
	assert.WithinDuration(t, time.Now(), q.UpdatedAt, time.Second)

	_, err = s.Quote(context.Background(), "EUR", "USDC")
	assert.Error(t, err)
}

func TestLocalOracle_Delivers(t *testing.T) {
	o := NewLocalOracle(0, nil)
	var mu sync.Mutex
	got := map[string]*uint256.Int{}
	o.SetDeliver(func(_ context.Context, id string, v *uint256.Int) error {
		mu.Lock()
		got[id] = v
		mu.Unlock()
		return nil
	})

	for _, id := range []string{"rnd_1", "rnd_2"} {
		require.NoError(t, o.RequestRandomness(context.Background(), &arbitration.RandomnessRequest{ID: id}))
	}
	o.Wait()

	require.Len(t, got, 2)
	assert.False(t, got["rnd_1"].Eq(got["rnd_2"]))
}

func TestLocalOracle_DeliveryErrorsAreLogged(t *testing.T) {
	o := NewLocalOracle(time.Millisecond, nil)
	calls := 0
	o.SetDeliver(func(context.Context, string, *uint256.Int) error {
		calls++
		return errors.New("expired")
	})
	require.NoError(t, o.RequestRandomness(context.Background(), &arbitration.RandomnessRequest{ID: "rnd_1"}))
	o.Wait()
	assert.Equal(t, 1, calls)
}
