//go:build integration

package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeescrow/internal/testutil"
	"github.com/mbd888/tradeescrow/internal/trade"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	subscribe(t, store, "wh_pg", alice, "https://hooks.example/a", trade.EventFunded)

	got, err := store.Get(ctx, "wh_pg")
	require.NoError(t, err)
	assert.Equal(t, []trade.EventKind{trade.EventFunded}, got.Kinds)
	assert.Nil(t, got.LastSuccess)

	now := time.Now().UTC().Truncate(time.Microsecond)
	got.LastSuccess = &now
	got.ConsecutiveFailures = 2
	require.NoError(t, store.Update(ctx, got))

	list, err := store.ListByTrader(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].ConsecutiveFailures)
	assert.True(t, list[0].LastSuccess.Equal(now))

	require.NoError(t, store.Delete(ctx, "wh_pg"))
	_, err = store.Get(ctx, "wh_pg")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "wh_pg"), ErrNotFound)
}
