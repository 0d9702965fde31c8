package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeescrow/internal/ledger"
	"github.com/mbd888/tradeescrow/internal/trade"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func storedTrade(t *testing.T, id string, state trade.State, balance uint64) *trade.Trade {
	t.Helper()
	var escrow trade.EscrowRecord
	raw := `{"tradeId":"` + id + `","asset":"USDC","balance":"` + strconv.FormatUint(balance, 10) + `"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &escrow))

	now := time.Now()
	tr := &trade.Trade{
		ID:      id,
		State:   state,
		Asset:   "USDC",
		Amount:  100,
		Escrow:  escrow,
		History: trade.NewHistory(4),
	}
	if state.IsTerminal() {
		closed := now.Add(-time.Minute)
		tr.ClosedAt = &closed
	}
	return tr
}

type fixture struct {
	trades *trade.MemoryStore
	ledger *ledger.Ledger
	svc    *Service
}

func newFixture() *fixture {
	f := &fixture{
		trades: trade.NewMemoryStore(),
		ledger: ledger.New(ledger.NewMemoryStore(), quiet()),
	}
	f.svc = NewService(f.trades, f.ledger, quiet())
	return f
}

func (f *fixture) add(t *testing.T, id string, state trade.State, recorded, vault uint64) {
	t.Helper()
	require.NoError(t, f.trades.Create(context.Background(), storedTrade(t, id, state, recorded)))
	if vault > 0 {
		require.NoError(t, f.ledger.Deposit(context.Background(), "seed-"+id, trade.VaultAccount(id), "USDC", vault))
	}
}

func TestCheck_AllVaultsMatch(t *testing.T) {
	f := newFixture()
	f.add(t, "trd_funded", trade.StateEscrowFunded, 100, 100)
	f.add(t, "trd_disputed", trade.StateEscrowDisputed, 250, 250)
	f.add(t, "trd_released", trade.StateEscrowReleased, 0, 0)
	f.add(t, "trd_open", trade.StateRequestCreated, 0, 0)

	res, err := f.svc.Check(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Match())
	assert.Equal(t, 3, res.Checked, "open requests hold nothing and are skipped")
	assert.Equal(t, uint64(350), res.Held)
}

func TestCheck_FlagsMismatches(t *testing.T) {
	f := newFixture()
	f.add(t, "trd_short", trade.StateFiatConfirmed, 100, 60)
	f.add(t, "trd_orphan", trade.StateEscrowRefunded, 0, 40)

	res, err := f.svc.Check(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Mismatches, 2)
	byID := map[string]Mismatch{}
	for _, m := range res.Mismatches {
		byID[m.TradeID] = m
	}
	assert.Equal(t, Mismatch{TradeID: "trd_short", State: trade.StateFiatConfirmed, Recorded: 100, Ledger: 60}, byID["trd_short"])
	assert.Equal(t, uint64(40), byID["trd_orphan"].Ledger, "a closed trade must leave an empty vault")
}

type failingLister struct{}

func (failingLister) ListByState(context.Context, trade.State, int) ([]*trade.Trade, error) {
	return nil, errors.New("db down")
}

func (failingLister) ListClosedBefore(context.Context, time.Time, int) ([]*trade.Trade, error) {
	return nil, nil
}

func TestCheck_StoreError(t *testing.T) {
	svc := NewService(failingLister{}, ledger.New(ledger.NewMemoryStore(), quiet()), quiet())
	_, err := svc.Check(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestTimer_RunOnceStoresResult(t *testing.T) {
	f := newFixture()
	f.add(t, "trd_funded", trade.StateEscrowFunded, 100, 100)
	timer := NewTimer(f.svc, time.Minute, quiet())

	assert.Nil(t, timer.Last())
	timer.RunOnce(context.Background())
	require.NotNil(t, timer.Last())
	assert.Equal(t, 1, timer.Last().Checked)
}

func TestTimer_StartStop(t *testing.T) {
	timer := NewTimer(newFixture().svc, 5*time.Millisecond, quiet())
	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, timer.Running, time.Second, time.Millisecond)
	timer.Stop()
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture()
	f.add(t, "trd_short", trade.StateEscrowFunded, 100, 10)
	r := gin.New()
	NewHandler(NewTimer(f.svc, time.Minute, quiet())).RegisterAdminRoutes(r.Group("/v1/admin"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/reconciliation", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Match  bool   `json:"match"`
		Result Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Match)
	require.Len(t, body.Result.Mismatches, 1)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
