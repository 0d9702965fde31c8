package extclient

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeescrow/internal/arbitration"
	"github.com/mbd888/tradeescrow/internal/trade"
)

func TestConfigParams_ReturnsCopies(t *testing.T) {
	p := trade.DefaultParams()
	p.PausedOps = map[string]bool{trade.OpFundEscrow: true}
	c := NewConfigParams(p, arbitration.Settings{MaxPoolSize: 10, RandomnessValidity: time.Hour})
	ctx := context.Background()

	got, err := c.Params(ctx)
	require.NoError(t, err)
	assert.True(t, got.OpPaused(trade.OpFundEscrow))
	got.PausedOps[trade.OpCreateTrade] = true

	again, _ := c.Params(ctx)
	assert.False(t, again.OpPaused(trade.OpCreateTrade))

	s, err := c.ArbitrationSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, s.MaxPoolSize)
}

func TestConfigParams_PauseRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := NewConfigParams(trade.DefaultParams(), arbitration.Settings{})
	r := gin.New()
	c.RegisterAdminRoutes(r.Group("/admin"))

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/admin/pause", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := post(`{"ops":{"create_trade":true}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	p, _ := c.Params(context.Background())
	assert.True(t, p.OpPaused(trade.OpCreateTrade))
	assert.False(t, p.Paused)

	w = post(`{"ops":{"release_escrow":true}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "release is never pausable")

	w = post(`{"paused":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	p, _ = c.Params(context.Background())
	assert.True(t, p.OpPaused(trade.OpAcceptRequest))
	assert.Empty(t, p.PausedOps)

	req := httptest.NewRequest(http.MethodGet, "/admin/params", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"paused":true`)
}
