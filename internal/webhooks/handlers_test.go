package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeescrow/internal/auth"
	"github.com/mbd888/tradeescrow/internal/security"
)

func newRouter(store Store, validate func(string) error) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/v1", func(c *gin.Context) {
		c.Set(auth.ContextKeyTraderAddr, c.GetHeader("X-Test-Trader"))
		c.Next()
	})
	NewHandler(store, validate).RegisterProtectedRoutes(g)
	return r
}

func call(r http.Handler, method, path, trader string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Trader", trader)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateListDelete(t *testing.T) {
	store := NewMemoryStore()
	r := newRouter(store, allowAll)

	w := call(r, http.MethodPost, "/v1/webhooks", alice, map[string]any{
		"url": "https://hooks.example/trade", "kinds": []string{"escrow.funded", "dispute.settled"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)
	assert.Equal(t, alice, created.Webhook.Trader)
	assert.True(t, created.Webhook.Active)

	w = call(r, http.MethodGet, "/v1/webhooks", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Webhook.ID)
	assert.NotContains(t, w.Body.String(), created.Secret, "secret never listed")

	w = call(r, http.MethodGet, "/v1/webhooks", bob, nil)
	assert.JSONEq(t, `{"webhooks":[]}`, w.Body.String())

	w = call(r, http.MethodDelete, "/v1/webhooks/"+created.Webhook.ID, bob, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = call(r, http.MethodDelete, "/v1/webhooks/"+created.Webhook.ID, alice, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	_, err := store.Get(context.Background(), created.Webhook.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandler_CreateValidation(t *testing.T) {
	r := newRouter(NewMemoryStore(), security.ValidateEndpointURL)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing url", map[string]any{}},
		{"loopback url", map[string]any{"url": "http://127.0.0.1:9000/hook"}},
		{"unknown kind", map[string]any{"url": "https://203.0.113.7/hook", "kinds": []string{"trade.exploded"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := call(r, http.MethodPost, "/v1/webhooks", alice, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestHandler_SubscriptionLimit(t *testing.T) {
	r := newRouter(NewMemoryStore(), allowAll)
	body := map[string]any{"url": "https://hooks.example/trade"}

	for range MaxSubscriptionsPerTrader {
		require.Equal(t, http.StatusCreated, call(r, http.MethodPost, "/v1/webhooks", alice, body).Code)
	}
	w := call(r, http.MethodPost, "/v1/webhooks", alice, body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "limit_exceeded")
}
