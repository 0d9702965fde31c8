package arbitration

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandlerRouter(t *testing.T) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, _, _ := newTestService(t, Settings{MaxPoolSize: 1})
	h := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))
	return r, svc
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_RegisterListDeactivate(t *testing.T) {
	r, _ := setupHandlerRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/admin/arbitrators", RegisterRequest{Address: alice, Currency: "USD", Reputation: 50, MaxCases: 2})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(r, http.MethodPost, "/v1/admin/arbitrators", RegisterRequest{Address: bob, Currency: "USD", MaxCases: 2})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/arbitrators/USD", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Arbitrators []Arbitrator `json:"arbitrators"`
		Count       int          `json:"count"`
		Eligible    int          `json:"eligible"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, 1, list.Eligible)

	w = doJSON(r, http.MethodPost, "/v1/admin/arbitrators/USD/"+alice+"/deactivate", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/arbitrators/USD/"+alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var one struct {
		Arbitrator Arbitrator `json:"arbitrator"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &one))
	assert.False(t, one.Arbitrator.Active)
}

func TestHandler_Errors(t *testing.T) {
	r, _ := setupHandlerRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/admin/arbitrators", map[string]any{"address": alice})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/admin/arbitrators", RegisterRequest{Address: "nope", Currency: "USD", MaxCases: 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/arbitrators/USD/"+bob, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
