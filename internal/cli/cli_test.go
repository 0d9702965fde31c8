package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	Method string
	Path   string
	Query  string
	Secret string
	Body   map[string]any
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []recorded
	status   int
	reply    string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	rec := recorded{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Secret: r.Header.Get("X-Admin-Secret")}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &rec.Body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, rec)
	status, reply := f.status, f.reply
	f.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	if reply == "" {
		reply = `{"ok":true}`
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(reply))
}

func (f *fakeAPI) last(t *testing.T) recorded {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func runCLI(t *testing.T, api *fakeAPI, args ...string) (string, error) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--api", srv.URL, "--admin-secret", "s3cret"}, args...))
	err := root.Execute()
	return out.String(), err
}

const arbAddr = "0x00000000000000000000000000000000000000a1"

func TestArbitratorRegister(t *testing.T) {
	api := &fakeAPI{}
	out, err := runCLI(t, api, "arbitrator", "register", "usd", arbAddr, "--reputation", "80", "--max-cases", "3")
	require.NoError(t, err)
	assert.Contains(t, out, `"ok": true`)

	req := api.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v1/admin/arbitrators", req.Path)
	assert.Equal(t, "s3cret", req.Secret)
	assert.Equal(t, "USD", req.Body["currency"])
	assert.Equal(t, arbAddr, req.Body["address"])
	assert.Equal(t, float64(80), req.Body["reputation"])
	assert.Equal(t, float64(3), req.Body["maxCases"])
}

func TestArbitratorRegister_RejectsBadAddress(t *testing.T) {
	api := &fakeAPI{}
	_, err := runCLI(t, api, "arbitrator", "register", "USD", "bob")
	require.Error(t, err)
	assert.Empty(t, api.requests)
}

func TestArbitratorDeactivateAndList(t *testing.T) {
	api := &fakeAPI{}
	_, err := runCLI(t, api, "arb", "deactivate", "eur", arbAddr)
	require.NoError(t, err)
	assert.Equal(t, "/v1/admin/arbitrators/EUR/"+arbAddr+"/deactivate", api.last(t).Path)

	_, err = runCLI(t, api, "arb", "list", "eur")
	require.NoError(t, err)
	req := api.last(t)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/v1/arbitrators/EUR", req.Path)
}

func TestTradeCommands(t *testing.T) {
	api := &fakeAPI{}

	_, err := runCLI(t, api, "trade", "get", "trd_1")
	require.NoError(t, err)
	assert.Equal(t, "/v1/trades/trd_1", api.last(t).Path)

	_, err = runCLI(t, api, "trade", "history", "trd_1", "--actor", arbAddr)
	require.NoError(t, err)
	req := api.last(t)
	assert.Equal(t, "/v1/trades/trd_1/history", req.Path)
	assert.Equal(t, "actor="+arbAddr, req.Query)

	_, err = runCLI(t, api, "trade", "list", arbAddr, "--limit", "5")
	require.NoError(t, err)
	assert.Equal(t, "limit=5", api.last(t).Query)

	_, err = runCLI(t, api, "trade", "list", arbAddr, "--limit", "5", "--cursor", "MTIz")
	require.NoError(t, err)
	assert.Equal(t, "cursor=MTIz&limit=5", api.last(t).Query)

	_, err = runCLI(t, api, "trade", "events", "trd_1", "--cursor", "NDU2")
	require.NoError(t, err)
	req = api.last(t)
	assert.Equal(t, "/v1/trades/trd_1/events", req.Path)
	assert.Equal(t, "cursor=NDU2&limit=100", req.Query)

	_, err = runCLI(t, api, "trade", "purge", "trd_1")
	require.NoError(t, err)
	req = api.last(t)
	assert.Equal(t, "/v1/admin/trades/trd_1/purge", req.Path)
	assert.Equal(t, "s3cret", req.Secret)
}

func TestPause(t *testing.T) {
	api := &fakeAPI{}

	_, err := runCLI(t, api, "pause")
	require.NoError(t, err)
	assert.Equal(t, true, api.last(t).Body["paused"])

	_, err = runCLI(t, api, "pause", "--ops", "create_trade,fund_escrow")
	require.NoError(t, err)
	req := api.last(t)
	assert.Equal(t, false, req.Body["paused"])
	assert.Equal(t, map[string]any{"create_trade": true, "fund_escrow": true}, req.Body["ops"])

	_, err = runCLI(t, api, "pause", "--resume")
	require.NoError(t, err)
	req = api.last(t)
	assert.Equal(t, false, req.Body["paused"])
	assert.Nil(t, req.Body["ops"])
}

func TestDeposit(t *testing.T) {
	api := &fakeAPI{}

	_, err := runCLI(t, api, "deposit", arbAddr, "abc", "--reference", "dep_1")
	require.Error(t, err)

	_, err = runCLI(t, api, "deposit", arbAddr, "2500", "--reference", "dep_1")
	require.NoError(t, err)
	req := api.last(t)
	assert.Equal(t, "/v1/admin/deposits", req.Path)
	assert.Equal(t, "2500", req.Body["amount"])
	assert.Equal(t, "USDC", req.Body["asset"])
	assert.Equal(t, "dep_1", req.Body["reference"])
}

func TestAPIErrorSurfaces(t *testing.T) {
	api := &fakeAPI{status: http.StatusConflict, reply: `{"error":"invalid_state","message":"trade is still open"}`}

	_, err := runCLI(t, api, "trade", "purge", "trd_open")
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "invalid_state", apiErr.Code)
	assert.Contains(t, err.Error(), "trade is still open")
}

func TestAdminCommandNeedsSecret(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	t.Setenv("ADMIN_SECRET", "")
	root := NewRootCommand()
	root.SetOut(io.Discard)
	root.SetArgs([]string{"--api", srv.URL, "--admin-secret", "", "params"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin-secret")
	assert.Empty(t, api.requests)
}

func TestMigrate_Validation(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := runCLI(t, &fakeAPI{}, "migrate", "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")

	_, err = runCLI(t, &fakeAPI{}, "migrate", "sideways", "--database-url", "postgres://x@127.0.0.1:1/db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown migrate command")
}
