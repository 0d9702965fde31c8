package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLimiterAllow_BurstRefillAndWait(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_000, 0)}
	l := newLimiter(Config{}, clk.now)
	rate := Rate{PerMinute: 600, Burst: 3}

	for i := range 3 {
		ok, _ := l.Allow("ip", rate)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, wait := l.Allow("ip", rate)
	assert.False(t, ok)
	assert.Equal(t, 100*time.Millisecond, wait, "600/min refills a token every 100ms")

	ok, _ = l.Allow("other-ip", rate)
	assert.True(t, ok, "keys are independent")

	clk.advance(100 * time.Millisecond)
	ok, _ = l.Allow("ip", rate)
	assert.True(t, ok)

	clk.advance(time.Hour)
	for range 3 {
		ok, _ = l.Allow("ip", rate)
		assert.True(t, ok)
	}
	ok, _ = l.Allow("ip", rate)
	assert.False(t, ok, "refill caps at burst")
}

func TestLimiterAllow_ZeroRateIsUnlimited(t *testing.T) {
	l := newLimiter(Config{}, time.Now)
	for range 100 {
		ok, _ := l.Allow("k", Rate{})
		assert.True(t, ok)
	}
}

func TestLimiter_EvictsIdleBuckets(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_000, 0)}
	l := newLimiter(Config{IdleTTL: time.Minute}, clk.now)
	l.Allow("a", Rate{PerMinute: 1, Burst: 1})
	clk.advance(30 * time.Second)
	l.Allow("b", Rate{PerMinute: 1, Burst: 1})

	clk.advance(45 * time.Second)
	l.evictIdle()
	assert.NotContains(t, l.buckets, "a")
	assert.Contains(t, l.buckets, "b")
}

func TestLimiter_StopTwice(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestMiddleware_IPAndTraderBuckets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newLimiter(Config{
		IP:     Rate{PerMinute: 1, Burst: 3},
		Trader: Rate{PerMinute: 1, Burst: 1},
	}, (&fakeClock{t: time.Unix(1_000, 0)}).now)

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(ip, trader string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = ip + ":1234"
		if trader != "" {
			req.Header.Set("X-Trader-Address", trader)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	alice := "0x00000000000000000000000000000000000000A1"
	assert.Equal(t, http.StatusOK, do("10.0.0.1", alice).Code)

	w := do("10.0.0.2", "0x00000000000000000000000000000000000000a1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "trader bucket follows the address across IPs")
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	// Garbage addresses only count against the IP.
	assert.Equal(t, http.StatusOK, do("10.0.0.1", "not-an-address").Code)
	assert.Equal(t, http.StatusOK, do("10.0.0.1", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1", "").Code, "ip burst spent")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, Rate{PerMinute: 120, Burst: 20}, cfg.IP)
	assert.Equal(t, Rate{PerMinute: 60, Burst: 10}, cfg.Trader)
}
