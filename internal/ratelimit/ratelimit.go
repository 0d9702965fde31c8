// Package ratelimit throttles HTTP requests per client and enforces the
// per-actor daily quotas on trade operations.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var throttledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tradeescrow",
	Subsystem: "ratelimit",
	Name:      "throttled_total",
	Help:      "Requests rejected by the request rate limiter, by bucket scope.",
}, []string{"scope"})

func init() {
	prometheus.MustRegister(throttledTotal)
}

// Rate is a token bucket shape.
type Rate struct {
	PerMinute int
	Burst     int
}

// Config configures rate limiting. Every request draws from its client IP
// bucket; requests carrying a trader address also draw from that trader's
// bucket, so rotating addresses does not lift the IP limit and rotating IPs
// does not lift the trader limit.
type Config struct {
	IP     Rate
	Trader Rate
	// Idle buckets are dropped after IdleTTL; the sweep runs every
	// CleanupInterval.
	IdleTTL         time.Duration
	CleanupInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		IP:              Rate{PerMinute: 120, Burst: 20},
		Trader:          Rate{PerMinute: 60, Burst: 10},
		IdleTTL:         2 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	cfg      Config
	now      func() time.Time
	mu       sync.Mutex
	buckets  map[string]*bucket
	stop     chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens float64
	last   time.Time
}

// New creates a limiter and starts its sweep goroutine. Call Stop to end it.
func New(cfg Config) *Limiter {
	l := newLimiter(cfg, time.Now)
	go l.sweep()
	return l
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	return &Limiter{cfg: cfg, now: now, buckets: make(map[string]*bucket), stop: make(chan struct{})}
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	for key, b := range l.buckets {
		if b.last.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop ends the sweep goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow takes one token from key's bucket. When empty it reports how long
// until the next token.
func (l *Limiter) Allow(key string, rate Rate) (bool, time.Duration) {
	if rate.PerMinute <= 0 || rate.Burst <= 0 {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	perSecond := float64(rate.PerMinute) / 60.0
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rate.Burst), last: now}
		l.buckets[key] = b
	} else {
		b.tokens = math.Min(float64(rate.Burst), b.tokens+now.Sub(b.last).Seconds()*perSecond)
		b.last = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
	return false, wait
}

// Middleware rejects requests over either bucket with 429 and a
// Retry-After header.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ok, wait := l.Allow("ip:"+c.ClientIP(), l.cfg.IP); !ok {
			reject(c, "ip", wait)
			return
		}
		if addr := c.GetHeader("X-Trader-Address"); common.IsHexAddress(addr) {
			if ok, wait := l.Allow("trader:"+strings.ToLower(addr), l.cfg.Trader); !ok {
				reject(c, "trader", wait)
				return
			}
		}
		c.Next()
	}
}

func reject(c *gin.Context, scope string, wait time.Duration) {
	throttledTotal.WithLabelValues(scope).Inc()
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "rate_limit_exceeded",
		"message":     "Too many requests. Please slow down.",
		"retry_after": secs,
	})
}
