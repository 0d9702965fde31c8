package extclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mbd888/tradeescrow/internal/circuitbreaker"
	"github.com/mbd888/tradeescrow/internal/trade"
)

// PriceClient quotes market prices from the price oracle. Quotes are cached
// for at most the freshness window, and a cached quote that has aged past it
// is refetched rather than served.
type PriceClient struct {
	c      *client
	cache  *expirable.LRU[string, trade.PriceQuote]
	maxAge time.Duration
	now    func() time.Time
}

// NewPriceClient creates a price client. maxAge should match the engine's
// PriceMaxAge; zero disables caching.
func NewPriceClient(cfg Config, breaker *circuitbreaker.Breaker, maxAge time.Duration) (*PriceClient, error) {
	c, err := newClient(cfg, breaker)
	if err != nil {
		return nil, err
	}
	p := &PriceClient{c: c, maxAge: maxAge, now: time.Now}
	if maxAge > 0 {
		p.cache = expirable.NewLRU[string, trade.PriceQuote](256, nil, maxAge)
	}
	return p, nil
}

// WithClock overrides the time source used for freshness checks.
func (p *PriceClient) WithClock(now func() time.Time) *PriceClient {
	p.now = now
	return p
}

func pairKey(currency, asset string) string {
	return strings.ToUpper(currency) + "/" + strings.ToUpper(asset)
}

// Quote returns the price of asset in currency.
func (p *PriceClient) Quote(ctx context.Context, currency, asset string) (trade.PriceQuote, error) {
	key := pairKey(currency, asset)
	if p.cache != nil {
		if q, ok := p.cache.Get(key); ok && p.now().Sub(q.UpdatedAt) <= p.maxAge {
			return q, nil
		}
	}

	var q trade.PriceQuote
	path := "/v1/prices/" + url.PathEscape(strings.ToUpper(currency)) + "/" + url.PathEscape(strings.ToUpper(asset))
	if err := p.c.do(ctx, http.MethodGet, path, nil, &q); err != nil {
		return trade.PriceQuote{}, fmt.Errorf("quote %s: %w", key, err)
	}
	if q.Price == 0 {
		return trade.PriceQuote{}, fmt.Errorf("quote %s: %w", key, trade.ErrInvalidPrice)
	}
	if p.cache != nil && p.now().Sub(q.UpdatedAt) <= p.maxAge {
		p.cache.Add(key, q)
	}
	return q, nil
}

var _ trade.PriceOracle = (*PriceClient)(nil)
