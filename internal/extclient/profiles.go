package extclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/mbd888/tradeescrow/internal/circuitbreaker"
	"github.com/mbd888/tradeescrow/internal/trade"
)

// ProfileClient keeps per-user trade bookkeeping in the profile service.
type ProfileClient struct {
	c *client
}

// NewProfileClient creates a profile client.
func NewProfileClient(cfg Config, breaker *circuitbreaker.Breaker) (*ProfileClient, error) {
	c, err := newClient(cfg, breaker)
	if err != nil {
		return nil, err
	}
	return &ProfileClient{c: c}, nil
}

// GetProfile fetches a profile. Users the service has never seen have no
// active trades.
func (p *ProfileClient) GetProfile(ctx context.Context, addr string) (*trade.Profile, error) {
	var resp struct {
		Profile trade.Profile `json:"profile"`
	}
	err := p.c.do(ctx, http.MethodGet, "/v1/profiles/"+url.PathEscape(addr), nil, &resp)
	if errors.Is(err, ErrNotFound) {
		return &trade.Profile{Address: addr}, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp.Profile, nil
}

// AdjustActiveTrades posts a delta to the user's active trade counter.
func (p *ProfileClient) AdjustActiveTrades(ctx context.Context, addr string, delta int) error {
	return p.c.do(ctx, http.MethodPost, "/v1/profiles/"+url.PathEscape(addr)+"/active-trades",
		map[string]int{"delta": delta}, nil)
}

// RecordOutcome reports a closed trade.
func (p *ProfileClient) RecordOutcome(ctx context.Context, addr, tradeID string, outcome trade.Outcome) error {
	return p.c.do(ctx, http.MethodPost, "/v1/profiles/"+url.PathEscape(addr)+"/outcomes",
		map[string]string{"tradeId": tradeID, "outcome": string(outcome)}, nil)
}

var _ trade.ProfileService = (*ProfileClient)(nil)
