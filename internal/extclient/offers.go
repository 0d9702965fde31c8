package extclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/mbd888/tradeescrow/internal/circuitbreaker"
	"github.com/mbd888/tradeescrow/internal/trade"
)

// OfferClient reads offers from the offer service.
type OfferClient struct {
	c *client
}

// NewOfferClient creates an offer client.
func NewOfferClient(cfg Config, breaker *circuitbreaker.Breaker) (*OfferClient, error) {
	c, err := newClient(cfg, breaker)
	if err != nil {
		return nil, err
	}
	return &OfferClient{c: c}, nil
}

// GetOffer fetches GET /v1/offers/:id.
func (o *OfferClient) GetOffer(ctx context.Context, id string) (*trade.Offer, error) {
	var resp struct {
		Offer trade.Offer `json:"offer"`
	}
	err := o.c.do(ctx, http.MethodGet, "/v1/offers/"+url.PathEscape(id), nil, &resp)
	if errors.Is(err, ErrNotFound) {
		return nil, trade.ErrOfferNotFound
	}
	if err != nil {
		return nil, err
	}
	return &resp.Offer, nil
}

var _ trade.OfferService = (*OfferClient)(nil)
