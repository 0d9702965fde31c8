package extclient

import (
	"context"
	"net/http"
	"time"

	"github.com/mbd888/tradeescrow/internal/arbitration"
	"github.com/mbd888/tradeescrow/internal/circuitbreaker"
)

// RandomnessClient submits requests to the randomness oracle. The oracle
// answers later by calling back CallbackURL + "/" + request ID.
type RandomnessClient struct {
	c           *client
	callbackURL string
}

// NewRandomnessClient creates a randomness oracle client.
func NewRandomnessClient(cfg Config, breaker *circuitbreaker.Breaker, callbackURL string) (*RandomnessClient, error) {
	c, err := newClient(cfg, breaker)
	if err != nil {
		return nil, err
	}
	return &RandomnessClient{c: c, callbackURL: callbackURL}, nil
}

type randomnessSubmission struct {
	RequestID   string    `json:"requestId"`
	TradeID     string    `json:"tradeId"`
	Deadline    time.Time `json:"deadline"`
	CallbackURL string    `json:"callbackUrl"`
}

// RequestRandomness posts the request to /v1/requests.
func (r *RandomnessClient) RequestRandomness(ctx context.Context, req *arbitration.RandomnessRequest) error {
	return r.c.do(ctx, http.MethodPost, "/v1/requests", randomnessSubmission{
		RequestID:   req.ID,
		TradeID:     req.TradeID,
		Deadline:    req.Deadline,
		CallbackURL: r.callbackURL + "/" + req.ID,
	}, nil)
}

var _ arbitration.Oracle = (*RandomnessClient)(nil)
