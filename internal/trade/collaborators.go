package trade

import (
	"context"
	"time"

	"github.com/holiman/uint256"

	"github.com/mbd888/tradeescrow/internal/arbitration"
	"github.com/mbd888/tradeescrow/internal/fees"
	"github.com/mbd888/tradeescrow/internal/ratelimit"
)

// Offer is a maker's standing offer as published by the offer service.
type Offer struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Direction Direction `json:"direction"`
	Currency  string    `json:"currency"`
	Asset     string    `json:"asset"`
	MinAmount uint64    `json:"minAmount,string"`
	MaxAmount uint64    `json:"maxAmount,string"`
	// PriceBps is the offer price relative to the market quote, in basis
	// points (10100 = 1% above market).
	PriceBps uint32 `json:"priceBps"`
	Active   bool   `json:"active"`
}

// OfferService resolves offers.
type OfferService interface {
	GetOffer(ctx context.Context, id string) (*Offer, error)
}

// Collectors are the ledger accounts protocol fees are paid into.
type Collectors struct {
	Burn     string `json:"burn"`
	Chain    string `json:"chain"`
	Treasury string `json:"treasury"`
}

// Params is the protocol configuration snapshot an operation runs under.
type Params struct {
	Fees       fees.Schedule `json:"fees"`
	Collectors Collectors    `json:"collectors"`

	RequestExpiry    time.Duration `json:"requestExpiry"`
	FundedExpiry     time.Duration `json:"fundedExpiry"`
	DisputeDelay     time.Duration `json:"disputeDelay"`
	DisputeWindow    time.Duration `json:"disputeWindow"`
	AutoReleaseAfter time.Duration `json:"autoReleaseAfter"`
	PriceMaxAge      time.Duration `json:"priceMaxAge"`
	GracePeriod      time.Duration `json:"gracePeriod"`

	MaxActiveTrades  int `json:"maxActiveTrades"`
	MaxContactLength int `json:"maxContactLength"`
	HistoryCapacity  int `json:"historyCapacity"`

	MaxRandomnessAttempts int           `json:"maxRandomnessAttempts"`
	CommitWindow          time.Duration `json:"commitWindow"`
	RevealWindow          time.Duration `json:"revealWindow"`
	RevealQuorum          int           `json:"revealQuorum"`

	Quotas ratelimit.Limits `json:"quotas"`

	Paused    bool            `json:"paused"`
	PausedOps map[string]bool `json:"pausedOps,omitempty"`
}

// OpPaused reports whether op (or all trading) is paused.
func (p Params) OpPaused(op string) bool {
	return p.Paused || p.PausedOps[op]
}

// DefaultParams returns a conservative configuration.
func DefaultParams() Params {
	return Params{
		Fees:                  fees.Schedule{BurnBps: 10, ChainBps: 20, TreasuryBps: 30, ArbitrationBps: 100},
		RequestExpiry:         30 * time.Minute,
		FundedExpiry:          2 * time.Hour,
		DisputeDelay:          30 * time.Minute,
		PriceMaxAge:           5 * time.Minute,
		GracePeriod:           30 * 24 * time.Hour,
		MaxActiveTrades:       10,
		MaxContactLength:      512,
		HistoryCapacity:       DefaultHistoryCapacity,
		MaxRandomnessAttempts: 3,
		CommitWindow:          time.Hour,
		RevealWindow:          time.Hour,
		RevealQuorum:          2,
	}
}

// ParamsSource returns the current configuration.
type ParamsSource interface {
	Params(ctx context.Context) (Params, error)
}

// Profile is the slice of a user profile the state machine needs.
type Profile struct {
	Address      string `json:"address"`
	ActiveTrades int    `json:"activeTrades"`
}

// Outcome is a closed trade result reported to the profile service.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeRefunded    Outcome = "refunded"
	OutcomeDisputeWon  Outcome = "dispute_won"
	OutcomeDisputeLost Outcome = "dispute_lost"
)

// ProfileService tracks per-user trade bookkeeping.
type ProfileService interface {
	GetProfile(ctx context.Context, addr string) (*Profile, error)
	AdjustActiveTrades(ctx context.Context, addr string, delta int) error
	RecordOutcome(ctx context.Context, addr, tradeID string, outcome Outcome) error
}

// PriceQuote is a market price in fiat minor units per asset base unit,
// scaled by PriceScale.
type PriceQuote struct {
	Price     uint64    `json:"price,string"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PriceOracle quotes market prices.
type PriceOracle interface {
	Quote(ctx context.Context, currency, asset string) (PriceQuote, error)
}

// Transfer moves Amount of Asset between two ledger accounts.
type Transfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount,string"`
	Memo   string `json:"memo,omitempty"`
}

// Ledger custodies assets. Apply executes every transfer or none of them and
// is idempotent per reference. Reverse undoes an applied batch and reopens
// its reference, so a later Apply with the same reference moves funds again.
type Ledger interface {
	Apply(ctx context.Context, reference string, transfers []Transfer) error
	Reverse(ctx context.Context, reference string, transfers []Transfer) error
}

// Arbitration is the arbitrator pool and randomness service.
type Arbitration interface {
	Select(ctx context.Context, currency string, random *uint256.Int, exclude ...string) (*arbitration.Arbitrator, error)
	AssignCase(ctx context.Context, currency, addr string) error
	CompleteCase(ctx context.Context, currency, addr string, resolved bool) error
	RequestRandomness(ctx context.Context, tradeID, currency string) (*arbitration.RandomnessRequest, error)
	GetRequest(ctx context.Context, id string) (*arbitration.RandomnessRequest, error)
	ConsumeRandomness(ctx context.Context, id string, value *uint256.Int) (*arbitration.RandomnessRequest, error)
	RestoreRandomness(ctx context.Context, id string) error
}

// QuotaLimiter enforces daily per-actor action quotas. Refund takes back a
// count whose operation failed.
type QuotaLimiter interface {
	CheckAndIncrement(ctx context.Context, actor string, action ratelimit.Action, limits ratelimit.Limits, now time.Time) error
	Refund(ctx context.Context, actor string, action ratelimit.Action, now time.Time) error
}

var (
	_ Arbitration  = (*arbitration.Service)(nil)
	_ QuotaLimiter = (*ratelimit.Quota)(nil)
)
