// Package arbitration maintains per-currency arbitrator pools and picks an
// arbitrator for a disputed trade with randomness weighted by reputation,
// spare capacity and track record.
//
// Randomness normally comes from an external oracle through a
// request/consume pair with bounded validity. When the oracle keeps missing
// its deadline the dispute falls back to a commit-reveal round between the
// trade parties (see Round).
package arbitration

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrArbitratorNotFound   = errors.New("arbitrator not found")
	ErrInvalidArbitrator    = errors.New("invalid arbitrator registration")
	ErrPoolFull             = errors.New("arbitrator pool is full")
	ErrNoEligibleArbitrator = errors.New("no eligible arbitrator")
	ErrAtCapacity           = errors.New("arbitrator at capacity")
	ErrInactive             = errors.New("arbitrator inactive")

	ErrRequestNotFound   = errors.New("randomness request not found")
	ErrRequestConsumed   = errors.New("randomness request already consumed")
	ErrRequestExpired    = errors.New("randomness request expired")
	ErrInvalidRandomness = errors.New("invalid randomness value")
)

// MaxReputation is the top of the reputation scale.
const MaxReputation = 10_000

// DefaultSelectionRange is the bucket count random values are reduced to.
// It must exceed any realistic total pool weight or the mapping skips
// low-weight arbitrators.
const DefaultSelectionRange = 1 << 32

// Arbitrator is one entry of a currency pool.
type Arbitrator struct {
	Address       string    `json:"address"`
	Currency      string    `json:"currency"`
	Reputation    uint32    `json:"reputation"`
	CaseLoad      uint32    `json:"caseLoad"`
	MaxCases      uint32    `json:"maxCases"`
	TotalCases    uint64    `json:"totalCases"`
	ResolvedCases uint64    `json:"resolvedCases"`
	Active        bool      `json:"active"`
	RegisteredAt  time.Time `json:"registeredAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SpareCapacity is the number of additional cases the arbitrator can take.
func (a *Arbitrator) SpareCapacity() uint32 {
	if a.CaseLoad >= a.MaxCases {
		return 0
	}
	return a.MaxCases - a.CaseLoad
}

// Eligible reports whether the arbitrator can be assigned a new case.
func (a *Arbitrator) Eligible() bool {
	return a.Active && a.SpareCapacity() > 0
}

// RandomnessStatus is the lifecycle of an oracle request.
type RandomnessStatus string

const (
	RandomnessPending  RandomnessStatus = "pending"
	RandomnessConsumed RandomnessStatus = "consumed"
	RandomnessFailed   RandomnessStatus = "failed"
)

// RandomnessRequest is a bounded-validity request to the randomness oracle.
type RandomnessRequest struct {
	ID          string           `json:"id"`
	TradeID     string           `json:"tradeId"`
	Currency    string           `json:"currency"`
	Status      RandomnessStatus `json:"status"`
	Value       string           `json:"value,omitempty"`
	RequestedAt time.Time        `json:"requestedAt"`
	Deadline    time.Time        `json:"deadline"`
	ConsumedAt  *time.Time       `json:"consumedAt,omitempty"`
}

// Lapsed reports whether the request can no longer be fulfilled.
func (r *RandomnessRequest) Lapsed(now time.Time) bool {
	switch r.Status {
	case RandomnessFailed:
		return true
	case RandomnessPending:
		return !now.Before(r.Deadline)
	case RandomnessConsumed:
		return false
	}
	return false
}

// Settings are the protocol parameters the pool depends on.
type Settings struct {
	MaxPoolSize        int           `json:"maxPoolSize"`
	RandomnessValidity time.Duration `json:"randomnessValidity"`
	SelectionRange     uint64        `json:"selectionRange"`
}

// SettingsSource returns the current settings snapshot.
type SettingsSource interface {
	ArbitrationSettings(ctx context.Context) (Settings, error)
}

// Store persists pools and randomness requests.
type Store interface {
	Upsert(ctx context.Context, a *Arbitrator) error
	Get(ctx context.Context, currency, addr string) (*Arbitrator, error)
	// List returns the pool of a currency ordered by address.
	List(ctx context.Context, currency string) ([]*Arbitrator, error)
	CountActive(ctx context.Context, currency string) (int, error)
	// AssignCase increments the case load only if the arbitrator is active
	// and below capacity.
	AssignCase(ctx context.Context, currency, addr string, now time.Time) error
	CompleteCase(ctx context.Context, currency, addr string, resolved bool, now time.Time) error

	CreateRequest(ctx context.Context, r *RandomnessRequest) error
	GetRequest(ctx context.Context, id string) (*RandomnessRequest, error)
	// ConsumeRequest marks a pending, unexpired request consumed.
	ConsumeRequest(ctx context.Context, id, value string, now time.Time) (*RandomnessRequest, error)
	// RestoreRequest returns a consumed request to pending and drops its
	// value. Other statuses are left alone.
	RestoreRequest(ctx context.Context, id string) error
	FailRequest(ctx context.Context, id string) error
}

// Oracle delivers randomness for a request, asynchronously, through
// Service.ConsumeRandomness.
type Oracle interface {
	RequestRandomness(ctx context.Context, req *RandomnessRequest) error
}

func normalize(currency, addr string) (string, string) {
	return strings.ToUpper(strings.TrimSpace(currency)), strings.ToLower(strings.TrimSpace(addr))
}
