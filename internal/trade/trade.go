// Package trade implements the escrow state machine behind peer-to-peer
// fiat-for-asset trades.
//
// Flow:
//  1. Taker opens a request against a maker's offer (price locked)
//  2. Maker accepts the request
//  3. Seller funds the escrow with exactly the trade amount
//  4. Buyer marks the fiat payment as sent
//  5. Seller releases: buyer receives amount minus protocol fees
//  6. Either party may instead dispute once the dispute window opens; a
//     randomly selected arbitrator settles in favour of buyer or seller
//
// Expired requests and funded trades that never saw a fiat confirmation can
// be cancelled or refunded by anyone, so funds never depend on a counterparty
// staying online.
package trade

import (
	"strings"
	"time"

	"github.com/mbd888/tradeescrow/internal/arbitration"
)

// State is the lifecycle tag of a trade.
type State string

const (
	StateRequestCreated   State = "request_created"
	StateRequestAccepted  State = "request_accepted"
	StateEscrowFunded     State = "escrow_funded"
	StateFiatConfirmed    State = "fiat_confirmed"
	StateEscrowReleased   State = "escrow_released"
	StateEscrowDisputed   State = "escrow_disputed"
	StateSettledForMaker  State = "settled_for_maker"
	StateSettledForTaker  State = "settled_for_taker"
	StateRequestCancelled State = "request_cancelled"
	StateRequestExpired   State = "request_expired"
	StateEscrowRefunded   State = "escrow_refunded"
)

// States lists every state in lifecycle order.
var States = []State{
	StateRequestCreated,
	StateRequestAccepted,
	StateEscrowFunded,
	StateFiatConfirmed,
	StateEscrowReleased,
	StateEscrowDisputed,
	StateSettledForMaker,
	StateSettledForTaker,
	StateRequestCancelled,
	StateRequestExpired,
	StateEscrowRefunded,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateRequestCreated, StateRequestAccepted, StateEscrowFunded,
		StateFiatConfirmed, StateEscrowReleased, StateEscrowDisputed,
		StateSettledForMaker, StateSettledForTaker, StateRequestCancelled,
		StateRequestExpired, StateEscrowRefunded:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s State) IsTerminal() bool {
	switch s {
	case StateEscrowReleased, StateEscrowRefunded, StateRequestCancelled,
		StateRequestExpired, StateSettledForMaker, StateSettledForTaker:
		return true
	case StateRequestCreated, StateRequestAccepted, StateEscrowFunded,
		StateFiatConfirmed, StateEscrowDisputed:
		return false
	}
	return false
}

// HoldsFunds reports whether the escrow must carry the full trade amount in s.
func (s State) HoldsFunds() bool {
	switch s {
	case StateEscrowFunded, StateFiatConfirmed, StateEscrowDisputed:
		return true
	case StateRequestCreated, StateRequestAccepted, StateEscrowReleased,
		StateSettledForMaker, StateSettledForTaker, StateRequestCancelled,
		StateRequestExpired, StateEscrowRefunded:
		return false
	}
	return false
}

// Direction is the side the maker takes on its offer.
type Direction string

const (
	// DirectionSell: maker sells the asset for fiat, taker is the buyer.
	DirectionSell Direction = "sell"
	// DirectionBuy: maker buys the asset with fiat, taker is the seller.
	DirectionBuy Direction = "buy"
)

// Trade is a single request/escrow/settlement record.
type Trade struct {
	ID         string    `json:"id"`
	OfferID    string    `json:"offerId"`
	Direction  Direction `json:"direction"`
	Maker      string    `json:"maker"`
	Taker      string    `json:"taker"`
	Buyer      string    `json:"buyer"`
	Seller     string    `json:"seller"`
	Arbitrator string    `json:"arbitrator,omitempty"`
	Currency   string    `json:"currency"`
	Asset      string    `json:"asset"`
	Amount     uint64    `json:"amount,string"`
	// LockedPrice is fiat minor units per asset base unit, scaled by PriceScale.
	LockedPrice uint64 `json:"lockedPrice,string"`
	FiatAmount  uint64 `json:"fiatAmount,string"`
	State       State  `json:"state"`

	BuyerContact  string `json:"buyerContact,omitempty"`
	SellerContact string `json:"sellerContact,omitempty"`

	Escrow  EscrowRecord `json:"escrow"`
	Dispute *Dispute     `json:"dispute,omitempty"`
	History *History     `json:"history"`

	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	ExpiresAt            time.Time  `json:"expiresAt"`
	FundedAt             *time.Time `json:"fundedAt,omitempty"`
	FiatConfirmedAt      *time.Time `json:"fiatConfirmedAt,omitempty"`
	DisputeWindowOpensAt *time.Time `json:"disputeWindowOpensAt,omitempty"`
	ClosedAt             *time.Time `json:"closedAt,omitempty"`

	// Version increments on every stored update.
	Version int64 `json:"version"`
}

// PriceScale is the fixed-point scale of LockedPrice.
const PriceScale = 1_000_000

// Dispute is the arbitration record of a contested trade.
type Dispute struct {
	Initiator     string `json:"initiator"`
	BuyerContact  string `json:"buyerContact"`
	SellerContact string `json:"sellerContact"`
	Arbitrator    string `json:"arbitrator,omitempty"`
	Winner        string `json:"winner,omitempty"`

	RandomnessRequestID string             `json:"randomnessRequestId,omitempty"`
	RandomnessAttempts  int                `json:"randomnessAttempts"`
	Fallback            bool               `json:"fallback"`
	Round               *arbitration.Round `json:"round,omitempty"`

	OpenedAt   time.Time  `json:"openedAt"`
	AssignedAt *time.Time `json:"assignedAt,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// IsTerminal reports whether the trade reached a final state.
func (t *Trade) IsTerminal() bool {
	return t.State.IsTerminal()
}

// IsParty reports whether addr is the buyer or the seller.
func (t *Trade) IsParty(addr string) bool {
	addr = strings.ToLower(addr)
	return addr == t.Buyer || addr == t.Seller
}

// Counterparty returns the other side of addr, or "" for a non-party.
func (t *Trade) Counterparty(addr string) string {
	switch strings.ToLower(addr) {
	case t.Buyer:
		return t.Seller
	case t.Seller:
		return t.Buyer
	}
	return ""
}

// Expired reports whether the current deadline has passed.
func (t *Trade) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Clone returns a deep copy so callers can stage changes without touching
// the stored record.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	cp := *t
	cp.FundedAt = cloneTime(t.FundedAt)
	cp.FiatConfirmedAt = cloneTime(t.FiatConfirmedAt)
	cp.DisputeWindowOpensAt = cloneTime(t.DisputeWindowOpensAt)
	cp.ClosedAt = cloneTime(t.ClosedAt)
	if t.Dispute != nil {
		d := *t.Dispute
		d.AssignedAt = cloneTime(t.Dispute.AssignedAt)
		d.ResolvedAt = cloneTime(t.Dispute.ResolvedAt)
		d.Round = t.Dispute.Round.Clone()
		cp.Dispute = &d
	}
	cp.History = t.History.Clone()
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// rolesFor derives buyer and seller from the offer direction.
func rolesFor(dir Direction, maker, taker string) (buyer, seller string, ok bool) {
	switch dir {
	case DirectionSell:
		return taker, maker, true
	case DirectionBuy:
		return maker, taker, true
	}
	return "", "", false
}
