package trade

import "fmt"

func violation(t *Trade, format string, args ...any) error {
	return fmt.Errorf("%w: trade %s: %s", ErrInvariantViolation, t.ID, fmt.Sprintf(format, args...))
}

// checkInvariants verifies a staged record before it is committed.
func checkInvariants(t *Trade) error {
	if !t.State.Valid() {
		return violation(t, "unknown state %q", t.State)
	}
	if t.Amount == 0 {
		return violation(t, "zero amount")
	}
	if t.Buyer == "" || t.Seller == "" || t.Buyer == t.Seller {
		return violation(t, "buyer %q and seller %q must be distinct", t.Buyer, t.Seller)
	}
	buyer, seller, ok := rolesFor(t.Direction, t.Maker, t.Taker)
	if !ok || buyer != t.Buyer || seller != t.Seller {
		return violation(t, "roles do not match direction %q", t.Direction)
	}

	if t.Escrow.TradeID != t.ID {
		return violation(t, "escrow belongs to %q", t.Escrow.TradeID)
	}
	if t.State.HoldsFunds() {
		if t.Escrow.Balance() != t.Amount {
			return violation(t, "escrow holds %d in %s, want %d", t.Escrow.Balance(), t.State, t.Amount)
		}
	} else if t.Escrow.Balance() != 0 {
		return violation(t, "escrow holds %d in %s, want 0", t.Escrow.Balance(), t.State)
	}

	if t.History != nil && t.History.Len() > t.History.Cap() {
		return violation(t, "history exceeds capacity")
	}

	switch t.State {
	case StateRequestCreated, StateRequestAccepted, StateEscrowFunded, StateFiatConfirmed,
		StateEscrowReleased, StateRequestCancelled, StateRequestExpired, StateEscrowRefunded:
		if t.Dispute != nil {
			return violation(t, "dispute record in %s", t.State)
		}
		if t.Arbitrator != "" {
			return violation(t, "arbitrator without dispute")
		}
		return nil
	case StateEscrowDisputed:
		if t.Dispute == nil {
			return violation(t, "disputed without record")
		}
		if t.Dispute.Winner != "" {
			return violation(t, "winner set before settlement")
		}
	case StateSettledForMaker, StateSettledForTaker:
		if t.Dispute == nil {
			return violation(t, "settled without dispute record")
		}
		w := t.Dispute.Winner
		if w != t.Buyer && w != t.Seller {
			return violation(t, "winner %q is not a party", w)
		}
		if (t.State == StateSettledForMaker) != (w == t.Maker) {
			return violation(t, "state %s does not match winner %q", t.State, w)
		}
		if t.Arbitrator == "" {
			return violation(t, "settled without arbitrator")
		}
	}

	if t.Arbitrator != t.Dispute.Arbitrator {
		return violation(t, "arbitrator mismatch")
	}
	if t.Arbitrator != "" && t.IsParty(t.Arbitrator) {
		return violation(t, "arbitrator %q is a party", t.Arbitrator)
	}
	return nil
}

// canTransition lists the edges of the state machine.
func canTransition(from, to State) bool {
	switch from {
	case "":
		return to == StateRequestCreated
	case StateRequestCreated:
		return to == StateRequestAccepted || to == StateRequestCancelled || to == StateRequestExpired
	case StateRequestAccepted:
		return to == StateEscrowFunded || to == StateRequestCancelled || to == StateRequestExpired
	case StateEscrowFunded:
		return to == StateFiatConfirmed || to == StateEscrowRefunded
	case StateFiatConfirmed:
		return to == StateEscrowReleased || to == StateEscrowDisputed
	case StateEscrowDisputed:
		return to == StateSettledForMaker || to == StateSettledForTaker
	case StateEscrowReleased, StateSettledForMaker, StateSettledForTaker,
		StateRequestCancelled, StateRequestExpired, StateEscrowRefunded:
		return false
	}
	return false
}
