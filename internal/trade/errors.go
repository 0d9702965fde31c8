package trade

import (
	"errors"

	"github.com/mbd888/tradeescrow/internal/arbitration"
	"github.com/mbd888/tradeescrow/internal/fees"
	"github.com/mbd888/tradeescrow/internal/ratelimit"
)

var (
	ErrTradeNotFound = errors.New("trade not found")
	ErrOfferNotFound = errors.New("offer not found")

	ErrInvalidState          = errors.New("invalid trade state for this operation")
	ErrAlreadyTerminal       = errors.New("trade already closed")
	ErrNotExpired            = errors.New("trade deadline has not passed")
	ErrDeadlinePassed        = errors.New("trade deadline passed")
	ErrDisputeWindowNotOpen  = errors.New("dispute window not open yet")
	ErrDisputeWindowClosed   = errors.New("dispute window closed")
	ErrDisputeExists         = errors.New("trade already disputed")
	ErrArbitratorPending     = errors.New("arbitrator not assigned yet")
	ErrRandomnessOutstanding = errors.New("randomness request still outstanding")
	ErrFallbackNotAvailable  = errors.New("commit-reveal fallback not available")
	ErrTradingPaused         = errors.New("trading is paused")
	ErrOfferInactive         = errors.New("offer is not active")
	ErrAmountOutOfRange      = errors.New("amount outside offer limits")
	ErrAmountMismatch        = errors.New("funding amount must equal trade amount")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrSelfTrade             = errors.New("cannot trade against own offer")
	ErrInvariantViolation    = errors.New("trade invariant violated")
	ErrConcurrentUpdate      = errors.New("trade was modified concurrently")
	ErrUseFallback           = errors.New("randomness attempts exhausted, open the commit-reveal fallback")

	ErrActiveTradeLimit = errors.New("active trade limit reached")
	ErrRateLimited      = ratelimit.ErrRateLimitExceeded
	ErrContactTooLong   = errors.New("contact details too long")

	ErrUnauthorized  = errors.New("not authorized for this trade operation")
	ErrNotArbitrator = errors.New("caller is not the assigned arbitrator")
	ErrInvalidWinner = errors.New("winner must be the buyer or the seller")

	ErrStalePrice   = errors.New("price quote is stale")
	ErrInvalidPrice = errors.New("invalid price quote")
	ErrWrongRequest = errors.New("randomness request does not belong to this dispute")
)

// Kind groups errors by what went wrong.
type Kind string

const (
	KindNone          Kind = ""
	KindArithmetic    Kind = "arithmetic"
	KindState         Kind = "state"
	KindResource      Kind = "resource"
	KindAuthorization Kind = "authorization"
	KindOracle        Kind = "oracle"
	KindNotFound      Kind = "not_found"
	KindInternal      Kind = "internal"
)

var kinds = []struct {
	kind Kind
	errs []error
}{
	{KindNotFound, []error{
		ErrTradeNotFound, ErrOfferNotFound,
		arbitration.ErrArbitratorNotFound, arbitration.ErrRequestNotFound,
	}},
	{KindArithmetic, []error{
		fees.ErrOverflow, fees.ErrUnderflow, fees.ErrDivisionByZero,
		fees.ErrBpsOutOfRange, fees.ErrFeesExceedPrincipal,
	}},
	{KindAuthorization, []error{
		ErrUnauthorized, ErrNotArbitrator, ErrInvalidWinner,
		arbitration.ErrNotParticipant,
	}},
	{KindResource, []error{
		ErrActiveTradeLimit, ErrRateLimited, ErrContactTooLong,
		arbitration.ErrPoolFull, arbitration.ErrNoEligibleArbitrator, arbitration.ErrAtCapacity,
	}},
	{KindOracle, []error{
		ErrStalePrice, ErrInvalidPrice, ErrWrongRequest,
		arbitration.ErrRequestConsumed, arbitration.ErrRequestExpired, arbitration.ErrInvalidRandomness,
		arbitration.ErrQuorumNotMet, arbitration.ErrCommitmentMismatch,
	}},
	{KindState, []error{
		ErrInvalidState, ErrAlreadyTerminal, ErrNotExpired, ErrDeadlinePassed,
		ErrDisputeWindowNotOpen, ErrDisputeWindowClosed, ErrDisputeExists,
		ErrArbitratorPending, ErrRandomnessOutstanding, ErrFallbackNotAvailable,
		ErrTradingPaused, ErrOfferInactive, ErrAmountOutOfRange, ErrAmountMismatch,
		ErrInvalidAmount, ErrSelfTrade, ErrConcurrentUpdate, ErrUseFallback,
		arbitration.ErrWrongPhase, arbitration.ErrAlreadyCommitted, arbitration.ErrAlreadyRevealed,
		arbitration.ErrNotCommitted, arbitration.ErrRoundStillCollecting,
	}},
}

// KindOf classifies err. Unknown non-nil errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		for _, target := range k.errs {
			if errors.Is(err, target) {
				return k.kind
			}
		}
	}
	return KindInternal
}
