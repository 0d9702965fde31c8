// Package fees implements overflow-checked basis-point arithmetic for trade
// settlement.
//
// Every intermediate value is a 256-bit integer. The only narrowing
// conversion is ToUint64, which fails instead of truncating, so a fee can
// never silently wrap around or be clamped.
package fees

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// MaxBps is 100% expressed in basis points.
const MaxBps = 10_000

var (
	ErrOverflow            = errors.New("fees: arithmetic overflow")
	ErrUnderflow           = errors.New("fees: arithmetic underflow")
	ErrDivisionByZero      = errors.New("fees: division by zero")
	ErrBpsOutOfRange       = errors.New("fees: basis points exceed 10000")
	ErrFeesExceedPrincipal = errors.New("fees: total fees exceed principal")
)

// ToUint64 narrows x to a uint64, failing when it does not fit.
func ToUint64(x *uint256.Int) (uint64, error) {
	if x == nil {
		return 0, nil
	}
	if !x.IsUint64() {
		return 0, ErrOverflow
	}
	return x.Uint64(), nil
}

// Add returns a+b.
func Add(a, b uint64) (uint64, error) {
	sum, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow {
		return 0, ErrOverflow
	}
	return ToUint64(sum)
}

// Sub returns a-b, rejecting negative results.
func Sub(a, b uint64) (uint64, error) {
	diff, underflow := new(uint256.Int).SubOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if underflow {
		return 0, ErrUnderflow
	}
	return ToUint64(diff)
}

// Mul returns a*b.
func Mul(a, b uint64) (uint64, error) {
	prod, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow {
		return 0, ErrOverflow
	}
	return ToUint64(prod)
}

// MulDiv returns a*b/denom, computing the product in 256 bits so the
// intermediate value cannot overflow. The quotient is truncated toward zero.
func MulDiv(a, b, denom uint64) (uint64, error) {
	if denom == 0 {
		return 0, ErrDivisionByZero
	}
	prod, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow {
		return 0, ErrOverflow
	}
	return ToUint64(prod.Div(prod, uint256.NewInt(denom)))
}

// Fee returns amount*bps/10000.
func Fee(amount uint64, bps uint32) (uint64, error) {
	if bps > MaxBps {
		return 0, ErrBpsOutOfRange
	}
	return MulDiv(amount, uint64(bps), MaxBps)
}

// Percent returns amount*pct/100. A pct of 100 returns amount unchanged.
func Percent(amount, pct uint64) (uint64, error) {
	return MulDiv(amount, pct, 100)
}

// Schedule is the set of fee categories charged on a trade.
type Schedule struct {
	BurnBps        uint32 `json:"burnBps"`
	ChainBps       uint32 `json:"chainBps"`
	TreasuryBps    uint32 `json:"treasuryBps"`
	ArbitrationBps uint32 `json:"arbitrationBps"`
}

// TotalBps returns the checked sum of every category.
func (s Schedule) TotalBps() (uint32, error) {
	var total uint64
	for _, bps := range []uint32{s.BurnBps, s.ChainBps, s.TreasuryBps, s.ArbitrationBps} {
		if bps > MaxBps {
			return 0, ErrBpsOutOfRange
		}
		var err error
		if total, err = Add(total, uint64(bps)); err != nil {
			return 0, err
		}
	}
	if total > MaxBps {
		return 0, fmt.Errorf("%w: schedule totals %d", ErrBpsOutOfRange, total)
	}
	return uint32(total), nil
}

// Validate rejects schedules whose categories sum above 100%.
func (s Schedule) Validate() error {
	_, err := s.TotalBps()
	return err
}

// Breakdown is the result of splitting a principal into fees and the amount
// left for the recipient. Burn+Chain+Treasury+Arbitration+Remainder always
// equals Principal.
type Breakdown struct {
	Principal   uint64 `json:"principal,string"`
	Burn        uint64 `json:"burn,string"`
	Chain       uint64 `json:"chain,string"`
	Treasury    uint64 `json:"treasury,string"`
	Arbitration uint64 `json:"arbitration,string"`
	Remainder   uint64 `json:"remainder,string"`
}

// Protocol returns the burn, chain and treasury fees combined.
func (b Breakdown) Protocol() uint64 {
	return b.Burn + b.Chain + b.Treasury
}

// Options selects which categories Split charges.
type Options struct {
	Protocol    bool // burn, chain and treasury
	Arbitration bool
}

// Split computes every selected fee on principal and the remainder. All fees
// are summed and checked against the principal before anything is returned,
// so callers never see a breakdown they cannot pay out.
func Split(principal uint64, s Schedule, opts Options) (Breakdown, error) {
	if err := s.Validate(); err != nil {
		return Breakdown{}, err
	}

	b := Breakdown{Principal: principal}
	var err error
	if opts.Protocol {
		if b.Burn, err = Fee(principal, s.BurnBps); err != nil {
			return Breakdown{}, err
		}
		if b.Chain, err = Fee(principal, s.ChainBps); err != nil {
			return Breakdown{}, err
		}
		if b.Treasury, err = Fee(principal, s.TreasuryBps); err != nil {
			return Breakdown{}, err
		}
	}
	if opts.Arbitration {
		if b.Arbitration, err = Fee(principal, s.ArbitrationBps); err != nil {
			return Breakdown{}, err
		}
	}

	var total uint64
	for _, part := range []uint64{b.Burn, b.Chain, b.Treasury, b.Arbitration} {
		if total, err = Add(total, part); err != nil {
			return Breakdown{}, err
		}
	}
	if total > principal {
		return Breakdown{}, ErrFeesExceedPrincipal
	}
	if b.Remainder, err = Sub(principal, total); err != nil {
		return Breakdown{}, err
	}
	return b, nil
}
