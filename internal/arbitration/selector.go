package arbitration

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/mbd888/tradeescrow/internal/fees"
)

// Weight is (1 + reputation/100) * spareCapacity * (10 + min(resolved, 100)) / 10.
// Inactive or full arbitrators weigh zero.
func Weight(a *Arbitrator) (uint64, error) {
	if !a.Eligible() {
		return 0, nil
	}
	rep := uint64(min(a.Reputation, MaxReputation))
	track := 10 + min(a.ResolvedCases, 100)

	w, err := fees.Mul(1+rep/100, uint64(a.SpareCapacity()))
	if err != nil {
		return 0, err
	}
	return fees.MulDiv(w, track, 10)
}

// Select maps random onto the pool. The value is reduced to
// r = random mod rangeSize, scaled to target = r * totalWeight / rangeSize,
// and the arbitrator whose cumulative weight interval contains target wins.
// Candidates are ordered by address so a given random value always yields
// the same arbitrator for the same pool.
func Select(pool []*Arbitrator, random *uint256.Int, rangeSize uint64, exclude ...string) (*Arbitrator, error) {
	if random == nil {
		return nil, ErrInvalidRandomness
	}
	if rangeSize == 0 {
		rangeSize = DefaultSelectionRange
	}

	candidates := make([]*Arbitrator, 0, len(pool))
	for _, a := range pool {
		if a.Eligible() && !excluded(a.Address, exclude) {
			candidates = append(candidates, a)
		}
	}
	slices.SortFunc(candidates, func(x, y *Arbitrator) int {
		return strings.Compare(x.Address, y.Address)
	})

	weights := make([]uint64, len(candidates))
	var total uint64
	for i, a := range candidates {
		w, err := Weight(a)
		if err != nil {
			return nil, fmt.Errorf("weight of %s: %w", a.Address, err)
		}
		weights[i] = w
		if total, err = fees.Add(total, w); err != nil {
			return nil, err
		}
	}
	if total == 0 {
		return nil, ErrNoEligibleArbitrator
	}

	r := new(uint256.Int).Mod(random, uint256.NewInt(rangeSize)).Uint64()
	target, err := fees.MulDiv(r, total, rangeSize)
	if err != nil {
		return nil, err
	}

	var cum uint64
	for i, w := range weights {
		cum += w
		if target < cum {
			return candidates[i], nil
		}
	}
	// target < total always holds because r < rangeSize.
	return candidates[len(candidates)-1], nil
}

func excluded(addr string, exclude []string) bool {
	for _, e := range exclude {
		if strings.EqualFold(addr, e) {
			return true
		}
	}
	return false
}

// ParseRandomness accepts a decimal or 0x-prefixed hex value of up to 256 bits.
func ParseRandomness(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidRandomness
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRandomness, err)
		}
		if len(b) > 32 {
			return nil, fmt.Errorf("%w: more than 256 bits", ErrInvalidRandomness)
		}
		return new(uint256.Int).SetBytes(b), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRandomness, err)
	}
	return v, nil
}
