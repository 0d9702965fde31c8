package trade

import (
	"encoding/json"
	"fmt"

	"github.com/mbd888/tradeescrow/internal/fees"
)

// VaultAccount is the ledger account that custodies a trade's escrow.
func VaultAccount(tradeID string) string {
	return "escrow:" + tradeID
}

// EscrowRecord tracks the funds held for one trade. The balance can only be
// changed by this package, and only in step with a ledger batch that moves
// the same amount in or out of the vault account.
type EscrowRecord struct {
	TradeID string `json:"tradeId"`
	Asset   string `json:"asset"`
	balance uint64
}

// Balance returns the amount currently held.
func (e EscrowRecord) Balance() uint64 { return e.balance }

// payout is one leg of a vault drain.
type payout struct {
	To     string
	Amount uint64
	Memo   string
}

// deposit records a funding of exactly amount into an empty vault.
func (e *EscrowRecord) deposit(amount uint64) error {
	if e.balance != 0 {
		return fmt.Errorf("%w: vault %s already holds %d", ErrInvariantViolation, e.TradeID, e.balance)
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	e.balance = amount
	return nil
}

// plan turns payouts into ledger transfers out of the vault. Zero legs are
// dropped; the legs must add up to the full balance.
func (e *EscrowRecord) plan(payouts ...payout) ([]Transfer, error) {
	var total uint64
	out := make([]Transfer, 0, len(payouts))
	for _, p := range payouts {
		if p.Amount == 0 {
			continue
		}
		if p.To == "" {
			return nil, fmt.Errorf("%w: payout %q has no recipient", ErrInvariantViolation, p.Memo)
		}
		sum, err := fees.Add(total, p.Amount)
		if err != nil {
			return nil, err
		}
		total = sum
		out = append(out, Transfer{
			From:   VaultAccount(e.TradeID),
			To:     p.To,
			Asset:  e.Asset,
			Amount: p.Amount,
			Memo:   p.Memo,
		})
	}
	if total != e.balance {
		return nil, fmt.Errorf("%w: payouts %d != vault balance %d", ErrInvariantViolation, total, e.balance)
	}
	return out, nil
}

// drain empties the vault after its planned transfers were applied.
func (e *EscrowRecord) drain() {
	e.balance = 0
}

type escrowJSON struct {
	TradeID string `json:"tradeId"`
	Asset   string `json:"asset"`
	Balance uint64 `json:"balance,string"`
}

// MarshalJSON includes the balance.
func (e EscrowRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(escrowJSON{TradeID: e.TradeID, Asset: e.Asset, Balance: e.balance})
}

// UnmarshalJSON restores a persisted snapshot.
func (e *EscrowRecord) UnmarshalJSON(data []byte) error {
	var raw escrowJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.TradeID, e.Asset, e.balance = raw.TradeID, raw.Asset, raw.Balance
	return nil
}
