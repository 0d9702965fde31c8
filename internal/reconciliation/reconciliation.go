// Package reconciliation checks that every trade's escrow record agrees with
// the ledger balance of its vault account.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/tradeescrow/internal/ledger"
	"github.com/mbd888/tradeescrow/internal/trade"
)

// TradeLister is the slice of trade.Store the checks read.
type TradeLister interface {
	ListByState(ctx context.Context, state trade.State, limit int) ([]*trade.Trade, error)
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*trade.Trade, error)
}

// BalanceReader reads ledger balances.
type BalanceReader interface {
	Balance(ctx context.Context, account, asset string) (*ledger.Balance, error)
}

// Mismatch is one vault whose ledger balance differs from the record.
type Mismatch struct {
	TradeID  string      `json:"tradeId"`
	State    trade.State `json:"state"`
	Recorded uint64      `json:"recorded,string"`
	Ledger   uint64      `json:"ledger,string"`
}

// Result holds the outcome of one reconciliation run.
type Result struct {
	Checked    int        `json:"checked"`
	Held       uint64     `json:"held,string"`
	Mismatches []Mismatch `json:"mismatches"`
	RanAt      time.Time  `json:"ranAt"`
}

// Match reports whether no mismatch was found.
func (r *Result) Match() bool {
	return len(r.Mismatches) == 0
}

// Service performs reconciliation between trade records and the ledger.
type Service struct {
	trades TradeLister
	ledger BalanceReader
	batch  int
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a reconciliation service.
func NewService(trades TradeLister, balances BalanceReader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{trades: trades, ledger: balances, batch: 1000, logger: logger, now: time.Now}
}

var fundedStates = []trade.State{trade.StateEscrowFunded, trade.StateFiatConfirmed, trade.StateEscrowDisputed}

// Check compares the vault of every funded trade, and of up to one batch of
// closed trades, with the ledger. Trades mid-transition can show up as a
// transient mismatch; a mismatch that persists across runs is real.
func (s *Service) Check(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	res := &Result{RanAt: s.now(), Mismatches: []Mismatch{}}

	for _, state := range fundedStates {
		trades, err := s.trades.ListByState(ctx, state, s.batch)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("failed to list %s trades: %w", state, err)
		}
		for _, t := range trades {
			if err := s.compare(ctx, t, res); err != nil {
				return nil, err
			}
		}
	}

	closed, err := s.trades.ListClosedBefore(ctx, res.RanAt, s.batch)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list closed trades: %w", err)
	}
	for _, t := range closed {
		if err := s.compare(ctx, t, res); err != nil {
			return nil, err
		}
	}

	reconcileMismatches.Set(float64(len(res.Mismatches)))
	reconcileHeld.Set(float64(res.Held))
	for _, m := range res.Mismatches {
		s.logger.Error("CRITICAL: escrow vault does not match ledger",
			"trade", m.TradeID, "state", string(m.State), "recorded", m.Recorded, "ledger", m.Ledger)
	}
	return res, nil
}

func (s *Service) compare(ctx context.Context, t *trade.Trade, res *Result) error {
	bal, err := s.ledger.Balance(ctx, trade.VaultAccount(t.ID), t.Asset)
	if err != nil {
		reconcileErrors.Inc()
		return fmt.Errorf("failed to read vault of %s: %w", t.ID, err)
	}
	res.Checked++
	recorded := t.Escrow.Balance()
	held := bal.Available
	res.Held += held
	if recorded != held {
		res.Mismatches = append(res.Mismatches, Mismatch{
			TradeID:  t.ID,
			State:    t.State,
			Recorded: recorded,
			Ledger:   held,
		})
	}
	return nil
}
