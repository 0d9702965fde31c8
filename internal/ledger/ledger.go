// Package ledger custodies asset balances for traders and trade vaults.
//
// Every movement is part of a batch keyed by a caller-chosen reference.
// A batch applies completely or not at all, and re-applying the same
// reference with the same transfers is a no-op. Reversing a batch undoes its
// legs and reopens the reference, so the next Apply moves the funds again.
// Escrow vaults are ordinary accounts named "escrow:<tradeID>".
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/tradeescrow/internal/trade"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidTransfer     = errors.New("invalid transfer")
	ErrReferenceConflict   = errors.New("reference already used for a different batch")
	ErrEmptyReference      = errors.New("reference required")
)

// Entry is one side of an applied transfer.
type Entry struct {
	ID           int64     `json:"id"`
	Reference    string    `json:"reference"`
	Account      string    `json:"account"`
	Counterparty string    `json:"counterparty"`
	Asset        string    `json:"asset"`
	Amount       uint64    `json:"amount,string"`
	Type         string    `json:"type"` // credit, debit
	Memo         string    `json:"memo,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Balance is an account's holding of one asset.
type Balance struct {
	Account   string    `json:"account"`
	Asset     string    `json:"asset"`
	Available uint64    `json:"available,string"`
	TotalIn   uint64    `json:"totalIn,string"`
	TotalOut  uint64    `json:"totalOut,string"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists balances. ApplyBatch must be atomic: either every transfer
// is applied and the reference recorded, or nothing changes. It reports
// applied=false when the reference was already recorded with the same
// fingerprint and is not reversed.
//
// ReverseBatch moves every leg of a recorded batch back and marks the
// reference reversed in the same unit of work. It reports reversed=false
// when the reference is unknown or already reversed.
type Store interface {
	ApplyBatch(ctx context.Context, reference, fingerprint string, transfers []trade.Transfer, now time.Time) (applied bool, err error)
	ReverseBatch(ctx context.Context, reference, fingerprint string, transfers []trade.Transfer, now time.Time) (reversed bool, err error)
	Credit(ctx context.Context, reference, account, asset string, amount uint64, now time.Time) (applied bool, err error)
	GetBalance(ctx context.Context, account, asset string) (*Balance, error)
	ListBalances(ctx context.Context, account string) ([]*Balance, error)
	GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error)
}

// Ledger validates batches and hands them to the store.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new ledger.
func New(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// Apply executes transfers atomically. It is idempotent per reference.
func (l *Ledger) Apply(ctx context.Context, reference string, transfers []trade.Transfer) error {
	done := observeOp("apply")
	defer done()

	norm, err := normalizeBatch(reference, transfers)
	if err != nil {
		return err
	}
	applied, err := l.store.ApplyBatch(ctx, reference, Fingerprint(norm), norm, l.now())
	if err != nil {
		LedgerFailuresTotal.WithLabelValues("apply").Inc()
		return err
	}
	if !applied {
		l.logger.Debug("ledger batch already applied", "reference", reference)
		return nil
	}
	for _, t := range norm {
		LedgerVolumeTotal.WithLabelValues(t.Asset).Add(float64(t.Amount))
	}
	l.logger.Info("ledger batch applied", "reference", reference, "transfers", len(norm))
	return nil
}

// Reverse undoes the batch recorded under reference. transfers must be the
// batch originally applied. A later Apply of the same reference and
// transfers executes again instead of being treated as a replay.
func (l *Ledger) Reverse(ctx context.Context, reference string, transfers []trade.Transfer) error {
	done := observeOp("reverse")
	defer done()

	norm, err := normalizeBatch(reference, transfers)
	if err != nil {
		return err
	}
	reversed, err := l.store.ReverseBatch(ctx, reference, Fingerprint(norm), norm, l.now())
	if err != nil {
		LedgerFailuresTotal.WithLabelValues("reverse").Inc()
		return err
	}
	if !reversed {
		l.logger.Debug("ledger batch not reversible", "reference", reference)
		return nil
	}
	l.logger.Warn("ledger batch reversed", "reference", reference, "transfers", len(norm))
	return nil
}

func normalizeBatch(reference string, transfers []trade.Transfer) ([]trade.Transfer, error) {
	if reference == "" {
		return nil, ErrEmptyReference
	}
	if len(transfers) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidTransfer)
	}
	norm := make([]trade.Transfer, len(transfers))
	for i, t := range transfers {
		t.From = normalize(t.From)
		t.To = normalize(t.To)
		switch {
		case t.Amount == 0:
			return nil, fmt.Errorf("%w: transfer %d", ErrInvalidAmount, i)
		case t.From == "" || t.To == "" || t.Asset == "":
			return nil, fmt.Errorf("%w: transfer %d missing account or asset", ErrInvalidTransfer, i)
		case t.From == t.To:
			return nil, fmt.Errorf("%w: transfer %d to itself", ErrInvalidTransfer, i)
		}
		norm[i] = t
	}
	return norm, nil
}

// Deposit credits an account from outside the ledger. The reference makes
// replays of the same deposit a no-op.
func (l *Ledger) Deposit(ctx context.Context, reference, account, asset string, amount uint64) error {
	done := observeOp("deposit")
	defer done()

	if reference == "" {
		return ErrEmptyReference
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	account = normalize(account)
	if account == "" || asset == "" {
		return ErrInvalidTransfer
	}
	if _, err := l.store.Credit(ctx, "deposit:"+reference, account, asset, amount, l.now()); err != nil {
		LedgerFailuresTotal.WithLabelValues("deposit").Inc()
		return err
	}
	return nil
}

// Balance returns an account's holding of asset. Unknown accounts hold zero.
func (l *Ledger) Balance(ctx context.Context, account, asset string) (*Balance, error) {
	return l.store.GetBalance(ctx, normalize(account), asset)
}

// Balances returns every asset held by account.
func (l *Ledger) Balances(ctx context.Context, account string) ([]*Balance, error) {
	return l.store.ListBalances(ctx, normalize(account))
}

// History returns the newest entries of account.
func (l *Ledger) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, normalize(account), limit)
}

// Fingerprint identifies the content of a batch.
func Fingerprint(transfers []trade.Transfer) string {
	h := sha256.New()
	for _, t := range transfers {
		h.Write([]byte(t.From))
		h.Write([]byte{0})
		h.Write([]byte(t.To))
		h.Write([]byte{0})
		h.Write([]byte(t.Asset))
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatUint(t.Amount, 10)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// reversal is the leg that undoes t.
func reversal(t trade.Transfer) trade.Transfer {
	return trade.Transfer{From: t.To, To: t.From, Asset: t.Asset, Amount: t.Amount, Memo: "reverse " + t.Memo}
}

func normalize(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}

var _ trade.Ledger = (*Ledger)(nil)
