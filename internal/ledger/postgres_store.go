package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/tradeescrow/internal/trade"
)

// PostgresStore persists ledger data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// claim records reference inside tx. It returns applied=false when the
// reference already exists with the same fingerprint and is not reversed.
// A reversed reference is reopened.
func claim(ctx context.Context, tx *sql.Tx, reference, fingerprint string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_batches (reference, fingerprint, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (reference) DO NOTHING`, reference, fingerprint, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var existing string
	var reversed bool
	if err := tx.QueryRowContext(ctx, `
		SELECT fingerprint, reversed FROM ledger_batches
		WHERE reference = $1 FOR UPDATE`, reference).Scan(&existing, &reversed); err != nil {
		return false, err
	}
	if existing != fingerprint {
		return false, ErrReferenceConflict
	}
	if !reversed {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ledger_batches SET reversed = FALSE WHERE reference = $1`, reference); err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) ApplyBatch(ctx context.Context, reference, fingerprint string, transfers []trade.Transfer, now time.Time) (bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	fresh, err := claim(ctx, tx, reference, fingerprint, now)
	if err != nil || !fresh {
		return false, err
	}

	if err := moveLegs(ctx, tx, reference, transfers, now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) ReverseBatch(ctx context.Context, reference, fingerprint string, transfers []trade.Transfer, now time.Time) (bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	var reversed bool
	err = tx.QueryRowContext(ctx, `
		SELECT fingerprint, reversed FROM ledger_batches
		WHERE reference = $1 FOR UPDATE`, reference).Scan(&existing, &reversed)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && reversed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if existing != fingerprint {
		return false, ErrReferenceConflict
	}

	back := make([]trade.Transfer, len(transfers))
	for i, t := range transfers {
		back[i] = reversal(t)
	}
	if err := moveLegs(ctx, tx, reference, back, now); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ledger_batches SET reversed = TRUE WHERE reference = $1`, reference); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func moveLegs(ctx context.Context, tx *sql.Tx, reference string, transfers []trade.Transfer, now time.Time) error {
	for _, t := range transfers {
		amount := strconv.FormatUint(t.Amount, 10)
		res, err := tx.ExecContext(ctx, `
			UPDATE ledger_balances
			SET available = available - $3::NUMERIC(20,0),
			    total_out = total_out + $3::NUMERIC(20,0),
			    updated_at = $4
			WHERE account = $1 AND asset = $2 AND available >= $3::NUMERIC(20,0)`,
			t.From, t.Asset, amount, now)
		if err != nil {
			return fmt.Errorf("debit %s: %w", t.From, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrInsufficientBalance
		}
		if err := credit(ctx, tx, t.To, t.Asset, amount, now); err != nil {
			return fmt.Errorf("credit %s: %w", t.To, err)
		}
		if err := insertEntries(ctx, tx, reference, t, amount, now); err != nil {
			return err
		}
	}
	return nil
}

func credit(ctx context.Context, tx *sql.Tx, account, asset, amount string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (account, asset, available, total_in, total_out, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,0), $3::NUMERIC(20,0), 0, $4)
		ON CONFLICT (account, asset) DO UPDATE SET
			available = ledger_balances.available + EXCLUDED.available,
			total_in = ledger_balances.total_in + EXCLUDED.total_in,
			updated_at = EXCLUDED.updated_at`,
		account, asset, amount, now)
	return err
}

func insertEntries(ctx context.Context, tx *sql.Tx, reference string, t trade.Transfer, amount string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (reference, account, counterparty, asset, amount, type, memo, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,0), 'debit', $6, $7),
		       ($1, $3, $2, $4, $5::NUMERIC(20,0), 'credit', $6, $7)`,
		reference, t.From, t.To, t.Asset, amount, t.Memo, now)
	return err
}

func (p *PostgresStore) Credit(ctx context.Context, reference, account, asset string, amount uint64, now time.Time) (bool, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	fresh, err := claim(ctx, tx, reference, "credit:"+account+"|"+asset, now)
	if err != nil || !fresh {
		return false, err
	}
	amt := strconv.FormatUint(amount, 10)
	if err := credit(ctx, tx, account, asset, amt, now); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (reference, account, counterparty, asset, amount, type, memo, created_at)
		VALUES ($1, $2, 'external', $3, $4::NUMERIC(20,0), 'credit', 'deposit', $5)`,
		reference, account, asset, amt, now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, account, asset string) (*Balance, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT account, asset, available::TEXT, total_in::TEXT, total_out::TEXT, updated_at
		FROM ledger_balances WHERE account = $1 AND asset = $2`, account, asset)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{Account: account, Asset: asset}, nil
	}
	return b, err
}

func (p *PostgresStore) ListBalances(ctx context.Context, account string) ([]*Balance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT account, asset, available::TEXT, total_in::TEXT, total_out::TEXT, updated_at
		FROM ledger_balances WHERE account = $1 ORDER BY asset`, account)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, reference, account, counterparty, asset, amount::TEXT, type, COALESCE(memo, ''), created_at
		FROM ledger_entries
		WHERE account = $1
		ORDER BY id DESC
		LIMIT $2`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var amount string
		if err := rows.Scan(&e.ID, &e.Reference, &e.Account, &e.Counterparty, &e.Asset, &amount, &e.Type, &e.Memo, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(s scanner) (*Balance, error) {
	b := &Balance{}
	var available, totalIn, totalOut string
	if err := s.Scan(&b.Account, &b.Asset, &available, &totalIn, &totalOut, &b.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if b.Available, err = strconv.ParseUint(available, 10, 64); err != nil {
		return nil, err
	}
	if b.TotalIn, err = strconv.ParseUint(totalIn, 10, 64); err != nil {
		return nil, err
	}
	if b.TotalOut, err = strconv.ParseUint(totalOut, 10, 64); err != nil {
		return nil, err
	}
	return b, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
