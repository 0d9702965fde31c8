package trade

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// PostgresStore persists trades in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tradeColumns = `id, offer_id, direction, maker, taker, buyer, seller, arbitrator,
		       currency, asset, amount, locked_price, fiat_amount, state,
		       buyer_contact, seller_contact, escrow_balance, dispute, history,
		       created_at, updated_at, expires_at, funded_at, fiat_confirmed_at,
		       dispute_window_opens_at, closed_at, version`

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	disputeJSON, historyJSON, err := encodeDocuments(t)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, offer_id, direction, maker, taker, buyer, seller, arbitrator,
			currency, asset, amount, locked_price, fiat_amount, state,
			buyer_contact, seller_contact, escrow_balance, dispute, history,
			created_at, updated_at, expires_at, funded_at, fiat_confirmed_at,
			dispute_window_opens_at, closed_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11::NUMERIC(20,0), $12::NUMERIC(20,0), $13::NUMERIC(20,0), $14,
			$15, $16, $17::NUMERIC(20,0), $18, $19,
			$20, $21, $22, $23, $24,
			$25, $26, 1
		)`,
		t.ID, t.OfferID, string(t.Direction), t.Maker, t.Taker, t.Buyer, t.Seller, nullString(t.Arbitrator),
		t.Currency, t.Asset, u64(t.Amount), u64(t.LockedPrice), u64(t.FiatAmount), string(t.State),
		nullString(t.BuyerContact), nullString(t.SellerContact), u64(t.Escrow.Balance()), disputeJSON, historyJSON,
		t.CreatedAt, t.UpdatedAt, t.ExpiresAt, nullTime(t.FundedAt), nullTime(t.FiatConfirmedAt),
		nullTime(t.DisputeWindowOpensAt), nullTime(t.ClosedAt),
	)
	if err != nil {
		return err
	}
	t.Version = 1
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)

	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Trade) error {
	disputeJSON, historyJSON, err := encodeDocuments(t)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET
			arbitrator = $1, state = $2, buyer_contact = $3, seller_contact = $4,
			escrow_balance = $5::NUMERIC(20,0), dispute = $6, history = $7,
			updated_at = $8, expires_at = $9, funded_at = $10, fiat_confirmed_at = $11,
			dispute_window_opens_at = $12, closed_at = $13, version = version + 1
		WHERE id = $14 AND version = $15`,
		nullString(t.Arbitrator), string(t.State), nullString(t.BuyerContact), nullString(t.SellerContact),
		u64(t.Escrow.Balance()), disputeJSON, historyJSON,
		t.UpdatedAt, t.ExpiresAt, nullTime(t.FundedAt), nullTime(t.FiatConfirmedAt),
		nullTime(t.DisputeWindowOpensAt), nullTime(t.ClosedAt),
		t.ID, t.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM trades WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTradeNotFound
		}
		return ErrConcurrentUpdate
	}
	t.Version++
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM trades WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTradeNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr string, limit int, opts ...ListOption) ([]*Trade, error) {
	if c := applyListOpts(opts).cursor; c != nil {
		return p.query(ctx, `
			SELECT `+tradeColumns+`
			FROM trades
			WHERE (buyer = $1 OR seller = $1)
			  AND (created_at < $3 OR (created_at = $3 AND id > $4))
			ORDER BY created_at DESC, id
			LIMIT $2`, addr, limit, c.At, c.ID)
	}
	return p.query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE buyer = $1 OR seller = $1
		ORDER BY created_at DESC, id
		LIMIT $2`, addr, limit)
}

func (p *PostgresStore) ListByState(ctx context.Context, state State, limit int) ([]*Trade, error) {
	return p.query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE state = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(state), limit)
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Trade, error) {
	return p.query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE state IN ('request_created', 'request_accepted', 'escrow_funded')
		  AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Trade, error) {
	return p.query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE closed_at IS NOT NULL AND closed_at <= $1
		ORDER BY closed_at
		LIMIT $2`, cutoff, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func encodeDocuments(t *Trade) (dispute, history []byte, err error) {
	dispute = []byte("null")
	if t.Dispute != nil {
		if dispute, err = json.Marshal(t.Dispute); err != nil {
			return nil, nil, fmt.Errorf("encode dispute: %w", err)
		}
	}
	if history, err = json.Marshal(t.History); err != nil {
		return nil, nil, fmt.Errorf("encode history: %w", err)
	}
	return dispute, history, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(s scanner) (*Trade, error) {
	t := &Trade{}
	var (
		direction, state                         string
		arbitrator, buyerContact, sellerContact  sql.NullString
		amount, lockedPrice, fiatAmount, balance string
		disputeJSON, historyJSON                 []byte
		fundedAt, fiatConfirmedAt                sql.NullTime
		disputeOpensAt, closedAt                 sql.NullTime
	)
	err := s.Scan(
		&t.ID, &t.OfferID, &direction, &t.Maker, &t.Taker, &t.Buyer, &t.Seller, &arbitrator,
		&t.Currency, &t.Asset, &amount, &lockedPrice, &fiatAmount, &state,
		&buyerContact, &sellerContact, &balance, &disputeJSON, &historyJSON,
		&t.CreatedAt, &t.UpdatedAt, &t.ExpiresAt, &fundedAt, &fiatConfirmedAt,
		&disputeOpensAt, &closedAt, &t.Version,
	)
	if err != nil {
		return nil, err
	}

	t.Direction = Direction(direction)
	t.State = State(state)
	t.Arbitrator = arbitrator.String
	t.BuyerContact = buyerContact.String
	t.SellerContact = sellerContact.String
	for _, f := range []struct {
		dst *uint64
		src string
	}{{&t.Amount, amount}, {&t.LockedPrice, lockedPrice}, {&t.FiatAmount, fiatAmount}, {&t.Escrow.balance, balance}} {
		if *f.dst, err = strconv.ParseUint(f.src, 10, 64); err != nil {
			return nil, fmt.Errorf("trade %s: bad amount %q: %w", t.ID, f.src, err)
		}
	}
	t.Escrow.TradeID = t.ID
	t.Escrow.Asset = t.Asset
	if fundedAt.Valid {
		t.FundedAt = &fundedAt.Time
	}
	if fiatConfirmedAt.Valid {
		t.FiatConfirmedAt = &fiatConfirmedAt.Time
	}
	if disputeOpensAt.Valid {
		t.DisputeWindowOpensAt = &disputeOpensAt.Time
	}
	if closedAt.Valid {
		t.ClosedAt = &closedAt.Time
	}
	if len(disputeJSON) > 0 && string(disputeJSON) != "null" {
		t.Dispute = &Dispute{}
		if err := json.Unmarshal(disputeJSON, t.Dispute); err != nil {
			return nil, fmt.Errorf("trade %s: decode dispute: %w", t.ID, err)
		}
	}
	t.History = NewHistory(DefaultHistoryCapacity)
	if len(historyJSON) > 0 && string(historyJSON) != "null" {
		if err := json.Unmarshal(historyJSON, t.History); err != nil {
			return nil, fmt.Errorf("trade %s: decode history: %w", t.ID, err)
		}
	}
	return t, nil
}

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
