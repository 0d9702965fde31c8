package arbitration

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists arbitrator pools and randomness requests.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed arbitration store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const arbitratorColumns = `address, currency, reputation, case_load, max_cases,
		       total_cases, resolved_cases, active, registered_at, updated_at`

func (p *PostgresStore) Upsert(ctx context.Context, a *Arbitrator) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO arbitrators (
			address, currency, reputation, case_load, max_cases,
			total_cases, resolved_cases, active, registered_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (currency, address) DO UPDATE SET
			reputation = EXCLUDED.reputation,
			max_cases = EXCLUDED.max_cases,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		a.Address, a.Currency, int64(a.Reputation), int64(a.CaseLoad), int64(a.MaxCases),
		int64(a.TotalCases), int64(a.ResolvedCases), a.Active, a.RegisteredAt, a.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, currency, addr string) (*Arbitrator, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+arbitratorColumns+`
		FROM arbitrators WHERE currency = $1 AND address = $2`, currency, addr)
	a, err := scanArbitrator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArbitratorNotFound
	}
	return a, err
}

func (p *PostgresStore) List(ctx context.Context, currency string) ([]*Arbitrator, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+arbitratorColumns+`
		FROM arbitrators WHERE currency = $1 ORDER BY address`, currency)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Arbitrator
	for rows.Next() {
		a, err := scanArbitrator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountActive(ctx context.Context, currency string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM arbitrators WHERE currency = $1 AND active`, currency).Scan(&n)
	return n, err
}

func (p *PostgresStore) AssignCase(ctx context.Context, currency, addr string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE arbitrators
		SET case_load = case_load + 1, total_cases = total_cases + 1, updated_at = $3
		WHERE currency = $1 AND address = $2 AND active AND case_load < max_cases`,
		currency, addr, now)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	// Work out why the guarded update matched nothing.
	a, err := p.Get(ctx, currency, addr)
	if err != nil {
		return err
	}
	if !a.Active {
		return ErrInactive
	}
	return ErrAtCapacity
}

func (p *PostgresStore) CompleteCase(ctx context.Context, currency, addr string, resolved bool, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE arbitrators
		SET case_load = GREATEST(case_load - 1, 0),
		    resolved_cases = resolved_cases + CASE WHEN $3 THEN 1 ELSE 0 END,
		    updated_at = $4
		WHERE currency = $1 AND address = $2`,
		currency, addr, resolved, now)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrArbitratorNotFound
	}
	return nil
}

const requestColumns = `id, trade_id, currency, status, value, requested_at, deadline, consumed_at`

func (p *PostgresStore) CreateRequest(ctx context.Context, r *RandomnessRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO randomness_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.TradeID, r.Currency, string(r.Status), nullString(r.Value),
		r.RequestedAt, r.Deadline, nullTime(r.ConsumedAt),
	)
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*RandomnessRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM randomness_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) ConsumeRequest(ctx context.Context, id, value string, now time.Time) (*RandomnessRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE randomness_requests
		SET status = 'consumed', value = $2, consumed_at = $3
		WHERE id = $1 AND status = 'pending' AND deadline > $3
		RETURNING `+requestColumns, id, value, now)
	r, err := scanRequest(row)
	if !errors.Is(err, sql.ErrNoRows) {
		return r, err
	}

	existing, err := p.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Status == RandomnessConsumed {
		return nil, ErrRequestConsumed
	}
	return nil, ErrRequestExpired
}

func (p *PostgresStore) RestoreRequest(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE randomness_requests SET status = 'pending', value = NULL, consumed_at = NULL
		WHERE id = $1 AND status = 'consumed'`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.GetRequest(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) FailRequest(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE randomness_requests SET status = 'failed'
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.GetRequest(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanArbitrator(s scanner) (*Arbitrator, error) {
	a := &Arbitrator{}
	var reputation, caseLoad, maxCases, total, resolved int64
	if err := s.Scan(
		&a.Address, &a.Currency, &reputation, &caseLoad, &maxCases,
		&total, &resolved, &a.Active, &a.RegisteredAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.Reputation = uint32(reputation)
	a.CaseLoad = uint32(caseLoad)
	a.MaxCases = uint32(maxCases)
	a.TotalCases = uint64(total)
	a.ResolvedCases = uint64(resolved)
	return a, nil
}

func scanRequest(s scanner) (*RandomnessRequest, error) {
	r := &RandomnessRequest{}
	var (
		status     string
		value      sql.NullString
		consumedAt sql.NullTime
	)
	if err := s.Scan(&r.ID, &r.TradeID, &r.Currency, &status, &value,
		&r.RequestedAt, &r.Deadline, &consumedAt); err != nil {
		return nil, err
	}
	r.Status = RandomnessStatus(status)
	r.Value = value.String
	if consumedAt.Valid {
		r.ConsumedAt = &consumedAt.Time
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
