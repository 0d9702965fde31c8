package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresQuotaStore persists quota windows in PostgreSQL. Each Increment
// runs in a transaction holding the actor's row lock.
type PostgresQuotaStore struct {
	db *sql.DB
}

// NewPostgresQuotaStore creates a PostgreSQL-backed quota store.
func NewPostgresQuotaStore(db *sql.DB) *PostgresQuotaStore {
	return &PostgresQuotaStore{db: db}
}

func (p *PostgresQuotaStore) Increment(ctx context.Context, actor string, fn func(*Window) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Make sure a row exists so FOR UPDATE has something to lock.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trade_quotas (actor, day, counts)
		VALUES ($1, '1970-01-01', $2)
		ON CONFLICT (actor) DO NOTHING`, actor, pq.Array(make([]int64, NumActions))); err != nil {
		return err
	}

	w, err := scanWindow(tx.QueryRowContext(ctx,
		`SELECT actor, day, counts FROM trade_quotas WHERE actor = $1 FOR UPDATE`, actor))
	if err != nil {
		return err
	}
	if err := fn(w); err != nil {
		return err
	}

	counts := make([]int64, NumActions)
	for i, c := range w.Counts {
		counts[i] = int64(c)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE trade_quotas SET day = $2, counts = $3 WHERE actor = $1`,
		actor, w.Day, pq.Array(counts)); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresQuotaStore) Get(ctx context.Context, actor string) (*Window, error) {
	w, err := scanWindow(p.db.QueryRowContext(ctx,
		`SELECT actor, day, counts FROM trade_quotas WHERE actor = $1`, actor))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

func scanWindow(row *sql.Row) (*Window, error) {
	w := &Window{}
	var counts pq.Int64Array
	if err := row.Scan(&w.Actor, &w.Day, &counts); err != nil {
		return nil, err
	}
	if len(counts) > int(NumActions) {
		return nil, fmt.Errorf("quota row for %s has %d counters", w.Actor, len(counts))
	}
	for i, c := range counts {
		w.Counts[i] = uint32(c)
	}
	w.Day = Day(w.Day)
	return w, nil
}

var _ QuotaStore = (*PostgresQuotaStore)(nil)
