package trade

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"
)

// PostgresEventStore implements EventStore using PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (s *PostgresEventStore) Append(ctx context.Context, e Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trade_events (trade_id, kind, actor, from_state, to_state, parties, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7::JSONB, '{}'), $8)
	`, e.TradeID, string(e.Kind), e.Actor, string(e.From), string(e.To), pq.Array(e.Parties), data, e.At)
	return err
}

// ListByTrade returns up to limit events, oldest first.
func (s *PostgresEventStore) ListByTrade(ctx context.Context, tradeID string, limit int, opts ...ListOption) ([]Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trade_id, kind, actor, from_state, to_state, parties, COALESCE(data::TEXT, '{}'), created_at
		FROM trade_events
		WHERE trade_id = $1 AND id > $3
		ORDER BY id ASC
		LIMIT $2
	`, tradeID, limit, applyListOpts(opts).afterSeq())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			e          Event
			kind, from string
			to, data   string
		)
		if err := rows.Scan(&e.Seq, &e.TradeID, &kind, &e.Actor, &from, &to, pq.Array(&e.Parties), &data, &e.At); err != nil {
			return nil, err
		}
		e.Kind = EventKind(kind)
		e.From = State(from)
		e.To = State(to)
		if data != "{}" && data != "null" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
				return nil, err
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ EventStore = (*PostgresEventStore)(nil)
