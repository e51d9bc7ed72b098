package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	settler "github.com/railpay/settler"
)

// PostgresSink appends settlement events to a relational table for
// operational queries ("what happened to this payroll run?"). The table is
// insert-only; nothing in the engine updates or deletes rows.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// Schema is the DDL for the events table, applied by migrations outside the
// engine.
const Schema = `
CREATE TABLE IF NOT EXISTS settlement_events (
	id            BIGSERIAL PRIMARY KEY,
	settlement_id TEXT        NOT NULL,
	from_state    TEXT        NOT NULL DEFAULT '',
	to_state      TEXT        NOT NULL DEFAULT '',
	action        TEXT        NOT NULL,
	reason        TEXT        NOT NULL DEFAULT '',
	tx_hash       TEXT        NOT NULL DEFAULT '',
	occurred_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS settlement_events_settlement_id_idx
	ON settlement_events (settlement_id, occurred_at);
`

// NewPostgresSink creates a sink over an existing connection pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// OpenPostgresSink connects to the given database URL and returns a sink.
func OpenPostgresSink(ctx context.Context, databaseURL string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}
	return NewPostgresSink(pool), nil
}

// Record inserts the event.
func (s *PostgresSink) Record(ctx context.Context, event settler.AuditEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlement_events
			(settlement_id, from_state, to_state, action, reason, tx_hash, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.SettlementID,
		string(event.From),
		string(event.To),
		string(event.Action),
		event.Reason,
		event.TxHash,
		event.At,
	)
	if err != nil {
		return fmt.Errorf("failed to insert settlement event: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}

// Ensure PostgresSink implements settler.AuditSink
var _ settler.AuditSink = (*PostgresSink)(nil)
