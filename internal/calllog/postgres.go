package calllog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface assertion.
var _ Store = (*PostgresStore)(nil)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id                TEXT         PRIMARY KEY,
    channel_id        TEXT         NOT NULL,
    caller            TEXT         NOT NULL DEFAULT '',
    started_at        TIMESTAMPTZ  NOT NULL,
    ended_at          TIMESTAMPTZ  NOT NULL,
    reason            TEXT         NOT NULL DEFAULT '',
    packets_received  BIGINT       NOT NULL DEFAULT 0,
    packets_sent      BIGINT       NOT NULL DEFAULT 0,
    bytes_received    BIGINT       NOT NULL DEFAULT 0,
    turns             INTEGER      NOT NULL DEFAULT 0,
    transcript        TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls (started_at DESC);
CREATE INDEX IF NOT EXISTS idx_calls_channel_id ON calls (channel_id);
`

const selectColumns = `id, channel_id, caller, started_at, ended_at, reason,
       packets_received, packets_sent, bytes_received, turns, transcript`

// PostgresStore is a [Store] backed by a PostgreSQL calls table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, pings the server and runs [Migrate].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("calllog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the calls table and its indexes if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCalls); err != nil {
		return fmt.Errorf("create calls table: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// Write implements [Store].
func (s *PostgresStore) Write(ctx context.Context, r Record) error {
	const q = `
		INSERT INTO calls
		    (id, channel_id, caller, started_at, ended_at, reason,
		     packets_received, packets_sent, bytes_received, turns, transcript)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
		    channel_id       = EXCLUDED.channel_id,
		    caller           = EXCLUDED.caller,
		    started_at       = EXCLUDED.started_at,
		    ended_at         = EXCLUDED.ended_at,
		    reason           = EXCLUDED.reason,
		    packets_received = EXCLUDED.packets_received,
		    packets_sent     = EXCLUDED.packets_sent,
		    bytes_received   = EXCLUDED.bytes_received,
		    turns            = EXCLUDED.turns,
		    transcript       = EXCLUDED.transcript`

	_, err := s.pool.Exec(ctx, q,
		r.ID, r.ChannelID, r.Caller, r.StartedAt, r.EndedAt, r.Reason,
		int64(r.PacketsReceived), int64(r.PacketsSent), int64(r.BytesReceived),
		r.Turns, r.Transcript,
	)
	if err != nil {
		return fmt.Errorf("calllog: write %s: %w", r.ID, err)
	}
	return nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+selectColumns+" FROM calls WHERE id = $1", id)
	if err != nil {
		return Record{}, fmt.Errorf("calllog: get %s: %w", id, err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("calllog: get %s: %w", id, err)
	}
	return r, nil
}

// Recent implements [Store].
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		"SELECT "+selectColumns+" FROM calls ORDER BY started_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("calllog: recent: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("calllog: scan rows: %w", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

func scanRecord(row pgx.CollectableRow) (Record, error) {
	var (
		r                  Record
		recv, sent, nbytes int64
	)
	err := row.Scan(
		&r.ID, &r.ChannelID, &r.Caller, &r.StartedAt, &r.EndedAt, &r.Reason,
		&recv, &sent, &nbytes, &r.Turns, &r.Transcript,
	)
	r.PacketsReceived, r.PacketsSent, r.BytesReceived = uint64(recv), uint64(sent), uint64(nbytes)
	return r, err
}
