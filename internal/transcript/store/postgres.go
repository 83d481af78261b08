// Package store persists conversation transcripts to PostgreSQL so that
// exchanges survive restarts and can be reviewed later.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one persisted line of conversation, either the user's transcribed
// utterance or the assistant's reply text.
type Entry struct {
	CorrelationID uint64
	Role          string
	Text          string
	Timestamp     time.Time
}

// schemaDDL creates the utterances table on first use. Re-running it against
// an existing database is a no-op.
const schemaDDL = `
	CREATE TABLE IF NOT EXISTS utterances (
	    id             BIGSERIAL PRIMARY KEY,
	    correlation_id BIGINT      NOT NULL,
	    role           TEXT        NOT NULL,
	    text           TEXT        NOT NULL,
	    timestamp      TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS utterances_timestamp_idx ON utterances (timestamp);
	CREATE INDEX IF NOT EXISTS utterances_correlation_idx ON utterances (correlation_id);`

// Store writes transcript entries to an utterances table over a pgx
// connection pool. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the PostgreSQL database at dsn, verifies the
// connection, and runs [Migrate] to ensure the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate ensures the utterances table and its indexes exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WriteEntry appends entry to the utterances table. A zero Timestamp is
// replaced with the current time.
func (s *Store) WriteEntry(ctx context.Context, entry Entry) error {
	const q = `
		INSERT INTO utterances (correlation_id, role, text, timestamp)
		VALUES ($1, $2, $3, $4)`

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	// correlation_id is stored as BIGINT; IDs are issued from a counter and
	// never approach the sign bit in practice.
	_, err := s.pool.Exec(ctx, q, int64(entry.CorrelationID), entry.Role, entry.Text, ts)
	if err != nil {
		return fmt.Errorf("transcript store: write entry: %w", err)
	}
	return nil
}

// Recent returns all entries whose timestamp is no earlier than
// time.Now()-window, ordered chronologically (oldest first).
func (s *Store) Recent(ctx context.Context, window time.Duration) ([]Entry, error) {
	const q = `
		SELECT correlation_id, role, text, timestamp
		FROM   utterances
		WHERE  timestamp >= now() - ($1::bigint * interval '1 microsecond')
		ORDER  BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, window.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("transcript store: recent: %w", err)
	}
	return collectEntries(rows)
}

// Exchange returns all entries recorded for a single correlation ID, ordered
// chronologically.
func (s *Store) Exchange(ctx context.Context, correlationID uint64) ([]Entry, error) {
	const q = `
		SELECT correlation_id, role, text, timestamp
		FROM   utterances
		WHERE  correlation_id = $1
		ORDER  BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, int64(correlationID))
	if err != nil {
		return nil, fmt.Errorf("transcript store: exchange: %w", err)
	}
	return collectEntries(rows)
}

// Ping verifies the database connection is still usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e  Entry
			id int64
		)
		if err := row.Scan(&id, &e.Role, &e.Text, &e.Timestamp); err != nil {
			return Entry{}, err
		}
		e.CorrelationID = uint64(id)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}
