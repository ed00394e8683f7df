// Package postgres provides the PostgreSQL-backed implementation of the
// store interfaces. All operations go through a single pgx connection pool
// and are safe for concurrent use across call sessions.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxline-ai/voxline/internal/store"
)

// Compile-time interface checks.
var (
	_ store.CallStore       = (*Store)(nil)
	_ store.TranscriptStore = (*Store)(nil)
)

// Store is the PostgreSQL-backed call and transcript store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and runs [Migrate] to ensure all required tables exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates the calls, transcript_entries, and call_summaries tables
// if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	status      TEXT NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS calls_owner_idx ON calls (owner_id, started_at DESC);

CREATE TABLE IF NOT EXISTS transcript_entries (
	id         BIGSERIAL PRIMARY KEY,
	call_id    TEXT NOT NULL REFERENCES calls (id) ON DELETE CASCADE,
	speaker    TEXT NOT NULL,
	content    TEXT NOT NULL,
	at         TIMESTAMPTZ NOT NULL,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS transcript_entries_call_idx ON transcript_entries (call_id, at);

CREATE TABLE IF NOT EXISTS call_summaries (
	call_id    TEXT PRIMARY KEY REFERENCES calls (id) ON DELETE CASCADE,
	summary    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateCall implements store.CallStore.
func (s *Store) CreateCall(ctx context.Context, call store.Call) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO calls (id, owner_id, started_at, status, duration_ms)
		 VALUES ($1, $2, $3, $4, $5)`,
		call.ID, call.OwnerID, call.StartedAt, call.Status, call.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres store: create call %s: %w", call.ID, err)
	}
	return nil
}

// UpdateCallStatus implements store.CallStore.
func (s *Store) UpdateCallStatus(ctx context.Context, callID, status string, duration time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE calls SET status = $2, duration_ms = $3 WHERE id = $1`,
		callID, status, duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres store: update call %s: %w", callID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: update call %s: no such call", callID)
	}
	return nil
}

// SaveTranscript implements store.TranscriptStore. All entries are written
// in one batch.
func (s *Store) SaveTranscript(ctx context.Context, callID string, entries []store.TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO transcript_entries (call_id, speaker, content, at, confidence)
			 VALUES ($1, $2, $3, $4, $5)`,
			callID, e.Speaker, e.Text, e.At, e.Confidence,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres store: save transcript for call %s: %w", callID, err)
		}
	}
	return nil
}

// SaveSummary implements store.TranscriptStore. A second save for the same
// call replaces the earlier summary.
func (s *Store) SaveSummary(ctx context.Context, callID string, summary store.Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("postgres store: marshal summary for call %s: %w", callID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO call_summaries (call_id, summary) VALUES ($1, $2)
		 ON CONFLICT (call_id) DO UPDATE SET summary = EXCLUDED.summary, created_at = now()`,
		callID, data,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save summary for call %s: %w", callID, err)
	}
	return nil
}

// ListCallsByOwner returns the owner's calls, newest first, up to limit.
func (s *Store) ListCallsByOwner(ctx context.Context, ownerID string, limit int) ([]store.Call, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, started_at, status, duration_ms
		 FROM calls WHERE owner_id = $1
		 ORDER BY started_at DESC LIMIT $2`,
		ownerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list calls for owner %s: %w", ownerID, err)
	}

	calls, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Call, error) {
		var (
			c          store.Call
			durationMS int64
		)
		err := row.Scan(&c.ID, &c.OwnerID, &c.StartedAt, &c.Status, &durationMS)
		c.Duration = time.Duration(durationMS) * time.Millisecond
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan calls for owner %s: %w", ownerID, err)
	}
	return calls, nil
}

// Ping reports whether the database is reachable. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
