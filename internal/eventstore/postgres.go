package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/forgegate/hub/internal/project"
)

// ============================================================================
// POSTGRES EVENT STORE - append-only rows keyed by (aggregate_id, sequence)
// ============================================================================

// Schema applied on startup. Events are immutable rows; the composite
// primary key is the append-atomicity guarantee.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS project_events (
	aggregate_id TEXT        NOT NULL,
	sequence     BIGINT      NOT NULL,
	event_id     TEXT        NOT NULL,
	event_type   TEXT        NOT NULL,
	agent_id     TEXT        NOT NULL DEFAULT '',
	path         TEXT        NOT NULL DEFAULT '',
	occurred_at  TIMESTAMPTZ NOT NULL,
	data         JSONB       NOT NULL,
	metadata     JSONB       NOT NULL,
	PRIMARY KEY (aggregate_id, sequence)
);
CREATE INDEX IF NOT EXISTS project_events_time ON project_events (aggregate_id, occurred_at);
CREATE INDEX IF NOT EXISTS project_events_type ON project_events (event_type);
CREATE INDEX IF NOT EXISTS project_events_agent ON project_events (agent_id);
CREATE TABLE IF NOT EXISTS project_snapshots (
	aggregate_id  TEXT        NOT NULL,
	snapshot_time TIMESTAMPTZ NOT NULL,
	version       BIGINT      NOT NULL,
	state         JSONB       NOT NULL,
	PRIMARY KEY (aggregate_id, snapshot_time)
);`

const selectEventCols = `SELECT aggregate_id, sequence, event_id, event_type, agent_id, occurred_at, data, metadata`

// PostgresEventStore persists the log in PostgreSQL via database/sql. A
// batch is one transaction; a duplicate key turns a lost concurrency race
// into ErrSequenceConflict instead of a silent overwrite.
type PostgresEventStore struct {
	db *sql.DB
}

var (
	_ EventStore         = (*PostgresEventStore)(nil)
	_ project.EventStore = (*PostgresEventStore)(nil)
)

// NewPostgresEventStore connects, pings, and ensures the schema.
func NewPostgresEventStore(dsn string) (*PostgresEventStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresEventStore{db: db}, nil
}

// Append inserts the batch inside a single transaction.
func (s *PostgresEventStore) Append(ctx context.Context, events ...*project.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	const insert = `INSERT INTO project_events
		(aggregate_id, sequence, event_id, event_type, agent_id, path, occurred_at, data, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for _, e := range events {
		data, err := json.Marshal(e.Data)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to encode event metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insert,
			e.AggregateID, int64(e.Sequence), e.ID, string(e.Type), e.AgentID, e.Path(),
			e.Timestamp, data, meta); err != nil {
			tx.Rollback()
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return fmt.Errorf("%w: aggregate %s sequence %d", ErrSequenceConflict, e.AggregateID, e.Sequence)
			}
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}
	return nil
}

// Load returns every event for the aggregate in sequence order.
func (s *PostgresEventStore) Load(ctx context.Context, aggregateID string) ([]*project.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEventCols+` FROM project_events WHERE aggregate_id = $1 ORDER BY sequence`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Range returns the aggregate's events with from < occurred_at <= to.
func (s *PostgresEventStore) Range(ctx context.Context, aggregateID string, from, to time.Time) ([]*project.Event, error) {
	return s.Query(ctx, Filter{AggregateID: aggregateID, From: from, To: to})
}

// Query builds a WHERE clause from the set filter fields. The path filter
// also matches the old_path side of moves through the JSONB payload.
func (s *PostgresEventStore) Query(ctx context.Context, f Filter) ([]*project.Event, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, val interface{}) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.AggregateID != "" {
		add("aggregate_id = $%d", f.AggregateID)
	}
	if !f.From.IsZero() {
		add("occurred_at > $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at <= $%d", f.To)
	}
	if f.EventType != "" {
		add("event_type = $%d", string(f.EventType))
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.Path != "" {
		args = append(args, f.Path)
		where = append(where, fmt.Sprintf("(path = $%d OR data->>'old_path' = $%d)", len(args), len(args)))
	}

	q := selectEventCols + " FROM project_events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY aggregate_id, sequence"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Close closes the connection pool.
func (s *PostgresEventStore) Close() error {
	return s.db.Close()
}

func scanEvents(rows *sql.Rows) ([]*project.Event, error) {
	var out []*project.Event
	for rows.Next() {
		var (
			e    project.Event
			seq  int64
			typ  string
			data []byte
			meta []byte
		)
		if err := rows.Scan(&e.AggregateID, &seq, &e.ID, &typ, &e.AgentID, &e.Timestamp, &data, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.Sequence = uint64(seq)
		e.Type = project.EventType(typ)
		if err := json.Unmarshal(data, &e.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode event metadata: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ============================================================================
// POSTGRES SNAPSHOT STORE
// ============================================================================

// PostgresSnapshotStore stores serialized snapshots next to the event rows.
type PostgresSnapshotStore struct {
	db *sql.DB
}

var _ SnapshotStore = (*PostgresSnapshotStore)(nil)

// NewPostgresSnapshotStore reuses the event store's connection pool.
func NewPostgresSnapshotStore(events *PostgresEventStore) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: events.db}
}

// Save upserts the snapshot row for (aggregate, taken-at).
func (s *PostgresSnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.State == nil {
		return fmt.Errorf("snapshot must carry state")
	}
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot state: %w", err)
	}
	const upsert = `INSERT INTO project_snapshots (aggregate_id, snapshot_time, version, state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (aggregate_id, snapshot_time) DO UPDATE SET version = $3, state = $4`
	if _, err := s.db.ExecContext(ctx, upsert, snap.AggregateID, snap.TakenAt, int64(snap.Version), state); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Latest returns the newest snapshot taken at or before the given time, or
// nil when none qualifies.
func (s *PostgresSnapshotStore) Latest(ctx context.Context, aggregateID string, at time.Time) (*Snapshot, error) {
	const q = `SELECT snapshot_time, version, state FROM project_snapshots
		WHERE aggregate_id = $1 AND snapshot_time <= $2
		ORDER BY snapshot_time DESC LIMIT 1`
	var (
		snap  = Snapshot{AggregateID: aggregateID}
		ver   int64
		state []byte
	)
	err := s.db.QueryRowContext(ctx, q, aggregateID, at).Scan(&snap.TakenAt, &ver, &state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	snap.Version = uint64(ver)
	if err := json.Unmarshal(state, &snap.State); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot state: %w", err)
	}
	return &snap, nil
}

// Close is a no-op; the event store owns the pool.
func (s *PostgresSnapshotStore) Close() error { return nil }
