// Package eventstore persists the project event log. Every backend keeps the
// same contract: Append lands a batch atomically and rejects duplicate
// (aggregate, sequence) pairs, Load replays one aggregate in sequence order,
// Range serves the time-travel window (from, to], and Query runs filtered
// scans for audit and analysis tooling.
package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/forgegate/hub/internal/project"
)

// ErrSequenceConflict reports an append that would reuse a stored
// (aggregate, sequence) pair. Callers treat it as a lost optimistic
// concurrency race: reload the aggregate and retry the command.
var ErrSequenceConflict = errors.New("event sequence conflict")

// Filter narrows a Query scan. Zero fields match everything. From is
// exclusive and To inclusive, matching the replay window; Limit caps the
// result count after filtering, zero meaning unbounded.
type Filter struct {
	AggregateID string
	From        time.Time
	To          time.Time
	EventType   project.EventType
	AgentID     string
	Path        string
	Limit       int
}

// EventStore is the full persistence surface. The project manager consumes
// only Append and Load; the reconstructor and audit tooling use Range and
// Query.
type EventStore interface {
	Append(ctx context.Context, events ...*project.Event) error
	Load(ctx context.Context, aggregateID string) ([]*project.Event, error)
	Range(ctx context.Context, aggregateID string, from, to time.Time) ([]*project.Event, error)
	Query(ctx context.Context, f Filter) ([]*project.Event, error)
	Close() error
}

// Snapshot is a point-in-time copy of derived project state, keyed by
// (aggregate, taken-at). Replaying events with timestamp > TakenAt on top of
// State reproduces the live aggregate.
type Snapshot struct {
	AggregateID string                `json:"aggregate_id"`
	TakenAt     time.Time             `json:"taken_at"`
	Version     uint64                `json:"version"`
	State       *project.ProjectState `json:"state"`
}

// SnapshotStore persists snapshots. Latest returns the newest snapshot with
// TakenAt at or before the given time, or nil when none qualifies.
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	Latest(ctx context.Context, aggregateID string, at time.Time) (*Snapshot, error)
	Close() error
}

// matches applies every set filter field except Limit.
func (f Filter) matches(e *project.Event) bool {
	if f.AggregateID != "" && e.AggregateID != f.AggregateID {
		return false
	}
	if !f.From.IsZero() && !e.Timestamp.After(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.EventType != "" && e.Type != f.EventType {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.Path != "" {
		hit := false
		for _, p := range e.TouchedPaths() {
			if p == f.Path {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}
