package eventstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/forgegate/hub/internal/project"
)

// MemoryEventStore keeps the log in process memory. It is the default store
// for tests and single-instance deployments without a database.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]*project.Event // per aggregate, ordered by sequence
}

var (
	_ EventStore         = (*MemoryEventStore)(nil)
	_ project.EventStore = (*MemoryEventStore)(nil)
)

// NewMemoryEventStore returns an empty in-memory store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string][]*project.Event)}
}

// Append stores the batch, all or nothing. A sequence that does not advance
// past the last stored one for its aggregate rejects the whole batch with
// ErrSequenceConflict.
func (s *MemoryEventStore) Append(ctx context.Context, events ...*project.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	last := make(map[string]uint64, 1)
	for _, e := range events {
		high, ok := last[e.AggregateID]
		if !ok {
			if stored := s.events[e.AggregateID]; len(stored) > 0 {
				high = stored[len(stored)-1].Sequence
			}
		}
		if e.Sequence <= high {
			return fmt.Errorf("%w: aggregate %s sequence %d", ErrSequenceConflict, e.AggregateID, e.Sequence)
		}
		last[e.AggregateID] = e.Sequence
	}
	for _, e := range events {
		s.events[e.AggregateID] = append(s.events[e.AggregateID], e)
	}
	return nil
}

// Load returns every event for the aggregate in sequence order.
func (s *MemoryEventStore) Load(ctx context.Context, aggregateID string) ([]*project.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.events[aggregateID]
	out := make([]*project.Event, len(stored))
	copy(out, stored)
	return out, nil
}

// Range returns the aggregate's events with from < ts <= to, the window the
// reconstructor replays on top of a snapshot. A zero bound is open.
func (s *MemoryEventStore) Range(ctx context.Context, aggregateID string, from, to time.Time) ([]*project.Event, error) {
	return s.Query(ctx, Filter{AggregateID: aggregateID, From: from, To: to})
}

// Query runs a filtered scan. Without an aggregate filter it walks every
// aggregate in lexical id order so results are deterministic.
func (s *MemoryEventStore) Query(ctx context.Context, f Filter) ([]*project.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if f.AggregateID != "" {
		return s.filterLog(s.events[f.AggregateID], f, nil), nil
	}
	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*project.Event
	for _, id := range ids {
		out = s.filterLog(s.events[id], f, out)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryEventStore) filterLog(stored []*project.Event, f Filter, out []*project.Event) []*project.Event {
	for _, e := range stored {
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Close is a no-op for the in-memory store.
func (s *MemoryEventStore) Close() error { return nil }

// MemorySnapshotStore keeps snapshots sorted by TakenAt per aggregate. The
// store owns its copies: Save clones the state in and Latest clones it out,
// so callers can fold events onto a returned snapshot without corrupting
// the stored one.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string][]*Snapshot
}

var _ SnapshotStore = (*MemorySnapshotStore)(nil)

// NewMemorySnapshotStore returns an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string][]*Snapshot)}
}

// Save stores a deep copy of the snapshot.
func (s *MemorySnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.State == nil {
		return fmt.Errorf("snapshot must carry state")
	}
	stored := &Snapshot{
		AggregateID: snap.AggregateID,
		TakenAt:     snap.TakenAt,
		Version:     snap.Version,
		State:       snap.State.Clone(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.snaps[snap.AggregateID], stored)
	sort.Slice(list, func(i, j int) bool { return list[i].TakenAt.Before(list[j].TakenAt) })
	s.snaps[snap.AggregateID] = list
	return nil
}

// Latest returns a copy of the newest snapshot taken at or before the given
// time, or nil when none qualifies.
func (s *MemorySnapshotStore) Latest(ctx context.Context, aggregateID string, at time.Time) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.snaps[aggregateID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].TakenAt.After(at) {
			continue
		}
		got := list[i]
		return &Snapshot{
			AggregateID: got.AggregateID,
			TakenAt:     got.TakenAt,
			Version:     got.Version,
			State:       got.State.Clone(),
		}, nil
	}
	return nil, nil
}

// Close is a no-op for the in-memory store.
func (s *MemorySnapshotStore) Close() error { return nil }
