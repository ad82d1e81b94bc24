// Package timetravel reconstructs historical project state from the event
// log: point-in-time rebuilds, per-file history, session replay, diffs
// between two instants, and concurrent-edit analysis.
package timetravel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/forgegate/hub/internal/eventstore"
	"github.com/forgegate/hub/internal/metrics"
	"github.com/forgegate/hub/internal/project"
)

const (
	defaultMemoTTL  = 30 * time.Minute
	defaultMemoSize = 100
)

// Options tune the reconstructor.
type Options struct {
	MemoTTL       time.Duration // rebuild memo entry lifetime, default 30m
	MemoSize      int           // rebuild memo capacity, default 100
	SnapshotAfter int           // save a snapshot after replaying this many events, 0 disables
}

// Reconstructor rebuilds project state as of any instant. Rebuilds are
// memoized per (project, target second); the memo owns its entries and every
// caller gets a clone.
type Reconstructor struct {
	events        eventstore.EventStore
	snaps         eventstore.SnapshotStore // optional
	memo          *memoCache
	snapshotAfter int
	perf          *metrics.PerfTracker
	logger        *log.Logger
}

// NewReconstructor wires the stores. snaps may be nil; every rebuild then
// replays from sequence one. perf may be nil.
func NewReconstructor(events eventstore.EventStore, snaps eventstore.SnapshotStore, perf *metrics.PerfTracker, opts Options) *Reconstructor {
	if opts.MemoTTL <= 0 {
		opts.MemoTTL = defaultMemoTTL
	}
	if opts.MemoSize <= 0 {
		opts.MemoSize = defaultMemoSize
	}
	if perf == nil {
		perf = metrics.NewPerfTracker()
	}
	return &Reconstructor{
		events:        events,
		snaps:         snaps,
		memo:          newMemoCache(opts.MemoTTL, opts.MemoSize),
		snapshotAfter: opts.SnapshotAfter,
		perf:          perf,
		logger:        log.New(log.Writer(), "[TimeTravel] ", log.LstdFlags),
	}
}

// Rebuild returns the project state as of target. The memo key has second
// granularity: two targets inside the same second share one result.
func (r *Reconstructor) Rebuild(ctx context.Context, projectID string, target time.Time) (*project.ProjectState, error) {
	started := time.Now()
	key := memoKey(projectID, target)
	if st, ok := r.memo.get(key, started); ok {
		r.perf.Record("rebuild_memo", time.Since(started))
		return st.Clone(), nil
	}

	state, from := r.baseState(ctx, projectID, target)

	events, err := r.events.Range(ctx, projectID, from, target)
	if err != nil {
		return nil, fmt.Errorf("failed to query replay window: %w", err)
	}
	for _, e := range events {
		if err := state.Apply(e); err != nil {
			if errors.Is(err, project.ErrStaleEvent) {
				continue // boundary overlap with the snapshot
			}
			return nil, fmt.Errorf("failed to replay event %d: %w", e.Sequence, err)
		}
	}

	r.memo.put(key, state, time.Now())
	r.maybeSnapshot(ctx, state, len(events))
	r.perf.Record("rebuild", time.Since(started))
	return state.Clone(), nil
}

// baseState finds the best snapshot at or before target, or an empty state.
// The replay window opens one nanosecond before the snapshot so a boundary
// event is replayed and dropped by the stale guard rather than skipped.
func (r *Reconstructor) baseState(ctx context.Context, projectID string, target time.Time) (*project.ProjectState, time.Time) {
	if r.snaps == nil {
		return project.NewProjectState(projectID), time.Time{}
	}
	snap, err := r.snaps.Latest(ctx, projectID, target)
	if err != nil {
		r.logger.Printf("Snapshot lookup failed for %s: %v; replaying from genesis", projectID, err)
		return project.NewProjectState(projectID), time.Time{}
	}
	if snap == nil || snap.State == nil {
		return project.NewProjectState(projectID), time.Time{}
	}
	return snap.State.Clone(), snap.TakenAt.Add(-time.Nanosecond)
}

// maybeSnapshot writes the rebuilt state back as a snapshot when the replay
// was long enough to be worth never doing again.
func (r *Reconstructor) maybeSnapshot(ctx context.Context, state *project.ProjectState, replayed int) {
	if r.snaps == nil || r.snapshotAfter <= 0 || replayed < r.snapshotAfter {
		return
	}
	snap := &eventstore.Snapshot{
		AggregateID: state.ProjectID,
		TakenAt:     state.UpdatedAt,
		Version:     state.Version,
		State:       state,
	}
	if err := r.snaps.Save(ctx, snap); err != nil {
		r.logger.Printf("Snapshot save failed for %s: %v", state.ProjectID, err)
	}
}

// MemoSize reports how many rebuilt states the memo currently holds.
func (r *Reconstructor) MemoSize() int {
	return r.memo.size()
}

// Perf exposes the rolling latency tracker for the debug surface.
func (r *Reconstructor) Perf() *metrics.PerfTracker {
	return r.perf
}

func memoKey(projectID string, target time.Time) string {
	return projectID + "@" + target.UTC().Format(time.RFC3339)
}
