package eventstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/forgegate/hub/internal/project"
)

func storedEvent(agg string, seq uint64, agent, path string, ts time.Time) *project.Event {
	e := project.NewEvent(project.EventFileCreated, agg, seq, agent, "", map[string]string{
		project.KeyPath:    path,
		project.KeyContent: "package main",
	})
	e.Timestamp = ts
	return e
}

// ===== EVENT LOG =====

func TestMemoryAppendRejectsDuplicateSequence(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := store.Append(ctx, storedEvent("proj-1", 1, "agent-1", "/a.go", base)); err != nil {
		t.Fatalf("first append: %v", err)
	}
	err := store.Append(ctx, storedEvent("proj-1", 1, "agent-2", "/b.go", base.Add(time.Second)))
	if !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("want ErrSequenceConflict, got %v", err)
	}

	// other aggregates are unaffected by proj-1's sequence space
	if err := store.Append(ctx, storedEvent("proj-2", 1, "agent-2", "/b.go", base)); err != nil {
		t.Fatalf("append to second aggregate: %v", err)
	}
}

func TestMemoryAppendBatchAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := store.Append(ctx, storedEvent("proj-1", 1, "agent-1", "/a.go", base)); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	batch := []*project.Event{
		storedEvent("proj-1", 2, "agent-1", "/b.go", base.Add(time.Second)),
		storedEvent("proj-1", 2, "agent-1", "/c.go", base.Add(2*time.Second)),
	}
	if err := store.Append(ctx, batch...); !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("want ErrSequenceConflict for conflicting batch, got %v", err)
	}

	events, err := store.Load(ctx, "proj-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("rejected batch leaked: %d events stored", len(events))
	}
}

func TestMemoryLoadSequenceOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 4; i++ {
		e := storedEvent("proj-1", uint64(i), "agent-1", fmt.Sprintf("/f%d.go", i), base.Add(time.Duration(i)*time.Second))
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	events, err := store.Load(ctx, "proj-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("want 4 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Sequence != uint64(i+1) {
			t.Fatalf("event %d has sequence %d", i, e.Sequence)
		}
	}
}

func TestMemoryRangeWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 5; i++ {
		e := storedEvent("proj-1", uint64(i), "agent-1", fmt.Sprintf("/f%d.go", i), base.Add(time.Duration(i)*time.Second))
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	// from is exclusive, to inclusive: the replay window on top of a snapshot
	got, err := store.Range(ctx, "proj-1", base.Add(1*time.Second), base.Add(4*time.Second))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want sequences 2..4, got %d events", len(got))
	}
	if got[0].Sequence != 2 || got[2].Sequence != 4 {
		t.Fatalf("wrong window: first=%d last=%d", got[0].Sequence, got[2].Sequence)
	}
}

func TestMemoryQueryFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a1 := storedEvent("proj-1", 1, "agent-1", "/main.go", base)
	a2 := storedEvent("proj-1", 2, "agent-2", "/util.go", base.Add(time.Second))
	mv := project.NewEvent(project.EventFileMoved, "proj-1", 3, "agent-1", "", map[string]string{
		project.KeyOldPath: "/util.go",
		project.KeyNewPath: "/lib/util.go",
	})
	mv.Timestamp = base.Add(2 * time.Second)
	for _, e := range []*project.Event{a1, a2, mv} {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := store.Append(ctx, storedEvent("proj-2", 1, "agent-1", "/other.go", base)); err != nil {
		t.Fatalf("append: %v", err)
	}

	byAgent, err := store.Query(ctx, Filter{AgentID: "agent-2"})
	if err != nil {
		t.Fatalf("query by agent: %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].ID != a2.ID {
		t.Fatalf("agent filter matched %d events", len(byAgent))
	}

	byType, err := store.Query(ctx, Filter{AggregateID: "proj-1", EventType: project.EventFileMoved})
	if err != nil {
		t.Fatalf("query by type: %v", err)
	}
	if len(byType) != 1 || byType[0].ID != mv.ID {
		t.Fatalf("type filter matched %d events", len(byType))
	}

	// the old path of a move is still reachable by path filter
	byPath, err := store.Query(ctx, Filter{Path: "/util.go"})
	if err != nil {
		t.Fatalf("query by path: %v", err)
	}
	if len(byPath) != 2 {
		t.Fatalf("path filter matched %d events, want create+move", len(byPath))
	}

	limited, err := store.Query(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatalf("query with limit: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit ignored: got %d events", len(limited))
	}
}

// ===== SNAPSHOTS =====

func TestMemorySnapshotLatest(t *testing.T) {
	ctx := context.Background()
	snaps := NewMemorySnapshotStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	times := []time.Time{base, base.Add(time.Hour), base.Add(2 * time.Hour)}
	for i, at := range times {
		st := project.NewProjectState("proj-1")
		if err := st.Apply(storedEvent("proj-1", uint64(i+1), "agent-1", "/main.go", at)); err != nil {
			t.Fatalf("apply: %v", err)
		}
		snap := &Snapshot{AggregateID: "proj-1", TakenAt: at, Version: st.Version, State: st}
		if err := snaps.Save(ctx, snap); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	got, err := snaps.Latest(ctx, "proj-1", base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got == nil || !got.TakenAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("want the middle snapshot, got %+v", got)
	}

	none, err := snaps.Latest(ctx, "proj-1", base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("latest before first: %v", err)
	}
	if none != nil {
		t.Fatalf("want nil before the first snapshot, got %+v", none)
	}

	missing, err := snaps.Latest(ctx, "proj-9", base)
	if err != nil || missing != nil {
		t.Fatalf("unknown aggregate: snap=%v err=%v", missing, err)
	}
}

func TestMemorySnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	snaps := NewMemorySnapshotStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	st := project.NewProjectState("proj-1")
	if err := st.Apply(storedEvent("proj-1", 1, "agent-1", "/main.go", base)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := snaps.Save(ctx, &Snapshot{AggregateID: "proj-1", TakenAt: base, Version: st.Version, State: st}); err != nil {
		t.Fatalf("save: %v", err)
	}

	// mutating the original state after Save must not reach the stored copy
	mod := project.NewEvent(project.EventFileModified, "proj-1", 2, "agent-1", "", map[string]string{
		project.KeyPath:    "/main.go",
		project.KeyContent: "changed",
	})
	mod.Timestamp = base.Add(time.Second)
	if err := st.Apply(mod); err != nil {
		t.Fatalf("apply modification: %v", err)
	}

	got, err := snaps.Latest(ctx, "proj-1", base)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	fv := got.State.Files["/main.go"]
	if fv == nil || fv.Content != "package main" {
		t.Fatalf("stored snapshot mutated: %+v", fv)
	}

	// mutating the returned copy must not reach the store either
	got.State.DeletedFiles["/main.go"] = true
	again, err := snaps.Latest(ctx, "proj-1", base)
	if err != nil {
		t.Fatalf("second latest: %v", err)
	}
	if again.State.DeletedFiles["/main.go"] {
		t.Fatal("returned snapshot aliases the stored one")
	}
}

// ===== KV SNAPSHOTS =====

type fakeKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeKV() *fakeKV { return &fakeKV{data: map[string][]byte{}} }

func (f *fakeKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	f.data[key] = cp
	return nil
}

func (f *fakeKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func TestKVSnapshotStore(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	snaps := NewKVSnapshotStore(kv, "", time.Hour)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	st := project.NewProjectState("proj-1")
	if err := st.Apply(storedEvent("proj-1", 1, "agent-1", "/main.go", base)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	newer := &Snapshot{AggregateID: "proj-1", TakenAt: base.Add(time.Hour), Version: st.Version, State: st}
	if err := snaps.Save(ctx, newer); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := snaps.Latest(ctx, "proj-1", base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got == nil || !got.TakenAt.Equal(newer.TakenAt) || got.Version != 1 {
		t.Fatalf("round trip lost the snapshot: %+v", got)
	}
	if got.State.Files["/main.go"] == nil {
		t.Fatal("round trip lost file state")
	}

	// targets before the stored snapshot miss and force a full replay
	miss, err := snaps.Latest(ctx, "proj-1", base)
	if err != nil || miss != nil {
		t.Fatalf("want miss for earlier target: snap=%v err=%v", miss, err)
	}

	// an older save must not clobber the newer stored snapshot
	older := &Snapshot{AggregateID: "proj-1", TakenAt: base, Version: 0, State: project.NewProjectState("proj-1")}
	if err := snaps.Save(ctx, older); err != nil {
		t.Fatalf("older save: %v", err)
	}
	still, err := snaps.Latest(ctx, "proj-1", base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("latest after older save: %v", err)
	}
	if still == nil || !still.TakenAt.Equal(newer.TakenAt) {
		t.Fatalf("older save clobbered the stored snapshot: %+v", still)
	}
}
