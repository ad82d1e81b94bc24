// Package tests exercises the hub end to end: the layered validation
// pipeline, decision recording into the event log and the ledger, expert
// escalation under timeout, the filesystem surface with time travel, the
// aggregate business rules, and optimistic concurrency.
package tests

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/forgegate/hub/internal/audit"
	"github.com/forgegate/hub/internal/cache"
	"github.com/forgegate/hub/internal/core"
	"github.com/forgegate/hub/internal/dispatcher"
	"github.com/forgegate/hub/internal/eventstore"
	"github.com/forgegate/hub/internal/pattern"
	"github.com/forgegate/hub/internal/policy"
	"github.com/forgegate/hub/internal/project"
	"github.com/forgegate/hub/internal/service"
	"github.com/forgegate/hub/internal/session"
	"github.com/forgegate/hub/internal/timetravel"
	"github.com/forgegate/hub/internal/vfs"
)

// newPipeline assembles a dispatcher with the default rule set, an empty
// memory cache, and an untrained classifier. Metrics stay nil so repeated
// pipelines inside one test binary never fight over the Prometheus registry.
func newPipeline(t *testing.T, opts dispatcher.Options) *dispatcher.Dispatcher {
	t.Helper()
	catalog := core.NewToolCatalog()
	l1 := cache.NewMemoryCache(1024, 3, 0.01)
	l3 := pattern.NewPredictor(pattern.NewExtractor(catalog), pattern.NewWeightedClassifier(), pattern.PredictorOptions{})
	d := dispatcher.New(catalog, l1, policy.NewDefaultEngine(), l3, opts, nil, nil)
	t.Cleanup(func() { d.Experts().Close() })
	return d
}

func mustRequest(t *testing.T, tool string, input map[string]string) *core.ValidationRequest {
	t.Helper()
	req, err := core.NewValidationRequest(tool, input, "agent-e2e", "sess-e2e")
	if err != nil {
		t.Fatalf("NewValidationRequest(%s) should not error: %v", tool, err)
	}
	return req
}

func countEvents(t *testing.T, store *eventstore.MemoryEventStore, aggregate string, typ project.EventType) int {
	t.Helper()
	events, err := store.Load(context.Background(), aggregate)
	if err != nil {
		t.Fatalf("Load(%s) should not error: %v", aggregate, err)
	}
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// =============================================================================
// 1. SPEED LAYERS — policy short-circuit and the exact-match memory
// =============================================================================

func TestPipeline_SafeReadApprovedByPolicy(t *testing.T) {
	d := newPipeline(t, dispatcher.Options{})
	res := d.Validate(context.Background(), mustRequest(t, "Read", map[string]string{"file_path": "/home/u/a.txt"}))

	if res.Decision != core.DecisionApproved {
		t.Fatalf("Reading a user file should be approved, got %s (%s)", res.Decision, res.Reason)
	}
	if res.Layer != core.LayerPolicy {
		t.Errorf("First sight of a safe read should be answered by the policy layer, got %q", res.Layer)
	}
	if res.CacheHit {
		t.Error("First sight of a request should not be a cache hit")
	}
}

func TestPipeline_RepeatRequestServedFromMemory(t *testing.T) {
	d := newPipeline(t, dispatcher.Options{})
	ctx := context.Background()
	input := map[string]string{"file_path": "/home/u/a.txt"}

	first := d.Validate(ctx, mustRequest(t, "Read", input))

	start := time.Now()
	second := d.Validate(ctx, mustRequest(t, "Read", input))
	elapsed := time.Since(start)

	if second.Layer != core.LayerMemory {
		t.Fatalf("Identical repeat should be served from memory, got layer %q", second.Layer)
	}
	if !second.CacheHit {
		t.Error("Repeat result should be marked as a cache hit")
	}
	if second.Decision != first.Decision {
		t.Errorf("Cached decision should match the original: first=%s second=%s", first.Decision, second.Decision)
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("Memory lookup took %v, expected an in-process map hit", elapsed)
	}

	stats := d.Stats()
	if stats.L1Hits != 1 {
		t.Errorf("Stats should count exactly one L1 hit, got %d", stats.L1Hits)
	}
	if stats.L2Hits != 1 {
		t.Errorf("Stats should count exactly one L2 hit, got %d", stats.L2Hits)
	}
}

// =============================================================================
// 2. DECISION RECORDING — every verdict becomes an aggregate event pair
// =============================================================================

func TestService_DangerousCommandBlockedAndRecorded(t *testing.T) {
	store := eventstore.NewMemoryEventStore()
	mgr := project.NewManager(store, project.NewRules(0, nil, nil), nil)
	svc := service.New(newPipeline(t, dispatcher.Options{}), mgr, audit.NewLedger(nil), service.Options{ProjectID: "backend"})

	req := mustRequest(t, "Bash", map[string]string{"command": "sudo rm -rf /"})
	res, requestID := svc.Validate(context.Background(), req)

	if res.Decision != core.DecisionBlocked {
		t.Fatalf("sudo rm -rf / should be blocked, got %s (%s)", res.Decision, res.Reason)
	}
	if res.Confidence != core.ConfidenceHigh {
		t.Errorf("Destructive delete should carry high confidence, got %s", res.Confidence)
	}
	if !strings.Contains(res.Reason, "dangerous") {
		t.Errorf("Block reason should name the danger, got %q", res.Reason)
	}
	if requestID == "" {
		t.Error("Validate should return the id that keys the records")
	}

	if got := countEvents(t, store, "backend", project.EventValidationAsked); got != 1 {
		t.Errorf("Event log should hold exactly one %s, got %d", project.EventValidationAsked, got)
	}
	if got := countEvents(t, store, "backend", project.EventValidationMade); got != 1 {
		t.Errorf("Event log should hold exactly one %s, got %d", project.EventValidationMade, got)
	}

	if n := svc.Ledger().Chain("backend").Len(); n != 1 {
		t.Errorf("Ledger should seal exactly one record, got %d", n)
	}
	if ok, at, err := svc.Ledger().Validate("backend"); err != nil || !ok {
		t.Errorf("Ledger chain should verify, got ok=%v broken-at=%d err=%v", ok, at, err)
	}
}

// =============================================================================
// 3. EXPERT ESCALATION — unanswered escalations fail closed
// =============================================================================

func TestPipeline_UnansweredEscalationFailsClosed(t *testing.T) {
	d := newPipeline(t, dispatcher.Options{
		ExpertTimeout:   40 * time.Millisecond,
		ExpertQueueSize: 4,
	})

	start := time.Now()
	res := d.Validate(context.Background(), mustRequest(t, "Bash", map[string]string{"command": "run-my-novel-thing"}))
	waited := time.Since(start)

	if res.Decision != core.DecisionBlocked {
		t.Fatalf("A novel bash command with no expert online should fail closed, got %s (%s)", res.Decision, res.Reason)
	}
	if res.Layer != core.LayerSafeDefault {
		t.Errorf("Timed-out escalation should land in the safe-default layer, got %q", res.Layer)
	}
	if !strings.Contains(res.Reason, "timeout") {
		t.Errorf("Reason should mention the expert timeout, got %q", res.Reason)
	}
	if waited < 40*time.Millisecond {
		t.Errorf("Validate returned after %v, before the expert window closed", waited)
	}

	stats := d.Stats()
	if stats.ExpertTimeouts != 1 {
		t.Errorf("Stats should count one expert timeout, got %d", stats.ExpertTimeouts)
	}
	if stats.SafeDefaults != 1 {
		t.Errorf("Stats should count one safe default, got %d", stats.SafeDefaults)
	}
	if stats.PendingExperts != 0 {
		t.Errorf("Timed-out escalation should leave the queue, %d still pending", stats.PendingExperts)
	}
}

// =============================================================================
// 4. FILESYSTEM SURFACE — current/ round-trip and history/ time travel
// =============================================================================

// surface wires the filesystem against in-memory stores and opens one
// authenticated session for agent-e2e.
type surface struct {
	fs    *vfs.FS
	mgr   *project.Manager
	store *eventstore.MemoryEventStore
	sess  *session.Session
}

func newSurface(t *testing.T, protectedPaths []string) *surface {
	t.Helper()
	store := eventstore.NewMemoryEventStore()
	mgr := project.NewManager(store, project.NewRules(0, nil, protectedPaths), nil)
	rebuild := timetravel.NewReconstructor(store, nil, nil, timetravel.Options{})

	master := []byte("e2e-master-secret")
	registry := session.NewRegistry(master, nil, nil, session.RegistryOptions{})
	authorizer := session.NewAuthorizer(registry, nil, nil, session.AuthorizerOptions{})

	key, err := session.DeriveAgentKey(master, "agent-e2e")
	if err != nil {
		t.Fatalf("DeriveAgentKey should not error: %v", err)
	}
	response := session.SignChallenge(key, "agent-e2e", "nonce-e2e")
	sess, err := registry.Handshake("agent-e2e", "nonce-e2e", response, nil)
	if err != nil {
		t.Fatalf("Handshake with a correctly signed challenge should succeed: %v", err)
	}

	fs := vfs.New(vfs.Config{ProjectID: "backend"}, vfs.Deps{
		Projects:      mgr,
		Reconstructor: rebuild,
		Sessions:      registry,
		Authorizer:    authorizer,
	})
	return &surface{fs: fs, mgr: mgr, store: store, sess: sess}
}

func TestSurface_FileRoundTripWithHistory(t *testing.T) {
	s := newSurface(t, nil)
	ctx := context.Background()

	n, err := s.fs.Write(ctx, s.sess.ID, "/current/src/x.txt", []byte("hello"), 0)
	if err != nil {
		t.Fatalf("Write to current/ should succeed: %v", err)
	}
	if n != 5 {
		t.Errorf("Write should report 5 bytes, got %d", n)
	}

	if v, err := s.mgr.Version(ctx, "backend"); err != nil || v != 1 {
		t.Errorf("First write should advance the aggregate to version 1, got %d (err=%v)", v, err)
	}
	if got := countEvents(t, s.store, "backend", project.EventFileCreated); got != 1 {
		t.Errorf("Creating a new path should emit exactly one %s, got %d", project.EventFileCreated, got)
	}

	data, err := s.fs.Read(ctx, s.sess.ID, "/current/src/x.txt", 0, 0)
	if err != nil {
		t.Fatalf("Read back from current/ should succeed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("current/ should serve the written content, got %q", data)
	}

	// An hour from now the file is history; the reconstructor replays it.
	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	past, err := s.fs.Read(ctx, s.sess.ID, "/history/"+at+"/src/x.txt", 0, 0)
	if err != nil {
		t.Fatalf("Read from history/%s should succeed: %v", at, err)
	}
	if string(past) != "hello" {
		t.Errorf("History view should serve the content as of that instant, got %q", past)
	}
}

func TestSurface_HistoryRejectsWrites(t *testing.T) {
	s := newSurface(t, nil)
	at := time.Now().UTC().Format(time.RFC3339)

	_, err := s.fs.Write(context.Background(), s.sess.ID, "/history/"+at+"/src/x.txt", []byte("rewrite"), 0)
	if !errors.Is(err, syscall.EROFS) {
		t.Fatalf("Writing into history/ should fail with EROFS, got %v", err)
	}
}

// =============================================================================
// 5. BUSINESS RULES — protected paths never reach the event log
// =============================================================================

func TestAggregate_ProtectedPathRefusedWithoutEvent(t *testing.T) {
	store := eventstore.NewMemoryEventStore()
	mgr := project.NewManager(store, project.NewRules(0, nil, []string{"/.git", "/node_modules"}), nil)
	ctx := context.Background()

	_, err := mgr.ModifyFile(ctx, "backend", "/.git/config", "evil", "agent-e2e", "", -1)
	var biz *core.BusinessRuleViolation
	if !errors.As(err, &biz) {
		t.Fatalf("Writing under /.git should violate a business rule, got %v", err)
	}
	if biz.Rule != "protected_paths" {
		t.Errorf("Violation should name the protected_paths rule, got %q", biz.Rule)
	}

	events, err := store.Load(ctx, "backend")
	if err != nil {
		t.Fatalf("Load should not error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("A refused command should leave the event log empty, got %d events", len(events))
	}
	if v, _ := mgr.Version(ctx, "backend"); v != 0 {
		t.Errorf("A refused command should not advance the version, got %d", v)
	}
}

// =============================================================================
// 6. OPTIMISTIC CONCURRENCY — one winner per expected version
// =============================================================================

func TestAggregate_ConcurrentWritesExactlyOneWinner(t *testing.T) {
	store := eventstore.NewMemoryEventStore()
	mgr := project.NewManager(store, project.NewRules(0, nil, nil), nil)
	ctx := context.Background()

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = mgr.ModifyFile(ctx, "backend", "/src/app.go", fmt.Sprintf("writer %d", i), fmt.Sprintf("agent-%d", i), "", 0)
		}(i)
	}
	wg.Wait()

	winner, loser := -1, -1
	for i, err := range errs {
		if err == nil {
			winner = i
		} else {
			loser = i
		}
	}
	if winner == -1 || loser == -1 {
		t.Fatalf("Exactly one of two racing writes should succeed, got %v", errs)
	}

	var conflict *core.ConcurrencyConflict
	if !errors.As(errs[loser], &conflict) {
		t.Fatalf("Loser should see a concurrency conflict, got %v", errs[loser])
	}
	if conflict.Expected != 0 || conflict.Actual != 1 {
		t.Errorf("Conflict should carry expected=0 actual=1, got expected=%d actual=%d", conflict.Expected, conflict.Actual)
	}

	// Retrying with the observed version succeeds.
	if _, err := mgr.ModifyFile(ctx, "backend", "/src/app.go", "merged after retry", fmt.Sprintf("agent-%d", loser), "", 1); err != nil {
		t.Fatalf("Retry with the actual version should succeed: %v", err)
	}
	if v, _ := mgr.Version(ctx, "backend"); v != 2 {
		t.Errorf("Aggregate should be at version 2 after the retry, got %d", v)
	}
}
