package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgegate/hub/internal/audit"
	"github.com/forgegate/hub/internal/cache"
	"github.com/forgegate/hub/internal/core"
	"github.com/forgegate/hub/internal/dispatcher"
	"github.com/forgegate/hub/internal/escalation"
	"github.com/forgegate/hub/internal/eventstore"
	"github.com/forgegate/hub/internal/pattern"
	"github.com/forgegate/hub/internal/policy"
	"github.com/forgegate/hub/internal/project"
	"github.com/forgegate/hub/internal/stream"
)

type emittedEvent struct {
	eventType escalation.EventType
	projectID string
	data      map[string]interface{}
}

// captureEmitter records lifecycle webhook emissions in order.
type captureEmitter struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (c *captureEmitter) Emit(eventType escalation.EventType, projectID string, data map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, emittedEvent{eventType, projectID, data})
}

func (c *captureEmitter) Shutdown() {}

func (c *captureEmitter) all() []emittedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]emittedEvent, len(c.events))
	copy(out, c.events)
	return out
}

// captureSink records dashboard broadcasts.
type captureSink struct {
	mu    sync.Mutex
	calls int
	last  *core.ValidationResult
}

func (c *captureSink) DecisionEvent(projectID string, req *core.ValidationRequest, res *core.ValidationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.last = res
}

type testService struct {
	svc     *ValidationService
	store   *eventstore.MemoryEventStore
	pipes   *stream.PipeSet
	hub     *stream.Hub
	emitter *captureEmitter
	sink    *captureSink
}

// newTestService builds the full composition over real layers. withRules
// selects the default policy pack or an empty rule set.
func newTestService(t *testing.T, withRules bool, opts dispatcher.Options) *testService {
	t.Helper()

	catalog := core.NewToolCatalog()
	l1 := cache.NewMemoryCache(128, 3, 0.01)
	var engine *policy.Engine
	if withRules {
		engine = policy.NewDefaultEngine()
	} else {
		engine = policy.NewEngine(nil, policy.Options{})
	}
	clf := pattern.NewWeightedClassifier()
	predictor := pattern.NewPredictor(pattern.NewExtractor(catalog), clf, pattern.PredictorOptions{})
	d := dispatcher.New(catalog, l1, engine, predictor, opts, nil, nil)

	store := eventstore.NewMemoryEventStore()
	projects := project.NewManager(store, project.Rules{}, nil)
	ledger := audit.NewLedger(nil)

	svc := New(d, projects, ledger, Options{ProjectID: "proj-1"})

	hub := stream.NewHub(nil, stream.HubOptions{})
	pipes := stream.NewPipeSet(64, nil)
	svc.AttachStreams(hub, pipes)

	emitter := &captureEmitter{}
	svc.AttachNotifier(emitter)
	sink := &captureSink{}
	svc.AttachMonitor(sink)

	return &testService{svc: svc, store: store, pipes: pipes, hub: hub, emitter: emitter, sink: sink}
}

func mustRequest(t *testing.T, tool string, input map[string]string) *core.ValidationRequest {
	t.Helper()
	req, err := core.NewValidationRequest(tool, input, "agent-1", "session-1")
	require.NoError(t, err)
	return req
}

func decodeFrame(t *testing.T, p *stream.NamedPipe) map[string]interface{} {
	t.Helper()
	payload, ok := p.Read()
	require.True(t, ok, "pipe %s should hold a frame", p.Name())
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &frame))
	return frame
}

func TestValidateRecordsEverySurface(t *testing.T) {
	ts := newTestService(t, true, dispatcher.Options{ExpertTimeout: time.Second})

	seen := make(chan *project.Event, 8)
	ts.hub.Subscribe("observer", stream.Filter{}, 8, func(e *project.Event) error {
		seen <- e
		return nil
	})

	req := mustRequest(t, "Bash", map[string]string{"command": "rm -rf /"})
	res, requestID := ts.svc.Validate(context.Background(), req)

	require.NotEmpty(t, requestID)
	assert.Equal(t, core.DecisionBlocked, res.Decision)
	assert.Equal(t, core.LayerPolicy, res.Layer)

	// Aggregate: a request/decision event pair sharing the request id.
	events, err := ts.store.Load(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, project.EventValidationAsked, events[0].Type)
	assert.Equal(t, project.EventValidationMade, events[1].Type)
	assert.Equal(t, requestID, events[0].Data[project.KeyRequestID])
	assert.Equal(t, requestID, events[1].Data[project.KeyRequestID])
	assert.Equal(t, string(core.DecisionBlocked), events[1].Data[project.KeyDecision])

	// Ledger: one sealed record for a non-expert decision.
	recent := ts.svc.Ledger().Recent("proj-1", 10)
	require.Len(t, recent, 1)
	assert.Equal(t, requestID, recent[0].RequestID)
	assert.Equal(t, core.LayerPolicy, recent[0].Layer)
	ok, _, err := ts.svc.Ledger().Validate("proj-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Pipes: one rich frame on each validation stream.
	reqFrame := decodeFrame(t, ts.pipes.Get(PipeValidationRequests))
	assert.Equal(t, requestID, reqFrame["request_id"])
	assert.Equal(t, "Bash", reqFrame["tool"])

	resFrame := decodeFrame(t, ts.pipes.Get(PipeValidationResponses))
	assert.Equal(t, requestID, resFrame["request_id"])
	assert.Equal(t, string(core.DecisionBlocked), resFrame["decision"])
	assert.Equal(t, core.LayerPolicy, resFrame["layer"])

	// Hub: both aggregate events fanned out.
	for i := 0; i < 2; i++ {
		select {
		case <-seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("hub delivered %d of 2 events", i)
		}
	}

	// Monitor sink saw the decision.
	ts.sink.mu.Lock()
	defer ts.sink.mu.Unlock()
	assert.Equal(t, 1, ts.sink.calls)
	assert.Equal(t, core.DecisionBlocked, ts.sink.last.Decision)
}

func TestValidateExpertFlowSealsEscalatePair(t *testing.T) {
	ts := newTestService(t, false, dispatcher.Options{ExpertTimeout: 2 * time.Second})
	req := mustRequest(t, "Bash", map[string]string{"command": "make build"})

	type outcome struct {
		res *core.ValidationResult
		id  string
	}
	done := make(chan outcome, 1)
	go func() {
		res, id := ts.svc.Validate(context.Background(), req)
		done <- outcome{res, id}
	}()

	var pending []*dispatcher.Escalation
	deadline := time.Now().Add(2 * time.Second)
	for {
		pending = ts.svc.PendingEscalations()
		if len(pending) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 pending escalation, got %d", len(pending))
		}
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, ts.svc.ResolveEscalation(pending[0].ID, core.DecisionApproved, "build commands are fine", "validator-7"))

	var got outcome
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Validate did not return after resolution")
	}
	assert.Equal(t, core.DecisionApproved, got.res.Decision)
	assert.Equal(t, core.LayerExpert, got.res.Layer)

	// The escalation id is the request id, so every surface correlates.
	assert.Equal(t, got.id, pending[0].ID)

	// Exactly two ledger records: the escalate and the expert resolution.
	recent := ts.svc.Ledger().Recent("proj-1", 10)
	require.Len(t, recent, 2)
	assert.Equal(t, got.id, recent[0].RequestID)
	assert.Equal(t, core.DecisionEscalate, recent[0].Decision)
	assert.Equal(t, core.LayerExpert, recent[0].Layer)
	assert.Equal(t, got.id, recent[1].RequestID)
	assert.Equal(t, core.DecisionApproved, recent[1].Decision)
	assert.Equal(t, "validator-7", recent[1].ExpertID)

	// Lifecycle webhooks fired in order with the shared id.
	emitted := ts.emitter.all()
	require.Len(t, emitted, 2)
	assert.Equal(t, escalation.EventQueued, emitted[0].eventType)
	assert.Equal(t, escalation.EventResolved, emitted[1].eventType)
	assert.Equal(t, got.id, emitted[0].data["escalation_id"])
	assert.Equal(t, "validator-7", emitted[1].data["validator_id"])

	ok, _, err := ts.svc.Ledger().Validate("proj-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateExpertTimeoutRecordsSafeDefault(t *testing.T) {
	ts := newTestService(t, false, dispatcher.Options{ExpertTimeout: 30 * time.Millisecond})
	req := mustRequest(t, "Bash", map[string]string{"command": "make build"})

	res, requestID := ts.svc.Validate(context.Background(), req)
	assert.Equal(t, core.DecisionBlocked, res.Decision)
	assert.Equal(t, core.LayerSafeDefault, res.Layer)

	// The escalate record from queue time plus the safe-default outcome.
	recent := ts.svc.Ledger().Recent("proj-1", 10)
	require.Len(t, recent, 2)
	assert.Equal(t, core.DecisionEscalate, recent[0].Decision)
	assert.Equal(t, requestID, recent[0].RequestID)
	assert.Equal(t, core.LayerSafeDefault, recent[1].Layer)
	assert.Equal(t, requestID, recent[1].RequestID)

	emitted := ts.emitter.all()
	require.Len(t, emitted, 2)
	assert.Equal(t, escalation.EventQueued, emitted[0].eventType)
	assert.Equal(t, escalation.EventTimeout, emitted[1].eventType)
	assert.Equal(t, requestID, emitted[1].data["escalation_id"])
}

func TestPublishEventRoutesPipes(t *testing.T) {
	ts := newTestService(t, true, dispatcher.Options{ExpertTimeout: time.Second})
	ctx := context.Background()

	_, err := ts.svc.Manager().ModifyFile(ctx, "proj-1", "/src/main.go", "package main\n", "agent-1", "session-1", 0)
	require.NoError(t, err)

	frame := decodeFrame(t, ts.pipes.Get(PipeFileChanges))
	assert.Equal(t, string(project.EventFileCreated), frame["event"])
	assert.Equal(t, "/src/main.go", frame["path"])

	activity := decodeFrame(t, ts.pipes.Get(PipeAgentActivities))
	assert.Equal(t, string(project.EventFileCreated), activity["event"])
	assert.Equal(t, "agent-1", activity["agent_id"])

	sessionID, _, err := ts.svc.Manager().StartSession(ctx, "proj-1", "agent-2", "reviewer", nil)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	pairFrame := decodeFrame(t, ts.pipes.Get(PipePairSessions))
	assert.Equal(t, string(project.EventSessionStarted), pairFrame["event"])
	assert.Equal(t, sessionID, pairFrame["session_id"])

	// Session events do not land on the file stream.
	assert.Equal(t, 0, ts.pipes.Get(PipeFileChanges).Len())
}

func TestValidateWithoutAttachmentsStillDecides(t *testing.T) {
	catalog := core.NewToolCatalog()
	l1 := cache.NewMemoryCache(128, 3, 0.01)
	engine := policy.NewDefaultEngine()
	clf := pattern.NewWeightedClassifier()
	predictor := pattern.NewPredictor(pattern.NewExtractor(catalog), clf, pattern.PredictorOptions{})
	d := dispatcher.New(catalog, l1, engine, predictor, dispatcher.Options{ExpertTimeout: time.Second}, nil, nil)

	projects := project.NewManager(eventstore.NewMemoryEventStore(), project.Rules{}, nil)
	svc := New(d, projects, audit.NewLedger(nil), Options{})

	req := mustRequest(t, "Bash", map[string]string{"command": "rm -rf /"})
	res, requestID := svc.Validate(context.Background(), req)

	assert.Equal(t, core.DecisionBlocked, res.Decision)
	assert.NotEmpty(t, requestID)
	assert.Equal(t, "default", svc.ProjectID())
	require.Len(t, svc.Ledger().Recent("default", 10), 1)
}
