package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgegate/hub/internal/core"
)

func TestSubscribeByTypeAndAll(t *testing.T) {
	bus := NewEventBus()

	decisions := bus.Subscribe("forgegate.decision.approved")
	everything := bus.Subscribe()
	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Emit("forgegate.decision.approved", "test", "fp-1", map[string]interface{}{"tool": "Read"})
	bus.Emit("forgegate.decision.blocked", "test", "fp-2", nil)

	ev := <-decisions
	assert.Equal(t, "forgegate.decision.approved", ev.Type)
	assert.Equal(t, "fp-1", ev.Subject)
	assert.Equal(t, "1.0", ev.SpecVersion)
	assert.NotEmpty(t, ev.ID)

	// The typed subscriber never sees the blocked event.
	select {
	case extra := <-decisions:
		t.Fatalf("unexpected event on typed channel: %s", extra.Type)
	case <-time.After(20 * time.Millisecond):
	}

	// The all-events subscriber sees both.
	first := <-everything
	second := <-everything
	assert.Equal(t, "forgegate.decision.approved", first.Type)
	assert.Equal(t, "forgegate.decision.blocked", second.Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("forgegate.decision.approved")
	bus.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount())

	// Publishing after unsubscribe must not panic.
	bus.Emit("forgegate.decision.approved", "test", "fp", nil)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewEventBus()
	bus.bufferSize = 1
	ch := bus.Subscribe()

	bus.Emit("forgegate.decision.approved", "test", "a", nil)
	bus.Emit("forgegate.decision.approved", "test", "b", nil) // dropped, buffer full

	ev := <-ch
	assert.Equal(t, "a", ev.Subject)
	select {
	case extra := <-ch:
		t.Fatalf("expected drop, got %s", extra.Subject)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDecisionEmitterEnvelope(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()
	emitter := NewDecisionEmitter(bus, "")

	req, err := core.NewValidationRequest("Bash", map[string]string{"command": "rm -rf /"}, "agent-1", "sess-1")
	require.NoError(t, err)
	res := &core.ValidationResult{
		Decision:   core.DecisionBlocked,
		Confidence: core.ConfidenceHigh,
		Score:      0.02,
		Reason:     "dangerous command pattern",
		Layer:      core.LayerPolicy,
		RiskLevel:  core.RiskCritical,
		Timestamp:  time.Now(),
	}

	emitter.DecisionEvent("proj-1", req, res)

	ev := <-ch
	assert.Equal(t, "forgegate.decision.blocked", ev.Type)
	assert.Equal(t, "forgegate-hub/validate", ev.Source)
	assert.Equal(t, req.Fingerprint, ev.Subject)
	assert.Equal(t, "proj-1", ev.Data["project_id"])
	assert.Equal(t, "BLOCKED", ev.Data["decision"])
	assert.Equal(t, "Bash", ev.Data["tool"])
}

func TestDecisionEventTypeCoversAllDecisions(t *testing.T) {
	cases := map[core.Decision]string{
		core.DecisionApproved:  "forgegate.decision.approved",
		core.DecisionBlocked:   "forgegate.decision.blocked",
		core.DecisionEscalate:  "forgegate.decision.escalate",
		core.DecisionUncertain: "forgegate.decision.uncertain",
	}
	for d, want := range cases {
		assert.Equal(t, want, DecisionEventType(d))
	}
}
