package monitor

import (
	"testing"

	"github.com/forgegate/hub/internal/core"
	"github.com/forgegate/hub/internal/service"
)

var _ service.DecisionSink = (*Bridge)(nil)

func TestBroadcastWithoutClients(t *testing.T) {
	b := NewBridge()
	defer b.Close()

	req, err := core.NewValidationRequest("Bash", map[string]string{"command": "ls"}, "agent-1", "session-1")
	if err != nil {
		t.Fatalf("NewValidationRequest: %v", err)
	}
	res := &core.ValidationResult{
		Decision:   core.DecisionApproved,
		Confidence: core.ConfidenceHigh,
		Layer:      core.LayerPolicy,
		RiskLevel:  core.RiskLow,
	}

	// No dashboards attached; the broadcast must still be a no-op, not a
	// panic or a block.
	b.DecisionEvent("proj-1", req, res)
	b.DecisionEvent("proj-1", req, res)

	stats := b.Stats()
	if got := stats["broadcast"].(uint64); got != 2 {
		t.Errorf("broadcast count = %d, want 2", got)
	}
	if got := stats["connected"].(int64); got != 0 {
		t.Errorf("connected = %d, want 0", got)
	}
}
