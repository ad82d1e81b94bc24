package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgegate/hub/internal/core"
)

func testRequest(t *testing.T, agent, session, cmd string) *core.ValidationRequest {
	t.Helper()
	req, err := core.NewValidationRequest("Bash", map[string]string{"command": cmd}, agent, session)
	require.NoError(t, err)
	return req
}

func testResult(decision core.Decision, score float64, layer, reason string) *core.ValidationResult {
	return &core.ValidationResult{
		Decision:   decision,
		Confidence: core.ConfidenceFromScore(score),
		Score:      score,
		Reason:     reason,
		Layer:      layer,
		RiskLevel:  core.RiskLow,
		Timestamp:  time.Now(),
	}
}

func TestGenesisRecord(t *testing.T) {
	ledger := NewLedger(nil)
	req := testRequest(t, "agent-1", "sess-1", "ls -la")
	ledger.Record("proj-1", "req-1", req, testResult(core.DecisionApproved, 0.97, core.LayerPolicy, "read-only command"))

	chain := ledger.Chain("proj-1")
	require.NotNil(t, chain)

	records := chain.Records()
	require.Len(t, records, 2)

	genesis := records[0]
	assert.Equal(t, "genesis", genesis.ID)
	assert.Equal(t, genesisPrevious, genesis.PreviousHash)
	assert.True(t, genesis.Verify())

	assert.Equal(t, genesis.Hash, records[1].PreviousHash)
	assert.True(t, records[1].Verify())
	assert.Equal(t, records[1].Hash, chain.LastHash())
}

func TestChainLinkageAndTamperDetection(t *testing.T) {
	ledger := NewLedger(nil)
	req := testRequest(t, "agent-1", "sess-1", "git status")
	for i := 0; i < 5; i++ {
		ledger.Record("proj-1", "req-1", req, testResult(core.DecisionApproved, 0.96, core.LayerPolicy, "safe"))
	}

	ok, idx, err := ledger.Validate("proj-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, -1, idx)

	// Records share pointers with the chain, so editing one is tampering.
	ledger.Chain("proj-1").Records()[3].Reason = "rewritten after the fact"

	ok, idx, err = ledger.Validate("proj-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, idx)

	_, _, err = ledger.Validate("proj-unknown")
	assert.Error(t, err)
}

func TestRecordExpertResolution(t *testing.T) {
	ledger := NewLedger(nil)
	req := testRequest(t, "agent-2", "sess-2", "kubectl delete pod api-0")

	escalated := testResult(core.DecisionEscalate, 0.60, core.LayerPattern, "destructive infra command")
	ledger.Record("proj-1", "req-9", req, escalated)

	resolved := testResult(core.DecisionApproved, 0.99, core.LayerExpert, "approved by operator")
	rec := ledger.RecordExpert("proj-1", "req-9", "expert-7", req, resolved)

	assert.Equal(t, core.LayerExpert, rec.Layer)
	assert.Equal(t, "expert-7", rec.ExpertID)
	assert.Equal(t, "req-9", rec.RequestID)

	recent := ledger.Recent("proj-1", 10)
	require.Len(t, recent, 2)
	assert.Equal(t, core.DecisionEscalate, recent[0].Decision)
	assert.Equal(t, core.DecisionApproved, recent[1].Decision)
}

func TestRecentClipsToNewest(t *testing.T) {
	ledger := NewLedger(nil)
	req := testRequest(t, "agent-1", "sess-1", "ls")
	for i := 0; i < 6; i++ {
		ledger.Record("proj-1", "req-1", req, testResult(core.DecisionApproved, 0.95, core.LayerMemory, "cached"))
	}

	recent := ledger.Recent("proj-1", 4)
	require.Len(t, recent, 4)
	for _, r := range recent {
		assert.NotEqual(t, "genesis", r.ID)
	}

	all := ledger.Recent("proj-1", 100)
	assert.Len(t, all, 6)
	assert.Nil(t, ledger.Recent("proj-1", 0))
	assert.Nil(t, ledger.Recent("proj-unknown", 5))
}

func TestComplianceReport(t *testing.T) {
	ledger := NewLedger(nil)
	reqA := testRequest(t, "agent-a", "sess-a", "go vet ./...")
	reqB := testRequest(t, "agent-b", "sess-b", "terraform apply")

	for i := 0; i < 4; i++ {
		ledger.Record("proj-1", "req-a", reqA, testResult(core.DecisionApproved, 0.96, core.LayerPolicy, "allowlisted"))
	}
	ledger.Record("proj-1", "req-b1", reqB, testResult(core.DecisionBlocked, 0.10, core.LayerPolicy, "forbidden path"))
	ledger.Record("proj-1", "req-b2", reqB, testResult(core.DecisionBlocked, 0.10, core.LayerPattern, "dangerous command"))
	ledger.Record("proj-1", "req-b3", reqB, testResult(core.DecisionEscalate, 0.60, core.LayerPattern, "needs review"))
	ledger.RecordExpert("proj-1", "req-b3", "expert-1", reqB, testResult(core.DecisionApproved, 0.99, core.LayerExpert, "operator approved"))

	report, err := ledger.Report("proj-1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)

	assert.True(t, report.ChainValid)
	assert.Equal(t, int64(8), report.RecordCount)
	assert.Equal(t, int64(8), report.Summary.Total)
	assert.Equal(t, int64(5), report.Summary.Approved)
	assert.Equal(t, int64(2), report.Summary.Blocked)
	assert.Equal(t, int64(1), report.Summary.Escalated)
	assert.Equal(t, int64(1), report.Summary.ExpertResolved)
	assert.InDelta(t, 62.5, report.Summary.ApprovalRate, 0.001)
	assert.InDelta(t, 12.5, report.Summary.EscalationRate, 0.001)

	assert.Equal(t, int64(1), report.BlockReasons["forbidden path"])
	assert.Equal(t, int64(1), report.BlockReasons["dangerous command"])

	agentA := report.ByAgent["agent-a"]
	assert.Equal(t, int64(4), agentA.Decisions)
	assert.Equal(t, int64(4), agentA.Approved)

	agentB := report.ByAgent["agent-b"]
	assert.Equal(t, int64(4), agentB.Decisions)
	assert.Equal(t, int64(2), agentB.Blocked)
	assert.Equal(t, int64(1), agentB.Escalated)

	assert.Equal(t, int64(5), report.ByLayer[core.LayerPolicy])
	assert.Equal(t, int64(2), report.ByLayer[core.LayerPattern])
	assert.Equal(t, int64(1), report.ByLayer[core.LayerExpert])

	// avg over the eight scored records
	want := (0.96*4 + 0.10*2 + 0.60 + 0.99) / 8
	assert.InDelta(t, want, report.Summary.AvgScore, 0.001)
}

func TestReportWindowAndUnknownProject(t *testing.T) {
	ledger := NewLedger(nil)
	req := testRequest(t, "agent-1", "sess-1", "ls")
	ledger.Record("proj-1", "req-1", req, testResult(core.DecisionApproved, 0.95, core.LayerPolicy, "safe"))

	past, err := ledger.Report("proj-1", time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), past.RecordCount)
	assert.True(t, past.ChainValid)

	_, err = ledger.Report("proj-unknown", time.Now().Add(-time.Hour), time.Now())
	assert.Error(t, err)
}

type captureSink struct {
	records chan *DecisionRecord
	err     error
}

func (s *captureSink) Archive(_ context.Context, rec *DecisionRecord) error {
	if s.err != nil {
		return s.err
	}
	s.records <- rec
	return nil
}

func TestArchiveSinkReceivesSealedRecords(t *testing.T) {
	sink := &captureSink{records: make(chan *DecisionRecord, 1)}
	ledger := NewLedger(sink)

	req := testRequest(t, "agent-1", "sess-1", "make test")
	ledger.Record("proj-1", "req-1", req, testResult(core.DecisionApproved, 0.97, core.LayerPolicy, "build tool"))

	select {
	case rec := <-sink.records:
		assert.NotEmpty(t, rec.Hash)
		assert.True(t, rec.Verify())
		assert.Equal(t, "proj-1", rec.ProjectID)
	case <-time.After(2 * time.Second):
		t.Fatal("archive sink never received the record")
	}
	ledger.Close()
}

func TestArchiveFailureIsCountedNotFatal(t *testing.T) {
	sink := &captureSink{err: errors.New("supabase unreachable")}
	ledger := NewLedger(sink)

	req := testRequest(t, "agent-1", "sess-1", "ls")
	rec := ledger.Record("proj-1", "req-1", req, testResult(core.DecisionApproved, 0.95, core.LayerPolicy, "safe"))
	require.NotNil(t, rec)

	ledger.Close()

	stats := ledger.Stats()
	assert.Equal(t, uint64(1), stats["archive_failures"])
	ok, _, err := ledger.Validate("proj-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
