// Package audit maintains the tamper-evident decision ledger: one
// hash-chained sequence of validation decisions per project, chain
// validation, and compliance reporting. Records are held in memory and
// optionally copied to an ArchiveSink for durable storage.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/forgegate/hub/internal/core"
)

// genesisPrevious is the previous-hash of every chain's genesis record.
const genesisPrevious = "0000000000000000000000000000000000000000000000000000000000000000"

// archiveTimeout bounds one sink delivery so a dead archive cannot pile up
// goroutines forever.
const archiveTimeout = 5 * time.Second

// DecisionRecord is one immutable entry in a project's decision chain.
type DecisionRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	RequestID string `json:"request_id"`

	Fingerprint string `json:"fingerprint,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	ToolName    string `json:"tool_name,omitempty"`

	Decision     core.Decision   `json:"decision"`
	Confidence   core.Confidence `json:"confidence,omitempty"`
	Score        float64         `json:"score,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Layer        string          `json:"layer,omitempty"`
	RiskLevel    core.RiskLevel  `json:"risk_level,omitempty"`
	ExpertID     string          `json:"expert_id,omitempty"`
	ProcessingMs float64         `json:"processing_ms,omitempty"`

	Timestamp    time.Time `json:"timestamp"`
	Hash         string    `json:"hash"`
	PreviousHash string    `json:"previous_hash"`
}

// ComputeHash returns the SHA-256 of the canonical record: the JSON
// encoding with the hash field zeroed. Struct fields marshal in
// declaration order, so the encoding is stable.
func (r *DecisionRecord) ComputeHash() string {
	cp := *r
	cp.Hash = ""
	data, _ := json.Marshal(cp)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the stored hash matches the record content.
func (r *DecisionRecord) Verify() bool {
	return r.Hash == r.ComputeHash()
}

// Chain is the hash-linked decision sequence for one project. Index 0 is
// always the genesis record.
type Chain struct {
	mu        sync.RWMutex
	projectID string
	records   []*DecisionRecord
	lastHash  string
	updatedAt time.Time
}

func newChain(projectID string) *Chain {
	genesis := &DecisionRecord{
		ID:           "genesis",
		ProjectID:    projectID,
		RequestID:    "genesis",
		Timestamp:    time.Now(),
		PreviousHash: genesisPrevious,
	}
	genesis.Hash = genesis.ComputeHash()
	return &Chain{
		projectID: projectID,
		records:   []*DecisionRecord{genesis},
		lastHash:  genesis.Hash,
		updatedAt: genesis.Timestamp,
	}
}

// append links the record to the chain head and seals it with its hash.
func (c *Chain) append(r *DecisionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.PreviousHash = c.lastHash
	r.Hash = r.ComputeHash()
	c.records = append(c.records, r)
	c.lastHash = r.Hash
	c.updatedAt = time.Now()
}

// Validate re-hashes every record and walks the linkage. It returns the
// index of the first tampered record, or -1 when the chain is intact.
func (c *Chain) Validate() (bool, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i, r := range c.records {
		if !r.Verify() {
			return false, i
		}
		if i > 0 && r.PreviousHash != c.records[i-1].Hash {
			return false, i
		}
	}
	return true, -1
}

// Records returns a snapshot of the chain, genesis included.
func (c *Chain) Records() []*DecisionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*DecisionRecord(nil), c.records...)
}

// Len counts records including genesis.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// LastHash returns the current chain head.
func (c *Chain) LastHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHash
}

// ArchiveSink receives a durable copy of every sealed record. Sinks are
// best-effort: a failure is logged and counted, never surfaced to the
// decision path.
type ArchiveSink interface {
	Archive(ctx context.Context, rec *DecisionRecord) error
}

// Ledger owns the per-project chains.
type Ledger struct {
	mu     sync.RWMutex
	chains map[string]*Chain

	sink         ArchiveSink
	archiveFails atomic.Uint64
	wg           sync.WaitGroup
}

// NewLedger builds a ledger. sink may be nil to keep records memory-only.
func NewLedger(sink ArchiveSink) *Ledger {
	return &Ledger{chains: make(map[string]*Chain), sink: sink}
}

// Record seals a validation outcome into the project's chain.
func (l *Ledger) Record(projectID, requestID string, req *core.ValidationRequest, res *core.ValidationResult) *DecisionRecord {
	rec := &DecisionRecord{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		RequestID:    requestID,
		Fingerprint:  req.Fingerprint,
		AgentID:      req.AgentID,
		SessionID:    req.SessionID,
		ToolName:     req.ToolName,
		Decision:     res.Decision,
		Confidence:   res.Confidence,
		Score:        res.Score,
		Reason:       res.Reason,
		Layer:        res.Layer,
		RiskLevel:    res.RiskLevel,
		ProcessingMs: res.ProcessingMs,
		Timestamp:    time.Now(),
	}
	l.append(rec)
	return rec
}

// RecordExpert seals the expert's resolution of an escalated request as
// its own chain entry; the original escalation record stays untouched.
func (l *Ledger) RecordExpert(projectID, requestID, expertID string, req *core.ValidationRequest, res *core.ValidationResult) *DecisionRecord {
	rec := &DecisionRecord{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		RequestID:    requestID,
		Fingerprint:  req.Fingerprint,
		AgentID:      req.AgentID,
		SessionID:    req.SessionID,
		ToolName:     req.ToolName,
		Decision:     res.Decision,
		Confidence:   res.Confidence,
		Score:        res.Score,
		Reason:       res.Reason,
		Layer:        core.LayerExpert,
		RiskLevel:    res.RiskLevel,
		ExpertID:     expertID,
		ProcessingMs: res.ProcessingMs,
		Timestamp:    time.Now(),
	}
	l.append(rec)
	return rec
}

func (l *Ledger) append(rec *DecisionRecord) {
	l.mu.Lock()
	chain, ok := l.chains[rec.ProjectID]
	if !ok {
		chain = newChain(rec.ProjectID)
		l.chains[rec.ProjectID] = chain
	}
	l.mu.Unlock()

	chain.append(rec)
	l.archive(rec)
}

// archive copies the sealed record to the sink without blocking the
// decision path.
func (l *Ledger) archive(rec *DecisionRecord) {
	if l.sink == nil {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := l.sink.Archive(ctx, rec); err != nil {
			l.archiveFails.Add(1)
			slog.Error("decision record archive failed",
				"record_id", rec.ID, "project_id", rec.ProjectID, "error", err)
		}
	}()
}

// Chain returns the project's chain, or nil when no decision has been
// recorded for it.
func (l *Ledger) Chain(projectID string) *Chain {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chains[projectID]
}

// Validate walks the project's chain. Unknown projects are invalid.
func (l *Ledger) Validate(projectID string) (bool, int, error) {
	chain := l.Chain(projectID)
	if chain == nil {
		return false, -1, fmt.Errorf("no decision chain for project %s", projectID)
	}
	ok, idx := chain.Validate()
	return ok, idx, nil
}

// Recent returns the newest n records of the project's chain, oldest
// first, genesis excluded.
func (l *Ledger) Recent(projectID string, n int) []*DecisionRecord {
	chain := l.Chain(projectID)
	if chain == nil || n <= 0 {
		return nil
	}
	records := chain.Records()
	if len(records) > 0 && records[0].ID == "genesis" {
		records = records[1:]
	}
	if len(records) > n {
		records = records[len(records)-n:]
	}
	return records
}

// Projects lists every project with a chain.
func (l *Ledger) Projects() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.chains))
	for id := range l.chains {
		out = append(out, id)
	}
	return out
}

// Stats reports ledger counters for the debug and health surfaces.
func (l *Ledger) Stats() map[string]interface{} {
	l.mu.RLock()
	total := 0
	for _, c := range l.chains {
		total += c.Len()
	}
	projects := len(l.chains)
	l.mu.RUnlock()
	return map[string]interface{}{
		"projects":         projects,
		"total_records":    total,
		"archive_failures": l.archiveFails.Load(),
	}
}

// Close waits for in-flight archive deliveries to settle.
func (l *Ledger) Close() {
	l.wg.Wait()
}
