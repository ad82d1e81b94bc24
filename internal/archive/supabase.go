// Package archive persists sealed decision records outside the hub's
// memory. The Supabase adapter writes one row per record to the
// decision_records table and can reload a project's chain for recovery.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/forgegate/hub/internal/audit"
)

// SupabaseClient wraps the Supabase REST client with the row operations
// the archive needs.
type SupabaseClient struct {
	client *supabase.Client
}

// NewSupabaseClient builds a client. Empty arguments fall back to the
// SUPABASE_URL and SUPABASE_SERVICE_KEY environment variables.
func NewSupabaseClient(url, key string) (*SupabaseClient, error) {
	if url == "" {
		url = os.Getenv("SUPABASE_URL")
	}
	if key == "" {
		key = os.Getenv("SUPABASE_SERVICE_KEY")
	}
	if url == "" || key == "" {
		return nil, fmt.Errorf("supabase url and service key must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}

	return &SupabaseClient{client: client}, nil
}

// InsertRow inserts a single row into a table.
func (sc *SupabaseClient) InsertRow(table string, row interface{}) error {
	_, _, err := sc.client.From(table).Insert(row, false, "", "", "").Execute()
	return err
}

// QueryRows loads rows from a table filtered by a single column.
func (sc *SupabaseClient) QueryRows(table, selectCols, filterCol, filterVal string, dest interface{}) error {
	_, err := sc.client.From(table).
		Select(selectCols, "", false).
		Eq(filterCol, filterVal).
		ExecuteTo(dest)
	return err
}

// decisionRow is the database row shape for the decision_records table.
type decisionRow struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	RequestID    string  `json:"request_id"`
	Fingerprint  string  `json:"fingerprint"`
	AgentID      string  `json:"agent_id"`
	SessionID    string  `json:"session_id"`
	ToolName     string  `json:"tool_name"`
	Decision     string  `json:"decision"`
	Confidence   string  `json:"confidence"`
	Score        float64 `json:"score"`
	Reason       string  `json:"reason"`
	Layer        string  `json:"layer"`
	RiskLevel    string  `json:"risk_level"`
	ExpertID     string  `json:"expert_id"`
	ProcessingMs float64 `json:"processing_ms"`
	Hash         string  `json:"hash"`
	PreviousHash string  `json:"previous_hash"`
	Payload      string  `json:"payload"`
	Timestamp    string  `json:"timestamp"`
	ArchivedAt   string  `json:"archived_at"`
}

// SupabaseArchive copies decision records to Supabase (PostgreSQL).
// Falls back gracefully if Supabase is unreachable — the in-memory
// chain remains the source of truth.
type SupabaseArchive struct {
	client *SupabaseClient
	logger *log.Logger
}

// NewSupabaseArchive creates a durable archive backed by Supabase.
func NewSupabaseArchive(client *SupabaseClient) *SupabaseArchive {
	return &SupabaseArchive{
		client: client,
		logger: log.New(log.Writer(), "[Archive:Supabase] ", log.LstdFlags),
	}
}

// Archive persists a sealed decision record to the decision_records table.
func (a *SupabaseArchive) Archive(_ context.Context, rec *audit.DecisionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal decision record: %w", err)
	}

	row := decisionRow{
		ID:           rec.ID,
		ProjectID:    rec.ProjectID,
		RequestID:    rec.RequestID,
		Fingerprint:  rec.Fingerprint,
		AgentID:      rec.AgentID,
		SessionID:    rec.SessionID,
		ToolName:     rec.ToolName,
		Decision:     string(rec.Decision),
		Confidence:   string(rec.Confidence),
		Score:        rec.Score,
		Reason:       rec.Reason,
		Layer:        rec.Layer,
		RiskLevel:    string(rec.RiskLevel),
		ExpertID:     rec.ExpertID,
		ProcessingMs: rec.ProcessingMs,
		Hash:         rec.Hash,
		PreviousHash: rec.PreviousHash,
		Payload:      string(payload),
		Timestamp:    rec.Timestamp.Format(time.RFC3339),
		ArchivedAt:   time.Now().Format(time.RFC3339),
	}

	if err := a.client.InsertRow("decision_records", row); err != nil {
		a.logger.Printf("Failed to archive decision %s: %v", rec.ID, err)
		return fmt.Errorf("archive decision record: %w", err)
	}

	a.logger.Printf("Archived decision record %s (decision=%s)", rec.ID, rec.Decision)
	return nil
}

// LoadChain reloads every archived record for a project from the payload
// column. Ordering follows insertion order; callers re-validate linkage.
func (a *SupabaseArchive) LoadChain(_ context.Context, projectID string) ([]*audit.DecisionRecord, error) {
	var rows []decisionRow
	if err := a.client.QueryRows("decision_records", "payload", "project_id", projectID, &rows); err != nil {
		return nil, fmt.Errorf("load decision chain: %w", err)
	}

	records := make([]*audit.DecisionRecord, 0, len(rows))
	for _, row := range rows {
		var rec audit.DecisionRecord
		if err := json.Unmarshal([]byte(row.Payload), &rec); err != nil {
			a.logger.Printf("Skipping corrupt record: %v", err)
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}
