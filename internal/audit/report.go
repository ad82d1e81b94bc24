package audit

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/forgegate/hub/internal/core"
)

// ComplianceReport aggregates a project's decision records over a period.
type ComplianceReport struct {
	ReportID     string                    `json:"report_id"`
	ProjectID    string                    `json:"project_id"`
	GeneratedAt  time.Time                 `json:"generated_at"`
	PeriodStart  time.Time                 `json:"period_start"`
	PeriodEnd    time.Time                 `json:"period_end"`
	Summary      ComplianceSummary         `json:"summary"`
	ByAgent      map[string]AgentBreakdown `json:"by_agent"`
	ByLayer      map[string]int64          `json:"by_layer"`
	BlockReasons map[string]int64          `json:"block_reasons"`
	ChainValid   bool                      `json:"chain_valid"`
	RecordCount  int64                     `json:"record_count"`
}

// ComplianceSummary holds the headline decision totals.
type ComplianceSummary struct {
	Total          int64   `json:"total"`
	Approved       int64   `json:"approved"`
	Blocked        int64   `json:"blocked"`
	Escalated      int64   `json:"escalated"`
	Uncertain      int64   `json:"uncertain"`
	ExpertResolved int64   `json:"expert_resolved"`
	ApprovalRate   float64 `json:"approval_rate"`
	EscalationRate float64 `json:"escalation_rate"`
	AvgScore       float64 `json:"avg_score"`
}

// AgentBreakdown holds per-agent decision counts.
type AgentBreakdown struct {
	AgentID   string `json:"agent_id"`
	Decisions int64  `json:"decisions"`
	Approved  int64  `json:"approved"`
	Blocked   int64  `json:"blocked"`
	Escalated int64  `json:"escalated"`
}

// Report aggregates the project's records inside [start, end]. Chain
// validity is checked over the whole chain, not just the window.
func (l *Ledger) Report(projectID string, start, end time.Time) (*ComplianceReport, error) {
	chain := l.Chain(projectID)
	if chain == nil {
		return nil, fmt.Errorf("no decision chain for project %s", projectID)
	}

	report := &ComplianceReport{
		ReportID:     fmt.Sprintf("report-%s-%d", projectID, time.Now().UnixNano()),
		ProjectID:    projectID,
		GeneratedAt:  time.Now(),
		PeriodStart:  start,
		PeriodEnd:    end,
		ByAgent:      make(map[string]AgentBreakdown),
		ByLayer:      make(map[string]int64),
		BlockReasons: make(map[string]int64),
	}

	valid, _ := chain.Validate()
	report.ChainValid = valid

	var totalScore float64
	var scored int64

	for _, rec := range chain.Records() {
		if rec.ID == "genesis" {
			continue
		}
		if rec.Timestamp.Before(start) || rec.Timestamp.After(end) {
			continue
		}

		report.RecordCount++
		report.Summary.Total++

		switch rec.Decision {
		case core.DecisionApproved:
			report.Summary.Approved++
		case core.DecisionBlocked:
			report.Summary.Blocked++
			reason := rec.Reason
			if reason == "" {
				reason = "unspecified"
			}
			report.BlockReasons[reason]++
		case core.DecisionEscalate:
			report.Summary.Escalated++
		case core.DecisionUncertain:
			report.Summary.Uncertain++
		}

		if rec.ExpertID != "" {
			report.Summary.ExpertResolved++
		}
		if rec.Score > 0 {
			totalScore += rec.Score
			scored++
		}
		if rec.Layer != "" {
			report.ByLayer[rec.Layer]++
		}

		agent := report.ByAgent[rec.AgentID]
		agent.AgentID = rec.AgentID
		agent.Decisions++
		switch rec.Decision {
		case core.DecisionApproved:
			agent.Approved++
		case core.DecisionBlocked:
			agent.Blocked++
		case core.DecisionEscalate:
			agent.Escalated++
		}
		report.ByAgent[rec.AgentID] = agent
	}

	if scored > 0 {
		report.Summary.AvgScore = totalScore / float64(scored)
	}
	if report.Summary.Total > 0 {
		report.Summary.ApprovalRate = float64(report.Summary.Approved) / float64(report.Summary.Total) * 100
		report.Summary.EscalationRate = float64(report.Summary.Escalated) / float64(report.Summary.Total) * 100
	}

	slog.Info("generated compliance report",
		"report_id", report.ReportID, "project_id", projectID, "records", report.RecordCount)

	return report, nil
}
