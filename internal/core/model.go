// Package core defines the validation domain model shared by every layer of
// the hub: requests, results, decision and confidence enums, fingerprints,
// the tool catalog, and the error taxonomy.
package core

import (
	"fmt"
	"time"
)

// Decision is the outcome of validating a proposed action.
type Decision string

const (
	DecisionApproved  Decision = "APPROVED"
	DecisionBlocked   Decision = "BLOCKED"
	DecisionEscalate  Decision = "ESCALATE"
	DecisionUncertain Decision = "UNCERTAIN"
)

// Confidence buckets a numeric confidence score into the four levels the
// dispatcher keys its caching policy on.
type Confidence string

const (
	ConfidenceHigh    Confidence = "HIGH"    // >= 0.95
	ConfidenceMedium  Confidence = "MEDIUM"  // >= 0.80
	ConfidenceLow     Confidence = "LOW"     // >= 0.50
	ConfidenceUnknown Confidence = "UNKNOWN" // <  0.50
)

// ConfidenceFromScore maps a [0,1] score to its bucket.
func ConfidenceFromScore(score float64) Confidence {
	switch {
	case score >= 0.95:
		return ConfidenceHigh
	case score >= 0.80:
		return ConfidenceMedium
	case score >= 0.50:
		return ConfidenceLow
	default:
		return ConfidenceUnknown
	}
}

// RiskLevel tags a result with the coarse risk class of the action.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// ValidationRequest is an immutable description of a proposed agent action.
// Construct through NewValidationRequest so the fingerprint is always set.
type ValidationRequest struct {
	Fingerprint string            `json:"fingerprint"`
	ToolName    string            `json:"tool_name"`
	ToolInput   map[string]string `json:"tool_input"`
	AgentID     string            `json:"agent_id"`
	SessionID   string            `json:"session_id,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// NewValidationRequest validates the required fields and derives the
// fingerprint. The input map is copied so later caller mutation cannot
// change the fingerprinted content.
func NewValidationRequest(tool string, input map[string]string, agentID, sessionID string) (*ValidationRequest, error) {
	if tool == "" {
		return nil, fmt.Errorf("validation request: tool name is required")
	}
	if agentID == "" {
		return nil, fmt.Errorf("validation request: agent id is required")
	}
	in := make(map[string]string, len(input))
	for k, v := range input {
		in[k] = v
	}
	return &ValidationRequest{
		Fingerprint: Fingerprint(tool, in),
		ToolName:    tool,
		ToolInput:   in,
		AgentID:     agentID,
		SessionID:   sessionID,
		Timestamp:   time.Now(),
	}, nil
}

// Command returns the shell command for Bash-class requests, empty otherwise.
func (r *ValidationRequest) Command() string {
	return r.ToolInput["command"]
}

// TargetPath returns the file path argument if the request carries one.
func (r *ValidationRequest) TargetPath() string {
	if p, ok := r.ToolInput["file_path"]; ok {
		return p
	}
	return r.ToolInput["path"]
}

// ValidationResult is what the dispatcher hands back for every request.
// The dispatcher never fails: degraded outcomes are encoded here.
type ValidationResult struct {
	Decision         Decision   `json:"decision"`
	Confidence       Confidence `json:"confidence"`
	Score            float64    `json:"score"`
	Reason           string     `json:"reason"`
	ProcessingMs     float64    `json:"processing_ms"`
	CacheHit         bool       `json:"cache_hit"`
	Layer            string     `json:"layer"`
	ExpertRequired   bool       `json:"expert_required"`
	RiskLevel        RiskLevel  `json:"risk_level"`
	SecurityConcerns []string   `json:"security_concerns,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
}

// Layer names reported in ValidationResult.Layer.
const (
	LayerMemory      = "memory"
	LayerPolicy      = "policy"
	LayerPattern     = "pattern"
	LayerExpert      = "expert"
	LayerSafeDefault = "safe-default"
	LayerRateLimit   = "rate-limit"
)

// Clone returns a shallow copy safe to mutate (concern slice included).
func (r *ValidationResult) Clone() *ValidationResult {
	cp := *r
	if len(r.SecurityConcerns) > 0 {
		cp.SecurityConcerns = append([]string(nil), r.SecurityConcerns...)
	}
	return &cp
}
