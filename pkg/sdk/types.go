package sdk

import "time"

// Decision constants returned by the validation pipeline.
const (
	// DecisionApproved — the tool call may proceed.
	DecisionApproved = "APPROVED"

	// DecisionBlocked — the tool call must not execute.
	DecisionBlocked = "BLOCKED"

	// DecisionEscalate — a human or expert agent has to weigh in.
	DecisionEscalate = "ESCALATE"

	// DecisionUncertain — no layer produced a confident answer.
	DecisionUncertain = "UNCERTAIN"
)

// ValidationResult is the pipeline's answer for a single tool call.
// It mirrors the hub's wire format field for field so the SDK stays
// dependency-free.
type ValidationResult struct {
	// Decision is APPROVED, BLOCKED, ESCALATE or UNCERTAIN.
	Decision string `json:"decision"`

	// Confidence is HIGH, MEDIUM or LOW.
	Confidence string `json:"confidence"`

	// Score is the deciding layer's raw score: rule confidence for
	// policy decisions, the signed model score for pattern decisions.
	Score float64 `json:"score"`

	// Reason explains the decision in one line.
	Reason string `json:"reason"`

	// ProcessingMs is the hub-side latency for this request.
	ProcessingMs float64 `json:"processing_ms"`

	// CacheHit is true when the answer came from a cached verdict.
	CacheHit bool `json:"cache_hit"`

	// Layer names the pipeline stage that answered: memory, policy,
	// pattern, expert, safe_default or rate_limit.
	Layer string `json:"layer"`

	// ExpertRequired is true when the hub queued the call for expert review.
	ExpertRequired bool `json:"expert_required"`

	// RiskLevel is LOW, MEDIUM, HIGH or CRITICAL.
	RiskLevel string `json:"risk_level"`

	// SecurityConcerns lists the rule names that fired, if any.
	SecurityConcerns []string `json:"security_concerns,omitempty"`

	// Timestamp is when the hub produced the result.
	Timestamp time.Time `json:"timestamp"`
}

// Validation pairs a result with the hub-assigned request ID.
type Validation struct {
	RequestID string            `json:"request_id"`
	Result    *ValidationResult `json:"result"`
}

// Session is an authenticated agent session.
type Session struct {
	SessionID   string    `json:"session_id"`
	AgentID     string    `json:"agent_id"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}

// CommandResult is the hub's acknowledgement of a project file command.
type CommandResult struct {
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// FileVersion is one file in a project state snapshot.
type FileVersion struct {
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	Version   int64     `json:"version"`
	Checksum  string    `json:"checksum"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectState is a materialized view of a project at some version.
type ProjectState struct {
	ProjectID    string                  `json:"project_id"`
	Version      uint64                  `json:"version"`
	UpdatedAt    time.Time               `json:"updated_at"`
	Files        map[string]*FileVersion `json:"files"`
	DeletedFiles map[string]bool         `json:"deleted_files"`
}

// Event is one entry in a project's event stream.
type Event struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	AggregateID string                 `json:"aggregate_id"`
	Sequence    uint64                 `json:"sequence"`
	Timestamp   time.Time              `json:"timestamp"`
	AgentID     string                 `json:"agent_id"`
	Data        map[string]interface{} `json:"data"`
	Metadata    map[string]string      `json:"metadata,omitempty"`
}

// FileDiff compares one file across two points in time.
type FileDiff struct {
	Path       string `json:"path"`
	Status     string `json:"status"`
	OldVersion int64  `json:"old_version,omitempty"`
	NewVersion int64  `json:"new_version,omitempty"`
	Patch      string `json:"patch,omitempty"`
}

// EventQuery filters a project event listing. Zero values mean "no filter".
type EventQuery struct {
	// Type restricts results to one event type, e.g. "file.updated".
	Type string

	// Agent restricts results to events produced by one agent.
	Agent string

	// Since and Until bound the event timestamps.
	Since time.Time
	Until time.Time

	// Limit caps the number of returned events; 0 uses the server default.
	Limit int
}

// StreamFilter narrows a websocket subscription. Zero values subscribe
// to everything the session may see.
type StreamFilter struct {
	AggregateID string
	Types       []string
	Agent       string
	Path        string
}
