package core

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// ToolKind is the mutation class of a tool. It drives the safe-default
// mapping and the classifier's tool-class features from one table.
type ToolKind string

const (
	KindReadOnly ToolKind = "READ_ONLY" // never mutates project or host state
	KindMutating ToolKind = "MUTATING"  // writes files or project state
	KindShell    ToolKind = "SHELL"     // arbitrary command execution
)

// ToolDefinition is a registered tool and its validation posture.
type ToolDefinition struct {
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Kind         ToolKind  `json:"kind"`
	Risk         RiskLevel `json:"risk"`
	FileOperable bool      `json:"file_operable"` // takes a file_path/path argument
	RegisteredBy string    `json:"registered_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ToolCatalog is the registry of tools the hub knows how to judge. Unknown
// tools are still validated, but fail closed on the safe-default path.
type ToolCatalog struct {
	mu     sync.RWMutex
	tools  map[string]*ToolDefinition
	logger *log.Logger
}

// NewToolCatalog creates a catalog pre-loaded with the standard agent tools.
func NewToolCatalog() *ToolCatalog {
	tc := &ToolCatalog{
		tools:  make(map[string]*ToolDefinition),
		logger: log.New(log.Writer(), "[Catalog] ", log.LstdFlags),
	}
	tc.registerDefaults()
	return tc
}

func (tc *ToolCatalog) registerDefaults() {
	defaults := []*ToolDefinition{
		{Name: "Read", Description: "Read a file", Kind: KindReadOnly, Risk: RiskLow, FileOperable: true},
		{Name: "Glob", Description: "Match files by pattern", Kind: KindReadOnly, Risk: RiskLow},
		{Name: "Grep", Description: "Search file contents", Kind: KindReadOnly, Risk: RiskLow},
		{Name: "LS", Description: "List a directory", Kind: KindReadOnly, Risk: RiskLow, FileOperable: true},
		{Name: "WebFetch", Description: "Fetch a URL", Kind: KindReadOnly, Risk: RiskLow},
		{Name: "WebSearch", Description: "Search the web", Kind: KindReadOnly, Risk: RiskLow},
		{Name: "Write", Description: "Write a file", Kind: KindMutating, Risk: RiskMedium, FileOperable: true},
		{Name: "Edit", Description: "Edit a file in place", Kind: KindMutating, Risk: RiskMedium, FileOperable: true},
		{Name: "MultiEdit", Description: "Apply multiple edits", Kind: KindMutating, Risk: RiskMedium, FileOperable: true},
		{Name: "Bash", Description: "Run a shell command", Kind: KindShell, Risk: RiskHigh},
	}
	now := time.Now()
	for _, t := range defaults {
		t.RegisteredBy = "system"
		t.CreatedAt = now
		t.UpdatedAt = now
		tc.tools[t.Name] = t
	}
}

// Register adds or updates a tool definition.
func (tc *ToolCatalog) Register(tool *ToolDefinition) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	switch tool.Kind {
	case KindReadOnly, KindMutating, KindShell:
	default:
		return fmt.Errorf("tool kind must be READ_ONLY, MUTATING or SHELL")
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	now := time.Now()
	if existing, ok := tc.tools[tool.Name]; ok {
		tool.CreatedAt = existing.CreatedAt
	} else {
		tool.CreatedAt = now
	}
	tool.UpdatedAt = now
	tc.tools[tool.Name] = tool
	tc.logger.Printf("Registered tool %s (%s, risk=%s)", tool.Name, tool.Kind, tool.Risk)
	return nil
}

// Get retrieves a tool definition by name.
func (tc *ToolCatalog) Get(name string) (*ToolDefinition, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	t, ok := tc.tools[name]
	return t, ok
}

// List returns all registered tools.
func (tc *ToolCatalog) List() []*ToolDefinition {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	out := make([]*ToolDefinition, 0, len(tc.tools))
	for _, t := range tc.tools {
		out = append(out, t)
	}
	return out
}

// Count returns the number of registered tools.
func (tc *ToolCatalog) Count() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.tools)
}

// IsSafeTool reports whether the named tool is registered read-only.
func (tc *ToolCatalog) IsSafeTool(name string) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	t, ok := tc.tools[name]
	return ok && t.Kind == KindReadOnly
}

// IsShellTool reports whether the named tool executes arbitrary commands.
func (tc *ToolCatalog) IsShellTool(name string) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	t, ok := tc.tools[name]
	return ok && t.Kind == KindShell
}

// IsFileOp reports whether requests for this tool address a file path.
func (tc *ToolCatalog) IsFileOp(name string) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	t, ok := tc.tools[name]
	return ok && t.FileOperable
}

// SafeDefault is the deterministic fallback decision used when no layer and
// no expert answered in time. It depends only on the tool name: registered
// read-only tools pass, everything else fails closed.
func (tc *ToolCatalog) SafeDefault(name string) Decision {
	if tc.IsSafeTool(name) {
		return DecisionApproved
	}
	return DecisionBlocked
}
