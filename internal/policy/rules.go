// Package policy implements the second validation layer: a compiled rule set
// evaluated first-match-wins, with a hot-rule shortlist and memoized results.
package policy

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/forgegate/hub/internal/core"
)

// Rule is the YAML-facing shape of one policy rule.
type Rule struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Priority     int      `yaml:"priority"`
	Tools        []string `yaml:"tools"` // empty = applies to every tool
	Pattern      string   `yaml:"pattern"`
	AgentPattern string   `yaml:"agent_pattern"` // empty = any agent
	Decision     string   `yaml:"decision"`      // APPROVED | BLOCKED | ESCALATE
	Confidence   float64  `yaml:"confidence"`
	Reason       string   `yaml:"reason"`
	Risk         string   `yaml:"risk"`
}

// RuleSet is the YAML document shape.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// CompiledRule is a rule ready for the hot path: regexes pre-compiled, tool
// list normalized to a set. Counters are updated atomically so compiled rules
// can be shared by immutable snapshots.
type CompiledRule struct {
	ID         string
	Name       string
	Priority   int
	Decision   core.Decision
	Confidence float64
	Reason     string
	Risk       core.RiskLevel

	tools   map[string]struct{} // nil = global
	pattern *regexp.Regexp
	agent   *regexp.Regexp // nil = any agent

	matchCount  atomic.Int64
	lastMatchNs atomic.Int64
	emaEvalNs   atomic.Int64
}

// MatchCount returns how many requests this rule has decided.
func (r *CompiledRule) MatchCount() int64 { return r.matchCount.Load() }

// LastMatch returns the time of the most recent match, zero if never.
func (r *CompiledRule) LastMatch() time.Time {
	ns := r.lastMatchNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// AvgEvalTime returns the exponential moving average evaluation cost.
func (r *CompiledRule) AvgEvalTime() time.Duration {
	return time.Duration(r.emaEvalNs.Load())
}

func (r *CompiledRule) recordMatch(evalTime time.Duration) {
	r.matchCount.Add(1)
	r.lastMatchNs.Store(time.Now().UnixNano())
	// EMA with alpha 0.1, same smoothing the monitoring layer uses
	prev := r.emaEvalNs.Load()
	next := int64(0.1*float64(evalTime.Nanoseconds()) + 0.9*float64(prev))
	r.emaEvalNs.Store(next)
}

func (r *CompiledRule) appliesTo(tool string) bool {
	if r.tools == nil {
		return true
	}
	_, ok := r.tools[tool]
	return ok
}

func (r *CompiledRule) global() bool { return r.tools == nil }

// matches runs the agent pattern and the payload regex.
func (r *CompiledRule) matches(agentID, text string) bool {
	if r.agent != nil && !r.agent.MatchString(agentID) {
		return false
	}
	return r.pattern.MatchString(text)
}

// Compile validates and compiles one rule. Invalid regexes are an error so
// the caller can drop the rule instead of treating it as match-all.
func Compile(rule Rule) (*CompiledRule, error) {
	if rule.Pattern == "" {
		return nil, fmt.Errorf("rule %s: empty pattern", rule.ID)
	}
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}

	var agentRe *regexp.Regexp
	if rule.AgentPattern != "" && rule.AgentPattern != ".*" {
		agentRe, err = regexp.Compile(rule.AgentPattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s agent pattern: %w", rule.ID, err)
		}
	}

	var tools map[string]struct{}
	if len(rule.Tools) > 0 {
		tools = make(map[string]struct{}, len(rule.Tools))
		for _, t := range rule.Tools {
			tools[t] = struct{}{}
		}
	}

	decision := core.Decision(rule.Decision)
	switch decision {
	case core.DecisionApproved, core.DecisionBlocked, core.DecisionEscalate:
	default:
		return nil, fmt.Errorf("rule %s: unknown decision %q", rule.ID, rule.Decision)
	}

	confidence := rule.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 0.9
	}

	risk := core.RiskLevel(rule.Risk)
	if risk == "" {
		risk = core.RiskMedium
	}

	id := rule.ID
	if id == "" {
		id = rule.Name
	}

	return &CompiledRule{
		ID:         id,
		Name:       rule.Name,
		Priority:   rule.Priority,
		Decision:   decision,
		Confidence: confidence,
		Reason:     rule.Reason,
		Risk:       risk,
		tools:      tools,
		pattern:    re,
		agent:      agentRe,
	}, nil
}

// LoadRules reads a YAML rule file.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return rs.Rules, nil
}

// DefaultRules is the bundled rule set that keeps the hub safe before any
// operator configuration is loaded.
func DefaultRules() []Rule {
	return []Rule{
		// Destructive shell commands, highest priority
		{
			ID:         "block-recursive-root-delete",
			Name:       "Block recursive delete near root",
			Priority:   1000,
			Tools:      []string{"Bash"},
			Pattern:    `rm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+(/|~|\$HOME)(\s|$|/\s*$)`,
			Decision:   "BLOCKED",
			Confidence: 0.99,
			Reason:     "dangerous recursive delete targeting filesystem root",
			Risk:       "CRITICAL",
		},
		{
			ID:         "block-sudo-rm",
			Name:       "Block privileged delete",
			Priority:   990,
			Tools:      []string{"Bash"},
			Pattern:    `sudo\s+rm\s`,
			Decision:   "BLOCKED",
			Confidence: 0.98,
			Reason:     "dangerous privileged file deletion",
			Risk:       "CRITICAL",
		},
		{
			ID:         "block-world-writable",
			Name:       "Block chmod 777",
			Priority:   980,
			Tools:      []string{"Bash"},
			Pattern:    `chmod\s+(-[a-zA-Z]+\s+)?777\b`,
			Decision:   "BLOCKED",
			Confidence: 0.97,
			Reason:     "world-writable permission change",
			Risk:       "HIGH",
		},
		{
			ID:         "block-dd-device-write",
			Name:       "Block raw device writes",
			Priority:   980,
			Tools:      []string{"Bash"},
			Pattern:    `dd\s+(if=\S+\s+)?of=/dev/`,
			Decision:   "BLOCKED",
			Confidence: 0.99,
			Reason:     "direct write to a block device",
			Risk:       "CRITICAL",
		},
		{
			ID:         "block-fork-bomb",
			Name:       "Block fork bombs",
			Priority:   975,
			Tools:      []string{"Bash"},
			Pattern:    `:\(\)\s*\{\s*:\|:&\s*\}`,
			Decision:   "BLOCKED",
			Confidence: 0.99,
			Reason:     "shell fork bomb",
			Risk:       "CRITICAL",
		},
		{
			ID:         "block-curl-pipe-shell",
			Name:       "Block curl piped into shell",
			Priority:   970,
			Tools:      []string{"Bash"},
			Pattern:    `(curl|wget)\s+[^|;]*\|\s*(ba|z|da)?sh\b`,
			Decision:   "BLOCKED",
			Confidence: 0.95,
			Reason:     "remote script piped directly into a shell",
			Risk:       "HIGH",
		},
		// System-path mutations go to a human
		{
			ID:           "escalate-system-path-shell",
			Name:         "Escalate shell access to system paths",
			Priority:     800,
			Tools:        []string{"Bash"},
			Pattern:      `(^|[\s=])(/etc/|/usr/|/var/|/boot/|/sys/|/proc/|/dev/)`,
			Decision:     "ESCALATE",
			Confidence:   0.85,
			Reason:       "shell command touches a system path",
			Risk:         "HIGH",
			AgentPattern: ".*",
		},
		{
			ID:         "escalate-system-path-write",
			Name:       "Escalate file writes under system paths",
			Priority:   800,
			Tools:      []string{"Write", "Edit", "MultiEdit"},
			Pattern:    `^(/etc/|/usr/|/var/|/boot/|/sys/|/proc/|/dev/)`,
			Decision:   "ESCALATE",
			Confidence: 0.85,
			Reason:     "file mutation under a system path",
			Risk:       "HIGH",
		},
		// Known-safe read-only tools, low-priority catch-all
		{
			ID:         "approve-read-only",
			Name:       "Approve read-only tools",
			Priority:   10,
			Tools:      []string{"Read", "Glob", "Grep", "LS", "WebFetch", "WebSearch"},
			Pattern:    `.`,
			Decision:   "APPROVED",
			Confidence: 0.95,
			Reason:     "read-only tool",
			Risk:       "LOW",
		},
	}
}

// sortByPriority orders rules highest priority first, stable on ID for
// deterministic evaluation order.
func sortByPriority(rules []*CompiledRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}
