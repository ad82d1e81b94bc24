package policy

import (
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgegate/hub/internal/core"
)

// hotRefreshEvery controls how often the hot shortlist is rebuilt, counted in
// evaluations.
const hotRefreshEvery = 1024

// snapshot is the immutable compiled rule index stored in atomic.Value.
type snapshot struct {
	byTool map[string][]*CompiledRule // tool-specific rules, priority desc
	global []*CompiledRule            // rules with no tool list, priority desc
	all    []*CompiledRule
}

// Engine evaluates requests against the compiled rule set. Reads are
// lock-free via atomic.Value; the mutex only serializes reloads and hot-list
// refreshes.
type Engine struct {
	snap atomic.Value // *snapshot
	hot  atomic.Value // []*CompiledRule

	mu       sync.Mutex
	memo     *memoCache
	hotCount int
	evals    atomic.Int64

	logger *log.Logger
}

// Options tunes the engine. Zero values take the documented defaults.
type Options struct {
	HotRuleCount int
	MemoCapacity int
	MemoTTL      time.Duration
}

// NewEngine compiles rules and builds the index. Rules that fail to compile
// are logged and dropped; they never degrade to match-all.
func NewEngine(rules []Rule, opts Options) *Engine {
	if opts.HotRuleCount <= 0 {
		opts.HotRuleCount = 10
	}
	e := &Engine{
		memo:     newMemoCache(opts.MemoCapacity, opts.MemoTTL),
		hotCount: opts.HotRuleCount,
		logger:   log.New(log.Writer(), "[Policy] ", log.LstdFlags),
	}
	e.install(rules)
	return e
}

// NewDefaultEngine builds an engine over the bundled rule set.
func NewDefaultEngine() *Engine {
	return NewEngine(DefaultRules(), Options{})
}

// Reload swaps the rule set. Memoized results from the old set are dropped.
func (e *Engine) Reload(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.install(rules)
	e.memo.Clear()
}

func (e *Engine) install(rules []Rule) {
	compiled := make([]*CompiledRule, 0, len(rules))
	for _, r := range rules {
		cr, err := Compile(r)
		if err != nil {
			e.logger.Printf("dropping rule: %v", err)
			continue
		}
		compiled = append(compiled, cr)
	}

	s := &snapshot{
		byTool: make(map[string][]*CompiledRule),
		all:    compiled,
	}
	for _, cr := range compiled {
		if cr.global() {
			s.global = append(s.global, cr)
			continue
		}
		for tool := range cr.tools {
			s.byTool[tool] = append(s.byTool[tool], cr)
		}
	}
	sortByPriority(s.global)
	for tool := range s.byTool {
		sortByPriority(s.byTool[tool])
	}

	e.snap.Store(s)
	e.hot.Store([]*CompiledRule{})
	e.logger.Printf("installed %d rules (%d tool-indexed, %d global)",
		len(compiled), len(compiled)-len(s.global), len(s.global))
}

// Evaluate runs the request through the rule set. Returns (result, true) when
// a rule decided; (nil, false) means fall through to the next layer.
func (e *Engine) Evaluate(req *core.ValidationRequest) (*core.ValidationResult, bool) {
	key := memoKey(req.ToolName, req.AgentID, req.Fingerprint)
	if cached, ok := e.memo.Get(key); ok {
		return cached.Clone(), true
	}

	if n := e.evals.Add(1); n%hotRefreshEvery == 0 {
		e.refreshHot()
	}

	text := matchText(req)

	for _, rule := range e.candidates(req.ToolName) {
		if !rule.appliesTo(req.ToolName) {
			continue
		}
		start := time.Now()
		matched := rule.matches(req.AgentID, text)
		if !matched {
			continue
		}
		rule.recordMatch(time.Since(start))

		result := &core.ValidationResult{
			Decision:   rule.Decision,
			Confidence: core.ConfidenceFromScore(rule.Confidence),
			Score:      rule.Confidence,
			Reason:     rule.Reason,
			Layer:      core.LayerPolicy,
			RiskLevel:  rule.Risk,
			Timestamp:  time.Now(),
		}
		if rule.Decision == core.DecisionEscalate {
			result.ExpertRequired = true
		}
		if rule.Decision == core.DecisionBlocked {
			result.SecurityConcerns = []string{rule.Name}
		}
		e.memo.Put(key, result)
		return result.Clone(), true
	}

	return nil, false
}

// candidates returns hot ∪ tool-specific ∪ global rules. Duplicates between
// the lists are harmless: first match wins and a rule decides identically in
// either position.
func (e *Engine) candidates(tool string) []*CompiledRule {
	s := e.snap.Load().(*snapshot)
	hot := e.hot.Load().([]*CompiledRule)

	specific := s.byTool[tool]
	if len(hot) == 0 && len(s.global) == 0 {
		return specific
	}

	out := make([]*CompiledRule, 0, len(hot)+len(specific)+len(s.global))
	out = append(out, hot...)
	out = append(out, specific...)
	out = append(out, s.global...)
	return out
}

// refreshHot rebuilds the shortlist of the most-matched rules.
func (e *Engine) refreshHot() {
	if !e.mu.TryLock() {
		return // another refresh is in flight
	}
	defer e.mu.Unlock()

	s := e.snap.Load().(*snapshot)
	ranked := make([]*CompiledRule, len(s.all))
	copy(ranked, s.all)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].MatchCount() > ranked[j].MatchCount()
	})

	n := e.hotCount
	if n > len(ranked) {
		n = len(ranked)
	}
	hot := make([]*CompiledRule, 0, n)
	for _, r := range ranked[:n] {
		if r.MatchCount() == 0 {
			break
		}
		hot = append(hot, r)
	}
	sortByPriority(hot)
	e.hot.Store(hot)
}

// RuleStats describes one rule's runtime counters for the debug surface.
type RuleStats struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Priority    int           `json:"priority"`
	Decision    core.Decision `json:"decision"`
	MatchCount  int64         `json:"match_count"`
	LastMatch   time.Time     `json:"last_match,omitempty"`
	AvgEvalTime float64       `json:"avg_eval_us"`
}

// Stats returns per-rule counters sorted by match count.
func (e *Engine) Stats() []RuleStats {
	s := e.snap.Load().(*snapshot)
	out := make([]RuleStats, 0, len(s.all))
	for _, r := range s.all {
		out = append(out, RuleStats{
			ID:          r.ID,
			Name:        r.Name,
			Priority:    r.Priority,
			Decision:    r.Decision,
			MatchCount:  r.MatchCount(),
			LastMatch:   r.LastMatch(),
			AvgEvalTime: float64(r.AvgEvalTime().Microseconds()),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MatchCount > out[j].MatchCount })
	return out
}

// RuleCount returns how many rules are currently installed.
func (e *Engine) RuleCount() int {
	return len(e.snap.Load().(*snapshot).all)
}

// MemoSize returns the current memo entry count.
func (e *Engine) MemoSize() int { return e.memo.Size() }

// matchText picks the request text the rule regexes run against: the shell
// command for Bash-class tools, the target path for file tools, otherwise a
// canonical key=value rendering.
func matchText(req *core.ValidationRequest) string {
	if cmd := req.Command(); cmd != "" {
		return cmd
	}
	if p := req.TargetPath(); p != "" {
		return p
	}
	parts := make([]string, 0, len(req.ToolInput))
	for k, v := range req.ToolInput {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
