// Package pattern implements the third validation layer: a feature-based
// classifier with a prediction cache and a deterministic rule-weighted
// fallback model.
package pattern

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/forgegate/hub/internal/core"
)

// lengthBucketSize quantizes command length for the partial-feature memo.
const lengthBucketSize = 64

// maxNormalizedLength caps the length feature at 1.0 (1000 chars).
const maxNormalizedLength = 1000.0

var dangerousKeywords = []string{
	"rm ", "rm\t", "rmdir", "delete", "sudo", "chmod", "chown", "kill",
	"shutdown", "reboot", "mkfs", "format", "dd ", "eval", "exec",
	"curl", "wget", "drop table", "truncate", "> /dev/", "fork",
}

var safeKeywords = []string{
	"ls", "cat ", "echo", "grep", "find ", "head", "tail", "pwd",
	"which", "status", "show", "list", "help", "version", "print",
	"read", "view", "diff",
}

var systemPathPrefixes = []string{
	"/etc/", "/usr/", "/var/", "/boot/", "/sys/", "/proc/", "/dev/",
}

const shellSpecialChars = "|&;$`><(){}"

// Features is the deterministic feature vector the classifiers consume.
// Every field is in [0,1] except the keyword counts.
type Features struct {
	IsSafeTool float64 `json:"is_safe_tool"`
	IsBash     float64 `json:"is_bash"`
	IsFileOp   float64 `json:"is_file_op"`

	DangerousKeywords float64 `json:"dangerous_keywords"`
	SafeKeywords      float64 `json:"safe_keywords"`
	KeywordRatio      float64 `json:"keyword_ratio"` // dangerous / (dangerous+safe)

	SystemPath    float64 `json:"system_path"`
	ShellChars    float64 `json:"shell_chars"`
	CommandLength float64 `json:"command_length"` // bucketized, normalized, capped

	TrustedAgent float64 `json:"trusted_agent"`
	AnonAgent    float64 `json:"anon_agent"`
}

// partialFeatures are the fields derivable from (tool, length bucket) alone.
type partialFeatures struct {
	isSafeTool    float64
	isBash        float64
	isFileOp      float64
	commandLength float64
}

type partialKey struct {
	tool   string
	bucket int
}

// Extractor converts requests into feature vectors. The hot map memoizes the
// tool/length-derived part of the vector, which repeats heavily across a
// session's traffic.
type Extractor struct {
	catalog *core.ToolCatalog

	mu   sync.RWMutex
	hot  map[partialKey]partialFeatures
	hits atomic.Int64
}

func NewExtractor(catalog *core.ToolCatalog) *Extractor {
	return &Extractor{
		catalog: catalog,
		hot:     make(map[partialKey]partialFeatures),
	}
}

// Extract computes the feature vector. Pure: the same request always yields
// the same vector.
func (x *Extractor) Extract(req *core.ValidationRequest) Features {
	text := requestText(req)
	partial := x.partialFor(req.ToolName, len(text))

	f := Features{
		IsSafeTool:    partial.isSafeTool,
		IsBash:        partial.isBash,
		IsFileOp:      partial.isFileOp,
		CommandLength: partial.commandLength,
	}

	lower := strings.ToLower(text)
	for _, kw := range dangerousKeywords {
		if strings.Contains(lower, kw) {
			f.DangerousKeywords++
		}
	}
	for _, kw := range safeKeywords {
		if strings.Contains(lower, kw) {
			f.SafeKeywords++
		}
	}
	if total := f.DangerousKeywords + f.SafeKeywords; total > 0 {
		f.KeywordRatio = f.DangerousKeywords / total
	}

	for _, prefix := range systemPathPrefixes {
		if strings.Contains(text, prefix) {
			f.SystemPath = 1
			break
		}
	}
	if strings.ContainsAny(text, shellSpecialChars) {
		f.ShellChars = 1
	}

	if strings.HasPrefix(req.AgentID, "trusted-") {
		f.TrustedAgent = 1
	}
	if req.AgentID == "anonymous" || strings.HasPrefix(req.AgentID, "anon-") {
		f.AnonAgent = 1
	}

	return f
}

// partialFor returns the memoized tool/length part of the vector.
func (x *Extractor) partialFor(tool string, textLen int) partialFeatures {
	key := partialKey{tool: tool, bucket: textLen / lengthBucketSize}

	x.mu.RLock()
	p, ok := x.hot[key]
	x.mu.RUnlock()
	if ok {
		x.hits.Add(1)
		return p
	}

	p = partialFeatures{
		commandLength: normalizedBucketLength(key.bucket),
	}
	if x.catalog.IsSafeTool(tool) {
		p.isSafeTool = 1
	}
	if x.catalog.IsShellTool(tool) {
		p.isBash = 1
	}
	if x.catalog.IsFileOp(tool) {
		p.isFileOp = 1
	}

	x.mu.Lock()
	x.hot[key] = p
	x.mu.Unlock()
	return p
}

// HotPatternCount reports how many (tool, bucket) partials are memoized.
func (x *Extractor) HotPatternCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.hot)
}

// HotPatternHits reports how many extractions reused a memoized partial.
func (x *Extractor) HotPatternHits() int64 { return x.hits.Load() }

func normalizedBucketLength(bucket int) float64 {
	mid := float64(bucket*lengthBucketSize) + float64(lengthBucketSize)/2
	v := mid / maxNormalizedLength
	if v > 1 {
		return 1
	}
	return v
}

// requestText picks the classified text: shell command, else target path,
// else every input value joined.
func requestText(req *core.ValidationRequest) string {
	if cmd := req.Command(); cmd != "" {
		return cmd
	}
	if p := req.TargetPath(); p != "" {
		return p
	}
	parts := make([]string, 0, len(req.ToolInput))
	for _, v := range req.ToolInput {
		parts = append(parts, v)
	}
	// Sorting keeps the text deterministic across map iteration order
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
