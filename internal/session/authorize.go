package session

import (
	"sync"
	"time"

	"github.com/forgegate/hub/internal/core"
	"github.com/forgegate/hub/internal/metrics"
)

// Section names a top-level directory of the virtual filesystem surface.
type Section string

const (
	SectionCurrent Section = "current"
	SectionHistory Section = "history"
	SectionShadows Section = "shadows"
	SectionContext Section = "context"
	SectionStreams Section = "streams"
	SectionDebug   Section = "debug"
)

// Op is the access kind being authorized.
type Op string

const (
	OpRead  Op = "read"
	OpList  Op = "list"
	OpWrite Op = "write"
)

// requiredPerm resolves the permission matrix for a section and op. denied
// means the op is never allowed in that section regardless of permissions.
func requiredPerm(section Section, op Op) (perm Permission, denied bool) {
	write := op == OpWrite
	switch section {
	case SectionCurrent:
		if write {
			return PermFSWrite, false
		}
		return PermFSRead, false
	case SectionHistory:
		if write {
			return "", true
		}
		return PermFSRead, false
	case SectionShadows:
		if write {
			return "", true
		}
		return PermASTAccess, false
	case SectionContext:
		if write {
			return "", true
		}
		return PermContextRead, false
	case SectionStreams:
		return PermStreamAccess, false
	case SectionDebug:
		if write {
			return "", true
		}
		return PermDebugAccess, false
	}
	return "", true
}

const (
	defaultMemoTTL      = 5 * time.Minute
	defaultMemoLimit    = 1000
	defaultOpsPerMinute = 1000
)

// AuthorizerOptions tune memoization and rate limits. Zero values take the
// defaults from the configuration table.
type AuthorizerOptions struct {
	MemoTTL      time.Duration
	MemoLimit    int
	OpsPerMinute int
}

// Authorizer gates every surface operation: live session check, per-agent
// rate limit, then the section permission matrix with the rule resolution
// memoized per (agent, path, op). The session's permission set itself is
// always consulted live, so a grant expands access immediately and a logout
// contracts it immediately.
type Authorizer struct {
	registry *Registry
	audit    *AuditLog
	memo     *ruleMemo
	ops      *opLimiter
	metrics  *metrics.Metrics
}

// NewAuthorizer wires the authorizer. audit and m may be nil.
func NewAuthorizer(registry *Registry, audit *AuditLog, m *metrics.Metrics, opts AuthorizerOptions) *Authorizer {
	if opts.MemoTTL <= 0 {
		opts.MemoTTL = defaultMemoTTL
	}
	if opts.MemoLimit <= 0 {
		opts.MemoLimit = defaultMemoLimit
	}
	if opts.OpsPerMinute <= 0 {
		opts.OpsPerMinute = defaultOpsPerMinute
	}
	return &Authorizer{
		registry: registry,
		audit:    audit,
		memo:     newRuleMemo(opts.MemoTTL, opts.MemoLimit),
		ops:      newOpLimiter(opts.OpsPerMinute, time.Minute),
		metrics:  m,
	}
}

// Authorize validates the session and checks the op against the permission
// matrix. path is the full surface path (section prefix included) so the
// memo key is unambiguous. Returns the session snapshot for the caller.
func (a *Authorizer) Authorize(sessionID string, section Section, path string, op Op) (*Session, error) {
	s, err := a.registry.Get(sessionID)
	if err != nil {
		a.record("", sessionID, op, path, "auth-failed", err.Error())
		return nil, err
	}

	if !a.ops.allow(s.AgentID) {
		a.record(s.AgentID, sessionID, op, path, "rate-limited", "")
		if a.metrics != nil {
			a.metrics.RecordRateLimited("agent-ops")
		}
		return nil, &core.RateLimitError{Scope: "agent-ops"}
	}

	perm, denied := a.memo.resolve(s.AgentID, path, op, section)
	if denied || !s.Has(perm) {
		a.record(s.AgentID, sessionID, op, path, "denied", string(section))
		return nil, &core.PermissionError{Agent: s.AgentID, Path: path, Op: string(op)}
	}

	a.record(s.AgentID, sessionID, op, path, "ok", string(section))
	return s, nil
}

// Stats reports authorizer counters for the debug surface.
func (a *Authorizer) Stats() map[string]interface{} {
	return map[string]interface{}{
		"memo_entries": a.memo.size(),
		"rate_windows": a.ops.size(),
	}
}

func (a *Authorizer) record(agent, sessionID string, op Op, path, outcome, detail string) {
	if a.audit == nil {
		return
	}
	a.audit.Record(AuditEntry{
		AgentID:   agent,
		SessionID: sessionID,
		Op:        string(op),
		Path:      path,
		Outcome:   outcome,
		Detail:    detail,
	})
}

// ruleMemo caches permission-matrix resolutions keyed (agent, path, op).
// Entries expire after the TTL; inserts beyond the limit trim expired
// entries first, then the least recently used.
type ruleMemo struct {
	mu      sync.Mutex
	ttl     time.Duration
	limit   int
	entries map[string]*ruleEntry
}

type ruleEntry struct {
	perm    Permission
	denied  bool
	addedAt time.Time
	lastUse time.Time
}

func newRuleMemo(ttl time.Duration, limit int) *ruleMemo {
	return &ruleMemo{ttl: ttl, limit: limit, entries: make(map[string]*ruleEntry)}
}

func (m *ruleMemo) resolve(agent, path string, op Op, section Section) (Permission, bool) {
	key := agent + "|" + path + "|" + string(op)
	now := time.Now()

	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		if now.Sub(e.addedAt) <= m.ttl {
			e.lastUse = now
			perm, denied := e.perm, e.denied
			m.mu.Unlock()
			return perm, denied
		}
		delete(m.entries, key)
	}
	perm, denied := requiredPerm(section, op)
	if len(m.entries) >= m.limit {
		m.trimLocked(now)
	}
	m.entries[key] = &ruleEntry{perm: perm, denied: denied, addedAt: now, lastUse: now}
	m.mu.Unlock()
	return perm, denied
}

// trimLocked drops expired entries, or the LRU entry when nothing has
// expired. Caller holds m.mu.
func (m *ruleMemo) trimLocked(now time.Time) {
	removed := false
	for k, e := range m.entries {
		if now.Sub(e.addedAt) > m.ttl {
			delete(m.entries, k)
			removed = true
		}
	}
	if removed {
		return
	}
	var lruKey string
	var lruUse time.Time
	for k, e := range m.entries {
		if lruKey == "" || e.lastUse.Before(lruUse) {
			lruKey, lruUse = k, e.lastUse
		}
	}
	if lruKey != "" {
		delete(m.entries, lruKey)
	}
}

func (m *ruleMemo) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// opLimiter is a fixed-window per-agent counter. Stale windows are swept
// opportunistically when the map grows large.
type opLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string]*opWindow
}

type opWindow struct {
	count int
	start time.Time
}

func newOpLimiter(limit int, window time.Duration) *opLimiter {
	return &opLimiter{limit: limit, window: window, windows: make(map[string]*opWindow)}
}

func (l *opLimiter) allow(agent string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[agent]
	if !ok || now.Sub(w.start) > l.window {
		if len(l.windows) > 4096 {
			l.gcLocked(now)
		}
		l.windows[agent] = &opWindow{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= l.limit
}

func (l *opLimiter) gcLocked(now time.Time) {
	for k, w := range l.windows {
		if now.Sub(w.start) > 2*l.window {
			delete(l.windows, k)
		}
	}
}

func (l *opLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
