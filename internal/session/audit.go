package session

import (
	"sync"
	"time"
)

const (
	auditCapacity = 10000
	auditKeep     = 8000
)

// AuditEntry records one authorization-relevant operation: who did what,
// where, and how it ended.
type AuditEntry struct {
	Time      time.Time `json:"time"`
	AgentID   string    `json:"agent_id"`
	SessionID string    `json:"session_id,omitempty"`
	Op        string    `json:"op"`
	Path      string    `json:"path,omitempty"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// AuditLog is a bounded in-memory log. It holds at most 10,000 entries;
// crossing the cap truncates FIFO down to 8,000 so appends stay O(1)
// amortized instead of shifting on every write.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	dropped uint64
	cap     int
	keep    int
}

// NewAuditLog returns an empty log with the standard bounds.
func NewAuditLog() *AuditLog {
	return &AuditLog{
		entries: make([]AuditEntry, 0, 1024),
		cap:     auditCapacity,
		keep:    auditKeep,
	}
}

// Record appends the entry, stamping Time when unset.
func (l *AuditLog) Record(e AuditEntry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.cap {
		drop := len(l.entries) - l.keep
		l.dropped += uint64(drop)
		kept := make([]AuditEntry, l.keep, l.cap+1)
		copy(kept, l.entries[drop:])
		l.entries = kept
	}
	l.mu.Unlock()
}

// Recent returns up to n entries, oldest first. n <= 0 returns everything.
func (l *AuditLog) Recent(n int) []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]AuditEntry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// Len returns the number of retained entries.
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Dropped returns how many entries FIFO truncation has discarded.
func (l *AuditLog) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
