package vfs

import (
	"sync"
	"time"
)

const defaultOpsPerSecond = 1000

// opRateLimiter caps each operation type (getattr, readdir, read, write)
// to a fixed per-second budget. Exceeding it surfaces as EBUSY.
type opRateLimiter struct {
	mu      sync.Mutex
	limit   int
	windows map[string]*opWindow
	now     func() time.Time
}

type opWindow struct {
	count int
	start time.Time
}

func newOpRateLimiter(limit int) *opRateLimiter {
	if limit <= 0 {
		limit = defaultOpsPerSecond
	}
	return &opRateLimiter{limit: limit, windows: make(map[string]*opWindow), now: time.Now}
}

func (l *opRateLimiter) allow(op string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[op]
	if !ok || now.Sub(w.start) >= time.Second {
		l.windows[op] = &opWindow{count: 1, start: now}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}
