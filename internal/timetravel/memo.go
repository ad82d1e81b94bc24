package timetravel

import (
	"sync"
	"time"

	"github.com/forgegate/hub/internal/project"
)

type memoEntry struct {
	state   *project.ProjectState
	addedAt time.Time
	lastUse time.Time
}

// memoCache is a TTL map with LRU trim for rebuilt states.
type memoCache struct {
	mu      sync.Mutex
	entries map[string]*memoEntry
	ttl     time.Duration
	limit   int
}

func newMemoCache(ttl time.Duration, limit int) *memoCache {
	return &memoCache{
		entries: make(map[string]*memoEntry),
		ttl:     ttl,
		limit:   limit,
	}
}

func (c *memoCache) get(key string, now time.Time) (*project.ProjectState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if now.Sub(e.addedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	e.lastUse = now
	return e.state, true
}

func (c *memoCache) put(key string, state *project.ProjectState, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.limit {
		c.trimLocked(now)
	}
	c.entries[key] = &memoEntry{state: state, addedAt: now, lastUse: now}
}

// trimLocked drops expired entries first, then the least recently used if
// the map is still at the limit.
func (c *memoCache) trimLocked(now time.Time) {
	var (
		lruKey string
		lruUse time.Time
	)
	for k, e := range c.entries {
		if now.Sub(e.addedAt) > c.ttl {
			delete(c.entries, k)
			continue
		}
		if lruKey == "" || e.lastUse.Before(lruUse) {
			lruKey, lruUse = k, e.lastUse
		}
	}
	if len(c.entries) >= c.limit && lruKey != "" {
		delete(c.entries, lruKey)
	}
}

func (c *memoCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
