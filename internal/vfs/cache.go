package vfs

import (
	"strings"
	"sync"
	"time"
)

const (
	contentCacheTTL = 5 * time.Second
	historyCacheTTL = 60 * time.Second
	cacheSweepAt    = 4096
)

type cacheEntry struct {
	value   interface{}
	expires time.Time
}

// ttlCache is a flat TTL map with hit/miss counters. Entries expire lazily;
// a sweep runs when the map grows past cacheSweepAt.
type ttlCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	hits    uint64
	misses  uint64
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *ttlCache) get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		if ok {
			delete(c.entries, key)
		}
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

func (c *ttlCache) put(key string, v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= cacheSweepAt {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = cacheEntry{value: v, expires: time.Now().Add(c.ttl)}
}

func (c *ttlCache) remove(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *ttlCache) stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{
		"entries": len(c.entries),
		"hits":    c.hits,
		"misses":  c.misses,
	}
}

// cacheSet groups the per-path caches the read path consults: attributes,
// directory listings, and rendered content at 5 s, reconstructed history
// states at 60 s.
type cacheSet struct {
	attr    *ttlCache
	dir     *ttlCache
	content *ttlCache
	history *ttlCache
}

func newCacheSet() *cacheSet {
	return &cacheSet{
		attr:    newTTLCache(contentCacheTTL),
		dir:     newTTLCache(contentCacheTTL),
		content: newTTLCache(contentCacheTTL),
		history: newTTLCache(historyCacheTTL),
	}
}

// invalidateWrite drops everything a successful write to projectPath can
// change: the path's own attr and content in both the live view and its
// shadow mirror, and every ancestor's directory listing.
func (cs *cacheSet) invalidateWrite(projectPath string) {
	for _, view := range []string{"/current" + projectPath, "/shadows" + projectPath} {
		cs.attr.remove(view)
		cs.content.remove(view)
		for dir := view; ; {
			idx := strings.LastIndex(dir, "/")
			if idx <= 0 {
				cs.dir.remove("/")
				break
			}
			dir = dir[:idx]
			cs.dir.remove(dir)
			cs.attr.remove(dir)
		}
	}
}

func (cs *cacheSet) stats() map[string]interface{} {
	return map[string]interface{}{
		"attr":    cs.attr.stats(),
		"dir":     cs.dir.stats(),
		"content": cs.content.stats(),
		"history": cs.history.stats(),
	}
}
