package policy

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/forgegate/hub/internal/core"
)

// memoEntry is a doubly-linked list node for the memo LRU.
type memoEntry struct {
	key     uint64
	result  *core.ValidationResult
	created time.Time
	prev    *memoEntry
	next    *memoEntry
}

// memoCache bounds rule-evaluation memoization. Entries expire on a TTL so a
// rule reload cannot serve stale decisions for long; Clear on reload drops
// them immediately. Thread-safe with Mutex (Get mutates LRU order).
type memoCache struct {
	mu      sync.Mutex
	entries map[uint64]*memoEntry
	head    *memoEntry
	tail    *memoEntry
	maxSize int
	ttl     time.Duration
}

func newMemoCache(maxSize int, ttl time.Duration) *memoCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &memoCache{
		entries: make(map[uint64]*memoEntry, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func (c *memoCache) Get(key uint64) (*core.ValidationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(e.created) > c.ttl {
		c.unlinkLocked(e)
		delete(c.entries, key)
		return nil, false
	}
	c.moveToHeadLocked(e)
	return e.result, true
}

func (c *memoCache) Put(key uint64, result *core.ValidationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.result = result
		e.created = time.Now()
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &memoEntry{key: key, result: result, created: time.Now()}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

func (c *memoCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*memoEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

func (c *memoCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *memoCache) moveToHeadLocked(e *memoEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *memoCache) pushHeadLocked(e *memoEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *memoCache) unlinkLocked(e *memoEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *memoCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// memoKey hashes (tool, agent prefix, fingerprint prefix). Prefixes keep the
// key stable across repeats from the same agent on the same logical request.
func memoKey(tool, agentID, fingerprint string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(tool)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(prefix8(agentID))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(prefix8(fingerprint))
	return h.Sum64()
}

func prefix8(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
