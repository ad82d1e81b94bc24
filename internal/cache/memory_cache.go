package cache

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/forgegate/hub/internal/core"
)

// cacheEntry is a doubly-linked list node in the LRU order. Hot entries
// leave the list and live only in the hot map until demoted.
type cacheEntry struct {
	key         string
	result      *core.ValidationResult
	created     time.Time
	ttl         time.Duration
	accessCount int64
	lastAccess  time.Time
	hot         bool
	prev        *cacheEntry
	next        *cacheEntry
}

func (e *cacheEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.created) > e.ttl
}

// Stats is a point-in-time snapshot of cache behavior.
type Stats struct {
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	Expirations    int64   `json:"expirations"`
	Evictions      int64   `json:"evictions"`
	HotPromotions  int64   `json:"hot_promotions"`
	BloomNegatives int64   `json:"bloom_negatives"`
	Errors         int64   `json:"errors"`
	Size           int     `json:"size"`
	HotCount       int     `json:"hot_count"`
	HitRate        float64 `json:"hit_rate"`
}

// MemoryCache is the first lookup layer: fingerprint → prior decision.
// A single mutex guards everything because Get mutates LRU order.
type MemoryCache struct {
	mu sync.Mutex

	entries map[string]*cacheEntry // LRU-managed entries
	hot     map[string]*cacheEntry // protected entries, outside the LRU list
	head    *cacheEntry            // most recently used
	tail    *cacheEntry            // least recently used

	maxSize      int
	hotThreshold int64
	bloom        *ScalableBloom
	fpRate       float64

	hits           int64
	misses         int64
	expirations    int64
	evictions      int64
	hotPromotions  int64
	bloomNegatives int64
	errors         int64

	logger *log.Logger
}

// NewMemoryCache builds a cache bounded to maxSize entries. Entries whose
// access count crosses hotThreshold move to the protected hot map.
func NewMemoryCache(maxSize int, hotThreshold int, fpRate float64) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if hotThreshold <= 0 {
		hotThreshold = 10
	}
	return &MemoryCache{
		entries:      make(map[string]*cacheEntry, maxSize),
		hot:          make(map[string]*cacheEntry),
		maxSize:      maxSize,
		hotThreshold: int64(hotThreshold),
		bloom:        NewScalableBloom(uint64(maxSize)*2, fpRate),
		fpRate:       fpRate,
		logger:       log.New(log.Writer(), "[MemCache] ", log.LstdFlags),
	}
}

// Get returns the cached result for fingerprint if present and unexpired.
// Lookup failures of any kind behave as a miss; internal faults are counted
// and never propagate.
func (c *MemoryCache) Get(fingerprint string) (result *core.ValidationResult, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.errors++
			c.mu.Unlock()
			c.logger.Printf("get recovered: %v", r)
			result, ok = nil, false
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Fast negative path: skip the map when the filter rules the key out.
	if !c.bloom.MightContain(fingerprint) {
		c.bloomNegatives++
		c.misses++
		return nil, false
	}

	now := time.Now()

	if e, found := c.hot[fingerprint]; found {
		if e.expired(now) {
			delete(c.hot, fingerprint)
			c.expirations++
			c.misses++
			return nil, false
		}
		e.accessCount++
		e.lastAccess = now
		c.hits++
		return e.result, true
	}

	e, found := c.entries[fingerprint]
	if !found {
		c.misses++
		return nil, false
	}
	if e.expired(now) {
		c.removeEntryLocked(e)
		c.expirations++
		c.misses++
		return nil, false
	}

	e.accessCount++
	e.lastAccess = now
	if e.accessCount > c.hotThreshold {
		c.promoteLocked(e)
	} else {
		c.moveToHeadLocked(e)
	}
	c.hits++
	return e.result, true
}

// Set stores result under fingerprint with the given TTL, evicting if full.
func (c *MemoryCache) Set(fingerprint string, result *core.ValidationResult, ttl time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.errors++
			c.mu.Unlock()
			c.logger.Printf("set recovered: %v", r)
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if e, found := c.hot[fingerprint]; found {
		e.result = result
		e.created = now
		e.ttl = ttl
		e.lastAccess = now
		return
	}
	if e, found := c.entries[fingerprint]; found {
		e.result = result
		e.created = now
		e.ttl = ttl
		e.lastAccess = now
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries)+len(c.hot) >= c.maxSize {
		c.evictLocked()
	}

	e := &cacheEntry{
		key:        fingerprint,
		result:     result,
		created:    now,
		ttl:        ttl,
		lastAccess: now,
	}
	c.entries[fingerprint] = e
	c.pushHeadLocked(e)
	c.bloom.Add(fingerprint)
}

// Invalidate removes every entry whose key contains pattern and returns the
// count removed. The Bloom filter keeps its bits; stale positives just fall
// through to a map miss.
func (c *MemoryCache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if strings.Contains(key, pattern) {
			c.removeEntryLocked(e)
			removed++
		}
	}
	for key := range c.hot {
		if strings.Contains(key, pattern) {
			delete(c.hot, key)
			removed++
		}
	}
	return removed
}

// Clear drops every entry and resets the Bloom filter.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry, c.maxSize)
	c.hot = make(map[string]*cacheEntry)
	c.head = nil
	c.tail = nil
	c.bloom.Reset()
}

// Len returns the total entry count across both maps.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries) + len(c.hot)
}

// Stats returns a snapshot of the counters.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:           c.hits,
		Misses:         c.misses,
		Expirations:    c.expirations,
		Evictions:      c.evictions,
		HotPromotions:  c.hotPromotions,
		BloomNegatives: c.bloomNegatives,
		Errors:         c.errors,
		Size:           len(c.entries) + len(c.hot),
		HotCount:       len(c.hot),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// promoteLocked moves an entry from the LRU list into the hot map.
func (c *MemoryCache) promoteLocked(e *cacheEntry) {
	c.unlinkLocked(e)
	delete(c.entries, e.key)
	e.hot = true
	c.hot[e.key] = e
	c.hotPromotions++
}

// evictLocked drops the LRU tail. When every entry is hot, the
// least-recently-accessed hot entry is demoted and dropped instead.
func (c *MemoryCache) evictLocked() {
	if c.tail != nil {
		victim := c.tail
		c.removeEntryLocked(victim)
		c.evictions++
		return
	}

	var oldest *cacheEntry
	for _, e := range c.hot {
		if oldest == nil || e.lastAccess.Before(oldest.lastAccess) {
			oldest = e
		}
	}
	if oldest != nil {
		delete(c.hot, oldest.key)
		c.evictions++
	}
}

func (c *MemoryCache) removeEntryLocked(e *cacheEntry) {
	c.unlinkLocked(e)
	delete(c.entries, e.key)
}

func (c *MemoryCache) moveToHeadLocked(e *cacheEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *MemoryCache) pushHeadLocked(e *cacheEntry) {
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

func (c *MemoryCache) unlinkLocked(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if c.head == e {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if c.tail == e {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}
