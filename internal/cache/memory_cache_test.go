package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/forgegate/hub/internal/core"
)

func approvedResult(reason string) *core.ValidationResult {
	return &core.ValidationResult{
		Decision:   core.DecisionApproved,
		Confidence: core.ConfidenceHigh,
		Reason:     reason,
		Layer:      core.LayerMemory,
		Timestamp:  time.Now(),
	}
}

func TestMemoryCache_GetAfterSet(t *testing.T) {
	c := NewMemoryCache(100, 10, 0.01)

	c.Set("abc123", approvedResult("prior approval"), time.Minute)

	got, ok := c.Get("abc123")
	if !ok {
		t.Fatal("expected hit immediately after Set")
	}
	if got.Reason != "prior approval" {
		t.Errorf("Reason = %q, want %q", got.Reason, "prior approval")
	}
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	c := NewMemoryCache(100, 10, 0.01)

	c.Set("shortlived", approvedResult("x"), 10*time.Millisecond)
	time.Sleep(25 * time.Millisecond)

	if _, ok := c.Get("shortlived"); ok {
		t.Error("expected miss after TTL expiry")
	}
	if s := c.Stats(); s.Expirations != 1 {
		t.Errorf("Expirations = %d, want 1", s.Expirations)
	}
}

func TestMemoryCache_CapacityBound(t *testing.T) {
	c := NewMemoryCache(10, 100, 0.01)

	for i := 0; i < 50; i++ {
		c.Set(fmt.Sprintf("key-%02d", i), approvedResult("x"), time.Minute)
	}

	if n := c.Len(); n > 10 {
		t.Errorf("Len = %d, want <= 10", n)
	}
	if s := c.Stats(); s.Evictions != 40 {
		t.Errorf("Evictions = %d, want 40", s.Evictions)
	}

	// LRU order: the newest keys survive
	if _, ok := c.Get("key-49"); !ok {
		t.Error("newest key should survive eviction")
	}
	if _, ok := c.Get("key-00"); ok {
		t.Error("oldest key should have been evicted")
	}
}

func TestMemoryCache_HotEntrySurvivesEviction(t *testing.T) {
	c := NewMemoryCache(10, 5, 0.01)

	c.Set("hot-key", approvedResult("hot"), time.Minute)
	// Cross the hot threshold
	for i := 0; i < 6; i++ {
		if _, ok := c.Get("hot-key"); !ok {
			t.Fatal("hot-key should be present while warming")
		}
	}

	// Flood the cache far past capacity
	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("filler-%03d", i), approvedResult("x"), time.Minute)
	}

	if _, ok := c.Get("hot-key"); !ok {
		t.Error("hot entry must be protected from LRU eviction")
	}
	if s := c.Stats(); s.HotPromotions != 1 {
		t.Errorf("HotPromotions = %d, want 1", s.HotPromotions)
	}
}

func TestMemoryCache_AllHotDemotesOldest(t *testing.T) {
	c := NewMemoryCache(3, 2, 0.01)

	// Make three entries and heat all of them
	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), approvedResult("x"), time.Minute)
	}
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("k%d", i)
		for j := 0; j < 3; j++ {
			c.Get(key)
		}
		// Stagger last-access times so the demotion victim is deterministic
		time.Sleep(2 * time.Millisecond)
	}

	s := c.Stats()
	if s.HotCount != 3 {
		t.Fatalf("HotCount = %d, want 3", s.HotCount)
	}

	// Inserting a fourth entry must demote and drop the oldest-accessed hot
	c.Set("k3", approvedResult("x"), time.Minute)

	if n := c.Len(); n > 3 {
		t.Errorf("Len = %d, want <= 3", n)
	}
	if _, ok := c.Get("k0"); ok {
		t.Error("oldest-accessed hot entry should have been demoted and dropped")
	}
	if _, ok := c.Get("k2"); !ok {
		t.Error("recently-accessed hot entry should survive")
	}
}

func TestMemoryCache_InvalidateSubstring(t *testing.T) {
	c := NewMemoryCache(100, 10, 0.01)

	c.Set("bash:aa11", approvedResult("x"), time.Minute)
	c.Set("bash:bb22", approvedResult("x"), time.Minute)
	c.Set("edit:cc33", approvedResult("x"), time.Minute)

	removed := c.Invalidate("bash:")
	if removed != 2 {
		t.Errorf("Invalidate removed %d, want 2", removed)
	}
	if _, ok := c.Get("bash:aa11"); ok {
		t.Error("invalidated key still present")
	}
	if _, ok := c.Get("edit:cc33"); !ok {
		t.Error("unrelated key should survive invalidation")
	}
}

func TestMemoryCache_Clear(t *testing.T) {
	c := NewMemoryCache(100, 10, 0.01)
	c.Set("a", approvedResult("x"), time.Minute)
	c.Set("b", approvedResult("x"), time.Minute)

	c.Clear()

	if n := c.Len(); n != 0 {
		t.Errorf("Len after Clear = %d, want 0", n)
	}
	if _, ok := c.Get("a"); ok {
		t.Error("entry survived Clear")
	}
}

func TestMemoryCache_StatsHitRate(t *testing.T) {
	c := NewMemoryCache(100, 10, 0.01)
	c.Set("x", approvedResult("x"), time.Minute)

	c.Get("x")       // hit
	c.Get("x")       // hit
	c.Get("missing") // miss

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 {
		t.Errorf("Hits/Misses = %d/%d, want 2/1", s.Hits, s.Misses)
	}
	if s.HitRate < 0.66 || s.HitRate > 0.67 {
		t.Errorf("HitRate = %v, want ~0.667", s.HitRate)
	}
}

func TestMemoryCache_BloomNegativeFastPath(t *testing.T) {
	c := NewMemoryCache(100, 10, 0.01)
	c.Set("present", approvedResult("x"), time.Minute)

	for i := 0; i < 100; i++ {
		c.Get(fmt.Sprintf("never-set-%d", i))
	}

	s := c.Stats()
	// Nearly all unknown keys should short-circuit at the filter (1% FP target)
	if s.BloomNegatives < 90 {
		t.Errorf("BloomNegatives = %d, want >= 90 of 100 unknown keys", s.BloomNegatives)
	}
}

func TestMemoryCache_ConcurrentAccess(t *testing.T) {
	c := NewMemoryCache(1000, 10, 0.01)

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k-%d-%d", g, i%50)
				c.Set(key, approvedResult("x"), time.Minute)
				c.Get(key)
				if i%100 == 0 {
					c.Invalidate(fmt.Sprintf("k-%d-1", g))
				}
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}

	if n := c.Len(); n > 1000 {
		t.Errorf("Len = %d, want <= capacity 1000", n)
	}
}
