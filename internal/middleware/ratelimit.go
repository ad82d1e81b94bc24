package middleware

import (
	"log"
	"net/http"
	"sync"
	"time"
)

// RateLimiter enforces a per-agent call budget on the REST surface.
//
// Each agent gets a one-minute counting window; expired windows are
// garbage-collected in the background. MaxCallsPerMinute is the steady
// budget and BurstSize an absolute ceiling on the window count.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*rateWindow
	cfg     RateLimitConfig
	logger  *log.Logger
}

// RateLimitConfig defines the thresholds. Zero values take defaults.
type RateLimitConfig struct {
	MaxCallsPerMinute int
	BurstSize         int
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter builds the limiter and starts the window janitor.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxCallsPerMinute <= 0 {
		cfg.MaxCallsPerMinute = 60
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}

	rl := &RateLimiter{
		windows: make(map[string]*rateWindow),
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[RateLimit] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether the agent is within its window budget.
//
// The fast path increments under the read lock; the count is only used
// for limit checks, so a lost increment race just makes the limit soft.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.RLock()
	window, exists := rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		count := window.count
		rl.mu.RUnlock()

		if count > rl.cfg.BurstSize {
			rl.logger.Printf("burst limit exceeded: agent=%s count=%d limit=%d", key, count, rl.cfg.BurstSize)
			return false
		}
		if count > rl.cfg.MaxCallsPerMinute {
			rl.logger.Printf("rate limit exceeded: agent=%s count=%d limit=%d", key, count, rl.cfg.MaxCallsPerMinute)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Another goroutine may have opened the window already.
	window, exists = rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		return window.count <= rl.cfg.MaxCallsPerMinute && window.count <= rl.cfg.BurstSize
	}

	rl.windows[key] = &rateWindow{count: 1, windowStart: now}
	return true
}

// Middleware rejects callers over budget with 429 and a Retry-After.
// The key is the agent identity injected by AgentContext.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(AgentID(r.Context())) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, window := range rl.windows {
			if now.Sub(window.windowStart) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Stats reports limiter state for the debug surface.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return map[string]interface{}{
		"active_windows":    len(rl.windows),
		"max_calls_per_min": rl.cfg.MaxCallsPerMinute,
		"burst_size":        rl.cfg.BurstSize,
	}
}
