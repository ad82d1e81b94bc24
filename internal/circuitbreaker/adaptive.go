package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// adaptiveWarmup is the minimum number of samples before the latency target
// can trip the breaker.
const adaptiveWarmup = 10

// AdaptiveBreaker extends the failure-counting breaker with a rolling average
// latency target. A stage that still "succeeds" but slows past its budget is
// opened just like a failing one, so the pipeline falls through to the next
// layer instead of dragging every request down.
type AdaptiveBreaker struct {
	*Breaker

	target time.Duration // zero disables the latency trip

	mu      sync.Mutex
	emaNs   float64
	samples int64
}

// NewAdaptive wraps a breaker with a latency target. A zero target gives
// plain breaker behavior (the "no budget" stage).
func NewAdaptive(cfg *Config, target time.Duration) *AdaptiveBreaker {
	return &AdaptiveBreaker{
		Breaker: New(cfg),
		target:  target,
	}
}

// Execute runs the request, recording its latency into the rolling average.
// Exceeding the target opens the underlying breaker.
func (ab *AdaptiveBreaker) Execute(req func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	result, err := ab.Breaker.Execute(req)

	// The request never ran; nothing to measure.
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests) {
		return result, err
	}

	ab.record(time.Since(start))
	return result, err
}

func (ab *AdaptiveBreaker) record(d time.Duration) {
	if ab.target <= 0 {
		return
	}

	ab.mu.Lock()
	// Exponential moving average, alpha 0.1
	ab.emaNs = 0.1*float64(d.Nanoseconds()) + 0.9*ab.emaNs
	ab.samples++
	trip := ab.samples >= adaptiveWarmup && ab.emaNs > float64(ab.target.Nanoseconds())
	if trip {
		// Restart the average so half-open probes judge fresh behavior
		ab.emaNs = 0
		ab.samples = 0
	}
	ab.mu.Unlock()

	if trip {
		ab.ForceOpen()
	}
}

// AvgLatency returns the current rolling average.
func (ab *AdaptiveBreaker) AvgLatency() time.Duration {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return time.Duration(ab.emaNs)
}

// Target returns the configured latency budget, zero when unbounded.
func (ab *AdaptiveBreaker) Target() time.Duration { return ab.target }
