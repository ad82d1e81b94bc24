package dispatcher

import (
	"sync"
	"time"
)

// adaptiveWarmup is the minimum observed requests before the latency signal
// can shrink the limit.
const adaptiveWarmup = 20

// rateGate is the global admission gate in front of the pipeline: a sliding
// one-second window with an adaptive limit. When the pipeline's rolling
// average latency exceeds its target the limit drops to limit*factor until
// latency recovers.
type rateGate struct {
	mu sync.Mutex

	limit           float64
	adaptiveFactor  float64
	latencyTargetMs float64

	windowStart time.Time
	prev        float64
	curr        float64

	emaMs   float64
	samples int64
}

func newRateGate(perSecond int, latencyTargetMs, factor float64) *rateGate {
	if perSecond <= 0 {
		perSecond = 1000
	}
	if factor <= 0 || factor > 1 {
		factor = 0.7
	}
	return &rateGate{
		limit:           float64(perSecond),
		adaptiveFactor:  factor,
		latencyTargetMs: latencyTargetMs,
	}
}

// allow admits or rejects one request. The sliding count weighs the previous
// window by its remaining overlap, so bursts straddling a window boundary
// still honor the limit.
func (g *rateGate) allow(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.slideLocked(now)

	effective := g.limit
	if g.latencyTargetMs > 0 && g.samples >= adaptiveWarmup && g.emaMs > g.latencyTargetMs {
		effective = g.limit * g.adaptiveFactor
	}

	elapsed := now.Sub(g.windowStart).Seconds()
	weighted := g.prev*(1-elapsed) + g.curr
	if weighted >= effective {
		return false
	}
	g.curr++
	return true
}

func (g *rateGate) slideLocked(now time.Time) {
	elapsed := now.Sub(g.windowStart)
	switch {
	case elapsed >= 2*time.Second || g.windowStart.IsZero():
		g.prev, g.curr = 0, 0
		g.windowStart = now
	case elapsed >= time.Second:
		g.prev = g.curr
		g.curr = 0
		g.windowStart = g.windowStart.Add(time.Second)
	}
}

// observe feeds one pipeline latency into the rolling average.
func (g *rateGate) observe(latencyMs float64) {
	g.mu.Lock()
	g.emaMs = 0.1*latencyMs + 0.9*g.emaMs
	g.samples++
	g.mu.Unlock()
}

// currentLimit reports the limit in force, for the stats surface.
func (g *rateGate) currentLimit() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.latencyTargetMs > 0 && g.samples >= adaptiveWarmup && g.emaMs > g.latencyTargetMs {
		return g.limit * g.adaptiveFactor
	}
	return g.limit
}

// avgLatencyMs reports the rolling average pipeline latency.
func (g *rateGate) avgLatencyMs() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emaMs
}
