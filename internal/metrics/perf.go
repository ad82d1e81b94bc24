package metrics

import (
	"sort"
	"sync"
	"time"
)

const perfWindowSize = 1024

// LatencyBucket tracks the latency distribution of one operation
type LatencyBucket struct {
	Operation string  `json:"operation"`
	Count     int64   `json:"count"`
	Min       float64 `json:"min_ms"`
	Max       float64 `json:"max_ms"`
	Mean      float64 `json:"mean_ms"`
	P50       float64 `json:"p50_ms"`
	P95       float64 `json:"p95_ms"`
	P99       float64 `json:"p99_ms"`
}

type perfWindow struct {
	samples []float64 // ring of recent latencies in ms
	next    int
	full    bool
	count   int64
	sum     float64
	min     float64
	max     float64
}

// PerfTracker keeps rolling latency windows per operation. Percentiles are
// computed over the most recent samples, not the full history.
type PerfTracker struct {
	mu      sync.RWMutex
	windows map[string]*perfWindow
}

func NewPerfTracker() *PerfTracker {
	return &PerfTracker{
		windows: make(map[string]*perfWindow),
	}
}

// Record adds one latency sample for the operation.
func (pt *PerfTracker) Record(operation string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	pt.mu.Lock()
	defer pt.mu.Unlock()

	w, ok := pt.windows[operation]
	if !ok {
		w = &perfWindow{
			samples: make([]float64, perfWindowSize),
			min:     ms,
			max:     ms,
		}
		pt.windows[operation] = w
	}

	w.samples[w.next] = ms
	w.next = (w.next + 1) % perfWindowSize
	if w.next == 0 {
		w.full = true
	}

	w.count++
	w.sum += ms
	if ms < w.min {
		w.min = ms
	}
	if ms > w.max {
		w.max = ms
	}
}

// Bucket returns the current distribution for one operation, or nil if the
// operation has never been recorded.
func (pt *PerfTracker) Bucket(operation string) *LatencyBucket {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	w, ok := pt.windows[operation]
	if !ok {
		return nil
	}
	return w.bucket(operation)
}

// Snapshot returns distributions for every tracked operation.
func (pt *PerfTracker) Snapshot() []*LatencyBucket {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	out := make([]*LatencyBucket, 0, len(pt.windows))
	for op, w := range pt.windows {
		out = append(out, w.bucket(op))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

func (w *perfWindow) bucket(operation string) *LatencyBucket {
	n := w.next
	if w.full {
		n = perfWindowSize
	}

	sorted := make([]float64, n)
	copy(sorted, w.samples[:n])
	sort.Float64s(sorted)

	b := &LatencyBucket{
		Operation: operation,
		Count:     w.count,
		Min:       w.min,
		Max:       w.max,
	}
	if w.count > 0 {
		b.Mean = w.sum / float64(w.count)
	}
	if n > 0 {
		b.P50 = sorted[percentileIndex(n, 0.50)]
		b.P95 = sorted[percentileIndex(n, 0.95)]
		b.P99 = sorted[percentileIndex(n, 0.99)]
	}
	return b
}

func percentileIndex(n int, q float64) int {
	idx := int(float64(n)*q) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}
