// Load test for the validation pipeline. Drives the dispatcher in-process
// with a synthetic agent workload and reports latency percentiles against
// the serving targets (p99 < 100ms when 95%+ of traffic resolves in L1/L2).
//
// Usage:
//
//	go run ./cmd/loadtest -requests 10000 -concurrency 100
//	go run ./cmd/loadtest -duration 30s -concurrency 200 -report 5s
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgegate/hub/internal/cache"
	"github.com/forgegate/hub/internal/core"
	"github.com/forgegate/hub/internal/dispatcher"
	"github.com/forgegate/hub/internal/pattern"
	"github.com/forgegate/hub/internal/policy"
)

// LoadTestConfig holds the test parameters.
type LoadTestConfig struct {
	NumRequests  int
	Concurrency  int
	Duration     time.Duration
	ReportPeriod time.Duration
	CacheSize    int
	ExpertShare  float64 // fraction of requests built to miss every layer
}

// LoadTestStats tracks test results.
type LoadTestStats struct {
	RequestsSent int64
	Approved     int64
	Blocked      int64
	Escalated    int64
	Uncertain    int64
	Latencies    []time.Duration
	mu           sync.Mutex
	StartTime    time.Time
	EndTime      time.Time
}

func main() {
	var (
		numRequests  = flag.Int("requests", 10000, "Total number of validation requests")
		concurrency  = flag.Int("concurrency", 100, "Number of concurrent workers")
		duration     = flag.Duration("duration", 0, "Test duration (overrides -requests if set)")
		reportPeriod = flag.Duration("report", 5*time.Second, "Progress report interval")
		cacheSize    = flag.Int("cache-size", 10000, "L1 cache capacity")
		expertShare  = flag.Float64("expert-share", 0.0, "Fraction of requests that miss every layer (0.0-1.0)")
	)
	flag.Parse()

	config := LoadTestConfig{
		NumRequests:  *numRequests,
		Concurrency:  *concurrency,
		Duration:     *duration,
		ReportPeriod: *reportPeriod,
		CacheSize:    *cacheSize,
		ExpertShare:  *expertShare,
	}

	fmt.Println("Starting validation pipeline load test")
	fmt.Printf("   Requests: %d\n", config.NumRequests)
	fmt.Printf("   Concurrency: %d\n", config.Concurrency)
	if config.Duration > 0 {
		fmt.Printf("   Duration: %v\n", config.Duration)
	}
	fmt.Printf("   Expert share: %.1f%%\n", config.ExpertShare*100)
	fmt.Println()

	d := buildPipeline(config)
	defer d.Experts().Close()

	stats := runLoadTest(d, config)
	printResults(d, config, stats)
}

// buildPipeline assembles the same layer stack the daemon serves, minus the
// HTTP surface. The expert timeout is kept short so a nonzero -expert-share
// measures the safe-default path rather than stalling the run.
func buildPipeline(config LoadTestConfig) *dispatcher.Dispatcher {
	catalog := core.NewToolCatalog()
	l1 := cache.NewMemoryCache(config.CacheSize, 3, 0.01)
	l2 := policy.NewDefaultEngine()
	l3 := pattern.NewPredictor(pattern.NewExtractor(catalog), pattern.NewWeightedClassifier(), pattern.PredictorOptions{})
	return dispatcher.New(catalog, l1, l2, l3, dispatcher.Options{
		RatePerSecond: 1 << 20, // the gate is not what this test measures
		ExpertTimeout: 250 * time.Millisecond,
	}, nil, nil)
}

func runLoadTest(d *dispatcher.Dispatcher, config LoadTestConfig) *LoadTestStats {
	stats := &LoadTestStats{
		Latencies: make([]time.Duration, 0, config.NumRequests),
		StartTime: time.Now(),
	}

	reqChan := make(chan *core.ValidationRequest, config.Concurrency*2)
	var wg sync.WaitGroup

	// Start workers.
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range reqChan {
				start := time.Now()
				res := d.Validate(context.Background(), req)
				latency := time.Since(start)

				atomic.AddInt64(&stats.RequestsSent, 1)
				switch res.Decision {
				case core.DecisionApproved:
					atomic.AddInt64(&stats.Approved, 1)
				case core.DecisionBlocked:
					atomic.AddInt64(&stats.Blocked, 1)
				case core.DecisionEscalate:
					atomic.AddInt64(&stats.Escalated, 1)
				default:
					atomic.AddInt64(&stats.Uncertain, 1)
				}

				stats.mu.Lock()
				stats.Latencies = append(stats.Latencies, latency)
				stats.mu.Unlock()
			}
		}()
	}

	// Progress reporter.
	stopReport := make(chan struct{})
	go func() {
		ticker := time.NewTicker(config.ReportPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				reportProgress(stats)
			case <-stopReport:
				return
			}
		}
	}()

	// Feed requests. Duration mode loops the generator until the deadline;
	// count mode sends exactly NumRequests.
	gen := newWorkload(config)
	if config.Duration > 0 {
		deadline := time.Now().Add(config.Duration)
		for time.Now().Before(deadline) {
			reqChan <- gen.next()
		}
	} else {
		for i := 0; i < config.NumRequests; i++ {
			reqChan <- gen.next()
		}
	}
	close(reqChan)

	wg.Wait()
	close(stopReport)
	stats.EndTime = time.Now()
	return stats
}

// workload produces the synthetic request mix. Roughly 60% safe reads, 20%
// writes under allowed roots, 15% shell commands the rule set answers, and
// the configured expert share of commands no layer recognizes. Repetition in
// the read set is deliberate: repeats land in L1 and keep the fast-layer
// share above the 95% the latency target assumes.
type workload struct {
	rng    *rand.Rand
	expert float64
	seq    int
}

func newWorkload(config LoadTestConfig) *workload {
	return &workload{rng: rand.New(rand.NewSource(42)), expert: config.ExpertShare}
}

func (w *workload) next() *core.ValidationRequest {
	w.seq++
	agent := fmt.Sprintf("agent-%d", w.seq%8)
	roll := w.rng.Float64()

	var req *core.ValidationRequest
	var err error
	switch {
	case roll < w.expert:
		// Unique unknown command so no cache, rule, or pattern answers it.
		req, err = core.NewValidationRequest("Bash", map[string]string{
			"command": fmt.Sprintf("novel-op-%d --flag", w.seq),
		}, agent, "load-session")
	case roll < w.expert+0.60:
		// Small file pool so repeats hit L1.
		req, err = core.NewValidationRequest("Read", map[string]string{
			"file_path": fmt.Sprintf("/workspace/src/file_%d.go", w.seq%200),
		}, agent, "load-session")
	case roll < w.expert+0.80:
		req, err = core.NewValidationRequest("Write", map[string]string{
			"file_path": fmt.Sprintf("/workspace/src/out_%d.go", w.seq%100),
			"content":   "package main\n",
		}, agent, "load-session")
	default:
		req, err = core.NewValidationRequest("Bash", map[string]string{
			"command": []string{"ls -la", "git status", "go vet ./...", "cat README.md"}[w.seq%4],
		}, agent, "load-session")
	}
	if err != nil {
		// The generator only builds well-formed requests.
		panic(err)
	}
	return req
}

func reportProgress(stats *LoadTestStats) {
	sent := atomic.LoadInt64(&stats.RequestsSent)
	elapsed := time.Since(stats.StartTime).Seconds()
	rate := float64(sent) / elapsed
	fmt.Printf("Progress: %d requests | %.1f req/s | approved: %d | blocked: %d | escalated: %d\n",
		sent, rate,
		atomic.LoadInt64(&stats.Approved),
		atomic.LoadInt64(&stats.Blocked),
		atomic.LoadInt64(&stats.Escalated))
}

func printResults(d *dispatcher.Dispatcher, config LoadTestConfig, stats *LoadTestStats) {
	duration := stats.EndTime.Sub(stats.StartTime)
	sent := atomic.LoadInt64(&stats.RequestsSent)
	throughput := float64(sent) / duration.Seconds()

	fmt.Println()
	fmt.Println("============================================")
	fmt.Println("           LOAD TEST RESULTS")
	fmt.Println("============================================")
	fmt.Printf("Duration:          %v\n", duration.Round(time.Millisecond))
	fmt.Printf("Requests:          %d\n", sent)
	fmt.Printf("Throughput:        %.1f req/s\n", throughput)
	fmt.Println("--------------------------------------------")
	fmt.Printf("Approved:          %d (%.1f%%)\n", stats.Approved, pct(stats.Approved, sent))
	fmt.Printf("Blocked:           %d (%.1f%%)\n", stats.Blocked, pct(stats.Blocked, sent))
	fmt.Printf("Escalated:         %d (%.1f%%)\n", stats.Escalated, pct(stats.Escalated, sent))
	fmt.Printf("Uncertain:         %d (%.1f%%)\n", stats.Uncertain, pct(stats.Uncertain, sent))
	fmt.Println("--------------------------------------------")

	ds := d.Stats()
	fastHits := ds.L1Hits + ds.L2Hits
	fastShare := pct(fastHits, ds.TotalRequests)
	fmt.Printf("L1 (memory):       %d (%.1f%%)\n", ds.L1Hits, pct(ds.L1Hits, ds.TotalRequests))
	fmt.Printf("L2 (policy):       %d (%.1f%%)\n", ds.L2Hits, pct(ds.L2Hits, ds.TotalRequests))
	fmt.Printf("L3 (pattern):      %d (%.1f%%)\n", ds.L3Hits, pct(ds.L3Hits, ds.TotalRequests))
	fmt.Printf("Expert timeouts:   %d\n", ds.ExpertTimeouts)
	fmt.Printf("Safe defaults:     %d\n", ds.SafeDefaults)
	fmt.Println("--------------------------------------------")

	if len(stats.Latencies) == 0 {
		fmt.Println("No latency samples collected")
		return
	}

	avg := calculateAverage(stats.Latencies)
	p50 := calculatePercentile(stats.Latencies, 50)
	p95 := calculatePercentile(stats.Latencies, 95)
	p99 := calculatePercentile(stats.Latencies, 99)

	fmt.Println("Latency:")
	fmt.Printf("  Average:         %v\n", avg.Round(time.Microsecond))
	fmt.Printf("  P50:             %v\n", p50.Round(time.Microsecond))
	fmt.Printf("  P95:             %v\n", p95.Round(time.Microsecond))
	fmt.Printf("  P99:             %v\n", p99.Round(time.Microsecond))
	fmt.Println("============================================")

	// Target: p99 under 100ms while at least 95% of traffic resolves in the
	// fast layers. A low fast-layer share makes the latency verdict
	// advisory rather than a failure.
	fmt.Println()
	fmt.Println("Assessment:")
	failed := false
	if fastShare >= 95.0 {
		if p99 < 100*time.Millisecond {
			fmt.Printf("  PASS: p99 latency %v < 100ms at %.1f%% fast-layer share\n", p99.Round(time.Microsecond), fastShare)
		} else {
			fmt.Printf("  FAIL: p99 latency %v >= 100ms at %.1f%% fast-layer share\n", p99.Round(time.Microsecond), fastShare)
			failed = true
		}
	} else {
		fmt.Printf("  WARN: fast-layer share %.1f%% below 95%%, latency target not binding (p99 %v)\n", fastShare, p99.Round(time.Microsecond))
	}
	if throughput > 100 {
		fmt.Printf("  PASS: throughput %.1f req/s > 100 req/s\n", throughput)
	} else {
		fmt.Printf("  FAIL: throughput %.1f req/s <= 100 req/s\n", throughput)
		failed = true
	}
	if failed {
		os.Exit(1)
	}
}

func pct(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := len(sorted) * percentile / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
