// Package dispatcher runs the tiered validation pipeline: admission gate,
// memory cache, policy rules, pattern classifier, expert escalation, and the
// fail-closed safe default. Every stage sits behind its own circuit breaker
// so a degraded layer is skipped instead of dragging the whole pipeline.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/forgegate/hub/internal/cache"
	"github.com/forgegate/hub/internal/circuitbreaker"
	"github.com/forgegate/hub/internal/core"
	"github.com/forgegate/hub/internal/metrics"
	"github.com/forgegate/hub/internal/pattern"
	"github.com/forgegate/hub/internal/policy"
)

// Cache residency per decision source. Expert answers are the most expensive
// to obtain, so they live the longest.
const (
	ttlPolicy      = 300 * time.Second
	ttlPatternHigh = 600 * time.Second
	ttlExpert      = 3600 * time.Second
)

// Per-stage latency targets for the adaptive breakers. The expert stage has
// no target: a human answer is allowed to take its full deadline.
const (
	targetL1 = 1 * time.Millisecond
	targetL2 = 5 * time.Millisecond
	targetL3 = 10 * time.Millisecond
)

// Options tunes the gate, the expert deadline, and the stage breakers.
// Zero values fall back to production defaults.
type Options struct {
	RatePerSecond     int
	AdaptiveLatencyMs float64 // gate shrinks when pipeline EMA exceeds this
	AdaptiveFactor    float64 // shrink multiplier, e.g. 0.7

	ExpertTimeout   time.Duration
	ExpertQueueSize int

	BreakerThreshold   int // consecutive failures before a stage trips
	BreakerBaseBackoff time.Duration
	BreakerMaxBackoff  time.Duration
}

// Dispatcher owns the validation pipeline. Validate never returns an error:
// every degraded path collapses into a deterministic result.
type Dispatcher struct {
	catalog *core.ToolCatalog
	l1      *cache.MemoryCache
	l2      *policy.Engine
	l3      *pattern.Predictor
	experts *ExpertQueue
	gate    *rateGate

	l1Breaker     *circuitbreaker.AdaptiveBreaker
	l2Breaker     *circuitbreaker.AdaptiveBreaker
	l3Breaker     *circuitbreaker.AdaptiveBreaker
	expertBreaker *circuitbreaker.AdaptiveBreaker

	met    *metrics.Metrics
	perf   *metrics.PerfTracker
	logger *log.Logger

	total           atomic.Int64
	rateLimited     atomic.Int64
	l1Hits          atomic.Int64
	l2Hits          atomic.Int64
	l3Hits          atomic.Int64
	expertAnswered  atomic.Int64
	expertTimeouts  atomic.Int64
	expertQueueFull atomic.Int64
	safeDefaults    atomic.Int64
	stageErrors     atomic.Int64
}

// New wires the pipeline. met may be nil (tests); perf may be nil too.
func New(catalog *core.ToolCatalog, l1 *cache.MemoryCache, l2 *policy.Engine, l3 *pattern.Predictor, opts Options, met *metrics.Metrics, perf *metrics.PerfTracker) *Dispatcher {
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 1000
	}
	if opts.AdaptiveLatencyMs <= 0 {
		opts.AdaptiveLatencyMs = 50
	}
	if opts.AdaptiveFactor <= 0 {
		opts.AdaptiveFactor = 0.7
	}
	if perf == nil {
		perf = metrics.NewPerfTracker()
	}

	d := &Dispatcher{
		catalog: catalog,
		l1:      l1,
		l2:      l2,
		l3:      l3,
		experts: NewExpertQueue(ExpertQueueOptions{QueueSize: opts.ExpertQueueSize, Timeout: opts.ExpertTimeout}, met),
		gate:    newRateGate(opts.RatePerSecond, opts.AdaptiveLatencyMs, opts.AdaptiveFactor),
		met:     met,
		perf:    perf,
		logger:  log.New(log.Writer(), "[Dispatcher] ", log.LstdFlags),
	}
	d.l1Breaker = stageBreaker("l1-memory", opts, targetL1)
	d.l2Breaker = stageBreaker("l2-policy", opts, targetL2)
	d.l3Breaker = stageBreaker("l3-pattern", opts, targetL3)
	d.expertBreaker = stageBreaker("expert", opts, 0)
	return d
}

func stageBreaker(name string, opts Options, target time.Duration) *circuitbreaker.AdaptiveBreaker {
	cfg := circuitbreaker.DefaultConfig(name)
	if opts.BreakerThreshold > 0 {
		threshold := uint32(opts.BreakerThreshold)
		cfg.ReadyToTrip = func(c circuitbreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		}
	}
	if opts.BreakerBaseBackoff > 0 {
		cfg.BaseBackoff = opts.BreakerBaseBackoff
	}
	if opts.BreakerMaxBackoff > 0 {
		cfg.MaxBackoff = opts.BreakerMaxBackoff
	}
	return circuitbreaker.NewAdaptive(cfg, target)
}

// Experts exposes the escalation queue for the API layer (pending list,
// validator resolutions, notification stream).
func (d *Dispatcher) Experts() *ExpertQueue { return d.experts }

// Validate pushes one request through the tiers and always produces a result.
func (d *Dispatcher) Validate(ctx context.Context, req *core.ValidationRequest) *core.ValidationResult {
	start := time.Now()
	d.total.Add(1)

	if !d.gate.allow(start) {
		d.rateLimited.Add(1)
		if d.met != nil {
			d.met.RecordRateLimited("dispatcher")
			d.met.RecordValidation(core.LayerRateLimit, string(core.DecisionBlocked), time.Since(start).Seconds())
		}
		return &core.ValidationResult{
			Decision:     core.DecisionBlocked,
			Confidence:   core.ConfidenceHigh,
			Reason:       "request rate limit exceeded; retry later",
			ProcessingMs: msSince(start),
			Layer:        core.LayerRateLimit,
			RiskLevel:    core.RiskLow,
			Timestamp:    time.Now(),
		}
	}

	// L1: exact-match cache.
	if res, hit := d.stage(d.l1Breaker, "l1_lookup", func() (*core.ValidationResult, bool) {
		return d.l1.Get(req.Fingerprint)
	}); hit {
		d.l1Hits.Add(1)
		if d.met != nil {
			d.met.RecordCacheOp("get", "hit")
		}
		out := res.Clone()
		out.CacheHit = true
		return d.finish(out, start, core.LayerMemory)
	}
	if d.met != nil {
		d.met.RecordCacheOp("get", "miss")
	}

	// L2: compiled policy rules.
	if res, hit := d.stage(d.l2Breaker, "l2_policy", func() (*core.ValidationResult, bool) {
		return d.l2.Evaluate(req)
	}); hit {
		d.l2Hits.Add(1)
		d.cacheResult(req.Fingerprint, res, ttlPolicy)
		return d.finish(res, start, core.LayerPolicy)
	}

	// L3: pattern classifier. An uncertain verdict is kept as a hint for the
	// expert rather than returned.
	hint, _ := d.stage(d.l3Breaker, "l3_pattern", func() (*core.ValidationResult, bool) {
		res, _ := d.l3.Predict(req)
		return res, res != nil
	})
	if hint != nil {
		if d.met != nil {
			d.met.RecordScore(req.ToolName, hint.Score)
		}
		if !hint.ExpertRequired {
			d.l3Hits.Add(1)
			if hint.Confidence == core.ConfidenceHigh {
				d.cacheResult(req.Fingerprint, hint, ttlPatternHigh)
			}
			return d.finish(hint, start, core.LayerPattern)
		}
	}

	// Expert escalation. Answers feed the classifier and earn the longest
	// cache residency.
	expertStart := time.Now()
	out, err := d.expertBreaker.Execute(func() (out interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("expert stage panic: %v", r)
			}
		}()
		res, eerr := d.experts.Escalate(ctx, req, hint)
		if eerr != nil {
			return nil, eerr
		}
		return res, nil
	})
	if d.perf != nil {
		d.perf.Record("expert", time.Since(expertStart))
	}
	if err == nil {
		res := out.(*core.ValidationResult)
		d.expertAnswered.Add(1)
		d.cacheResult(req.Fingerprint, res, ttlExpert)
		d.l3.Train(req, res.Decision)
		return d.finish(res.Clone(), start, core.LayerExpert)
	}

	cause := "expert stage unavailable"
	switch {
	case errors.Is(err, ErrQueueFull):
		d.expertQueueFull.Add(1)
		cause = "expert queue full"
	case errors.Is(err, ErrExpertTimeout):
		d.expertTimeouts.Add(1)
		cause = "expert response timeout"
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		cause = "request cancelled while awaiting expert"
	case errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests):
		cause = "expert stage circuit open"
	default:
		d.stageErrors.Add(1)
		d.logger.Printf("Expert stage error: %v", err)
	}

	// Safe default: deterministic, tool-name only, fail closed.
	d.safeDefaults.Add(1)
	decision := d.catalog.SafeDefault(req.ToolName)
	res := &core.ValidationResult{
		Decision:   decision,
		Confidence: core.ConfidenceLow,
		Reason:     safeDefaultReason(decision, cause),
		Layer:      core.LayerSafeDefault,
		RiskLevel:  core.RiskMedium,
		Timestamp:  time.Now(),
	}
	if decision == core.DecisionApproved {
		res.RiskLevel = core.RiskLow
	}
	return d.finish(res, start, core.LayerSafeDefault)
}

func safeDefaultReason(decision core.Decision, cause string) string {
	if decision == core.DecisionApproved {
		return "safe default: read-only tool approved (" + cause + ")"
	}
	return "safe default: fail closed (" + cause + ")"
}

// stage runs fn under br, converting panics to breaker failures. A miss is
// (nil, false) and is not a failure. Breaker-open and errors both degrade to
// a miss so the pipeline falls through.
func (d *Dispatcher) stage(br *circuitbreaker.AdaptiveBreaker, op string, fn func() (*core.ValidationResult, bool)) (*core.ValidationResult, bool) {
	t0 := time.Now()
	out, err := br.Execute(func() (out interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s panic: %v", op, r)
			}
		}()
		res, hit := fn()
		if !hit {
			return nil, nil
		}
		return res, nil
	})
	if d.perf != nil {
		d.perf.Record(op, time.Since(t0))
	}
	if err != nil {
		if !errors.Is(err, circuitbreaker.ErrCircuitOpen) && !errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			d.stageErrors.Add(1)
			d.logger.Printf("Stage %s degraded: %v", op, err)
		}
		return nil, false
	}
	if out == nil {
		return nil, false
	}
	return out.(*core.ValidationResult), true
}

func (d *Dispatcher) finish(res *core.ValidationResult, start time.Time, layer string) *core.ValidationResult {
	elapsed := time.Since(start)
	res.ProcessingMs = msSince(start)
	res.Layer = layer
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now()
	}
	d.gate.observe(res.ProcessingMs)
	if d.perf != nil {
		d.perf.Record("validate", elapsed)
	}
	if d.met != nil {
		d.met.RecordValidation(layer, string(res.Decision), elapsed.Seconds())
	}
	return res
}

// cacheResult stores a clean clone so per-request stamps on the returned
// result never leak into the cache.
func (d *Dispatcher) cacheResult(fingerprint string, res *core.ValidationResult, ttl time.Duration) {
	stored := res.Clone()
	stored.ProcessingMs = 0
	stored.CacheHit = false
	d.l1.Set(fingerprint, stored, ttl)
	if d.met != nil {
		d.met.RecordCacheOp("set", "ok")
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

// Stats is a point-in-time snapshot for the debug surface.
type Stats struct {
	TotalRequests   int64   `json:"total_requests"`
	RateLimited     int64   `json:"rate_limited"`
	L1Hits          int64   `json:"l1_hits"`
	L2Hits          int64   `json:"l2_hits"`
	L3Hits          int64   `json:"l3_hits"`
	ExpertAnswered  int64   `json:"expert_answered"`
	ExpertTimeouts  int64   `json:"expert_timeouts"`
	ExpertQueueFull int64   `json:"expert_queue_full"`
	SafeDefaults    int64   `json:"safe_defaults"`
	StageErrors     int64   `json:"stage_errors"`
	PendingExperts  int     `json:"pending_experts"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	EffectiveLimit  float64 `json:"effective_rate_limit"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		TotalRequests:   d.total.Load(),
		RateLimited:     d.rateLimited.Load(),
		L1Hits:          d.l1Hits.Load(),
		L2Hits:          d.l2Hits.Load(),
		L3Hits:          d.l3Hits.Load(),
		ExpertAnswered:  d.expertAnswered.Load(),
		ExpertTimeouts:  d.expertTimeouts.Load(),
		ExpertQueueFull: d.expertQueueFull.Load(),
		SafeDefaults:    d.safeDefaults.Load(),
		StageErrors:     d.stageErrors.Load(),
		PendingExperts:  d.experts.Depth(),
		AvgLatencyMs:    d.gate.avgLatencyMs(),
		EffectiveLimit:  d.gate.currentLimit(),
	}
}

// BreakerStates reports each stage breaker for the health surface.
func (d *Dispatcher) BreakerStates() map[string]string {
	return map[string]string{
		d.l1Breaker.Name():     d.l1Breaker.State().String(),
		d.l2Breaker.Name():     d.l2Breaker.State().String(),
		d.l3Breaker.Name():     d.l3Breaker.State().String(),
		d.expertBreaker.Name(): d.expertBreaker.State().String(),
	}
}

// Perf exposes the latency tracker for the debug surface.
func (d *Dispatcher) Perf() *metrics.PerfTracker { return d.perf }
