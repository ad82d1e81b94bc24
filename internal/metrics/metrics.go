package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the validation hub
type Metrics struct {
	// Validation pipeline metrics
	ValidationTotal    *prometheus.CounterVec
	ValidationDuration *prometheus.HistogramVec
	ValidationScore    *prometheus.HistogramVec

	// Cache metrics
	CacheOps    *prometheus.CounterVec
	CacheSize   prometheus.Gauge
	CacheHotSet prometheus.Gauge

	// Expert escalation metrics
	ExpertQueueDepth prometheus.Gauge
	ExpertOutcomes   *prometheus.CounterVec

	// Rate limiting metrics
	RateLimited *prometheus.CounterVec

	// Event store metrics
	EventsAppended   *prometheus.CounterVec
	EventAppendRaces prometheus.Counter

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionEvictions *prometheus.CounterVec

	// Stream metrics
	StreamSubscribers *prometheus.GaugeVec
	StreamDropped     *prometheus.CounterVec

	// VFS metrics
	VFSOps *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Validation Outcome Counter
		ValidationTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_validation_total",
				Help: "Total number of validation requests by resolving layer and decision",
			},
			[]string{"layer", "decision"}, // layer: memory, policy, pattern, expert, safe-default, rate-limit
		),

		// Validation Duration Histogram (ms-scale buckets, the hub targets <100ms)
		ValidationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hub_validation_duration_seconds",
				Help:    "Duration of validation requests by resolving layer",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0, 30.0},
			},
			[]string{"layer"},
		),

		// Classifier Score Histogram
		ValidationScore: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hub_validation_score",
				Help:    "Raw pattern classifier score distribution",
				Buckets: []float64{-5, -3, -1.5, -0.5, 0, 0.5, 1.5, 3, 5},
			},
			[]string{"tool"},
		),

		// Cache Operation Counter
		CacheOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_cache_ops_total",
				Help: "Memory cache operations by result",
			},
			[]string{"op", "result"}, // op: get, set, invalidate; result: hit, miss, expired, evicted
		),

		// Cache Size Gauge
		CacheSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "hub_cache_entries",
				Help: "Current number of entries in the memory cache",
			},
		),

		// Hot Set Size Gauge
		CacheHotSet: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "hub_cache_hot_entries",
				Help: "Current number of hot entries pinned in the memory cache",
			},
		),

		// Expert Queue Depth Gauge
		ExpertQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "hub_expert_queue_depth",
				Help: "Number of validations waiting on an expert decision",
			},
		),

		// Expert Outcome Counter
		ExpertOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_expert_outcomes_total",
				Help: "Expert escalation outcomes",
			},
			[]string{"outcome"}, // outcome: answered, timeout, queue_full
		),

		// Rate Limit Counter
		RateLimited: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_rate_limited_total",
				Help: "Requests rejected by a rate gate",
			},
			[]string{"scope"}, // scope: dispatcher, session, vfs, api
		),

		// Event Append Counter
		EventsAppended: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_events_appended_total",
				Help: "Events appended to project streams by type",
			},
			[]string{"event_type"},
		),

		// Concurrency Conflict Counter
		EventAppendRaces: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "hub_event_append_conflicts_total",
				Help: "Optimistic concurrency conflicts during event append",
			},
		),

		// Active Session Gauge
		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "hub_sessions_active",
				Help: "Currently active agent sessions",
			},
		),

		// Session Eviction Counter
		SessionEvictions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_session_evictions_total",
				Help: "Sessions evicted by reason",
			},
			[]string{"reason"}, // reason: idle, capacity, revoked
		),

		// Stream Subscriber Gauge
		StreamSubscribers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hub_stream_subscribers",
				Help: "Active subscribers per event pipe",
			},
			[]string{"pipe"},
		),

		// Stream Drop Counter
		StreamDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_stream_dropped_total",
				Help: "Events dropped by the stream layer",
			},
			[]string{"pipe", "reason"}, // reason: backpressure, slow_consumer, pipe_full
		),

		// VFS Operation Counter
		VFSOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hub_vfs_ops_total",
				Help: "Virtual filesystem operations by section and result",
			},
			[]string{"op", "section", "result"}, // result: ok, errno
		),
	}
}

// RecordValidation records a resolved validation request
func (m *Metrics) RecordValidation(layer, decision string, seconds float64) {
	m.ValidationTotal.WithLabelValues(layer, decision).Inc()
	m.ValidationDuration.WithLabelValues(layer).Observe(seconds)
}

// RecordScore records a raw classifier score
func (m *Metrics) RecordScore(tool string, score float64) {
	m.ValidationScore.WithLabelValues(tool).Observe(score)
}

// RecordCacheOp records a cache operation outcome
func (m *Metrics) RecordCacheOp(op, result string) {
	m.CacheOps.WithLabelValues(op, result).Inc()
}

// UpdateCacheGauges refreshes the cache size gauges
func (m *Metrics) UpdateCacheGauges(entries, hot int) {
	m.CacheSize.Set(float64(entries))
	m.CacheHotSet.Set(float64(hot))
}

// RecordExpertOutcome records how an escalation resolved
func (m *Metrics) RecordExpertOutcome(outcome string) {
	m.ExpertOutcomes.WithLabelValues(outcome).Inc()
}

// RecordRateLimited records a rejected request
func (m *Metrics) RecordRateLimited(scope string) {
	m.RateLimited.WithLabelValues(scope).Inc()
}

// RecordEventAppend records a successful event append
func (m *Metrics) RecordEventAppend(eventType string) {
	m.EventsAppended.WithLabelValues(eventType).Inc()
}

// SetActiveSessions refreshes the active session gauge
func (m *Metrics) SetActiveSessions(n int) {
	m.SessionsActive.Set(float64(n))
}

// RecordSessionEviction records a session removal by reason
func (m *Metrics) RecordSessionEviction(reason string) {
	m.SessionEvictions.WithLabelValues(reason).Inc()
}

// RecordStreamDrop records a dropped stream event
func (m *Metrics) RecordStreamDrop(pipe, reason string) {
	m.StreamDropped.WithLabelValues(pipe, reason).Inc()
}

// RecordStreamDrops records a batch of dropped stream events
func (m *Metrics) RecordStreamDrops(pipe, reason string, n int) {
	m.StreamDropped.WithLabelValues(pipe, reason).Add(float64(n))
}

// SetStreamSubscribers refreshes the subscriber gauge for a pipe
func (m *Metrics) SetStreamSubscribers(pipe string, n int) {
	m.StreamSubscribers.WithLabelValues(pipe).Set(float64(n))
}

// RecordVFSOp records a filesystem operation
func (m *Metrics) RecordVFSOp(op, section string, ok bool) {
	result := "ok"
	if !ok {
		result = "errno"
	}
	m.VFSOps.WithLabelValues(op, section, result).Inc()
}
