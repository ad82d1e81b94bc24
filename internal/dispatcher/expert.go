package dispatcher

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgegate/hub/internal/core"
	"github.com/forgegate/hub/internal/metrics"
)

var (
	// ErrQueueFull means the escalation queue is at capacity and the request
	// was not enqueued.
	ErrQueueFull = errors.New("expert queue full")

	// ErrExpertTimeout means no expert answered before the deadline.
	ErrExpertTimeout = errors.New("expert response timeout")

	// ErrUnknownEscalation means the request id is not (or no longer) pending.
	ErrUnknownEscalation = errors.New("unknown escalation request")
)

// Escalation is one request waiting for a human decision.
type Escalation struct {
	ID         string                  `json:"id"`
	Request    *core.ValidationRequest `json:"request"`
	Hint       *core.ValidationResult  `json:"hint,omitempty"` // classifier output, if any
	EnqueuedAt time.Time               `json:"enqueued_at"`
}

// Lifecycle hook kinds.
const (
	HookQueued   = "queued"
	HookResolved = "resolved"
	HookTimeout  = "timeout"
)

// LifecycleHook observes escalation transitions. res and validatorID are
// set only for HookResolved. Hooks run on the escalation path and must
// not block.
type LifecycleHook func(kind string, esc *Escalation, res *core.ValidationResult, validatorID string)

type pendingEscalation struct {
	esc     *Escalation
	promise chan *core.ValidationResult
	queued  chan struct{} // closed once the queued hook has fired
}

// ExpertQueue holds requests the automated layers could not decide. Callers
// block on Escalate until a validator resolves the request, the deadline
// passes, or the queue rejects the request outright.
//
// Notifications flow through Notify: the API layer fans each enqueued
// escalation out to connected validators. Resolution comes back through
// Resolve keyed by escalation id. A resolution after timeout is a no-op
// error, not a crash: the waiter is already gone.
type ExpertQueue struct {
	mu      sync.Mutex
	pending map[string]*pendingEscalation

	notify  chan *Escalation
	timeout time.Duration
	cap     int
	hook    LifecycleHook

	met    *metrics.Metrics
	logger *log.Logger

	closed bool
}

// ExpertQueueOptions configures capacity and the per-request deadline.
type ExpertQueueOptions struct {
	QueueSize int           // max concurrent pending escalations, default 100
	Timeout   time.Duration // per-request deadline, default 30s
}

func NewExpertQueue(opts ExpertQueueOptions, met *metrics.Metrics) *ExpertQueue {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &ExpertQueue{
		pending: make(map[string]*pendingEscalation),
		notify:  make(chan *Escalation, opts.QueueSize),
		timeout: opts.Timeout,
		cap:     opts.QueueSize,
		met:     met,
		logger:  log.New(log.Writer(), "[Expert] ", log.LstdFlags),
	}
}

// SetLifecycleHook installs the transition observer. Wire it before the
// queue takes traffic.
func (q *ExpertQueue) SetLifecycleHook(hook LifecycleHook) {
	q.hook = hook
}

func (q *ExpertQueue) fireHook(kind string, esc *Escalation, res *core.ValidationResult, validatorID string) {
	if q.hook != nil {
		q.hook(kind, esc, res, validatorID)
	}
}

// Escalate enqueues the request and blocks until resolution, timeout, or
// context cancellation. hint carries the classifier's uncertain verdict so
// validators see what the machine thought.
func (q *ExpertQueue) Escalate(ctx context.Context, req *core.ValidationRequest, hint *core.ValidationResult) (*core.ValidationResult, error) {
	id := RequestIDFromContext(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	esc := &Escalation{
		ID:         id,
		Request:    req,
		Hint:       hint,
		EnqueuedAt: time.Now(),
	}
	entry := &pendingEscalation{
		esc:     esc,
		promise: make(chan *core.ValidationResult, 1),
		queued:  make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
	if len(q.pending) >= q.cap {
		q.mu.Unlock()
		q.recordOutcome("queue_full")
		return nil, ErrQueueFull
	}
	q.pending[esc.ID] = entry
	q.mu.Unlock()
	q.updateDepth()

	// Non-blocking by construction: notify capacity matches the pending cap.
	select {
	case q.notify <- esc:
	default:
	}
	q.fireHook(HookQueued, esc, nil, "")
	close(entry.queued)

	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	select {
	case res := <-entry.promise:
		q.recordOutcome("answered")
		return res, nil
	case <-timer.C:
		q.drop(esc.ID)
		q.recordOutcome("timeout")
		q.fireHook(HookTimeout, esc, nil, "")
		q.logger.Printf("Escalation %s timed out after %s (tool=%s agent=%s)", esc.ID, q.timeout, req.ToolName, req.AgentID)
		return nil, ErrExpertTimeout
	case <-ctx.Done():
		q.drop(esc.ID)
		q.recordOutcome("timeout")
		q.fireHook(HookTimeout, esc, nil, "")
		return nil, ctx.Err()
	}
}

// Resolve delivers a validator's decision to the waiting request.
func (q *ExpertQueue) Resolve(id string, decision core.Decision, reason, validatorID string) error {
	switch decision {
	case core.DecisionApproved, core.DecisionBlocked, core.DecisionEscalate:
	default:
		return errors.New("expert decision must be APPROVED, BLOCKED or ESCALATE")
	}
	if reason == "" {
		reason = "expert decision by " + validatorID
	}

	q.mu.Lock()
	entry, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	if !ok {
		return ErrUnknownEscalation
	}
	q.updateDepth()

	// An immediate resolution can land before the escalating goroutine has
	// announced the queued transition. Hold the resolved hook behind it so
	// observers always see queued first.
	<-entry.queued

	res := &core.ValidationResult{
		Decision:   decision,
		Confidence: core.ConfidenceHigh,
		Score:      1.0,
		Reason:     reason,
		Layer:      core.LayerExpert,
		RiskLevel:  riskForDecision(decision),
		Timestamp:  time.Now(),
	}
	entry.promise <- res
	q.fireHook(HookResolved, entry.esc, res, validatorID)
	q.logger.Printf("Escalation %s resolved %s by %s", id, decision, validatorID)
	return nil
}

func riskForDecision(d core.Decision) core.RiskLevel {
	if d == core.DecisionBlocked {
		return core.RiskHigh
	}
	return core.RiskLow
}

// Pending lists escalations still waiting, oldest first.
func (q *ExpertQueue) Pending() []*Escalation {
	q.mu.Lock()
	out := make([]*Escalation, 0, len(q.pending))
	for _, e := range q.pending {
		out = append(out, e.esc)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// Notifications exposes the stream of newly enqueued escalations.
func (q *ExpertQueue) Notifications() <-chan *Escalation {
	return q.notify
}

// Depth reports how many escalations are waiting right now.
func (q *ExpertQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Timeout reports the per-request deadline.
func (q *ExpertQueue) Timeout() time.Duration {
	return q.timeout
}

// Close rejects future escalations. Waiters already blocked keep their
// timers and drain normally.
func (q *ExpertQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *ExpertQueue) drop(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
	q.updateDepth()
}

func (q *ExpertQueue) updateDepth() {
	if q.met == nil {
		return
	}
	q.mu.Lock()
	depth := len(q.pending)
	q.mu.Unlock()
	q.met.ExpertQueueDepth.Set(float64(depth))
}

func (q *ExpertQueue) recordOutcome(outcome string) {
	if q.met != nil {
		q.met.RecordExpertOutcome(outcome)
	}
}
