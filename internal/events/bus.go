// Package events publishes hub activity as CloudEvents. The in-memory
// bus fans events out to in-process subscribers; the Pub/Sub variant
// additionally publishes every event to a Google Cloud Pub/Sub topic for
// downstream consumers (analytics, alerting, replication).
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgegate/hub/internal/core"
)

// EventEmitter is the interface for publishing CloudEvents. Both the
// in-memory EventBus and PubSubEventBus satisfy it.
type EventEmitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// CloudEvent is the CloudEvents 1.0 envelope for hub events.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	ProjectID   string                 `json:"projectid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewCloudEvent creates a CloudEvents 1.0 compliant event.
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event envelope.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// DecisionEventType maps a pipeline decision onto its event type, e.g.
// "forgegate.decision.approved". The prefix lines up with the aggregate
// event mirror ("forgegate.project.*") so one topic can carry both.
func DecisionEventType(d core.Decision) string {
	return "forgegate.decision." + strings.ToLower(string(d))
}

// EventBus is an in-process pub/sub event bus. Subscribers receive
// CloudEvents in real time; a subscriber whose buffer is full misses the
// event rather than blocking the publisher.
type EventBus struct {
	mu   sync.RWMutex
	subs map[chan *CloudEvent]map[string]bool // nil type set means every event
	n    int                                  // subscription count, one per requested type

	logger     *log.Logger
	bufferSize int
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:       make(map[chan *CloudEvent]map[string]bool),
		logger:     log.New(log.Writer(), "[Events] ", log.LstdFlags),
		bufferSize: 100,
	}
}

// Subscribe creates a channel that receives events of specific types.
// Pass no eventTypes to receive all events.
func (eb *EventBus) Subscribe(eventTypes ...string) chan *CloudEvent {
	ch := make(chan *CloudEvent, eb.bufferSize)

	var want map[string]bool
	if len(eventTypes) > 0 {
		want = make(map[string]bool, len(eventTypes))
		for _, et := range eventTypes {
			want[et] = true
		}
	}

	eb.mu.Lock()
	eb.subs[ch] = want
	if want == nil {
		eb.n++
	} else {
		eb.n += len(want)
	}
	eb.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (eb *EventBus) Unsubscribe(ch chan *CloudEvent) {
	eb.mu.Lock()
	if want, ok := eb.subs[ch]; ok {
		if want == nil {
			eb.n--
		} else {
			eb.n -= len(want)
		}
		delete(eb.subs, ch)
		close(ch)
	}
	eb.mu.Unlock()
}

// Publish sends an event to all matching subscribers.
func (eb *EventBus) Publish(event *CloudEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for ch, want := range eb.subs {
		if want != nil && !want[event.Type] {
			continue
		}
		select {
		case ch <- event:
		default:
			// buffer full, the subscriber misses this one
		}
	}
}

// Emit creates and publishes an event.
func (eb *EventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	eb.Publish(NewCloudEvent(eventType, source, subject, data))
}

// SubscriberCount returns the total number of active subscriptions. A
// channel subscribed to three types counts three times, matching what
// Subscribe was asked for.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.n
}

var _ EventEmitter = (*EventBus)(nil)

// DecisionEmitter forwards every validation outcome onto an event bus as
// a CloudEvent. It satisfies the service layer's decision sink contract,
// so it composes with the dashboard monitor through a fanout.
type DecisionEmitter struct {
	emitter EventEmitter
	source  string
}

// NewDecisionEmitter wraps an emitter. source identifies the producing
// surface in the CloudEvents envelope; empty takes a default.
func NewDecisionEmitter(em EventEmitter, source string) *DecisionEmitter {
	if source == "" {
		source = "forgegate-hub/validate"
	}
	return &DecisionEmitter{emitter: em, source: source}
}

// DecisionEvent publishes one decision. The fingerprint is the subject;
// project_id in the payload doubles as the Pub/Sub ordering key.
func (de *DecisionEmitter) DecisionEvent(projectID string, req *core.ValidationRequest, res *core.ValidationResult) {
	de.emitter.Emit(DecisionEventType(res.Decision), de.source, req.Fingerprint, map[string]interface{}{
		"project_id":    projectID,
		"fingerprint":   req.Fingerprint,
		"tool":          req.ToolName,
		"agent_id":      req.AgentID,
		"session_id":    req.SessionID,
		"decision":      string(res.Decision),
		"confidence":    string(res.Confidence),
		"score":         res.Score,
		"reason":        res.Reason,
		"layer":         res.Layer,
		"risk_level":    string(res.RiskLevel),
		"processing_ms": res.ProcessingMs,
		"cache_hit":     res.CacheHit,
		"timestamp":     res.Timestamp.Format(time.RFC3339Nano),
	})
}

// EscalationEventType maps an escalation lifecycle phase onto its event
// type, e.g. "forgegate.escalation.queued".
func EscalationEventType(phase string) string {
	return fmt.Sprintf("forgegate.escalation.%s", strings.ToLower(phase))
}
