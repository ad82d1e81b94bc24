// Package escalation notifies external systems about escalation
// lifecycle transitions. Subscribers register a URL with an event-type
// filter; an Emitter delivers signed JSON payloads, either from an
// in-process worker pool or through Cloud Tasks.
package escalation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Emitter dispatches escalation events. Both the in-memory Notifier and
// the CloudNotifier satisfy this interface.
type Emitter interface {
	Emit(eventType EventType, projectID string, data map[string]interface{})
	Shutdown()
}

// EventType identifies an escalation lifecycle transition.
type EventType string

const (
	EventQueued   EventType = "escalation.queued"
	EventResolved EventType = "escalation.resolved"
	EventTimeout  EventType = "escalation.timeout"
)

// Subscription is a registered webhook.
type Subscription struct {
	ID        string      `json:"id"`
	URL       string      `json:"url"`
	Events    []EventType `json:"events"`
	Secret    string      `json:"secret,omitempty"`
	Active    bool        `json:"active"`
	ProjectID string      `json:"project_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	FailCount int         `json:"fail_count"`
}

// Event is the payload delivered to subscribers.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	ProjectID string                 `json:"project_id"`
	Data      map[string]interface{} `json:"data"`
}

// Registry stores webhook subscriptions and indexes them by event type.
type Registry struct {
	mu          sync.RWMutex
	hooks       map[string]*Subscription
	byEvent     map[EventType][]*Subscription
	logger      *log.Logger
	maxPerEvent int
}

// NewRegistry creates an empty webhook registry.
func NewRegistry() *Registry {
	return &Registry{
		hooks:       make(map[string]*Subscription),
		byEvent:     make(map[EventType][]*Subscription),
		logger:      log.New(log.Writer(), "[Webhooks] ", log.LstdFlags),
		maxPerEvent: 50,
	}
}

// Register adds a subscription. A missing ID gets a generated one.
func (r *Registry) Register(sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if len(sub.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}
	for _, evt := range sub.Events {
		if len(r.byEvent[evt]) >= r.maxPerEvent {
			return fmt.Errorf("event %s already has %d subscribers", evt, r.maxPerEvent)
		}
	}

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.Active = true
	sub.CreatedAt = time.Now()
	sub.FailCount = 0

	r.hooks[sub.ID] = sub
	for _, evt := range sub.Events {
		r.byEvent[evt] = append(r.byEvent[evt], sub)
	}

	r.logger.Printf("Registered webhook %s -> %s (events: %v)", sub.ID, sub.URL, sub.Events)
	return nil
}

// Unregister removes a subscription.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(r.hooks, id)

	for _, evt := range sub.Events {
		filtered := make([]*Subscription, 0, len(r.byEvent[evt]))
		for _, s := range r.byEvent[evt] {
			if s.ID != id {
				filtered = append(filtered, s)
			}
		}
		r.byEvent[evt] = filtered
	}

	r.logger.Printf("Unregistered webhook %s", id)
	return nil
}

// Subscribers returns the active subscriptions for an event type.
func (r *Registry) Subscribers(eventType EventType) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*Subscription
	for _, sub := range r.byEvent[eventType] {
		if sub.Active {
			active = append(active, sub)
		}
	}
	return active
}

// ListAll returns every registered subscription.
func (r *Registry) ListAll() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Subscription, 0, len(r.hooks))
	for _, sub := range r.hooks {
		result = append(result, sub)
	}
	return result
}

// MarkFailed increments the failure count and disables the subscription
// after 10 consecutive failures.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= 10 {
		sub.Active = false
		r.logger.Printf("Webhook %s disabled after %d failures", id, sub.FailCount)
	}
}

// MarkDelivered resets the failure count after a successful delivery.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.hooks[id]; ok {
		sub.FailCount = 0
	}
}

// SignPayload creates the HMAC-SHA256 signature subscribers verify.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
