// Package stream fans project events out to live subscribers: in-process
// callbacks, polled buffers, websocket clients, named pipes, and optional
// cross-instance and Pub/Sub bridges. Delivery is best-effort with bounded
// buffers; the event log is the durable record, not the stream.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgegate/hub/internal/metrics"
	"github.com/forgegate/hub/internal/project"
)

const (
	defaultBufferSize  = 1000
	defaultBackpress   = 5000
	defaultSendTimeout = time.Second
)

// Filter selects which events a subscription receives. Zero fields match
// everything; set fields must all match.
type Filter struct {
	AggregateID string              `json:"aggregate_id,omitempty"`
	EventTypes  []project.EventType `json:"event_types,omitempty"`
	AgentID     string              `json:"agent_id,omitempty"`
	Path        string              `json:"path,omitempty"`
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e *project.Event) bool {
	if f.AggregateID != "" && e.AggregateID != f.AggregateID {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if len(f.EventTypes) > 0 {
		hit := false
		for _, t := range f.EventTypes {
			if e.Type == t {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if f.Path != "" {
		hit := false
		for _, p := range e.TouchedPaths() {
			if p == f.Path {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// Callback is invoked for each delivered event. Errors are caught and
// logged; they never abort the publish.
type Callback func(*project.Event) error

// Remote is an attached downstream connection (a websocket client).
type Remote interface {
	Send(*project.Event) error
	Close() error
}

// Subscription is one registered consumer with its own bounded buffer.
type Subscription struct {
	id           string
	subscriberID string
	filter       Filter
	bufferSize   int
	callback     Callback

	mu      sync.Mutex
	buffer  []*project.Event
	dropped uint64
	remote  Remote
}

// ID returns the subscription id handed out by Subscribe.
func (s *Subscription) ID() string { return s.id }

// enqueue appends under the backpressure policy: at the hard limit, drop
// oldest entries until the buffer is back under its nominal size, then
// append. Returns how many entries were dropped.
func (s *Subscription) enqueue(e *project.Event, backpressure int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := 0
	if len(s.buffer) >= backpressure {
		drop = len(s.buffer) - (s.bufferSize - 1)
		s.dropped += uint64(drop)
		kept := make([]*project.Event, len(s.buffer)-drop)
		copy(kept, s.buffer[drop:])
		s.buffer = kept
	}
	s.buffer = append(s.buffer, e)
	return drop
}

func (s *Subscription) drain(max int) []*project.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max <= 0 || max > len(s.buffer) {
		max = len(s.buffer)
	}
	out := make([]*project.Event, max)
	copy(out, s.buffer[:max])
	s.buffer = append(s.buffer[:0], s.buffer[max:]...)
	return out
}

func (s *Subscription) attachedRemote() Remote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// HubOptions tune delivery bounds. Zero values take the defaults.
type HubOptions struct {
	DefaultBufferSize int
	BackpressureLimit int
	SendTimeout       time.Duration
}

// Hub is the in-process event fan-out point. Publish never blocks longer
// than the per-send timeout per subscriber; slow consumers lose events
// rather than stalling the rest.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	instanceID   string
	bufferSize   int
	backpressure int
	sendTimeout  time.Duration

	bridge  Bridge
	logger  *log.Logger
	metrics *metrics.Metrics
}

// NewHub builds a hub. m may be nil.
func NewHub(m *metrics.Metrics, opts HubOptions) *Hub {
	if opts.DefaultBufferSize <= 0 {
		opts.DefaultBufferSize = defaultBufferSize
	}
	if opts.BackpressureLimit <= 0 {
		opts.BackpressureLimit = defaultBackpress
	}
	if opts.BackpressureLimit < opts.DefaultBufferSize {
		opts.BackpressureLimit = opts.DefaultBufferSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	return &Hub{
		subs:         make(map[string]*Subscription),
		instanceID:   uuid.NewString(),
		bufferSize:   opts.DefaultBufferSize,
		backpressure: opts.BackpressureLimit,
		sendTimeout:  opts.SendTimeout,
		logger:       log.New(log.Writer(), "[StreamHub] ", log.LstdFlags),
		metrics:      m,
	}
}

// Subscribe registers a consumer and returns its subscription id.
// bufferSize <= 0 takes the hub default; callback may be nil.
func (h *Hub) Subscribe(subscriberID string, f Filter, bufferSize int, cb Callback) string {
	if bufferSize <= 0 {
		bufferSize = h.bufferSize
	}
	s := &Subscription{
		id:           uuid.NewString(),
		subscriberID: subscriberID,
		filter:       f,
		bufferSize:   bufferSize,
		callback:     cb,
	}
	h.mu.Lock()
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetStreamSubscribers("hub", n)
	}
	return s.id
}

// Unsubscribe removes the subscription and closes any attached remote.
func (h *Hub) Unsubscribe(subscriptionID string) bool {
	h.mu.Lock()
	s, ok := h.subs[subscriptionID]
	if ok {
		delete(h.subs, subscriptionID)
	}
	n := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return false
	}
	if r := s.attachedRemote(); r != nil {
		if err := r.Close(); err != nil {
			h.logger.Printf("remote close for subscription %s: %v", subscriptionID, err)
		}
	}
	if h.metrics != nil {
		h.metrics.SetStreamSubscribers("hub", n)
	}
	return true
}

// Attach binds a remote connection to the subscription. Delivered events
// are forwarded to it in addition to the buffer.
func (h *Hub) Attach(subscriptionID string, r Remote) error {
	h.mu.RLock()
	s, ok := h.subs[subscriptionID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown subscription %s", subscriptionID)
	}
	s.mu.Lock()
	s.remote = r
	s.mu.Unlock()
	return nil
}

// Publish fans the event out to every matching subscription concurrently
// and replicates it across instances when a bridge is attached. It returns
// once every delivery has settled or timed out.
func (h *Hub) Publish(e *project.Event) {
	h.fanout(e)

	h.mu.RLock()
	bridge := h.bridge
	h.mu.RUnlock()
	if bridge != nil {
		payload, err := json.Marshal(bridgeEnvelope{Origin: h.instanceID, Event: e})
		if err != nil {
			h.logger.Printf("bridge marshal: %v", err)
			return
		}
		if err := bridge.Publish(context.Background(), payload); err != nil {
			h.logger.Printf("bridge publish: %v", err)
			if h.metrics != nil {
				h.metrics.RecordStreamDrop("bridge", "publish_error")
			}
		}
	}
}

// fanout delivers to local subscriptions only.
func (h *Hub) fanout(e *project.Event) {
	h.mu.RLock()
	matched := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		if s.filter.Matches(e) {
			matched = append(matched, s)
		}
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range matched {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			h.deliver(s, e)
		}(s)
	}
	wg.Wait()
}

// deliver buffers the event, then runs the callback and remote forward
// under the per-send timeout. A slow consumer is abandoned, not waited on.
func (h *Hub) deliver(s *Subscription, e *project.Event) {
	if dropped := s.enqueue(e, h.backpressure); dropped > 0 {
		h.logger.Printf("subscription %s over backpressure limit, dropped %d", s.id, dropped)
		if h.metrics != nil {
			h.metrics.RecordStreamDrops("hub", "backpressure", dropped)
		}
	}

	remote := s.attachedRemote()
	if s.callback == nil && remote == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.invoke(s, remote, e)
	}()
	select {
	case <-done:
	case <-time.After(h.sendTimeout):
		h.logger.Printf("send timeout for subscription %s (subscriber %s)", s.id, s.subscriberID)
		if h.metrics != nil {
			h.metrics.RecordStreamDrop("hub", "slow_consumer")
		}
	}
}

// invoke runs the callback and remote send. Failures are logged and never
// propagate into the publish path.
func (h *Hub) invoke(s *Subscription, remote Remote, e *project.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Printf("callback panic for subscription %s: %v", s.id, r)
		}
	}()
	if s.callback != nil {
		if err := s.callback(e); err != nil {
			h.logger.Printf("callback error for subscription %s: %v", s.id, err)
		}
	}
	if remote != nil {
		if err := remote.Send(e); err != nil {
			h.logger.Printf("remote send for subscription %s: %v", s.id, err)
			if h.metrics != nil {
				h.metrics.RecordStreamDrop("hub", "slow_consumer")
			}
		}
	}
}

// Poll drains up to max buffered events, oldest first. Non-blocking:
// an empty buffer returns an empty slice.
func (h *Hub) Poll(subscriptionID string, max int) ([]*project.Event, error) {
	h.mu.RLock()
	s, ok := h.subs[subscriptionID]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown subscription %s", subscriptionID)
	}
	return s.drain(max), nil
}

// Dropped returns the subscription's drop count.
func (h *Hub) Dropped(subscriptionID string) (uint64, bool) {
	h.mu.RLock()
	s, ok := h.subs[subscriptionID]
	h.mu.RUnlock()
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped, true
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats reports hub counters for the debug surface.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var buffered int
	var dropped uint64
	for _, s := range h.subs {
		s.mu.Lock()
		buffered += len(s.buffer)
		dropped += s.dropped
		s.mu.Unlock()
	}
	return map[string]interface{}{
		"subscriptions":   len(h.subs),
		"buffered_events": buffered,
		"dropped_events":  dropped,
		"bridge_attached": h.bridge != nil,
	}
}
