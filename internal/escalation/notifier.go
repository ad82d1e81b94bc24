package escalation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultWorkers   = 4
	deliveryQueueCap = 1000
	deliveryTimeout  = 10 * time.Second
	maxAttempts      = 3
)

// Notifier delivers events to subscribers from a background worker pool.
// The queue is bounded; when it is full the event is dropped and logged
// rather than stalling the escalation path.
type Notifier struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
	workers    int
}

type deliveryJob struct {
	subscriber *Subscription
	event      *Event
	attempt    int
}

// NewNotifier starts a notifier with the given worker count.
func NewNotifier(registry *Registry, workers int) *Notifier {
	if workers <= 0 {
		workers = defaultWorkers
	}
	n := &Notifier{
		registry:   registry,
		httpClient: &http.Client{Timeout: deliveryTimeout},
		queue:      make(chan *deliveryJob, deliveryQueueCap),
		logger:     log.New(log.Writer(), "[Notifier] ", log.LstdFlags),
		workers:    workers,
	}

	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	return n
}

// Emit fans the event out to every matching subscriber.
func (n *Notifier) Emit(eventType EventType, projectID string, data map[string]interface{}) {
	subscribers := n.registry.Subscribers(eventType)
	if len(subscribers) == 0 {
		return
	}

	event := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    "/api/v1/escalations",
		Timestamp: time.Now(),
		ProjectID: projectID,
		Data:      data,
	}

	for _, sub := range subscribers {
		// Project-scoped subscriptions only see their own project.
		if sub.ProjectID != "" && sub.ProjectID != projectID {
			continue
		}

		select {
		case n.queue <- &deliveryJob{subscriber: sub, event: event, attempt: 1}:
		default:
			n.logger.Printf("Delivery queue full, dropping event %s for %s", event.ID, sub.ID)
		}
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for job := range n.queue {
		n.deliver(job)
	}
}

// deliver posts the event and retries transport failures inline with
// quadratic backoff. Retrying inside the worker keeps every send on the
// queue channel ahead of Shutdown's close.
func (n *Notifier) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		n.logger.Printf("Failed to marshal event %s: %v", job.event.ID, err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.subscriber.URL, bytes.NewReader(payload))
	if err != nil {
		n.logger.Printf("Failed to build request for %s: %v", job.subscriber.URL, err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forgegate-Event-Type", string(job.event.Type))
	req.Header.Set("X-Forgegate-Event-ID", job.event.ID)
	req.Header.Set("X-Forgegate-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.subscriber.Secret != "" {
		sig := SignPayload(payload, job.subscriber.Secret)
		req.Header.Set("X-Forgegate-Signature", "sha256="+sig)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Printf("Delivery failed: %s -> %v", job.subscriber.URL, err)
		n.registry.MarkFailed(job.subscriber.ID)

		if job.attempt < maxAttempts {
			time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
			job.attempt++
			n.deliver(job)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		n.logger.Printf("Webhook returned %d: %s -> %s", resp.StatusCode, job.subscriber.URL, job.event.Type)
		n.registry.MarkFailed(job.subscriber.ID)
		return
	}

	n.registry.MarkDelivered(job.subscriber.ID)
}

// Shutdown stops accepting events and waits for in-flight deliveries.
func (n *Notifier) Shutdown() {
	close(n.queue)
	n.wg.Wait()
}
