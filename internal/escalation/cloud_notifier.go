package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"

	"github.com/google/uuid"
)

// CloudNotifier enqueues one Cloud Tasks HTTP task per matching
// subscriber, buying at-least-once delivery with queue-level retry,
// backoff and dead-lettering. When the enqueue itself fails the event
// falls back to the in-memory Notifier if one was configured.
type CloudNotifier struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	logger    *log.Logger
	fallback  *Notifier
}

// NewCloudNotifier connects to the Cloud Tasks queue identified by
// projectID/locationID/queueID. fallbackWorkers > 0 also starts an
// in-memory Notifier used when enqueueing fails.
func NewCloudNotifier(registry *Registry, projectID, locationID, queueID string, fallbackWorkers int) (*CloudNotifier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	cn := &CloudNotifier{
		registry:  registry,
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		logger:    log.New(log.Writer(), "[CloudTasks] ", log.LstdFlags),
	}
	if fallbackWorkers > 0 {
		cn.fallback = NewNotifier(registry, fallbackWorkers)
	}

	cn.logger.Printf("Connected to Cloud Tasks queue: %s", cn.queuePath)
	return cn, nil
}

// Emit creates one task per matching subscriber.
func (cn *CloudNotifier) Emit(eventType EventType, projectID string, data map[string]interface{}) {
	subscribers := cn.registry.Subscribers(eventType)
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

	payload, err := json.Marshal(event)
	if err != nil {
		cn.logger.Printf("Failed to marshal event %s: %v", event.ID, err)
		return
	}

	for _, sub := range subscribers {
		if sub.ProjectID != "" && sub.ProjectID != projectID {
			continue
		}
		cn.enqueueTask(sub, event, payload)
	}
}

func (cn *CloudNotifier) enqueueTask(sub *Subscription, event *Event, payload []byte) {
	headers := map[string]string{
		"Content-Type":                 "application/json",
		"X-Forgegate-Event-Type":       string(event.Type),
		"X-Forgegate-Event-ID":         event.ID,
		"X-Forgegate-Delivery-Attempt": "1",
	}
	if sub.Secret != "" {
		headers["X-Forgegate-Signature"] = "sha256=" + SignPayload(payload, sub.Secret)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cn.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	// Enqueue off the caller's goroutine: Resolve and timeout paths must
	// not wait on a Cloud Tasks round trip.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		task, err := cn.client.CreateTask(ctx, req)
		if err != nil {
			cn.logger.Printf("Cloud Task enqueue failed: %s -> %s: %v", event.ID, sub.URL, err)
			if cn.fallback != nil {
				cn.fallback.Emit(event.Type, event.ProjectID, event.Data)
			}
			return
		}
		cn.logger.Printf("Enqueued Cloud Task: %s -> %s (task=%s)", event.ID, sub.URL, task.GetName())
	}()
}

// Shutdown closes the Cloud Tasks client and drains the fallback.
func (cn *CloudNotifier) Shutdown() {
	if cn.fallback != nil {
		cn.fallback.Shutdown()
	}
	if err := cn.client.Close(); err != nil {
		cn.logger.Printf("Cloud Tasks client close error: %v", err)
	}
}

// Stats reports dispatcher telemetry for the debug surface.
func (cn *CloudNotifier) Stats() map[string]interface{} {
	return map[string]interface{}{
		"backend":      "gcp-cloud-tasks",
		"queue":        cn.queuePath,
		"subscribers":  len(cn.registry.ListAll()),
		"has_fallback": cn.fallback != nil,
	}
}
