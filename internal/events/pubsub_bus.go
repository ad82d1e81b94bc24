package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubEventBus wraps the in-memory EventBus and also publishes every
// event to a Google Cloud Pub/Sub topic for durable, cross-service
// delivery.
//
// Fan-out strategy:
//   - Pub/Sub: durable, at-least-once delivery to downstream consumers
//   - In-memory: immediate push to in-process subscribers
//
// Usage:
//
//	bus, err := events.NewPubSubEventBus("my-project", "hub-events")
//	bus.Emit(events.DecisionEventType(res.Decision), "forgegate-hub/validate", fp, data)
//	defer bus.Close()
type PubSubEventBus struct {
	*EventBus // embedded, in-process Subscribe/Unsubscribe still work

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubEventBus creates a Pub/Sub-backed event bus. It creates the
// topic if it does not exist.
func NewPubSubEventBus(projectID, topicID string) (*PubSubEventBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic_id", topicID)
	}

	// Ordering by project keeps each aggregate's decisions in sequence
	// for downstream consumers.
	topic.EnableMessageOrdering = true

	bus := &PubSubEventBus{
		EventBus: NewEventBus(),
		client:   client,
		topic:    topic,
		logger:   log.New(log.Writer(), "[PubSub] ", log.LstdFlags),
	}

	bus.logger.Printf("connected to Pub/Sub topic projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

// Emit creates a CloudEvent, publishes it to Pub/Sub, and fans out to
// in-memory subscribers.
func (pb *PubSubEventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	pb.publishToPubSub(event)
	pb.EventBus.Publish(event)
}

// publishToPubSub serializes the CloudEvent and publishes it as a Pub/Sub
// message. Message attributes mirror CloudEvents metadata for server-side
// filtering.
func (pb *PubSubEventBus) publishToPubSub(event *CloudEvent) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Printf("marshal event %s: %v", event.ID, err)
		return
	}

	projectID := event.ProjectID
	if projectID == "" {
		if pid, ok := event.Data["project_id"].(string); ok {
			projectID = pid
		}
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-projectid":   projectID,
		},
		OrderingKey: projectID,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Non-blocking: the result is checked off the hot path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Printf("Pub/Sub publish failed: %s: %v", event.ID, err)
		}
	}()
}

// PublishRaw publishes a pre-built CloudEvent to Pub/Sub and the
// in-memory bus. Useful for replaying or forwarding events.
func (pb *PubSubEventBus) PublishRaw(event *CloudEvent) {
	pb.publishToPubSub(event)
	pb.EventBus.Publish(event)
}

// Close stops the topic's publish goroutines and shuts down the client.
func (pb *PubSubEventBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// TopicPath returns the fully-qualified Pub/Sub topic path.
func (pb *PubSubEventBus) TopicPath() string {
	return pb.topic.String()
}

// HealthCheck verifies the Pub/Sub topic is reachable.
func (pb *PubSubEventBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// Stats returns basic telemetry about the bus.
func (pb *PubSubEventBus) Stats() map[string]interface{} {
	return map[string]interface{}{
		"backend":     "gcp-pubsub",
		"topic":       pb.topic.String(),
		"subscribers": pb.EventBus.SubscriberCount(),
	}
}

var _ EventEmitter = (*PubSubEventBus)(nil)
