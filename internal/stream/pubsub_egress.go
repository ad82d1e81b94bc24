package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/forgegate/hub/internal/project"
)

// PubSubEgress mirrors every hub event onto a GCP Pub/Sub topic so external
// consumers (dashboards, downstream pipelines) can follow the stream without
// holding a connection to the hub. Messages carry CloudEvents attributes and
// are ordered per aggregate.
type PubSubEgress struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	hub    *Hub
	subID  string
	logger *log.Logger
	source string
}

// NewPubSubEgress connects to Pub/Sub, creates the topic if missing, and
// subscribes to the hub. Events start flowing immediately.
func NewPubSubEgress(ctx context.Context, gcpProject, topicID string, h *Hub) (*PubSubEgress, error) {
	client, err := pubsub.NewClient(ctx, gcpProject)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check topic %s: %w", topicID, err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create topic %s: %w", topicID, err)
		}
	}
	topic.EnableMessageOrdering = true

	e := &PubSubEgress{
		client: client,
		topic:  topic,
		hub:    h,
		logger: log.New(log.Writer(), "[PubSubEgress] ", log.LstdFlags),
		source: "forgegate/hub",
	}
	e.subID = h.Subscribe("pubsub-egress", Filter{}, 0, e.forward)
	e.logger.Printf("mirroring events to topic %s", topicID)
	return e, nil
}

// forward publishes one event. The publish result is collected on a
// goroutine so a slow broker never backs up hub delivery.
func (e *PubSubEgress) forward(ev *project.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
	}

	msg := &pubsub.Message{
		Data:        payload,
		OrderingKey: ev.AggregateID,
		Attributes: map[string]string{
			"ce-specversion": "1.0",
			"ce-type":        "forgegate.project." + string(ev.Type),
			"ce-source":      e.source,
			"ce-id":          ev.ID,
			"ce-time":        ev.Timestamp.Format(time.RFC3339Nano),
			"aggregate_id":   ev.AggregateID,
			"agent_id":       ev.AgentID,
		},
	}

	result := e.topic.Publish(context.Background(), msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			e.logger.Printf("publish of event %s failed: %v", ev.ID, err)
		}
	}()
	return nil
}

// HealthCheck verifies the topic is still reachable.
func (e *PubSubEgress) HealthCheck(ctx context.Context) error {
	exists, err := e.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("pubsub health check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("pubsub topic %s no longer exists", e.topic.ID())
	}
	return nil
}

// Close detaches from the hub and flushes pending publishes.
func (e *PubSubEgress) Close() error {
	e.hub.Unsubscribe(e.subID)
	e.topic.Stop()
	return e.client.Close()
}
