package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/sidegig/backend/internal/domain"
)

// Analytics mirrors every processed outbox row to a Google Cloud Pub/Sub
// topic for the warehouse pipeline, and to the in-memory bus for the admin
// event tail.
//
// The mirror is strictly downstream of the outbox: rows are mirrored after
// their handlers commit, so a Pub/Sub outage never blocks dispatch, and a
// redelivered row shows up twice with the same envelope id.
type Analytics struct {
	*EventBus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewAnalytics connects to Pub/Sub and creates the topic if it does not
// exist.
func NewAnalytics(projectID, topicID string) (*Analytics, error) {
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
	}

	// Consumers rely on per-subject ordering, same as the outbox gives us.
	topic.EnableMessageOrdering = true

	a := &Analytics{
		EventBus: NewEventBus(),
		client:   client,
		topic:    topic,
		logger:   log.New(log.Writer(), "[ANALYTICS] ", log.LstdFlags),
	}
	a.logger.Printf("✅ Connected to Pub/Sub topic projects/%s/topics/%s", projectID, topicID)
	return a, nil
}

// MirrorEvent publishes the row to Pub/Sub and fans it out in-memory.
func (a *Analytics) MirrorEvent(ev domain.OutboxEvent) {
	ce := FromOutbox(ev)
	a.publish(ce, orderingKey(ev))
	a.EventBus.Publish(ce)
}

// orderingKey scopes ordering to the user the event concerns, falling back to
// the aggregate when the payload names none.
func orderingKey(ev domain.OutboxEvent) string {
	var p struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err == nil && p.UserID != "" {
		return p.UserID
	}
	return ev.AggregateID
}

func (a *Analytics) publish(ce *CloudEvent, key string) {
	payload, err := ce.JSON()
	if err != nil {
		a.logger.Printf("❌ marshal event %s: %v", ce.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": ce.SpecVersion,
			"ce-type":        ce.Type,
			"ce-source":      ce.Source,
			"ce-id":          ce.ID,
			"ce-time":        ce.Time.Format(time.RFC3339Nano),
		},
		OrderingKey: key,
	}
	result := a.topic.Publish(context.Background(), msg)

	// Check the result off the hot path; the mirror is best effort.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			a.logger.Printf("❌ publish %s: %v", ce.ID, err)
		}
	}()
}

// Close stops the publisher and releases the client.
func (a *Analytics) Close() error {
	a.topic.Stop()
	if err := a.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// TopicPath returns the fully-qualified topic path.
func (a *Analytics) TopicPath() string {
	return a.topic.String()
}

// HealthCheck verifies the topic is reachable.
func (a *Analytics) HealthCheck(ctx context.Context) error {
	exists, err := a.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}
