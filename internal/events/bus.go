package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sidegig/backend/internal/domain"
)

// CloudEvent is the CloudEvents 1.0 envelope the analytics stream speaks.
// Every processed outbox row is wrapped in one before leaving the service.
type CloudEvent struct {
	SpecVersion string          `json:"specversion"`
	Type        string          `json:"type"`
	Source      string          `json:"source"`
	ID          string          `json:"id"`
	Time        time.Time       `json:"time"`
	Subject     string          `json:"subject,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// FromOutbox wraps a processed outbox row. The envelope id reuses the row id,
// so downstream consumers can dedupe at-least-once redeliveries.
func FromOutbox(ev domain.OutboxEvent) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        ev.EventType,
		Source:      "/outbox/" + ev.AggregateType,
		ID:          ev.ID,
		Time:        time.Now().UTC(),
		Subject:     ev.AggregateID,
		Data:        ev.Payload,
	}
}

// JSON serializes the envelope.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// SSEFormat renders the envelope as one Server-Sent Events frame for the
// admin event tail.
func (ce *CloudEvent) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(ce)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", ce.Type, data, ce.ID)), nil
}

// EventBus is the in-process side of the analytics stream: subscribers get a
// real-time tail of domain events. Delivery is best effort; a slow subscriber
// loses events rather than stalling dispatch.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent
	allSubs     []chan *CloudEvent
	bufferSize  int
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan *CloudEvent),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types, or every
// event when no types are named.
func (eb *EventBus) Subscribe(eventTypes ...string) chan *CloudEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan *CloudEvent, eb.bufferSize)
	if len(eventTypes) == 0 {
		eb.allSubs = append(eb.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			eb.subscribers[et] = append(eb.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (eb *EventBus) Unsubscribe(ch chan *CloudEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for et, subs := range eb.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		eb.subscribers[et] = filtered
	}
	filtered := eb.allSubs[:0]
	for _, s := range eb.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	eb.allSubs = filtered

	close(ch)
}

// Publish fans the event out to matching subscribers. Full channels are
// skipped.
func (eb *EventBus) Publish(event *CloudEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range eb.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// MirrorEvent feeds a processed outbox row into the in-memory stream. It
// satisfies the dispatcher's mirror hook for deployments without Pub/Sub.
func (eb *EventBus) MirrorEvent(ev domain.OutboxEvent) {
	eb.Publish(FromOutbox(ev))
}

// SubscriberCount reports the number of active subscription channels.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	count := len(eb.allSubs)
	for _, subs := range eb.subscribers {
		count += len(subs)
	}
	return count
}
