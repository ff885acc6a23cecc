// Package payments ingests payment-processor webhooks and applies their
// downstream effects. Ingest is at-most-once per provider event id and runs no
// business logic; effect workers consume the outbox at least once, each guarded
// by an (event, effect) record.
package payments

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/outbox"
	"github.com/sidegig/backend/internal/store"
)

// Ingestor is the webhook entry point. It owns nothing but the signature
// secret and the transactional insert path.
type Ingestor struct {
	store   store.TxStore
	secret  string
	metrics *Metrics
	logger  *log.Logger
}

func NewIngestor(s store.TxStore, webhookSecret string) *Ingestor {
	return &Ingestor{
		store:   s,
		secret:  webhookSecret,
		metrics: NewMetrics(),
		logger:  log.New(os.Stdout, "[PAYMENTS] ", log.LstdFlags),
	}
}

// ReceivedPayload rides stripe.event_received; the full verified body lives in
// the stripe_events table, keyed by the provider id.
type ReceivedPayload struct {
	ProviderEventID string `json:"provider_event_id"`
	Type            string `json:"type"`
}

// Result reports one ingest. Stored=false means the provider already
// delivered this event and nothing was written.
type Result struct {
	EventID string
	Type    string
	Stored  bool
}

// Ingest verifies the signature, claims the provider event id and appends the
// dispatch event, all in one transaction. Replays return success without
// writing anything.
func (i *Ingestor) Ingest(ctx context.Context, payload []byte, sigHeader string) (*Result, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, i.secret)
	if err != nil {
		i.metrics.BadSignature.Inc()
		return nil, domain.E(domain.CodeVerificationFailed, "webhook signature verification failed")
	}

	res := &Result{EventID: event.ID, Type: string(event.Type)}
	err = i.store.WithTx(ctx, func(tx store.Store) error {
		stored, err := tx.InsertStripeEvent(ctx, &domain.StripeEvent{
			ID:              event.ID,
			Type:            string(event.Type),
			ExternalCreated: time.Unix(event.Created, 0).UTC(),
			Payload:         json.RawMessage(payload),
		})
		if err != nil {
			return err
		}
		if !stored {
			return nil
		}
		res.Stored = true
		return outbox.Append(ctx, tx, outbox.Event{
			EventType:     domain.EventStripeReceived,
			AggregateType: "stripe_event",
			AggregateID:   event.ID,
			Version:       1,
			Queue:         domain.QueueCriticalPayments,
			Payload:       ReceivedPayload{ProviderEventID: event.ID, Type: string(event.Type)},
		})
	})
	if err != nil {
		return nil, err
	}
	if res.Stored {
		i.metrics.Ingested.Inc()
		i.logger.Printf("ingested %s (%s)", event.ID, event.Type)
	} else {
		i.metrics.Duplicates.Inc()
		i.logger.Printf("duplicate delivery of %s dropped", event.ID)
	}
	return res, nil
}

// Replay re-dispatches a stored provider event through the outbox. The normal
// path re-pends the original row; if retention purged it, a fresh row is
// appended under the same key.
func (i *Ingestor) Replay(ctx context.Context, eventID string) error {
	ev, err := i.store.GetStripeEvent(ctx, eventID)
	if err != nil {
		return err
	}
	key := domain.OutboxKey(domain.EventStripeReceived, ev.ID, 1)
	found, err := i.store.RequeueOutboxByKey(ctx, key)
	if err != nil {
		return err
	}
	if found {
		i.logger.Printf("replay: re-pended dispatch row for %s", ev.ID)
		return nil
	}
	err = i.store.WithTx(ctx, func(tx store.Store) error {
		return outbox.Append(ctx, tx, outbox.Event{
			EventType:     domain.EventStripeReceived,
			AggregateType: "stripe_event",
			AggregateID:   ev.ID,
			Version:       1,
			Queue:         domain.QueueCriticalPayments,
			Payload:       ReceivedPayload{ProviderEventID: ev.ID, Type: ev.Type},
		})
	})
	if err != nil {
		return err
	}
	i.logger.Printf("replay: appended fresh dispatch row for %s", ev.ID)
	return nil
}
