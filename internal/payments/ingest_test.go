package payments

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/store"
)

const testSecret = "whsec_test"

func signedHeader(body []byte) string {
	ts := time.Now()
	sig := webhook.ComputeSignature(ts, body, testSecret)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(sig))
}

func eventBody(t *testing.T, id, typ string, obj map[string]interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"type":        typ,
		"data":        map[string]interface{}{"object": obj},
	})
	require.NoError(t, err)
	return body
}

func TestIngestIsAtMostOnce(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ing := NewIngestor(m, testSecret)

	body := eventBody(t, "evt_1", "payment_intent.succeeded", map[string]interface{}{
		"id": "pi_1", "object": "payment_intent", "amount": 2000,
	})

	res, err := ing.Ingest(ctx, body, signedHeader(body))
	require.NoError(t, err)
	assert.True(t, res.Stored)
	assert.Equal(t, "evt_1", res.EventID)

	row, err := m.GetStripeEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "payment_intent.succeeded", row.Type)

	// Provider redelivery: success, nothing written, outbox unchanged.
	res, err = ing.Ingest(ctx, body, signedHeader(body))
	require.NoError(t, err)
	assert.False(t, res.Stored)

	pending, err := m.SelectPendingOutbox(ctx, 100)
	require.NoError(t, err)
	dispatches := 0
	for _, ev := range pending {
		if ev.EventType == domain.EventStripeReceived {
			dispatches++
			assert.Equal(t, "stripe.event_received:evt_1:1", ev.IdempotencyKey)
			assert.Equal(t, domain.QueueCriticalPayments, ev.Queue)
		}
	}
	assert.Equal(t, 1, dispatches)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ing := NewIngestor(m, testSecret)

	body := eventBody(t, "evt_2", "payment_intent.succeeded", map[string]interface{}{
		"id": "pi_2", "object": "payment_intent",
	})

	_, err := ing.Ingest(ctx, body, "t=1,v1=deadbeef")
	assert.True(t, domain.IsCode(err, domain.CodeVerificationFailed))

	_, err = m.GetStripeEvent(ctx, "evt_2")
	assert.True(t, domain.IsCode(err, domain.CodeNotFound))
}

func TestReplayRequeuesDispatchRow(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	ing := NewIngestor(m, testSecret)

	body := eventBody(t, "evt_3", "charge.refunded", map[string]interface{}{
		"id": "ch_3", "object": "charge",
	})
	_, err := ing.Ingest(ctx, body, signedHeader(body))
	require.NoError(t, err)

	pending, err := m.SelectPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, m.MarkOutboxEnqueued(ctx, []string{pending[0].ID}))
	require.NoError(t, m.MarkOutboxProcessed(ctx, pending[0].ID))

	require.NoError(t, ing.Replay(ctx, "evt_3"))

	pending, err = m.SelectPendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.EventStripeReceived, pending[0].EventType)

	err = ing.Replay(ctx, "evt_unknown")
	assert.True(t, domain.IsCode(err, domain.CodeNotFound))
}
