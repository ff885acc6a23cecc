package payments

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for webhook ingest, effects, and the
// outbound money movers.
type Metrics struct {
	Ingested       prometheus.Counter
	Duplicates     prometheus.Counter
	BadSignature   prometheus.Counter
	Effects        *prometheus.CounterVec
	PayoutMismatch prometheus.Counter

	IntentsOpened   prometheus.Counter
	IntentsCanceled prometheus.Counter
	Transfers       prometheus.Counter
	RefundsIssued   prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics registers the collectors once; promauto panics on duplicate
// registration, so repeated calls return the same set.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			Ingested: promauto.NewCounter(prometheus.CounterOpts{
				Name: "payments_events_ingested_total",
				Help: "Provider events stored by the webhook ingestor",
			}),
			Duplicates: promauto.NewCounter(prometheus.CounterOpts{
				Name: "payments_events_duplicate_total",
				Help: "Provider event replays dropped by the at-most-once insert",
			}),
			BadSignature: promauto.NewCounter(prometheus.CounterOpts{
				Name: "payments_bad_signature_total",
				Help: "Webhook deliveries rejected at signature verification",
			}),
			Effects: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "payments_effects_applied_total",
					Help: "Downstream effects applied per kind",
				},
				[]string{"kind"},
			),
			PayoutMismatch: promauto.NewCounter(prometheus.CounterOpts{
				Name: "payments_payout_mismatch_total",
				Help: "Transfer amounts that did not match the escrow net",
			}),
			IntentsOpened: promauto.NewCounter(prometheus.CounterOpts{
				Name: "payments_intents_opened_total",
				Help: "Payment intents opened for pending escrows",
			}),
			IntentsCanceled: promauto.NewCounter(prometheus.CounterOpts{
				Name: "payments_intents_canceled_total",
				Help: "Payment intents canceled before capture",
			}),
			Transfers: promauto.NewCounter(prometheus.CounterOpts{
				Name: "payments_transfers_created_total",
				Help: "Worker payout transfers created at the processor",
			}),
			RefundsIssued: promauto.NewCounter(prometheus.CounterOpts{
				Name: "payments_refunds_issued_total",
				Help: "Refunds issued at the processor",
			}),
		}
	})
	return metrics
}
