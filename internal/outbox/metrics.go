package outbox

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the outbox pipeline.
type Metrics struct {
	Dispatched      *prometheus.CounterVec
	Processed       *prometheus.CounterVec
	Failed          *prometheus.CounterVec
	Requeued        prometheus.Counter
	HandlerDuration *prometheus.HistogramVec
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
			Dispatched: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "outbox_dispatched_total",
					Help: "Outbox rows handed to queue workers",
				},
				[]string{"queue"},
			),
			Processed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "outbox_processed_total",
					Help: "Outbox rows successfully processed",
				},
				[]string{"queue", "event_type"},
			),
			Failed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "outbox_failed_total",
					Help: "Handler failures by disposition",
				},
				[]string{"queue", "disposition"}, // disposition: retry, poison
			),
			Requeued: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "outbox_requeued_total",
					Help: "Stale enqueued rows re-pended after a crash",
				},
			),
			HandlerDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "outbox_handler_duration_seconds",
					Help:    "Handler execution time",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"queue"},
			),
		}
	})
	return metrics
}
