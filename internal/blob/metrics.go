package blob

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Requested prometheus.Counter
	Completed prometheus.Counter
	Bytes     prometheus.Counter
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
			Requested: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "exports_requested_total",
					Help: "GDPR exports requested",
				},
			),
			Completed: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "exports_completed_total",
					Help: "GDPR export artifacts stored",
				},
			),
			Bytes: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "exports_bytes_total",
					Help: "Bytes written to the export bucket",
				},
			),
		}
	})
	return metrics
}
