package maintenance

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts sweep runs and what each sweep touched.
type Metrics struct {
	Runs  prometheus.Counter
	Swept *prometheus.CounterVec
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
			Runs: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "maintenance_sweep_runs_total",
					Help: "Completed maintenance sweep passes",
				},
			),
			Swept: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "maintenance_swept_total",
					Help: "Rows touched per sweep kind",
				},
				[]string{"kind"},
			),
		}
	})
	return metrics
}
