package dispute

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sidegig/backend/internal/domain"
)

// Metrics holds all Prometheus metrics for disputes.
type Metrics struct {
	Created   prometheus.Counter
	Resolved  *prometheus.CounterVec
	Escalated prometheus.Counter
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
			Created: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "dispute_created_total",
					Help: "Disputes opened",
				},
			),
			Resolved: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dispute_resolved_total",
					Help: "Disputes resolved by outcome",
				},
				[]string{"outcome"},
			),
			Escalated: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "dispute_escalated_total",
					Help: "Disputes escalated to senior review",
				},
			),
		}
	})
	return metrics
}

func (m *Metrics) RecordResolved(outcome domain.DisputeOutcome) {
	m.Resolved.WithLabelValues(string(outcome)).Inc()
}
