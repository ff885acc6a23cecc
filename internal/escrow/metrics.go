package escrow

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sidegig/backend/internal/domain"
)

// Metrics holds all Prometheus metrics for escrow settlement.
type Metrics struct {
	Transitions *prometheus.CounterVec
	RevenueRows *prometheus.CounterVec
	Resolutions *prometheus.CounterVec
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
			Transitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "escrow_transitions_total",
					Help: "Escrow state transitions by target state",
				},
				[]string{"to"},
			),
			RevenueRows: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "escrow_revenue_rows_total",
					Help: "Revenue ledger rows written",
				},
				[]string{"event_type"},
			),
			Resolutions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "escrow_dispute_actions_total",
					Help: "Dispute resolution actions applied by the settlement worker",
				},
				[]string{"action"},
			),
		}
	})
	return metrics
}

func (m *Metrics) RecordTransition(to domain.EscrowState) {
	m.Transitions.WithLabelValues(string(to)).Inc()
}

func (m *Metrics) RecordRevenue(t domain.RevenueEventType) {
	m.RevenueRows.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) RecordResolution(action domain.DisputeOutcome) {
	m.Resolutions.WithLabelValues(string(action)).Inc()
}
