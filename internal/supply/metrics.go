package supply

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sidegig/backend/internal/domain"
)

// Metrics holds all Prometheus metrics for the supply engine.
type Metrics struct {
	Gate           *prometheus.CounterVec
	Invites        prometheus.Counter
	AutoExpansions prometheus.Counter
	ZoneWeight     *prometheus.GaugeVec
	ZoneLiquidity  *prometheus.GaugeVec
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
			Gate: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "supply_gate_outcomes_total",
					Help: "Admission gate outcomes (ADMITTED, WAITLISTED, or rejection code)",
				},
				[]string{"outcome"},
			),
			Invites: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "supply_waitlist_invites_total",
					Help: "Waitlist invites issued",
				},
			),
			AutoExpansions: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "supply_auto_expansions_total",
					Help: "Temporary capacity expansions granted",
				},
			),
			ZoneWeight: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "supply_zone_weight",
					Help: "Current admitted weight per (expertise, zone)",
				},
				[]string{"expertise", "zone"},
			),
			ZoneLiquidity: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "supply_zone_liquidity_ratio",
					Help: "Completed tasks over effective weight per (expertise, zone)",
				},
				[]string{"expertise", "zone"},
			),
		}
	})
	return metrics
}

func (m *Metrics) RecordGate(outcome string) {
	m.Gate.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveZone(expertiseID, zoneID string, zc *domain.ZoneCapacity) {
	m.ZoneWeight.WithLabelValues(expertiseID, zoneID).Set(zc.CurrentWeight)
	m.ZoneLiquidity.WithLabelValues(expertiseID, zoneID).Set(zc.LiquidityRatio)
}
