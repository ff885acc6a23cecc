package correction

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the correction engine.
type Metrics struct {
	Applies       *prometheus.CounterVec
	Reversals     prometheus.Counter
	Expirations   prometheus.Counter
	Verdicts      *prometheus.CounterVec
	SafeMode      prometheus.Gauge
	SafeModeTrips prometheus.Counter
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
			Applies: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "correction_applies_total",
					Help: "Correction apply attempts by outcome",
				},
				[]string{"outcome"},
			),
			Reversals: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "correction_reversals_total",
					Help: "Manual correction reversals",
				},
			),
			Expirations: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "correction_expirations_total",
					Help: "Corrections auto-reversed at expiry",
				},
			),
			Verdicts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "correction_verdicts_total",
					Help: "Causal-impact verdicts rendered",
				},
				[]string{"verdict"},
			),
			SafeMode: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "correction_safe_mode",
					Help: "1 while correction safe-mode is on",
				},
			),
			SafeModeTrips: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "correction_safe_mode_trips_total",
					Help: "Times the analyzer tripped safe-mode",
				},
			),
		}
	})
	return metrics
}

func (m *Metrics) RecordApply(outcome string) {
	m.Applies.WithLabelValues(outcome).Inc()
}
