package xp

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sidegig/backend/internal/domain"
)

// Metrics holds all Prometheus metrics for XP awards.
type Metrics struct {
	Awards    prometheus.Counter
	Points    prometheus.Counter
	DecayHits prometheus.Counter
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
			Awards: promauto.NewCounter(prometheus.CounterOpts{
				Name: "xp_awards_total",
				Help: "XP ledger rows written",
			}),
			Points: promauto.NewCounter(prometheus.CounterOpts{
				Name: "xp_points_total",
				Help: "Effective XP granted across all awards",
			}),
			DecayHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "xp_decayed_awards_total",
				Help: "Awards written at the reduced same-day decay factor",
			}),
		}
	})
	return metrics
}

func (m *Metrics) RecordAward(e *domain.XPEntry) {
	m.Awards.Inc()
	m.Points.Add(float64(e.EffectiveXP))
	if e.DecayFactor < 1.0 {
		m.DecayHits.Inc()
	}
}
