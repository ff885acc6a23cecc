package trust

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sidegig/backend/internal/domain"
)

// Metrics holds all Prometheus metrics for the trust ledger.
type Metrics struct {
	Entries         *prometheus.CounterVec
	Promotions      prometheus.Counter
	Demotions       prometheus.Counter
	ArchiveFailures prometheus.Counter
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
			Entries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "trust_entries_total",
					Help: "Trust ledger rows written by reason code",
				},
				[]string{"reason"},
			),
			Promotions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "trust_promotions_total",
				Help: "Ledger rows that moved a tier up",
			}),
			Demotions: promauto.NewCounter(prometheus.CounterOpts{
				Name: "trust_demotions_total",
				Help: "Ledger rows that moved a tier down",
			}),
			ArchiveFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "trust_archive_failures_total",
				Help: "Spanner mirror writes that failed (ledger row still committed)",
			}),
		}
	})
	return metrics
}

func (m *Metrics) RecordEntry(e *domain.TrustEntry) {
	m.Entries.WithLabelValues(e.ReasonCode).Inc()
	switch {
	case e.NewTier > e.OldTier:
		m.Promotions.Inc()
	case e.NewTier < e.OldTier:
		m.Demotions.Inc()
	}
}
