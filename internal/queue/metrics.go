package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var queuedItems = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "pacsedge",
		Subsystem: "queue",
		Name:      "items",
		Help:      "Number of queue records per state",
	},
	[]string{"state"},
)

func init() {
	prometheus.MustRegister(queuedItems)
}

// refreshGauge re-reads the per-state counts after a mutation. Metric
// staleness is not worth failing the mutation over, errors are dropped.
func (s *Store) refreshGauge() {
	counts, err := s.Counts()
	if err != nil {
		return
	}
	for _, state := range []string{StateQueued, StateForwarding, StateSent, StateFailed} {
		queuedItems.WithLabelValues(state).Set(float64(counts[state]))
	}
}
