package receive

import "github.com/prometheus/client_golang/prometheus"

var (
	storedObjects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pacsedge",
			Subsystem: "receive",
			Name:      "stored_objects",
			Help:      "Objects durably written to the staging area",
		},
	)
	rejectedObjects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pacsedge",
			Subsystem: "receive",
			Name:      "rejected_objects",
			Help:      "Objects refused with the out-of-resources status",
		},
		[]string{"reason"},
	)
	unmatchedResults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pacsedge",
			Subsystem: "receive",
			Name:      "unmatched_results",
			Help:      "AI results without a pending worker send to correlate",
		},
	)
)

func init() {
	prometheus.MustRegister(storedObjects)
	prometheus.MustRegister(rejectedObjects)
	prometheus.MustRegister(unmatchedResults)
}
