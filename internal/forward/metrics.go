package forward

import "github.com/prometheus/client_golang/prometheus"

var (
	forwardedObjects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pacsedge",
			Subsystem: "forward",
			Name:      "sent_objects",
			Help:      "Objects delivered downstream",
		},
		[]string{"mode"},
	)
	forwardRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pacsedge",
			Subsystem: "forward",
			Name:      "retries",
			Help:      "Per-item delivery retries",
		},
		[]string{"mode"},
	)
	failedObjects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pacsedge",
			Subsystem: "forward",
			Name:      "failed_objects",
			Help:      "Objects that exhausted the retry budget",
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(forwardedObjects)
	prometheus.MustRegister(forwardRetries)
	prometheus.MustRegister(failedObjects)
}
