package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lookup result label values.
const (
	resultHit       = "hit"
	resultSharedHit = "shared_hit"
	resultMiss      = "miss"
	resultBypass    = "bypass"
)

// metrics holds the Prometheus collectors owned by a Cache.
type metrics struct {
	// lookups counts lookups by result: hit, shared_hit, miss or bypass.
	lookups *prometheus.CounterVec

	// flights counts computations started.
	flights prometheus.Counter

	// sharedResults counts callers that received a result computed by a
	// flight they did not start alone.
	sharedResults prometheus.Counter

	// sharedErrors counts shared tier failures by operation.
	sharedErrors *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragkit",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Retrieval cache lookups, partitioned by result.",
		}, []string{"result"}),

		flights: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ragkit",
			Subsystem: "cache",
			Name:      "flights_total",
			Help:      "Retrieval computations started by the cache.",
		}),

		sharedResults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ragkit",
			Subsystem: "cache",
			Name:      "shared_results_total",
			Help:      "Callers served by a computation shared with concurrent identical requests.",
		}),

		sharedErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragkit",
			Subsystem: "cache",
			Name:      "shared_tier_errors_total",
			Help:      "Shared cache tier failures, partitioned by operation.",
		}, []string{"op"}),
	}
}
