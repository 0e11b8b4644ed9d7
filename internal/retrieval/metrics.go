package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Search attempt outcome label values.
const (
	outcomeOK          = "ok"
	outcomeUnavailable = "unavailable"
	outcomeTimeout     = "timeout"
	outcomeError       = "error"
)

type metrics struct {
	// searchAttempts counts backend calls by outcome.
	searchAttempts *prometheus.CounterVec

	searchDuration prometheus.Histogram

	// rerankFallbacks counts retrievals that kept backend scores because
	// reranking failed or was unavailable.
	rerankFallbacks prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		searchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragkit",
			Subsystem: "retrieval",
			Name:      "search_attempts_total",
			Help:      "Search backend calls, partitioned by outcome.",
		}, []string{"outcome"}),

		searchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ragkit",
			Subsystem: "retrieval",
			Name:      "search_duration_seconds",
			Help:      "Duration of a single search backend call.",
			Buckets:   prometheus.DefBuckets,
		}),

		rerankFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ragkit",
			Subsystem: "retrieval",
			Name:      "rerank_fallbacks_total",
			Help:      "Retrievals that kept backend scores after a rerank failure.",
		}),
	}
}
