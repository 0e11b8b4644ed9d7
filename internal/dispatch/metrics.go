package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	// calls counts finished calls by tool, status and error kind.
	calls *prometheus.CounterVec

	// duration observes end-to-end call latency per tool.
	duration *prometheus.HistogramVec

	// inFlight is the number of calls holding a dispatch slot.
	inFlight prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragkit",
			Subsystem: "dispatch",
			Name:      "calls_total",
			Help:      "Tool calls, partitioned by tool, status and error kind.",
		}, []string{"tool", "status", "kind"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragkit",
			Subsystem: "dispatch",
			Name:      "call_duration_seconds",
			Help:      "End-to-end tool call latency.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"tool"}),

		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ragkit",
			Subsystem: "dispatch",
			Name:      "in_flight_calls",
			Help:      "Tool calls currently executing.",
		}),
	}
}
