package heatmap

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	hmUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthscore",
		Subsystem: "heatmap",
		Name:      "updates_total",
		Help:      "Risk updates by result.",
	}, []string{"result"}) // "ok", "invalid", "partial_failure"

	hmFanoutFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthscore",
		Subsystem: "heatmap",
		Name:      "fanout_failures_total",
		Help:      "Per-resolution bucket writes that failed during a risk update.",
	}, []string{"resolution"})

	hmQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthscore",
		Subsystem: "heatmap",
		Name:      "queries_total",
		Help:      "Health queries by operation and result.",
	}, []string{"operation", "result"}) // result: "ok", "invalid", "error"

	hmNoData = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthscore",
		Subsystem: "heatmap",
		Name:      "no_data_readings_total",
		Help:      "Readings returned with NO_DATA status, by operation.",
	}, []string{"operation"})

	hmStoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "healthscore",
		Subsystem: "heatmap",
		Name:      "store_latency_seconds",
		Help:      "Risk store call latency by backend and operation.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}, []string{"backend", "operation"})

	hmStoreRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthscore",
		Subsystem: "heatmap",
		Name:      "store_rejected_total",
		Help:      "Store calls rejected by an open circuit breaker.",
	}, []string{"backend", "operation"})
)

func init() {
	prometheus.MustRegister(
		hmUpdates,
		hmFanoutFailures,
		hmQueries,
		hmNoData,
		hmStoreLatency,
		hmStoreRejected,
	)
}

func queryResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsValidation(err):
		return "invalid"
	default:
		return "error"
	}
}
