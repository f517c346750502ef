// Package metrics holds the Prometheus collectors for generation and storage.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pagegen"
)

var (
	// Vendor calls
	GenerationCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "calls_total",
			Help:      "Total number of vendor generation calls",
		},
		[]string{"capability", "outcome"},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "call_duration_seconds",
			Help:      "Vendor generation call duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"capability"},
	)

	// Batches
	BatchPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "pages_total",
			Help:      "Total number of batch pages by final outcome",
		},
		[]string{"outcome"},
	)

	BatchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "retries_total",
			Help:      "Total number of page retries",
		},
	)

	BatchInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "inflight_calls",
			Help:      "Vendor calls currently in flight across all batches",
		},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "duration_seconds",
			Help:      "Batch duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// Stores
	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Total number of store writes",
		},
		[]string{"store", "backend", "outcome"},
	)

	BackendSwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "backend_switches_total",
			Help:      "Total number of backend switch attempts",
		},
		[]string{"target", "outcome"},
	)
)

// Outcome returns "success" or "error".
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
