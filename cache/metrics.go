package cache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric label set and collectors, grounded on the teacher's
// datastore/postgres query-timing pattern: a counter vector split by
// outcome, plus a duration histogram.
var (
	resultLabels = []string{"backend", "result"}

	lookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pyenvd",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Content cache lookups, partitioned by backend and result (hit, miss, expired, error).",
	}, resultLabels)

	evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pyenvd",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Content cache entries evicted to stay under the configured size limit.",
	}, []string{"backend"})

	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pyenvd",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Content cache operation duration, partitioned by backend and operation.",
	}, []string{"backend", "op"})
)

func observe(backend, op string, start time.Time) {
	opDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

func recordLookup(backend, result string) {
	lookups.WithLabelValues(backend, result).Inc()
}

func recordEviction(backend string, n int) {
	if n <= 0 {
		return
	}
	evictions.WithLabelValues(backend).Add(float64(n))
}
