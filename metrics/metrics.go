package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	propagationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idsync",
			Subsystem: "propagation",
			Name:      "outcomes_total",
			Help:      "Per-resource propagation outcomes.",
		},
		[]string{"resource", "operation", "status"},
	)
	propagationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "idsync",
			Subsystem: "propagation",
			Name:      "duration_seconds",
			Help:      "Time spent propagating to a single resource.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"resource", "operation"},
	)
	pullRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idsync",
			Subsystem: "pull",
			Name:      "records_total",
			Help:      "Records processed by pull runs, by applied action.",
		},
		[]string{"resource", "action", "status"},
	)
	virtualCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idsync",
			Subsystem: "virattr",
			Name:      "cache_lookups_total",
			Help:      "Virtual attribute cache lookups.",
		},
		[]string{"result"},
	)
	taskExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idsync",
			Subsystem: "task",
			Name:      "executions_total",
			Help:      "Finished task executions.",
		},
		[]string{"type", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(propagationOutcomes, propagationDuration, pullRecords, virtualCache, taskExecutions)
	})
}

func RecordPropagation(resource, operation, status string, duration time.Duration) {
	RegisterMetrics()
	propagationOutcomes.WithLabelValues(resource, operation, status).Inc()
	propagationDuration.WithLabelValues(resource, operation).Observe(duration.Seconds())
}

func RecordPullRecord(resource, action, status string) {
	RegisterMetrics()
	pullRecords.WithLabelValues(resource, action, status).Inc()
}

func RecordVirtualCache(hit bool) {
	RegisterMetrics()
	result := "miss"
	if hit {
		result = "hit"
	}
	virtualCache.WithLabelValues(result).Inc()
}

func RecordTaskExecution(taskType, status string) {
	RegisterMetrics()
	taskExecutions.WithLabelValues(taskType, status).Inc()
}
