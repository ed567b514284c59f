package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts store operations.
	// Labels: backend, op, result (success, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lexd",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Total vector store operations by backend, operation and result",
		},
		[]string{"backend", "op", "result"},
	)

	// OperationDuration tracks store latency.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lexd",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// ChunksIndexed counts chunks written.
	ChunksIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lexd",
			Subsystem: "vectorstore",
			Name:      "chunks_indexed_total",
			Help:      "Total chunks written to the vector index",
		},
		[]string{"backend"},
	)
)

// observe records the outcome of one operation started at start.
func observe(backend, op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(backend, op, result).Inc()
	OperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
