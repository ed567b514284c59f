package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queries counts processed queries by intent and outcome.
	Queries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexd",
		Subsystem: "query",
		Name:      "requests_total",
		Help:      "Processed queries by intent and outcome.",
	}, []string{"intent", "outcome"})

	// Duration is the end-to-end query latency.
	Duration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lexd",
		Subsystem: "query",
		Name:      "duration_seconds",
		Help:      "End-to-end query processing time.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"intent"})
)
