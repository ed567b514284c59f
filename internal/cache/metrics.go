package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Errors counts backend and codec failures that were turned into misses.
	// Labels: kind (embedding, results), op (get, set, encode, decode)
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lexd",
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Retrieval cache errors by kind and operation",
		},
		[]string{"kind", "op"},
	)

	// Lookups counts cache lookups.
	// Labels: kind, result (hit, miss)
	Lookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lexd",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Retrieval cache lookups by kind and result",
		},
		[]string{"kind", "result"},
	)
)
