package generation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Calls counts provider calls by strategy and outcome.
	Calls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexd",
		Subsystem: "generation",
		Name:      "provider_calls_total",
		Help:      "Generation provider calls by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	// Fallbacks counts answers served by the fallback provider.
	Fallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexd",
		Subsystem: "generation",
		Name:      "fallbacks_total",
		Help:      "Answers served by the fallback provider after a capacity error.",
	}, []string{"primary", "fallback"})

	// Latency is the provider call duration.
	Latency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lexd",
		Subsystem: "generation",
		Name:      "provider_duration_seconds",
		Help:      "Generation provider call duration.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
	}, []string{"strategy"})

	// Tokens counts tokens by strategy and kind.
	Tokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexd",
		Subsystem: "generation",
		Name:      "tokens_total",
		Help:      "Tokens consumed by generation.",
	}, []string{"strategy", "kind"})
)
