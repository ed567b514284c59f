package credits

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Settlements counts settlement outcomes.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexd",
		Subsystem: "credits",
		Name:      "settlements_total",
		Help:      "Query settlements by outcome.",
	}, []string{"outcome"})

	// Charged is the total number of credits deducted.
	Charged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lexd",
		Subsystem: "credits",
		Name:      "charged_total",
		Help:      "Credits deducted from user balances.",
	})
)
