package workflows

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/lexd/internal/workflows"

var (
	ingestionExecutions metric.Int64Counter
	ingestionDuration   metric.Float64Histogram
	activityErrors      metric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	ingestionExecutions, err = meter.Int64Counter(
		"lexd.workflows.ingestion.executions",
		metric.WithDescription("Ingestion workflow executions by outcome"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create ingestion execution counter: %v", err))
	}

	ingestionDuration, err = meter.Float64Histogram(
		"lexd.workflows.ingestion.duration",
		metric.WithDescription("Wall time from workflow start to result"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create ingestion duration: %v", err))
	}

	activityErrors, err = meter.Int64Counter(
		"lexd.workflows.activity.errors",
		metric.WithDescription("Ingestion activity failures, terminal or retryable"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity error counter: %v", err))
	}
}

func init() {
	initMetrics()
}
