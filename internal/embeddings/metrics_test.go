package embeddings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := newMetrics(mp.Meter(instrumentationName), nil)

	ctx := context.Background()
	m.Record(ctx, "e5", "embed_batch", 120*time.Millisecond, 10, nil)
	m.Record(ctx, "e5", "embed", 20*time.Millisecond, 1, &EmbeddingError{Kind: KindDimensionMismatch})
	m.Record(ctx, "e5", "embed", 20*time.Millisecond, 1, errors.New("boom"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	found := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = md.Data
		}
	}
	require.Contains(t, found, "lexd.embedding.duration_seconds")
	require.Contains(t, found, "lexd.embedding.batch_size")
	require.Contains(t, found, "lexd.embedding.errors_total")

	sum, ok := found["lexd.embedding.errors_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() { m.Record(context.Background(), "m", "op", time.Second, 1, nil) })
}
