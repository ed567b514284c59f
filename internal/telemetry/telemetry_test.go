package telemetry

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/lexd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)

	degraded, _ := tel.Degraded()
	assert.False(t, degraded)
	assert.NotNil(t, tel.Tracer("lexd"))
	assert.NotNil(t, tel.Meter("lexd"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_EnabledWithoutEndpoint(t *testing.T) {
	_, err := New(context.Background(), config.TelemetryConfig{Enabled: true})
	require.Error(t, err)
}

func TestTestTelemetry_RecordsSpansAndMetrics(t *testing.T) {
	ctx := context.Background()
	tel := NewTestTelemetry()

	_, span := tel.Tracer("lexd/test").Start(ctx, "vectorstore.Search")
	span.End()

	counter, err := tel.Meter("lexd/test").Int64Counter("lexd.test.counter")
	require.NoError(t, err)
	counter.Add(ctx, 1)

	tel.AssertSpanExists(t, "vectorstore.Search")

	names, err := tel.MetricNames(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "lexd.test.counter")
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
