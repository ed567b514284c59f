package logging

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/lexd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger.Underlying())
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)

	cfg, err = FromSettings(config.LoggingConfig{Level: "trace"})
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)

	_, err = FromSettings(config.LoggingConfig{Level: "loud"})
	require.Error(t, err)
}

func TestLogger_ContextFields(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithUserID(ctx, "u-42")
	ctx = WithDocumentID(ctx, "doc-7")

	tl.Info(ctx, "document indexed", zap.Int("chunks", 3))

	tl.AssertLogged(t, zapcore.InfoLevel, "document indexed")
	tl.AssertField(t, "document indexed", "request_id", "req-1")
	tl.AssertField(t, "document indexed", "user_id", "u-42")
	tl.AssertField(t, "document indexed", "document_id", "doc-7")
}

func TestLogger_TraceCorrelation(t *testing.T) {
	tl := NewTestLogger()

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	tl.Warn(ctx, "slow provider")

	tl.AssertField(t, "slow provider", "trace_id", sc.TraceID().String())
	tl.AssertField(t, "slow provider", "span_id", sc.SpanID().String())
}

func TestLogger_Levels(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Trace(ctx, "t")
	tl.Debug(ctx, "d")
	tl.Info(ctx, "i")
	tl.Warn(ctx, "w")
	tl.Error(ctx, "e")

	levels := make([]zapcore.Level, 0, 5)
	for _, e := range tl.All() {
		levels = append(levels, e.Level)
	}
	assert.Equal(t, []zapcore.Level{TraceLevel, zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}, levels)
	tl.AssertNotLogged(t, zapcore.InfoLevel, "d")
}

func TestRedactingEncoder(t *testing.T) {
	enc, err := newRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(zapcore.Entry{Level: zapcore.InfoLevel, Time: time.Unix(0, 0), Message: "provider call"}, []zapcore.Field{
		zap.String("api_key", "abc"),
		zap.String("header", "Bearer xyz123"),
		zap.String("model", "gpt-4o-mini"),
	})
	require.NoError(t, err)

	out := buf.String()
	assert.NotContains(t, out, "abc")
	assert.NotContains(t, out, "xyz123")
	assert.Contains(t, out, "gpt-4o-mini")
}

func TestWrap_Nil(t *testing.T) {
	l := Wrap(nil)
	assert.NotPanics(t, func() { l.Info(context.Background(), "noop") })
}
