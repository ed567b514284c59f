package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	requestCtxKey  struct{}
	userCtxKey     struct{}
	documentCtxKey struct{}
	taskCtxKey     struct{}
)

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v := RequestIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("request_id", v))
	}
	if v := UserIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("user_id", v))
	}
	if v := DocumentIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("document_id", v))
	}
	if v := TaskIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("task_id", v))
	}
	return fields
}

// WithRequestID adds the HTTP request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// WithUserID adds the calling user to ctx.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userCtxKey{}, id)
}

// UserIDFromContext returns the calling user, or "".
func UserIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(userCtxKey{}).(string)
	return s
}

// WithDocumentID adds the document under processing to ctx.
func WithDocumentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, documentCtxKey{}, id)
}

// DocumentIDFromContext returns the document id, or "".
func DocumentIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(documentCtxKey{}).(string)
	return s
}

// WithTaskID adds the background task id to ctx.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, id)
}

// TaskIDFromContext returns the task id, or "".
func TaskIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(taskCtxKey{}).(string)
	return s
}
