package logger

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	viewerKey
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithViewer stores the authenticated viewer subject.
func WithViewer(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, viewerKey, subject)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ContextLogger tags log lines with what the request context knows about
// the caller.
type ContextLogger struct {
	base *zap.Logger
}

func NewContextLogger(base *zap.Logger) *ContextLogger {
	return &ContextLogger{base: base}
}

// For returns the base logger with the trace id, request id and viewer
// found in ctx.
func (cl *ContextLogger) For(ctx context.Context) *zap.Logger {
	fields := make([]zapcore.Field, 0, 3)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	if id := RequestID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if viewer, _ := ctx.Value(viewerKey).(string); viewer != "" {
		fields = append(fields, zap.String("viewer", viewer))
	}
	if len(fields) == 0 {
		return cl.base
	}
	return cl.base.With(fields...)
}

// Request describes a finished HTTP request. For a relayed viewer Duration
// is how long they watched and Bytes how much video they got.
type Request struct {
	Method   string
	Route    string
	Path     string
	Status   int
	Bytes    int
	Duration time.Duration
}

// LogRequest logs r at a level picked from its status: server errors at
// error, client errors at warn, everything else at info.
func (cl *ContextLogger) LogRequest(ctx context.Context, r Request) {
	level := zapcore.InfoLevel
	switch {
	case r.Status >= 500:
		level = zapcore.ErrorLevel
	case r.Status >= 400:
		level = zapcore.WarnLevel
	}
	if ce := cl.For(ctx).Check(level, "http_request"); ce != nil {
		ce.Write(
			zap.String("method", r.Method),
			zap.String("route", r.Route),
			zap.String("path", r.Path),
			zap.Int("status_code", r.Status),
			zap.Int("bytes", r.Bytes),
			zap.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}
}
