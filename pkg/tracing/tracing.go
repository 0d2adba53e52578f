package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "videorelay"

// Span attributes shared by the relay, its admin surface and the HTTP layer.
var (
	StreamIndexKey  = attribute.Key("relay.stream.index")
	ChannelIndexKey = attribute.Key("relay.channel.index")
	TeamKey         = attribute.Key("relay.filter.team")
	TypeKey         = attribute.Key("relay.filter.type")
	ModeKey         = attribute.Key("relay.mode")
	AffectedKey     = attribute.Key("relay.affected")
	StreamCountKey  = attribute.Key("relay.streams")
	DurationKey     = attribute.Key("duration_ms")
)

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "videorelay",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// TracerProvider owns the exporter pipeline installed by Init. The zero
// value is what a disabled configuration gets.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Init installs a Jaeger-backed global tracer provider. With tracing
// disabled the global no-op provider stays in place and spans cost nothing.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter for %s: %w", cfg.JaegerURL, err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	// Long-lived viewer spans keep their parent's sampling decision.
	sampler := tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp == nil {
		return nil
	}
	return tp.tp.Shutdown(ctx)
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceHTTPRequest opens a server span named after the matched route, so
// every viewer of /stream/:index lands under one span name.
func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

// TraceRelayOperation traces an admin operation applied to the streams
// matching a team/type filter.
func TraceRelayOperation(ctx context.Context, operation, team, streamType string) (context.Context, trace.Span) {
	return StartSpan(ctx, "relay."+operation,
		trace.WithAttributes(
			TeamKey.String(team),
			TypeKey.String(streamType),
		),
	)
}

// TraceStreamOperation traces an operation on a single stream.
func TraceStreamOperation(ctx context.Context, operation string, index int) (context.Context, trace.Span) {
	return StartSpan(ctx, "relay."+operation, trace.WithAttributes(StreamIndexKey.Int(index)))
}

// TraceStatusPush traces one status document pushed on a status feed.
func TraceStatusPush(ctx context.Context, streams int) (context.Context, trace.Span) {
	return StartSpan(ctx, "status.push",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(StreamCountKey.Int(streams)),
	)
}

// MeasureDuration records the elapsed time since start on the span in ctx.
func MeasureDuration(ctx context.Context, start time.Time) {
	AddSpanAttributes(ctx, DurationKey.Int64(time.Since(start).Milliseconds()))
}
