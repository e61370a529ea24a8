// Package telemetry wires OpenTelemetry tracing spans around dispatch,
// stream aggregation, and process execution, plus Prometheus gauges and
// counters for /metrics, grounded on the teacher's
// internal/domain/agent/react/tracing.go span-attribute convention.
package telemetry

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceScope = "relaycore"

	SpanDispatch  = "relaycore.task.dispatch"
	SpanStream    = "relaycore.task.stream"
	SpanExecute   = "relaycore.process.execute"
	AttrTaskID    = "relaycore.task_id"
	AttrWorkerID  = "relaycore.worker_id"
	AttrEventType = "relaycore.event_type"
)

// InitTracing configures the global TracerProvider. When
// OTEL_EXPORTER_OTLP_ENDPOINT is set it exports via OTLP/HTTP; otherwise
// it falls back to a stdout exporter so local runs still produce visible
// spans.
func InitTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter
	var err error
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		exporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint))
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resourceFor(serviceName)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartSpan starts a span scoped to the relaycore tracer, tagging the
// task and worker ids when present.
func StartSpan(ctx context.Context, name, taskID, workerID string, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs := make([]attribute.KeyValue, 0, len(extra)+2)
	if taskID != "" {
		attrs = append(attrs, attribute.String(AttrTaskID, taskID))
	}
	if workerID != "" {
		attrs = append(attrs, attribute.String(AttrWorkerID, workerID))
	}
	attrs = append(attrs, extra...)
	return otel.Tracer(traceScope).Start(ctx, name, trace.WithAttributes(attrs...))
}

// MarkSpanResult records err on the span and sets its status, following
// the teacher's markSpanResult convention.
func MarkSpanResult(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
