package monitoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var traceLogs = NewStreams("[trace] ")

// TracingConfig governs how tracing is initialised.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	SampleRatio float64
}

// InitTracing installs the global tracer provider. Finished spans are
// written to the trace stream. It returns a shutdown function that flushes
// pending spans.
func InitTracing(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "steering"
	}
	if cfg.SampleRatio <= 0 || cfg.SampleRatio > 1 {
		cfg.SampleRatio = 1
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(LogExporter{}),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	traceLogs.Diagf("tracing enabled: service=%s ratio=%.2f", cfg.ServiceName, cfg.SampleRatio)
	return tp.Shutdown, nil
}

// ShutdownWithTimeout calls shutdown with a bounded timeout and logs any
// failure.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		traceLogs.Opsf("tracing shutdown failed: %v", err)
	}
}

// LogExporter writes one trace-stream line per finished span.
type LogExporter struct{}

func (LogExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		traceLogs.Tracef("%s", FormatSpan(s))
	}
	return nil
}

func (LogExporter) Shutdown(context.Context) error { return nil }

// FormatSpan renders a span as "name 1.2ms key=value ... [status]".
func FormatSpan(s sdktrace.ReadOnlySpan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", s.Name(), s.EndTime().Sub(s.StartTime()))
	for _, kv := range s.Attributes() {
		fmt.Fprintf(&b, " %s=%s", kv.Key, kv.Value.Emit())
	}
	if st := s.Status(); st.Description != "" {
		fmt.Fprintf(&b, " [%s: %s]", st.Code, st.Description)
	}
	return b.String()
}
