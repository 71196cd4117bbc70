// Package observability wires OpenTelemetry tracing for the daemon. Spans
// cover the coarse orchestration steps (scan, task execution, recovery);
// fine-grained metrics live in the Prometheus registry instead.
package observability

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	tracerOnce sync.Once
	shutdownFn func(context.Context) error
)

// InitTracingFromEnv configures the global tracer provider. MQI_OTEL_EXPORTER
// selects the exporter: "none" (default) installs a no-op provider, "stdout"
// pretty-prints spans for local debugging. MQI_OTEL_SAMPLER and
// MQI_OTEL_SAMPLER_RATIO tune sampling. The returned function flushes and
// stops the provider.
func InitTracingFromEnv(service string) (func(context.Context) error, error) {
	var initErr error
	tracerOnce.Do(func() {
		exporterName := strings.ToLower(strings.TrimSpace(os.Getenv("MQI_OTEL_EXPORTER")))
		if exporterName == "" || exporterName == "none" {
			otel.SetTracerProvider(noop.NewTracerProvider())
			shutdownFn = func(context.Context) error { return nil }
			return
		}

		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			initErr = err
			return
		}
		res, err := resource.New(context.Background(),
			resource.WithAttributes(
				semconv.ServiceNameKey.String(service),
			),
		)
		if err != nil {
			initErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithSampler(buildSamplerFromEnv()),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdownFn = tp.Shutdown
	})
	if shutdownFn == nil {
		shutdownFn = func(context.Context) error { return nil }
	}
	return shutdownFn, initErr
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	t := otel.Tracer("mqid")
	return t.Start(ctx, name, trace.WithAttributes(attrs...))
}

func buildSamplerFromEnv() sdktrace.Sampler {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv("MQI_OTEL_SAMPLER")))
	switch mode {
	case "always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case "traceidratio", "ratio":
		ratio := getenvFloat("MQI_OTEL_SAMPLER_RATIO", 1.0)
		if ratio < 0 {
			ratio = 0
		}
		if ratio > 1 {
			ratio = 1
		}
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	default:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
}

func getenvFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
