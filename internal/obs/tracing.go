package obs

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TracingConfig controls tracer provider initialisation.
type TracingConfig struct {
	ServiceName   string
	Endpoint      string
	Exporter      string
	SamplingRatio float64
	Environment   string
}

// InitTracer installs the global tracer provider and returns its shutdown
// function. Exporter "none" keeps in-process spans without exporting them,
// which still gives request logs a trace id.
func InitTracer(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	var opts []sdktrace.TracerProviderOption
	switch exporter := strings.ToLower(strings.TrimSpace(cfg.Exporter)); exporter {
	case "", "otlp":
		var exporterOpts []otlptracehttp.Option
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			exporterOpts = append(exporterOpts, otlptracehttp.WithEndpointURL(endpoint))
		}
		spanExporter, err := otlptracehttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(spanExporter))
	case "none":
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", exporter)
	}

	ratio := cfg.SamplingRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	)
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}
