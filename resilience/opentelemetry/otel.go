package opentelemetry

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNilTelemetryConfig indicates that a nil config was provided.
	ErrNilTelemetryConfig = errors.New("telemetry config cannot be nil")
	// ErrNilTelemetryLogger indicates that config.Logger is nil.
	ErrNilTelemetryLogger = errors.New("telemetry config logger cannot be nil")
)

// TelemetryConfig configures tracing and metrics.
type TelemetryConfig struct {
	LibraryName               string
	ServiceName               string
	ServiceVersion            string
	DeploymentEnv             string
	CollectorExporterEndpoint string
	EnableTelemetry           bool
	Logger                    log.Logger
}

// Telemetry bundles the providers built from a TelemetryConfig.
//
// Metrics are always exported through a Prometheus registry so the health
// server can serve /metrics; traces go to the OTLP collector when enabled.
type Telemetry struct {
	TelemetryConfig
	TracerProvider *sdktrace.TracerProvider
	MetricProvider *sdkmetric.MeterProvider
	MetricsFactory *metrics.MetricsFactory
	Registry       *prometheus.Registry
	shutdown       func(ctx context.Context) error
}

func (tl *TelemetryConfig) newResource() *sdkresource.Resource {
	return sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(tl.ServiceName),
		semconv.ServiceVersion(tl.ServiceVersion),
		semconv.DeploymentEnvironmentName(tl.DeploymentEnv),
		semconv.TelemetrySDKLanguageGo,
	)
}

// NewTelemetry builds providers and installs them as the otel globals.
func NewTelemetry(cfg *TelemetryConfig) (*Telemetry, error) {
	if cfg == nil {
		return nil, ErrNilTelemetryConfig
	}

	if cfg.Logger == nil {
		return nil, ErrNilTelemetryLogger
	}

	ctx := context.Background()
	logger := cfg.Logger
	res := cfg.newResource()

	registry := prometheus.NewRegistry()

	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("can't initialize prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(promExporter))

	factory, err := metrics.NewMetricsFactory(mp.Meter(cfg.LibraryName), logger)
	if err != nil {
		return nil, err
	}

	tl := &Telemetry{
		TelemetryConfig: *cfg,
		MetricProvider:  mp,
		MetricsFactory:  factory,
		Registry:        registry,
	}

	if !cfg.EnableTelemetry {
		logger.Log(ctx, log.LevelWarn, "trace export disabled")

		tl.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		tl.shutdown = func(ctx context.Context) error {
			return errors.Join(tl.TracerProvider.Shutdown(ctx), mp.Shutdown(ctx))
		}

		otel.SetMeterProvider(mp)

		return tl, nil
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.CollectorExporterEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("can't initialize tracer exporter: %w", err)
	}

	tl.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter), sdktrace.WithResource(res))
	tl.shutdown = func(ctx context.Context) error {
		return errors.Join(
			mp.Shutdown(ctx),
			tl.TracerProvider.Shutdown(ctx),
			traceExporter.Shutdown(ctx),
		)
	}

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tl.TracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.Log(ctx, log.LevelInfo, "telemetry initialized", log.String("collector", cfg.CollectorExporterEndpoint))

	return tl, nil
}

// Tracer returns a tracer from this telemetry's provider.
//
//nolint:ireturn
func (tl *Telemetry) Tracer() trace.Tracer {
	if tl == nil || tl.TracerProvider == nil {
		return otel.Tracer("resilience")
	}

	return tl.TracerProvider.Tracer(tl.LibraryName)
}

// Shutdown flushes and stops every provider.
func (tl *Telemetry) Shutdown(ctx context.Context) error {
	if tl == nil || tl.shutdown == nil {
		return nil
	}

	return tl.shutdown(ctx)
}

// HandleSpanError marks span as failed and records err.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}

// HandleSpanEvent adds a named event to span.
func HandleSpanEvent(span trace.Span, eventName string, attributes ...attribute.KeyValue) {
	if span == nil {
		return
	}

	span.AddEvent(eventName, trace.WithAttributes(attributes...))
}

// InjectQueueTraceContext renders the W3C trace context of ctx as headers.
func InjectQueueTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	return carrier
}

// PrepareQueueHeaders returns a copy of baseHeaders with trace context added.
func PrepareQueueHeaders(ctx context.Context, baseHeaders map[string]any) map[string]any {
	headers := make(map[string]any, len(baseHeaders)+2)
	maps.Copy(headers, baseHeaders)

	for k, v := range InjectQueueTraceContext(ctx) {
		headers[k] = v
	}

	return headers
}

// ExtractTraceContextFromQueueHeaders restores a trace context carried in
// message headers. Non-string values are ignored.
func ExtractTraceContextFromQueueHeaders(baseCtx context.Context, headers map[string]any) context.Context {
	if len(headers) == 0 {
		return baseCtx
	}

	carrier := propagation.MapCarrier{}

	for k, v := range headers {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}

	return otel.GetTextMapPropagator().Extract(baseCtx, carrier)
}
