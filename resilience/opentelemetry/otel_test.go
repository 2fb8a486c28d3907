//go:build unit

package opentelemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

var metricsProbe = metrics.Metric{Name: "telemetry_probe", Description: "probe"}

func TestNewTelemetryValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := NewTelemetry(nil)
	assert.ErrorIs(t, err, ErrNilTelemetryConfig)

	_, err = NewTelemetry(&TelemetryConfig{})
	assert.ErrorIs(t, err, ErrNilTelemetryLogger)
}

func TestNewTelemetryDisabledStillExposesMetrics(t *testing.T) {
	t.Parallel()

	tl, err := NewTelemetry(&TelemetryConfig{
		LibraryName: "resilience-test",
		ServiceName: "svc",
		Logger:      log.NewNop(),
	})
	require.NoError(t, err)
	require.NotNil(t, tl.MetricsFactory)
	require.NotNil(t, tl.Registry)
	require.NotNil(t, tl.Tracer())

	counter, err := tl.MetricsFactory.Counter(metricsProbe)
	require.NoError(t, err)
	require.NoError(t, counter.AddOne(context.Background()))

	families, err := tl.Registry.Gather()
	require.NoError(t, err)

	found := false
	for _, family := range families {
		if family.GetName() == "telemetry_probe_total" {
			found = true
		}
	}

	assert.True(t, found)
	assert.NoError(t, tl.Shutdown(context.Background()))
}

func TestShutdownOnNilTelemetry(t *testing.T) {
	t.Parallel()

	var tl *Telemetry
	assert.NoError(t, tl.Shutdown(context.Background()))
}

func TestHandleSpanError(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := provider.Tracer("test").Start(context.Background(), "op")
	HandleSpanError(span, "publish failed", errors.New("nack"))
	HandleSpanEvent(span, "retry.scheduled")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "publish failed: nack", ended[0].Status().Description)
	assert.Len(t, ended[0].Events(), 2)

	assert.NotPanics(t, func() { HandleSpanError(nil, "x", errors.New("y")) })
	assert.NotPanics(t, func() { HandleSpanEvent(nil, "x") })
}

//nolint:paralleltest
func TestQueueHeadersRoundTrip(t *testing.T) {
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(previous) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := PrepareQueueHeaders(ctx, map[string]any{"event_type": "stock.adjusted"})
	assert.Equal(t, "stock.adjusted", headers["event_type"])
	assert.Contains(t, headers, "traceparent")

	restored := trace.SpanContextFromContext(ExtractTraceContextFromQueueHeaders(context.Background(), headers))
	assert.Equal(t, traceID, restored.TraceID())

	assert.Equal(t, context.Background(), ExtractTraceContextFromQueueHeaders(context.Background(), nil))
}
