package metrics

import (
	"context"
	"errors"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrNilCounter is returned when a counter builder has no instrument.
	ErrNilCounter = errors.New("counter instrument is nil")
	// ErrNilGauge is returned when a gauge builder has no instrument.
	ErrNilGauge = errors.New("gauge instrument is nil")
	// ErrNilHistogram is returned when a histogram builder has no instrument.
	ErrNilHistogram = errors.New("histogram instrument is nil")
)

// labelSet accumulates attributes immutably; every With* call copies.
type labelSet []attribute.KeyValue

func (s labelSet) withLabels(labels map[string]string) labelSet {
	out := make(labelSet, 0, len(s)+len(labels))
	out = append(out, s...)

	for _, key := range slices.Sorted(maps.Keys(labels)) {
		out = append(out, attribute.String(key, labels[key]))
	}

	return out
}

func (s labelSet) withAttributes(attrs ...attribute.KeyValue) labelSet {
	out := make(labelSet, 0, len(s)+len(attrs))
	out = append(out, s...)

	return append(out, attrs...)
}

// CounterBuilder records increments with a fixed label set.
type CounterBuilder struct {
	counter metric.Int64Counter
	attrs   labelSet
}

// WithLabels returns a copy carrying labels.
func (c *CounterBuilder) WithLabels(labels map[string]string) *CounterBuilder {
	return &CounterBuilder{counter: c.counter, attrs: c.attrs.withLabels(labels)}
}

// WithAttributes returns a copy carrying attrs.
func (c *CounterBuilder) WithAttributes(attrs ...attribute.KeyValue) *CounterBuilder {
	return &CounterBuilder{counter: c.counter, attrs: c.attrs.withAttributes(attrs...)}
}

// Add records value.
func (c *CounterBuilder) Add(ctx context.Context, value int64) error {
	if c == nil || c.counter == nil {
		return ErrNilCounter
	}

	c.counter.Add(ctx, value, metric.WithAttributes(c.attrs...))

	return nil
}

// AddOne increments by one.
func (c *CounterBuilder) AddOne(ctx context.Context) error {
	return c.Add(ctx, 1)
}

// GaugeBuilder records instantaneous values such as queue depth.
type GaugeBuilder struct {
	gauge metric.Int64Gauge
	attrs labelSet
}

// WithLabels returns a copy carrying labels.
func (g *GaugeBuilder) WithLabels(labels map[string]string) *GaugeBuilder {
	return &GaugeBuilder{gauge: g.gauge, attrs: g.attrs.withLabels(labels)}
}

// WithAttributes returns a copy carrying attrs.
func (g *GaugeBuilder) WithAttributes(attrs ...attribute.KeyValue) *GaugeBuilder {
	return &GaugeBuilder{gauge: g.gauge, attrs: g.attrs.withAttributes(attrs...)}
}

// Set records value.
func (g *GaugeBuilder) Set(ctx context.Context, value int64) error {
	if g == nil || g.gauge == nil {
		return ErrNilGauge
	}

	g.gauge.Record(ctx, value, metric.WithAttributes(g.attrs...))

	return nil
}

// HistogramBuilder records distributions such as delivery latency.
type HistogramBuilder struct {
	histogram metric.Int64Histogram
	attrs     labelSet
}

// WithLabels returns a copy carrying labels.
func (h *HistogramBuilder) WithLabels(labels map[string]string) *HistogramBuilder {
	return &HistogramBuilder{histogram: h.histogram, attrs: h.attrs.withLabels(labels)}
}

// WithAttributes returns a copy carrying attrs.
func (h *HistogramBuilder) WithAttributes(attrs ...attribute.KeyValue) *HistogramBuilder {
	return &HistogramBuilder{histogram: h.histogram, attrs: h.attrs.withAttributes(attrs...)}
}

// Record records value.
func (h *HistogramBuilder) Record(ctx context.Context, value int64) error {
	if h == nil || h.histogram == nil {
		return ErrNilHistogram
	}

	h.histogram.Record(ctx, value, metric.WithAttributes(h.attrs...))

	return nil
}
