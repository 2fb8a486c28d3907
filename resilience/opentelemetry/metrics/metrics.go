package metrics

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ErrNilMeter indicates that a nil meter was provided.
var ErrNilMeter = errors.New("metric meter cannot be nil")

// Metric describes an instrument.
type Metric struct {
	Name        string
	Description string
	Unit        string
	// Buckets applies to histograms only.
	Buckets []float64
}

// DefaultLatencyBuckets are millisecond boundaries for call latency histograms.
var DefaultLatencyBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// MetricsFactory lazily creates and caches instruments on a meter. Safe for
// concurrent use.
type MetricsFactory struct {
	meter      metric.Meter
	logger     log.Logger
	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	gauges     map[string]metric.Int64Gauge
	histograms map[string]metric.Int64Histogram
}

// NewMetricsFactory creates a factory bound to meter.
func NewMetricsFactory(meter metric.Meter, logger log.Logger) (*MetricsFactory, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}

	return newFactory(meter, log.OrNop(logger)), nil
}

// NewNopFactory returns a factory backed by the no-op meter.
func NewNopFactory() *MetricsFactory {
	return newFactory(noop.NewMeterProvider().Meter("nop"), log.NewNop())
}

func newFactory(meter metric.Meter, logger log.Logger) *MetricsFactory {
	return &MetricsFactory{
		meter:      meter,
		logger:     logger,
		counters:   make(map[string]metric.Int64Counter),
		gauges:     make(map[string]metric.Int64Gauge),
		histograms: make(map[string]metric.Int64Histogram),
	}
}

// Counter returns a builder over the cached counter named m.Name.
func (f *MetricsFactory) Counter(m Metric) (*CounterBuilder, error) {
	counter, err := getOrCreate(f, f.counters, m.Name, func() (metric.Int64Counter, error) {
		return f.meter.Int64Counter(m.Name, metric.WithDescription(m.Description), metric.WithUnit(m.Unit))
	})
	if err != nil {
		return nil, err
	}

	return &CounterBuilder{counter: counter}, nil
}

// Gauge returns a builder over the cached gauge named m.Name.
func (f *MetricsFactory) Gauge(m Metric) (*GaugeBuilder, error) {
	gauge, err := getOrCreate(f, f.gauges, m.Name, func() (metric.Int64Gauge, error) {
		return f.meter.Int64Gauge(m.Name, metric.WithDescription(m.Description), metric.WithUnit(m.Unit))
	})
	if err != nil {
		return nil, err
	}

	return &GaugeBuilder{gauge: gauge}, nil
}

// Histogram returns a builder over the cached histogram for m. Distinct
// bucket layouts produce distinct instruments.
func (f *MetricsFactory) Histogram(m Metric) (*HistogramBuilder, error) {
	if m.Buckets == nil {
		m.Buckets = DefaultLatencyBuckets
	}

	histogram, err := getOrCreate(f, f.histograms, histogramCacheKey(m.Name, m.Buckets), func() (metric.Int64Histogram, error) {
		return f.meter.Int64Histogram(m.Name,
			metric.WithDescription(m.Description),
			metric.WithUnit(m.Unit),
			metric.WithExplicitBucketBoundaries(m.Buckets...),
		)
	})
	if err != nil {
		return nil, err
	}

	return &HistogramBuilder{histogram: histogram}, nil
}

func getOrCreate[T any](f *MetricsFactory, cache map[string]T, key string, create func() (T, error)) (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if instrument, ok := cache[key]; ok {
		return instrument, nil
	}

	instrument, err := create()
	if err != nil {
		f.logger.Log(context.Background(), log.LevelError, "failed to create metric instrument",
			log.String("metric_name", key), log.Err(err))

		var zero T

		return zero, fmt.Errorf("create instrument %q: %w", key, err)
	}

	cache[key] = instrument

	return instrument, nil
}

func histogramCacheKey(name string, buckets []float64) string {
	if len(buckets) == 0 {
		return name
	}

	sorted := slices.Clone(buckets)
	slices.Sort(sorted)

	parts := make([]string, len(sorted))
	for i, b := range sorted {
		parts[i] = strconv.FormatFloat(b, 'g', -1, 64)
	}

	return name + ":" + strings.Join(parts, ",")
}
