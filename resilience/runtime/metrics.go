package runtime

import (
	"context"
	"sync"

	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry/metrics"
)

// PanicMetrics counts recovered panics.
type PanicMetrics struct {
	factory *metrics.MetricsFactory
	logger  log.Logger
}

var (
	panicMetricsInstance *PanicMetrics
	panicMetricsMu       sync.RWMutex
)

// InitPanicMetrics installs the panic counter once telemetry is up.
// Subsequent calls are no-ops until ResetPanicMetrics.
func InitPanicMetrics(factory *metrics.MetricsFactory, logger log.Logger) {
	panicMetricsMu.Lock()
	defer panicMetricsMu.Unlock()

	if factory == nil || panicMetricsInstance != nil {
		return
	}

	panicMetricsInstance = &PanicMetrics{factory: factory, logger: log.OrNop(logger)}
}

// GetPanicMetrics returns the installed instance or nil.
func GetPanicMetrics() *PanicMetrics {
	panicMetricsMu.RLock()
	defer panicMetricsMu.RUnlock()

	return panicMetricsInstance
}

// ResetPanicMetrics clears the instance. Tests only.
func ResetPanicMetrics() {
	panicMetricsMu.Lock()
	defer panicMetricsMu.Unlock()

	panicMetricsInstance = nil
}

// RecordPanicRecovered increments the counter for component and goroutine.
func (pm *PanicMetrics) RecordPanicRecovered(ctx context.Context, component, name string) {
	if pm == nil || pm.factory == nil {
		return
	}

	counter, err := pm.factory.Counter(metrics.MetricPanicRecovered)
	if err != nil {
		pm.logger.Log(ctx, log.LevelWarn, "failed to create panic metric counter", log.Err(err))
		return
	}

	err = counter.WithLabels(map[string]string{
		"component":      metrics.SanitizeLabel(component),
		"goroutine_name": metrics.SanitizeLabel(name),
	}).AddOne(ctx)
	if err != nil {
		pm.logger.Log(ctx, log.LevelWarn, "failed to record panic metric", log.Err(err))
	}
}

func recordPanicMetric(ctx context.Context, component, name string) {
	GetPanicMetrics().RecordPanicRecovered(ctx, component, name)
}
