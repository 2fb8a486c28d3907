//go:build unit

package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry/metrics"
	libZap "github.com/abrkgrbz/Stocker-sub077/resilience/zap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type capturingReporter struct {
	mu   sync.Mutex
	tags []map[string]string
	errs []error
}

func (r *capturingReporter) CaptureException(_ context.Context, err error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tags)
}

func TestPanicPolicyString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "keep_running", KeepRunning.String())
	assert.Equal(t, "crash_process", CrashProcess.String())
	assert.Equal(t, "unknown", PanicPolicy(9).String())
}

func TestSafeGoRecoversAndLogs(t *testing.T) {
	t.Parallel()

	core, observed := observer.New(zapcore.DebugLevel)
	logger := libZap.NewWithCore(core)

	done := make(chan struct{})

	SafeGoWithContextAndComponent(context.Background(), logger, "outbox", "dispatcher", KeepRunning,
		func(context.Context) {
			defer close(done)
			panic("boom")
		})

	<-done

	require.Eventually(t, func() bool { return observed.FilterMessage("panic recovered").Len() == 1 }, time.Second, 5*time.Millisecond)

	entry := observed.FilterMessage("panic recovered").All()[0]
	assert.Equal(t, "outbox", entry.ContextMap()["component"])
	assert.Equal(t, "dispatcher", entry.ContextMap()["goroutine_name"])
	assert.Equal(t, "boom", entry.ContextMap()["panic_value"])
}

func TestRecoverAndLogWithContextContinues(t *testing.T) {
	t.Parallel()

	core, observed := observer.New(zapcore.DebugLevel)
	logger := libZap.NewWithCore(core)

	require.NotPanics(t, func() {
		defer RecoverAndLogWithContext(context.Background(), logger, "webhook", "deliver")
		panic("nope")
	})

	assert.Equal(t, 1, observed.Len())
}

func TestRecoverWithPolicyCrashRepanics(t *testing.T) {
	t.Parallel()

	assert.PanicsWithValue(t, "fatal", func() {
		defer recoverWithPolicy(context.Background(), nil, "x", "y", CrashProcess)
		panic("fatal")
	})
}

//nolint:paralleltest
func TestHandlePanicValueReportsAndCounts(t *testing.T) {
	reporter := &capturingReporter{}
	SetErrorReporter(reporter)
	t.Cleanup(func() { SetErrorReporter(nil) })

	reader := sdkmetric.NewManualReader()
	factory, err := metrics.NewMetricsFactory(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("t"), nil)
	require.NoError(t, err)

	ResetPanicMetrics()
	InitPanicMetrics(factory, nil)
	t.Cleanup(ResetPanicMetrics)

	HandlePanicValue(context.Background(), nil, "kaboom", "retryqueue", "worker")

	require.Len(t, reporter.errs, 1)
	assert.Contains(t, reporter.errs[0].Error(), "kaboom")
	assert.Equal(t, "retryqueue", reporter.tags[0]["component"])
	assert.NotEmpty(t, reporter.tags[0]["stack"])

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.NotEmpty(t, rm.ScopeMetrics)

	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)
}

//nolint:paralleltest
func TestProductionModeRedactsReport(t *testing.T) {
	reporter := &capturingReporter{}
	SetErrorReporter(reporter)
	SetProductionMode(true)

	t.Cleanup(func() {
		SetErrorReporter(nil)
		SetProductionMode(false)
	})

	HandlePanicValue(context.Background(), nil, "card=4111", "webhook", "deliver")

	require.Len(t, reporter.errs, 1)
	assert.Equal(t, redactedPanicMsg, reporter.errs[0].Error())
	assert.NotContains(t, reporter.tags[0], "stack")
}

//nolint:paralleltest
func TestInitPanicMetricsIgnoresNil(t *testing.T) {
	ResetPanicMetrics()
	InitPanicMetrics(nil, nil)

	assert.Nil(t, GetPanicMetrics())
	assert.NotPanics(t, func() { recordPanicMetric(context.Background(), "a", "b") })
}
