//go:build unit

package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestGetOrCreateReturnsSameBreaker(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(log.NewNop())

	first, err := registry.GetOrCreate("Carrier", Config{FailureThreshold: 2})
	require.NoError(t, err)

	second, err := registry.GetOrCreate("Carrier", Config{FailureThreshold: 9})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, uint32(2), second.Config().FailureThreshold)
}

func TestGetOrCreateRejectsEmptyName(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(nil).GetOrCreate("  ", DefaultConfig())
	require.ErrorIs(t, err, ErrEmptyName)
	assert.Equal(t, faults.KindConfiguration, faults.Classify(err))
}

func TestRegistryUnknownBreaker(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(log.NewNop())

	_, err := registry.Execute(context.Background(), "missing", succeeding)
	require.ErrorIs(t, err, ErrBreakerNotFound)
	require.ErrorIs(t, registry.RecordSuccess("missing"), ErrBreakerNotFound)
	require.ErrorIs(t, registry.RecordFailure("missing"), ErrBreakerNotFound)
	assert.Equal(t, StateUnknown, registry.State("missing"))
	assert.False(t, registry.IsHealthy("missing"))
}

func TestRegistryExecuteAndRecord(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(log.NewNop())
	_, err := registry.GetOrCreate("Carrier", Config{FailureThreshold: 2, OpenDuration: time.Minute})
	require.NoError(t, err)

	result, err := registry.Execute(context.Background(), "Carrier", succeeding)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	require.NoError(t, registry.RecordFailure("Carrier"))
	require.NoError(t, registry.RecordFailure("Carrier"))
	assert.Equal(t, StateOpen, registry.State("Carrier"))

	_, err = registry.Execute(context.Background(), "Carrier", succeeding)
	assert.ErrorIs(t, err, faults.ErrCircuitOpen)
}

func TestGetAllReturnsDetachedSnapshots(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(log.NewNop())

	for _, name := range []string{"PaymentGateway", "Carrier", "TaxService"} {
		_, err := registry.GetOrCreate(name, Config{FailureThreshold: 1, OpenDuration: time.Minute})
		require.NoError(t, err)
	}

	require.NoError(t, registry.RecordFailure("Carrier"))

	all := registry.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, StateOpen, all["Carrier"].State)
	assert.Equal(t, uint32(1), all["Carrier"].FailureCount)
	assert.Equal(t, StateClosed, all["PaymentGateway"].State)

	delete(all, "Carrier")
	snap := all["PaymentGateway"]
	snap.State = StateOpen
	all["PaymentGateway"] = snap

	again := registry.GetAll()
	require.Len(t, again, 3)
	assert.Equal(t, StateClosed, again["PaymentGateway"].State)
}

func TestConcurrentGetOrCreate(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(log.NewNop())

	var wg sync.WaitGroup

	breakers := make([]*Breaker, 32)

	for i := range breakers {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			b, err := registry.GetOrCreate("Shared", DefaultConfig())
			assert.NoError(t, err)

			breakers[i] = b
		}(i)
	}

	wg.Wait()

	for _, b := range breakers {
		assert.Same(t, breakers[0], b)
	}
}

func TestStateChangeListenerIsNotified(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(log.NewNop())
	registry.RegisterStateChangeListener(nil)

	type transition struct {
		name     string
		from, to State
	}

	events := make(chan transition, 8)
	registry.RegisterStateChangeListener(StateChangeFunc(func(_ context.Context, name string, from, to State) {
		events <- transition{name: name, from: from, to: to}
	}))

	breaker, err := registry.GetOrCreate("PaymentGateway", Config{FailureThreshold: 1, OpenDuration: time.Minute})
	require.NoError(t, err)

	_, _ = breaker.Execute(context.Background(), failing)

	select {
	case got := <-events:
		assert.Equal(t, transition{name: "PaymentGateway", from: StateClosed, to: StateOpen}, got)
	case <-time.After(time.Second):
		t.Fatal("listener was not notified")
	}
}

func TestPanickingListenerDoesNotBreakBreaker(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(log.NewNop())
	registry.RegisterStateChangeListener(StateChangeFunc(func(context.Context, string, State, State) {
		panic("listener failure")
	}))

	breaker, err := registry.GetOrCreate("PaymentGateway", Config{FailureThreshold: 1, OpenDuration: time.Minute})
	require.NoError(t, err)

	_, err = breaker.Execute(context.Background(), failing)
	require.ErrorIs(t, err, errDependency)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateOpen, breaker.State())
}

func newTestMetricsFactory(t *testing.T) (*metrics.MetricsFactory, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	factory, err := metrics.NewMetricsFactory(provider.Meter("test-circuitbreaker"), log.NewNop())
	require.NoError(t, err)

	return factory, reader
}

func sumCounter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)

			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}

	return total
}

func TestMetricsRecordTransitionsAndRejections(t *testing.T) {
	t.Parallel()

	factory, reader := newTestMetricsFactory(t)
	registry := NewRegistry(log.NewNop(), WithMetrics(factory))

	breaker, err := registry.GetOrCreate("PaymentGateway", Config{FailureThreshold: 1, OpenDuration: time.Minute})
	require.NoError(t, err)

	_, _ = breaker.Execute(context.Background(), func(context.Context) (any, error) {
		return nil, errors.New("down")
	})

	for range 3 {
		_, _ = breaker.Execute(context.Background(), succeeding)
	}

	assert.Equal(t, int64(1), sumCounter(t, reader, metrics.MetricBreakerTransitions.Name))
	assert.Equal(t, int64(3), sumCounter(t, reader, metrics.MetricBreakerRejections.Name))
}
