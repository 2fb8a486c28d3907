//go:build unit

package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProberValidation(t *testing.T) {
	t.Parallel()

	_, err := NewProber(nil, time.Second, log.NewNop())
	assert.ErrorIs(t, err, ErrNilRegistry)

	_, err = NewProber(NewRegistry(nil), 0, log.NewNop())
	assert.ErrorIs(t, err, ErrInvalidProbeInterval)

	_, err = NewProber(NewRegistry(nil), -time.Second, log.NewNop())
	assert.ErrorIs(t, err, ErrInvalidProbeInterval)
}

func TestProberClosesRecoveredBreaker(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(log.NewNop())
	breaker, err := registry.GetOrCreate("Carrier", Config{FailureThreshold: 1, OpenDuration: 50 * time.Millisecond})
	require.NoError(t, err)

	prober, err := NewProber(registry, time.Hour, log.NewNop())
	require.NoError(t, err)

	var checks atomic.Int32

	prober.Register("Carrier", func(context.Context) error {
		checks.Add(1)
		return nil
	})
	prober.Register("Ignored", nil)

	assert.Zero(t, prober.ProbeOnce(context.Background()), "closed breakers are not probed")
	assert.Zero(t, checks.Load())

	trip(t, breaker, 1)
	assert.Zero(t, prober.ProbeOnce(context.Background()), "breakers inside open duration are skipped")

	require.Eventually(t, func() bool {
		return prober.ProbeOnce(context.Background()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), checks.Load())
	assert.Equal(t, map[string]State{"Carrier": StateClosed}, prober.Status())
}

func TestProberFailedCheckReopens(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(log.NewNop())
	breaker, err := registry.GetOrCreate("Carrier", Config{FailureThreshold: 1, OpenDuration: 20 * time.Millisecond})
	require.NoError(t, err)

	prober, err := NewProber(registry, time.Hour, log.NewNop())
	require.NoError(t, err)

	prober.Register("Carrier", func(context.Context) error { return errors.New("still down") })

	trip(t, breaker, 1)

	require.Eventually(t, func() bool {
		return breaker.State() == StateHalfOpen
	}, time.Second, 5*time.Millisecond)

	assert.Zero(t, prober.ProbeOnce(context.Background()))
	assert.Equal(t, StateOpen, breaker.State())
}

func TestProberRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	prober, err := NewProber(NewRegistry(log.NewNop()), 5*time.Millisecond, log.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- prober.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("prober did not stop")
	}
}
