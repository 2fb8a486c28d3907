package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/chaos"
	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry/metrics"
	"github.com/abrkgrbz/Stocker-sub077/resilience/runtime"
	"github.com/sony/gobreaker"
)

var (
	// ErrCallTimeout is wrapped when a guarded call outlives its timeout.
	ErrCallTimeout = errors.New("circuitbreaker: call timed out")
	// ErrCallPanicked is wrapped when a guarded call panics on the timeout path.
	ErrCallPanicked = errors.New("circuitbreaker: call panicked")
)

// Breaker guards one dependency. Its state is owned by the embedded
// gobreaker instance and is only changed through Execute, RecordSuccess and
// RecordFailure.
type Breaker struct {
	name     string
	cfg      Config
	cb       *gobreaker.TwoStepCircuitBreaker
	logger   log.Logger
	factory  *metrics.MetricsFactory
	injector *chaos.Injector
	notify   func(name string, from, to State)

	// tripFailures holds the failure count that last opened the breaker.
	tripFailures atomic.Uint32

	mu                sync.Mutex
	lastStateChangeAt time.Time
}

func newBreaker(name string, cfg Config, logger log.Logger, factory *metrics.MetricsFactory,
	injector *chaos.Injector, notify func(name string, from, to State),
) *Breaker {
	cfg = cfg.normalize()

	b := &Breaker{
		name:              name,
		cfg:               cfg,
		logger:            logger,
		factory:           factory,
		injector:          injector,
		notify:            notify,
		lastStateChangeAt: time.Now(),
	}

	threshold := cfg.FailureThreshold
	windowed := cfg.Interval > 0

	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failures := counts.ConsecutiveFailures
			if windowed {
				failures = counts.TotalFailures
			}

			if failures < threshold {
				return false
			}

			b.tripFailures.Store(failures)

			return true
		},
		// Runs under gobreaker's lock: must not call back into b.cb.
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.onStateChange(from, to)
		},
	})

	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Config returns the normalized configuration.
func (b *Breaker) Config() Config { return b.cfg }

// State returns the current state. An Open breaker whose OpenDuration has
// elapsed reports HalfOpen.
func (b *Breaker) State() State {
	return convertGobreakerState(b.cb.State())
}

// Snapshot copies the breaker's observable state.
func (b *Breaker) Snapshot() Snapshot {
	state := b.State()
	counts := b.cb.Counts()

	b.mu.Lock()
	changedAt := b.lastStateChangeAt
	b.mu.Unlock()

	snap := Snapshot{
		Name:              b.name,
		State:             state,
		SuccessCount:      counts.TotalSuccesses,
		FailureThreshold:  b.cfg.FailureThreshold,
		OpenDuration:      b.cfg.OpenDuration,
		LastStateChangeAt: changedAt,
	}

	switch state {
	case StateClosed:
		snap.FailureCount = counts.ConsecutiveFailures
		if b.cfg.Interval > 0 {
			snap.FailureCount = counts.TotalFailures
		}
	case StateHalfOpen:
		snap.FailureCount = b.tripFailures.Load()
		snap.ProbeInFlight = counts.Requests > counts.TotalSuccesses+counts.TotalFailures
	default:
		snap.FailureCount = b.tripFailures.Load()
	}

	return snap
}

// Execute runs fn if the breaker admits it and records the outcome. A
// rejected call returns a faults.KindCircuitOpen error without invoking fn.
// While HalfOpen, only one call is admitted and it runs under ProbeTimeout.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	done, err := b.cb.Allow()
	if err != nil {
		b.recordRejection(ctx, err)

		return nil, faults.CircuitOpen(b.name, err)
	}

	timeout := b.cfg.CallTimeout
	if b.cb.State() == gobreaker.StateHalfOpen {
		timeout = b.cfg.ProbeTimeout
	}

	call := func(ctx context.Context) (any, error) {
		if err := b.injector.Inject(ctx, chaos.TargetBreakerCall+":"+b.name); err != nil {
			return nil, err
		}

		return fn(ctx)
	}

	if timeout <= 0 {
		return b.invokeInline(ctx, done, call)
	}

	result, callErr := b.invokeWithTimeout(ctx, timeout, call)
	done(b.cfg.IsSuccessful(callErr))

	return result, callErr
}

func (b *Breaker) invokeInline(ctx context.Context, done func(bool), fn func(ctx context.Context) (any, error)) (any, error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			done(false)
			panic(recovered)
		}
	}()

	result, err := fn(ctx)
	done(b.cfg.IsSuccessful(err))

	return result, err
}

type callOutcome struct {
	value any
	err   error
}

// invokeWithTimeout returns when fn returns or the timeout fires. A call that
// ignores its context keeps running in the background after the timeout, but
// the breaker no longer waits for it.
func (b *Breaker) invokeWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (any, error)) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome := make(chan callOutcome, 1)

	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				runtime.HandlePanicValue(callCtx, b.logger, recovered, "circuitbreaker", b.name)
				outcome <- callOutcome{err: faults.Transient(b.name, ErrCallPanicked)}
			}
		}()

		value, err := fn(callCtx)
		outcome <- callOutcome{value: value, err: err}
	}()

	select {
	case o := <-outcome:
		return o.value, o.err
	case <-callCtx.Done():
		return nil, faults.Transient(b.name, fmt.Errorf("%w after %s: %w", ErrCallTimeout, timeout, callCtx.Err()))
	}
}

// RecordSuccess reports a success observed outside Execute. It is a no-op
// when the breaker would reject a call.
func (b *Breaker) RecordSuccess() {
	if done, err := b.cb.Allow(); err == nil {
		done(true)
	}
}

// RecordFailure reports a failure observed outside Execute. It is a no-op
// when the breaker would reject a call.
func (b *Breaker) RecordFailure() {
	if done, err := b.cb.Allow(); err == nil {
		done(false)
	}
}

func (b *Breaker) onStateChange(from, to gobreaker.State) {
	b.mu.Lock()
	b.lastStateChangeAt = time.Now()
	b.mu.Unlock()

	switch {
	case to == gobreaker.StateClosed:
		b.tripFailures.Store(0)
	case from == gobreaker.StateHalfOpen && to == gobreaker.StateOpen:
		b.tripFailures.Add(1)
	}

	if b.notify != nil {
		b.notify(b.name, convertGobreakerState(from), convertGobreakerState(to))
	}
}

func (b *Breaker) recordRejection(ctx context.Context, cause error) {
	reason := "open"
	if errors.Is(cause, gobreaker.ErrTooManyRequests) {
		reason = "probe_in_flight"
	}

	b.logger.Log(ctx, log.LevelDebug, "circuit breaker rejected call",
		log.String("breaker", b.name), log.String("reason", reason))

	if b.factory == nil {
		return
	}

	counter, err := b.factory.Counter(metrics.MetricBreakerRejections)
	if err != nil {
		return
	}

	_ = counter.WithLabels(map[string]string{
		"breaker": metrics.SanitizeLabel(b.name),
		"reason":  reason,
	}).AddOne(ctx)
}

// Call runs fn through b and returns its typed result.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	result, err := b.Execute(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}

	typed, ok := result.(T)
	if !ok {
		return zero, nil
	}

	return typed, nil
}
