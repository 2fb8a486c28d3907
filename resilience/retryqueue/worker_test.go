//go:build unit

package retryqueue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/abrkgrbz/Stocker-sub077/resilience/backoff"
	"github.com/abrkgrbz/Stocker-sub077/resilience/chaos"
	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type recordingLocker struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (l *recordingLocker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()

	if l.err != nil {
		return l.err
	}

	return fn(ctx)
}

var errUpstream = errors.New("upstream unavailable")

type harness struct {
	store  *MemoryStore
	queue  *Queue
	worker *Worker
	clock  *fakeClock
	ctx    context.Context
}

func newHarness(t *testing.T, maxAttempts int, workerCfg WorkerConfig, opts ...WorkerOption) *harness {
	t.Helper()

	clock := newFakeClock()
	store := NewMemoryStore()

	queue, err := New(store, Config{
		MaxAttempts: maxAttempts,
		Backoff:     backoff.Policy{Base: time.Second, Max: time.Minute, JitterFraction: 0},
	}, WithClock(clock.Now))
	require.NoError(t, err)

	worker, err := NewWorker(queue, workerCfg, opts...)
	require.NoError(t, err)

	return &harness{
		store:  store,
		queue:  queue,
		worker: worker,
		clock:  clock,
		ctx:    tenant.ContextWithID(context.Background(), "tenant-a"),
	}
}

func (h *harness) get(t *testing.T, entry *Entry) *Entry {
	t.Helper()

	got, err := h.queue.Get(h.ctx, entry.ID)
	require.NoError(t, err)

	return got
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, DefaultConfig())
	require.ErrorIs(t, err, ErrStoreRequired)

	h := newHarness(t, 3, WorkerConfig{})

	_, err = h.queue.Enqueue(context.Background(), "inventory.sync", nil, errUpstream)
	require.ErrorIs(t, err, faults.ErrConfiguration)

	_, err = h.queue.Enqueue(h.ctx, "  ", nil, errUpstream)
	require.ErrorIs(t, err, ErrOperationKeyRequired)

	entry, err := h.queue.Enqueue(h.ctx, "inventory.sync", []byte(`{"sku":"A-1"}`), errUpstream, WithMaxAttempts(7))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, entry.Status)
	assert.Zero(t, entry.AttemptCount)
	assert.Equal(t, 7, entry.MaxAttempts)
	assert.Equal(t, "tenant-a", entry.TenantID)
	assert.Equal(t, errUpstream.Error(), entry.LastError)
}

func TestEnqueuePermanentCauseDeadLetters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, WorkerConfig{})

	var calls atomic.Int32

	require.NoError(t, h.worker.Register("inventory.sync", func(context.Context, *Entry) error {
		calls.Add(1)

		return nil
	}))

	entry, err := h.queue.Enqueue(h.ctx, "inventory.sync", nil, faults.Permanent("inventory.sync", errors.New("unknown warehouse")))
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLettered, entry.Status)
	assert.Zero(t, entry.AttemptCount)

	stats, err := h.queue.GetStats(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEnqueued)
	assert.Equal(t, int64(1), stats.DeadLettered)
	assert.Zero(t, stats.Pending)

	result := h.worker.ProcessOnce(h.ctx)
	assert.Zero(t, result.Claimed)
	assert.Zero(t, calls.Load())

	dead, err := h.queue.ListDeadLettered(h.ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, entry.ID, dead[0].ID)
}

func TestStoredErrorsAreSanitized(t *testing.T) {
	t.Parallel()

	t.Run("enqueue_cause_is_redacted", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, 3, WorkerConfig{})

		entry, err := h.queue.Enqueue(h.ctx, "op", nil, errors.New("dial: password=hunter2"))
		require.NoError(t, err)
		assert.NotContains(t, entry.LastError, "hunter2")
		assert.Contains(t, entry.LastError, "[REDACTED]")
	})

	t.Run("handler_error_stays_valid_utf8", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, 3, WorkerConfig{})

		require.NoError(t, h.worker.Register("op", func(context.Context, *Entry) error {
			return errors.New(strings.Repeat("a", 2047) + "ş secret=hunter2")
		}))

		entry, err := h.queue.Enqueue(h.ctx, "op", nil, nil)
		require.NoError(t, err)

		result := h.worker.ProcessOnce(h.ctx)
		require.Equal(t, 1, result.Rescheduled)

		got := h.get(t, entry)
		assert.True(t, utf8.ValidString(got.LastError))
		assert.NotContains(t, got.LastError, "hunter2")
		assert.LessOrEqual(t, utf8.RuneCountInString(got.LastError), 512)
	})
}

func TestDeadLettersAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, WorkerConfig{})

	var calls atomic.Int32

	require.NoError(t, h.worker.Register("payment.capture", func(context.Context, *Entry) error {
		calls.Add(1)

		return faults.Transient("PaymentGateway", errUpstream)
	}))

	entry, err := h.queue.Enqueue(h.ctx, "payment.capture", []byte("order-42"), errUpstream)
	require.NoError(t, err)

	before, err := h.queue.GetStats(h.ctx)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		result := h.worker.ProcessOnce(h.ctx)
		assert.Equal(t, 1, result.Rescheduled, "attempt %d", attempt)

		got := h.get(t, entry)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, attempt, got.AttemptCount)

		h.clock.Advance(time.Hour)
	}

	result := h.worker.ProcessOnce(h.ctx)
	assert.Equal(t, 1, result.DeadLettered)

	got := h.get(t, entry)
	assert.Equal(t, StatusDeadLettered, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	assert.LessOrEqual(t, got.AttemptCount, got.MaxAttempts)

	after, err := h.queue.GetStats(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, before.DeadLettered+1, after.DeadLettered)
	assert.Equal(t, before.TotalEnqueued, after.TotalEnqueued)
	assert.Zero(t, after.Pending)

	h.clock.Advance(24 * time.Hour)
	result = h.worker.ProcessOnce(h.ctx)
	assert.Zero(t, result.Claimed, "dead-lettered entries are never retried")
	assert.Equal(t, int32(3), calls.Load())
}

func TestRescheduleDelaysNeverShrink(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 6, WorkerConfig{})

	require.NoError(t, h.worker.Register("op", func(context.Context, *Entry) error { return errUpstream }))

	entry, err := h.queue.Enqueue(h.ctx, "op", nil, nil)
	require.NoError(t, err)

	var previous time.Duration

	for range 5 {
		now := h.clock.Now()
		h.worker.ProcessOnce(h.ctx)

		got := h.get(t, entry)
		delay := got.NextAttemptAt.Sub(now)
		assert.GreaterOrEqual(t, delay, previous)

		previous = delay
		h.clock.Advance(time.Hour)
	}
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5, WorkerConfig{})

	require.NoError(t, h.worker.Register("op", func(context.Context, *Entry) error {
		return faults.Permanent("op", errors.New("sku does not exist"))
	}))

	entry, err := h.queue.Enqueue(h.ctx, "op", nil, nil)
	require.NoError(t, err)

	result := h.worker.ProcessOnce(h.ctx)
	assert.Equal(t, 1, result.DeadLettered)

	got := h.get(t, entry)
	assert.Equal(t, StatusDeadLettered, got.Status)
	assert.Zero(t, got.AttemptCount, "permanent failures consume no attempts")
	assert.Contains(t, got.LastError, "sku does not exist")
}

func TestCircuitOpenDoesNotSpendAttempts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, WorkerConfig{})

	require.NoError(t, h.worker.Register("op", func(context.Context, *Entry) error {
		return faults.CircuitOpen("PaymentGateway", errors.New("open"))
	}))

	entry, err := h.queue.Enqueue(h.ctx, "op", nil, nil)
	require.NoError(t, err)

	for range 4 {
		h.worker.ProcessOnce(h.ctx)
		h.clock.Advance(time.Hour)
	}

	got := h.get(t, entry)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.AttemptCount)
}

func TestMissingHandlerIsPostponed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, WorkerConfig{})

	entry, err := h.queue.Enqueue(h.ctx, "unregistered", nil, nil)
	require.NoError(t, err)

	result := h.worker.ProcessOnce(h.ctx)
	assert.Equal(t, 1, result.Rescheduled)

	got := h.get(t, entry)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.AttemptCount)
	assert.Contains(t, got.LastError, ErrHandlerNotRegistered.Error())
	assert.True(t, got.NextAttemptAt.After(h.clock.Now()))
}

func TestSuccessCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, WorkerConfig{})

	var payload []byte

	require.NoError(t, h.worker.Register("op", func(_ context.Context, entry *Entry) error {
		payload = entry.Payload

		return nil
	}))

	entry, err := h.queue.Enqueue(h.ctx, "op", []byte("body"), errUpstream)
	require.NoError(t, err)

	result := h.worker.ProcessOnce(h.ctx)
	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, []byte("body"), payload)

	got := h.get(t, entry)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Empty(t, got.LastError)

	stats, err := h.queue.GetStats(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Completed: 1, TotalEnqueued: 1}, stats)
}

func TestDelayedEntryWaitsUntilDue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, WorkerConfig{})

	require.NoError(t, h.worker.Register("op", func(context.Context, *Entry) error { return nil }))

	_, err := h.queue.Enqueue(h.ctx, "op", nil, nil, WithDelay(time.Minute))
	require.NoError(t, err)

	assert.Zero(t, h.worker.ProcessOnce(h.ctx).Claimed)

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.worker.ProcessOnce(h.ctx).Completed)
}

func TestHandlerPanicIsRescheduled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, WorkerConfig{})

	require.NoError(t, h.worker.Register("op", func(context.Context, *Entry) error { panic("boom") }))

	entry, err := h.queue.Enqueue(h.ctx, "op", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, h.worker.ProcessOnce(h.ctx).Rescheduled)
	assert.Equal(t, 1, h.get(t, entry).AttemptCount)
}

func TestChaosFaultCountsAsFailedAttempt(t *testing.T) {
	t.Parallel()

	injector, err := chaos.NewInjector(chaos.Configuration{
		Enabled: true,
		Rules:   []chaos.Rule{{Target: chaos.TargetRetryAttempt, Probability: 1, FaultType: chaos.FaultException}},
	}, false)
	require.NoError(t, err)

	h := newHarness(t, 3, WorkerConfig{}, WithChaos(injector))

	var calls atomic.Int32

	require.NoError(t, h.worker.Register("op", func(context.Context, *Entry) error {
		calls.Add(1)

		return nil
	}))

	entry, err := h.queue.Enqueue(h.ctx, "op", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, h.worker.ProcessOnce(h.ctx).Rescheduled)
	assert.Zero(t, calls.Load())
	assert.Contains(t, h.get(t, entry).LastError, chaos.ErrInjectedFault.Error())
}

func TestProcessOnceRequiresTenant(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, WorkerConfig{})

	assert.Equal(t, Result{}, h.worker.ProcessOnce(context.Background()))
}

func TestProcessAllTenants(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, WorkerConfig{})

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
	)

	require.NoError(t, h.worker.Register("op", func(ctx context.Context, entry *Entry) error {
		id, _ := tenant.FromContext(ctx)

		mu.Lock()
		defer mu.Unlock()

		seen[id]++

		assert.Equal(t, id, entry.TenantID)

		return nil
	}))

	for _, id := range []string{"tenant-a", "tenant-b", "tenant-c"} {
		_, err := h.queue.Enqueue(tenant.ContextWithID(context.Background(), id), "op", nil, nil)
		require.NoError(t, err)
	}

	result := h.worker.ProcessAllTenants(context.Background())
	assert.Equal(t, 3, result.Completed)
	assert.Equal(t, map[string]int{"tenant-a": 1, "tenant-b": 1, "tenant-c": 1}, seen)
}

func TestStuckEntriesAreReclaimedUnderLock(t *testing.T) {
	t.Parallel()

	locker := &recordingLocker{}
	h := newHarness(t, 3, WorkerConfig{ProcessingTimeout: time.Minute}, WithLocker(locker))

	entry, err := h.queue.Enqueue(h.ctx, "op", nil, nil)
	require.NoError(t, err)

	_, err = h.store.Claim(h.ctx, h.clock.Now(), 1)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)

	require.NoError(t, h.worker.Register("op", func(context.Context, *Entry) error { return nil }))

	result := h.worker.ProcessOnce(h.ctx)
	assert.Equal(t, 1, result.Reclaimed)
	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, StatusCompleted, h.get(t, entry).Status)
	assert.Equal(t, []string{"retryqueue:reclaim:tenant-a"}, locker.keys)
}

func TestLockContentionSkipsSweep(t *testing.T) {
	t.Parallel()

	locker := &recordingLocker{err: errors.New("lock held elsewhere")}
	h := newHarness(t, 3, WorkerConfig{ProcessingTimeout: time.Minute}, WithLocker(locker))

	_, err := h.queue.Enqueue(h.ctx, "op", nil, nil)
	require.NoError(t, err)

	_, err = h.store.Claim(h.ctx, h.clock.Now(), 1)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)

	assert.Zero(t, h.worker.ProcessOnce(h.ctx).Reclaimed)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, WorkerConfig{})

	noop := func(context.Context, *Entry) error { return nil }

	require.ErrorIs(t, h.worker.Register("", noop), ErrOperationKeyRequired)
	require.ErrorIs(t, h.worker.Register("op", nil), ErrHandlerRequired)
	require.NoError(t, h.worker.Register("op", noop))
	require.ErrorIs(t, h.worker.Register("op", noop), ErrHandlerAlreadyRegistered)

	_, err := NewWorker(nil, WorkerConfig{})
	require.ErrorIs(t, err, ErrQueueRequired)
}

func TestShutdownWaitsForInFlightAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, WorkerConfig{PollInterval: time.Hour, ShutdownGrace: 2 * time.Second})

	started := make(chan struct{})

	require.NoError(t, h.worker.Register("op", func(context.Context, *Entry) error {
		close(started)
		time.Sleep(50 * time.Millisecond)

		return nil
	}))

	entry, err := h.queue.Enqueue(h.ctx, "op", nil, nil)
	require.NoError(t, err)

	runErr := make(chan error, 1)

	go func() { runErr <- h.worker.RunContext(context.Background()) }()

	<-started

	require.NoError(t, h.worker.Shutdown(context.Background()))
	require.NoError(t, <-runErr)
	assert.Equal(t, StatusCompleted, h.get(t, entry).Status)
}

func TestShutdownCancelsAttemptsAfterGrace(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, WorkerConfig{PollInterval: time.Hour, ShutdownGrace: 50 * time.Millisecond})

	started := make(chan struct{})

	require.NoError(t, h.worker.Register("op", func(ctx context.Context, _ *Entry) error {
		close(started)
		<-ctx.Done()

		return ctx.Err()
	}))

	entry, err := h.queue.Enqueue(h.ctx, "op", nil, nil)
	require.NoError(t, err)

	go func() { _ = h.worker.RunContext(context.Background()) }()

	<-started

	require.ErrorIs(t, h.worker.Shutdown(context.Background()), ErrShutdownGraceExceeded)

	got := h.get(t, entry)
	assert.Equal(t, StatusPending, got.Status, "an interrupted attempt is rescheduled, not lost")
	assert.Equal(t, 1, got.AttemptCount)
}

func TestProcessOnceAfterStopIsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, WorkerConfig{})
	require.NoError(t, h.worker.Register("op", func(context.Context, *Entry) error { return nil }))

	entry, err := h.queue.Enqueue(h.ctx, "op", nil, nil)
	require.NoError(t, err)

	h.worker.Stop()

	assert.Zero(t, h.worker.ProcessOnce(h.ctx).Claimed)
	require.NoError(t, h.worker.Shutdown(context.Background()))
	assert.Equal(t, StatusPending, h.get(t, entry).Status)
}

func TestRunTwiceIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, WorkerConfig{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- h.worker.RunContext(ctx) }()

	require.Eventually(t, func() bool {
		h.worker.runMu.Lock()
		defer h.worker.runMu.Unlock()

		return h.worker.running
	}, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, h.worker.RunContext(ctx), ErrWorkerRunning)

	cancel()
	require.NoError(t, <-done)
}
