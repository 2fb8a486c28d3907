//go:build unit

package auditfallback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errAuditDown = errors.New("audit database unavailable")

// flakySink fails every write with err, or only the actions in failIDs.
type flakySink struct {
	mu      sync.Mutex
	err     error
	failIDs map[string]error
	written []*Record
}

func (s *flakySink) WriteAudit(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	if err, ok := s.failIDs[rec.Action]; ok {
		return err
	}

	tenantID, _ := tenant.FromContext(ctx)
	cp := *rec
	cp.TenantID = tenantID
	s.written = append(s.written, &cp)

	return nil
}

func (s *flakySink) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.err = err
}

func (s *flakySink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.written))
	for _, rec := range s.written {
		out = append(out, rec.Action)
	}

	return out
}

func tenantCtx(id string) context.Context {
	return tenant.ContextWithID(context.Background(), id)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, &flakySink{}, Config{})
	require.ErrorIs(t, err, ErrStoreRequired)

	_, err = New(NewMemoryStore(), nil, Config{})
	require.ErrorIs(t, err, ErrSinkRequired)

	q, err := New(NewMemoryStore(), &flakySink{}, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSize, q.cfg.MaxSize)
	assert.Equal(t, DefaultDrainBatch, q.cfg.DrainBatch)
	assert.Equal(t, DefaultDrainInterval, q.cfg.DrainInterval)
	assert.Equal(t, DefaultMaxAttempts, q.cfg.MaxAttempts)
}

func TestWriteGoesStraightToHealthySink(t *testing.T) {
	t.Parallel()

	sink := &flakySink{}
	q, err := New(NewMemoryStore(), sink, Config{})
	require.NoError(t, err)

	require.NoError(t, q.Write(tenantCtx("tenant-a"), &Record{Action: "stock.adjusted"}))

	size, err := q.Size(context.Background())
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.Equal(t, []string{"stock.adjusted"}, sink.actions())
}

func TestWriteBuffersTransientFailures(t *testing.T) {
	t.Parallel()

	sink := &flakySink{err: errAuditDown}
	q, err := New(NewMemoryStore(), sink, Config{})
	require.NoError(t, err)

	ctx := tenantCtx("tenant-a")

	require.NoError(t, q.Write(ctx, &Record{Action: "stock.adjusted"}))
	require.NoError(t, q.Write(ctx, &Record{Action: "stock.reserved"}))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, size)

	sink.setErr(faults.Permanent("audit.write", errors.New("constraint violation")))
	err = q.Write(ctx, &Record{Action: "stock.released"})
	assert.Equal(t, faults.KindPermanent, faults.Classify(err))

	size, err = q.Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, size)
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	q, err := New(NewMemoryStore(), &flakySink{}, Config{})
	require.NoError(t, err)

	err = q.Enqueue(context.Background(), &Record{Action: "x"})
	require.ErrorIs(t, err, tenant.ErrTenantIDRequired)
	assert.Equal(t, faults.KindConfiguration, faults.Classify(err))

	err = q.Enqueue(tenantCtx("tenant-a"), nil)
	require.ErrorIs(t, err, ErrRecordRequired)

	err = q.Enqueue(tenantCtx("tenant-a"), &Record{Action: "  "})
	require.ErrorIs(t, err, ErrActionRequired)

	rec := &Record{Action: "stock.adjusted"}
	require.NoError(t, q.Enqueue(tenantCtx("tenant-a"), rec))
	assert.Equal(t, "tenant-a", rec.TenantID)
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.False(t, rec.OccurredAt.IsZero())
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	t.Parallel()

	q, err := New(NewMemoryStore(), &flakySink{}, Config{MaxSize: 2})
	require.NoError(t, err)

	ctx := tenantCtx("tenant-a")

	require.NoError(t, q.Enqueue(ctx, &Record{Action: "a"}))
	require.NoError(t, q.Enqueue(ctx, &Record{Action: "b"}))

	err = q.Enqueue(ctx, &Record{Action: "c"})
	require.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, faults.IsRetryable(err))
}

func TestDrainReplaysInOrderWithTenantContext(t *testing.T) {
	t.Parallel()

	sink := &flakySink{}
	q, err := New(NewMemoryStore(), sink, Config{})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(tenantCtx("tenant-a"), &Record{Action: "first"}))
	require.NoError(t, q.Enqueue(tenantCtx("tenant-b"), &Record{Action: "second"}))

	result, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Written: 2}, result)
	assert.Equal(t, []string{"first", "second"}, sink.actions())
	assert.Equal(t, "tenant-a", sink.written[0].TenantID)
	assert.Equal(t, "tenant-b", sink.written[1].TenantID)
}

func TestDrainStopsAtTransientFailureAndKeepsOrder(t *testing.T) {
	t.Parallel()

	sink := &flakySink{failIDs: map[string]error{"second": errAuditDown}}
	q, err := New(NewMemoryStore(), sink, Config{})
	require.NoError(t, err)

	ctx := tenantCtx("tenant-a")

	for _, action := range []string{"first", "second", "third"} {
		require.NoError(t, q.Enqueue(ctx, &Record{Action: action}))
	}

	result, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Written: 1, Requeued: 2}, result)

	sink.mu.Lock()
	sink.failIDs = nil
	sink.mu.Unlock()

	result, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Written: 2}, result)
	assert.Equal(t, []string{"first", "second", "third"}, sink.actions())
}

func TestDrainDropsPermanentFailures(t *testing.T) {
	t.Parallel()

	sink := &flakySink{failIDs: map[string]error{
		"bad": faults.Permanent("audit.write", errors.New("schema mismatch")),
	}}
	q, err := New(NewMemoryStore(), sink, Config{})
	require.NoError(t, err)

	ctx := tenantCtx("tenant-a")
	require.NoError(t, q.Enqueue(ctx, &Record{Action: "bad"}))
	require.NoError(t, q.Enqueue(ctx, &Record{Action: "good"}))

	result, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Written: 1, Dropped: 1}, result)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestDrainDropsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	q, err := New(store, &flakySink{err: errAuditDown}, Config{MaxAttempts: 2})
	require.NoError(t, err)

	ctx := tenantCtx("tenant-a")
	require.NoError(t, q.Enqueue(ctx, &Record{Action: "stock.adjusted"}))

	result, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Requeued: 1}, result)

	result, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Dropped: 1}, result)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestCircuitOpenDoesNotSpendAttempts(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	q, err := New(store, &flakySink{err: faults.CircuitOpen("audit", errors.New("open"))}, Config{MaxAttempts: 1})
	require.NoError(t, err)

	ctx := tenantCtx("tenant-a")
	require.NoError(t, q.Enqueue(ctx, &Record{Action: "stock.adjusted"}))

	for range 3 {
		result, err := q.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, DrainResult{Requeued: 1}, result)
	}

	records, err := store.PopBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Zero(t, records[0].Attempts)
}

func TestRunDrainsAndShutdownStops(t *testing.T) {
	t.Parallel()

	sink := &flakySink{err: errAuditDown}
	q, err := New(NewMemoryStore(), sink, Config{DrainInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, q.Write(tenantCtx("tenant-a"), &Record{Action: "stock.adjusted"}))

	done := make(chan error, 1)
	go func() { done <- q.RunContext(context.Background()) }()

	sink.setErr(nil)

	require.Eventually(t, func() bool {
		size, err := q.Size(context.Background())

		return err == nil && size == 0
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, q.Shutdown(ctx))
	require.NoError(t, <-done)
	assert.Equal(t, []string{"stock.adjusted"}, sink.actions())
}

func TestShutdownWithoutRunDrainsOnce(t *testing.T) {
	t.Parallel()

	sink := &flakySink{}
	q, err := New(NewMemoryStore(), sink, Config{})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(tenantCtx("tenant-a"), &Record{Action: "stock.adjusted"}))
	require.NoError(t, q.Shutdown(context.Background()))
	assert.Equal(t, []string{"stock.adjusted"}, sink.actions())
}
