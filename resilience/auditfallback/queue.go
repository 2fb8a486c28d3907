package auditfallback

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience"
	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/nilcheck"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry/metrics"
	"github.com/abrkgrbz/Stocker-sub077/resilience/outbox"
	"github.com/abrkgrbz/Stocker-sub077/resilience/runtime"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/google/uuid"
)

const (
	DefaultMaxSize       int64 = 10_000
	DefaultDrainBatch          = 100
	DefaultDrainInterval       = 5 * time.Second
	DefaultMaxAttempts         = 10
)

// Sink is the primary audit store.
type Sink interface {
	WriteAudit(ctx context.Context, rec *Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec *Record) error

func (f SinkFunc) WriteAudit(ctx context.Context, rec *Record) error { return f(ctx, rec) }

// Config tunes a Queue.
type Config struct {
	MaxSize       int64         `mapstructure:"max_size"`
	DrainBatch    int           `mapstructure:"drain_batch"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	// MaxAttempts bounds replays of a single record; it is dropped after that.
	MaxAttempts int `mapstructure:"max_attempts"`
}

func (cfg *Config) normalize() {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}

	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = DefaultDrainBatch
	}

	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
}

// DrainResult counts the outcome of one Drain call.
type DrainResult struct {
	Written  int
	Requeued int
	Dropped  int
}

// Queue writes through to the sink and buffers what the sink rejects.
type Queue struct {
	store   Store
	sink    Sink
	cfg     Config
	logger  log.Logger
	factory *metrics.MetricsFactory
	now     func() time.Time

	drainMu sync.Mutex

	runMu    sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stop     chan struct{}
}

var _ resilience.App = (*Queue)(nil)

// Option customizes a Queue.
type Option func(*Queue)

func WithLogger(logger log.Logger) Option {
	return func(q *Queue) {
		if !nilcheck.IsNil(logger) {
			q.logger = logger
		}
	}
}

// WithMetrics publishes the buffer depth after every drain.
func WithMetrics(factory *metrics.MetricsFactory) Option {
	return func(q *Queue) {
		q.factory = factory
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New builds a Queue. Nothing runs until Run or RunContext.
func New(store Store, sink Sink, cfg Config, opts ...Option) (*Queue, error) {
	if nilcheck.IsNil(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.IsNil(sink) {
		return nil, ErrSinkRequired
	}

	cfg.normalize()

	q := &Queue{
		store:  store,
		sink:   sink,
		cfg:    cfg,
		logger: log.NewNop(),
		now:    time.Now,
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}

	return q, nil
}

// Write sends rec to the sink and buffers it when the failure is retryable.
// It only returns an error when the record could be neither written nor
// buffered.
func (q *Queue) Write(ctx context.Context, rec *Record) error {
	if err := q.prepare(ctx, rec); err != nil {
		return err
	}

	err := q.sink.WriteAudit(ctx, rec)
	if err == nil {
		return nil
	}

	if !faults.IsRetryable(err) {
		return err
	}

	q.logger.Log(ctx, log.LevelWarn, "audit sink unavailable; buffering record",
		log.String("action", rec.Action), log.String("cause", outbox.SanitizeError(err)))

	rec.LastError = outbox.SanitizeError(err)

	return q.push(ctx, rec)
}

// Enqueue buffers rec without trying the sink.
func (q *Queue) Enqueue(ctx context.Context, rec *Record) error {
	if err := q.prepare(ctx, rec); err != nil {
		return err
	}

	return q.push(ctx, rec)
}

func (q *Queue) prepare(ctx context.Context, rec *Record) error {
	if rec == nil {
		return faults.Permanent("auditfallback.enqueue", ErrRecordRequired)
	}

	tenantID, err := tenant.Require(ctx, "auditfallback.enqueue")
	if err != nil {
		return err
	}

	rec.Action = strings.TrimSpace(rec.Action)
	if rec.Action == "" {
		return faults.Permanent("auditfallback.enqueue", ErrActionRequired)
	}

	rec.TenantID = tenantID

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = q.now().UTC()
	}

	return nil
}

func (q *Queue) push(ctx context.Context, rec *Record) error {
	if err := q.store.Push(ctx, rec, q.cfg.MaxSize); err != nil {
		q.logger.Log(ctx, log.LevelError, "audit record lost: fallback queue rejected it",
			log.String("action", rec.Action), log.String("record_id", rec.ID.String()), log.Err(err))

		return faults.Transient("auditfallback.enqueue", err)
	}

	return nil
}

// Size returns the number of buffered records across all tenants.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.store.Len(ctx)
}

// Drain replays up to one batch into the sink. Replay stops at the first
// retryable failure and the rest of the batch goes back to the head of the
// buffer, so order is preserved.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var result DrainResult

	batch, err := q.store.PopBatch(ctx, q.cfg.DrainBatch)
	if err != nil {
		return result, fmt.Errorf("draining audit fallback: %w", err)
	}

	for i, rec := range batch {
		werr := q.sink.WriteAudit(tenant.ContextWithID(ctx, rec.TenantID), rec)
		if werr == nil {
			result.Written++

			continue
		}

		if faults.Visit(werr, replayFailure{}) == replayDrop {
			q.drop(ctx, rec, werr)
			result.Dropped++

			continue
		}

		if faults.Classify(werr) != faults.KindCircuitOpen {
			rec.Attempts++
		}

		rec.LastError = outbox.SanitizeError(werr)

		rest := batch[i:]
		if rec.Attempts >= q.cfg.MaxAttempts {
			q.drop(ctx, rec, werr)
			result.Dropped++
			rest = batch[i+1:]
		}

		if err := q.store.Requeue(context.WithoutCancel(ctx), rest); err != nil {
			q.logger.Log(ctx, log.LevelError, "audit records lost: requeue failed",
				log.Int("count", len(rest)), log.Err(err))

			return result, fmt.Errorf("requeueing audit records: %w", err)
		}

		result.Requeued += len(rest)

		break
	}

	q.recordDepth(ctx)

	return result, nil
}

func (q *Queue) drop(ctx context.Context, rec *Record, cause error) {
	q.logger.Log(ctx, log.LevelError, "audit record dropped",
		log.TenantHash(tenant.HashID(rec.TenantID)),
		log.String("record_id", rec.ID.String()),
		log.String("action", rec.Action),
		log.Int("attempts", rec.Attempts),
		log.String("cause", outbox.SanitizeError(cause)))
}

type replayAction int

const (
	replayRetry replayAction = iota
	replayDrop
)

type replayFailure struct{}

func (replayFailure) Transient(error) replayAction     { return replayRetry }
func (replayFailure) CircuitOpen(error) replayAction   { return replayRetry }
func (replayFailure) Permanent(error) replayAction     { return replayDrop }
func (replayFailure) Configuration(error) replayAction { return replayDrop }

func (q *Queue) recordDepth(ctx context.Context) {
	if q.factory == nil {
		return
	}

	size, err := q.store.Len(ctx)
	if err != nil {
		return
	}

	gauge, err := q.factory.Gauge(metrics.MetricAuditFallbackDepth)
	if err != nil {
		return
	}

	_ = gauge.Set(ctx, size)
}

// Run implements resilience.App.
func (q *Queue) Run(_ *resilience.Launcher) error {
	return q.RunContext(context.Background())
}

// RunContext drains every DrainInterval until Shutdown or ctx ends. A full
// batch is followed immediately by another drain.
func (q *Queue) RunContext(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)

	q.runMu.Lock()
	if q.running {
		q.runMu.Unlock()
		cancel()

		return ErrQueueRunning
	}

	q.running = true
	q.cancel = cancel
	q.done = make(chan struct{})
	done := q.done
	q.runMu.Unlock()

	defer func() {
		cancel()
		close(done)

		q.runMu.Lock()
		q.running = false
		q.runMu.Unlock()
	}()
	defer runtime.RecoverAndLogWithContext(ctx, q.logger, "auditfallback", "drain_loop")

	ticker := time.NewTicker(q.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.drainUntilIdle(ctx)
		}
	}
}

func (q *Queue) drainUntilIdle(ctx context.Context) {
	for ctx.Err() == nil {
		result, err := q.Drain(ctx)
		if err != nil {
			q.logger.Log(ctx, log.LevelWarn, "audit fallback drain failed", log.Err(err))

			return
		}

		if result.Written > 0 || result.Dropped > 0 {
			q.logger.Log(ctx, log.LevelInfo, "audit fallback drained",
				log.Int("written", result.Written), log.Int("dropped", result.Dropped), log.Int("requeued", result.Requeued))
		}

		if result.Requeued > 0 || result.Written+result.Dropped < q.cfg.DrainBatch {
			return
		}
	}
}

// Shutdown stops the drain loop and makes one last drain attempt bounded by
// ctx. Records still buffered afterwards stay in the store.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stop) })

	q.runMu.Lock()
	cancel, done := q.cancel, q.done
	q.runMu.Unlock()

	if cancel != nil {
		cancel()

		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("audit fallback shutdown: %w", ctx.Err())
		}
	}

	if _, err := q.Drain(ctx); err != nil {
		return err
	}

	size, err := q.Size(ctx)
	if err == nil && size > 0 {
		q.logger.Log(ctx, log.LevelWarn, "audit fallback stopped with buffered records", log.Int64("size", size))
	}

	return nil
}
