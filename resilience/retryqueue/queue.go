package retryqueue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/nilcheck"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry/metrics"
	"github.com/abrkgrbz/Stocker-sub077/resilience/outbox"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/google/uuid"
)

// Queue is the caller-facing side of the retry queue.
type Queue struct {
	store   Store
	cfg     Config
	logger  log.Logger
	factory *metrics.MetricsFactory
	now     func() time.Time
}

// Option customizes a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(q *Queue) {
		if !nilcheck.IsNil(logger) {
			q.logger = logger
		}
	}
}

// WithMetrics publishes queue depth gauges from GetStats.
func WithMetrics(factory *metrics.MetricsFactory) Option {
	return func(q *Queue) {
		q.factory = factory
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New builds a Queue over store.
func New(store Store, cfg Config, opts ...Option) (*Queue, error) {
	if nilcheck.IsNil(store) {
		return nil, ErrStoreRequired
	}

	cfg.normalize()

	q := &Queue{
		store:  store,
		cfg:    cfg,
		logger: log.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}

	return q, nil
}

// EnqueueOption customizes a single Enqueue call.
type EnqueueOption func(*Entry)

// WithMaxAttempts overrides the configured attempt ceiling for one entry.
func WithMaxAttempts(n int) EnqueueOption {
	return func(e *Entry) {
		if n > 0 {
			e.MaxAttempts = n
		}
	}
}

// WithDelay postpones the first retry of one entry.
func WithDelay(d time.Duration) EnqueueOption {
	return func(e *Entry) {
		if d > 0 {
			e.NextAttemptAt = e.NextAttemptAt.Add(d)
		}
	}
}

// Enqueue records a failed operation as a Pending entry with zero attempts.
// cause is the failure that triggered the enqueue and may be nil. A
// permanent cause is stored dead-lettered: retrying it cannot succeed.
func (q *Queue) Enqueue(ctx context.Context, operationKey string, payload []byte, cause error, opts ...EnqueueOption) (*Entry, error) {
	if q == nil {
		return nil, ErrQueueRequired
	}

	tenantID, err := tenant.Require(ctx, "retryqueue.enqueue")
	if err != nil {
		return nil, err
	}

	operationKey = strings.TrimSpace(operationKey)
	if operationKey == "" {
		return nil, ErrOperationKeyRequired
	}

	now := q.now()

	entry := &Entry{
		ID:            uuid.New(),
		TenantID:      tenantID,
		OperationKey:  operationKey,
		Payload:       append([]byte(nil), payload...),
		MaxAttempts:   q.cfg.MaxAttempts,
		NextAttemptAt: now.Add(q.cfg.InitialDelay),
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if cause != nil {
		entry.LastError = outbox.SanitizeError(cause)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(entry)
		}
	}

	permanent := cause != nil && faults.Classify(cause) == faults.KindPermanent
	if permanent {
		entry.Status = StatusDeadLettered
	}

	if err := q.store.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", operationKey, err)
	}

	if permanent {
		q.logger.Log(ctx, log.LevelError, "retry entry dead-lettered on enqueue: permanent failure",
			log.String("entry_id", entry.ID.String()),
			log.String("operation_key", operationKey),
			log.String("cause", entry.LastError))

		return entry.Clone(), nil
	}

	q.logger.Log(ctx, log.LevelInfo, "retry entry enqueued",
		log.String("entry_id", entry.ID.String()),
		log.String("operation_key", operationKey),
		log.Int("max_attempts", entry.MaxAttempts))

	return entry.Clone(), nil
}

// GetStats returns the current tenant's counts and refreshes the depth gauges.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	if q == nil {
		return Stats{}, ErrQueueRequired
	}

	stats, err := q.store.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("retry queue stats: %w", err)
	}

	q.recordDepth(ctx, stats)

	return stats, nil
}

// ListDeadLettered returns the current tenant's dead-lettered entries, most
// recent first.
func (q *Queue) ListDeadLettered(ctx context.Context, limit int) ([]*Entry, error) {
	if q == nil {
		return nil, ErrQueueRequired
	}

	return q.store.ListDeadLettered(ctx, limit)
}

// Get returns one entry of the current tenant.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	if q == nil {
		return nil, ErrQueueRequired
	}

	return q.store.Get(ctx, id)
}

func (q *Queue) recordDepth(ctx context.Context, stats Stats) {
	if q.factory == nil {
		return
	}

	gauge, err := q.factory.Gauge(metrics.MetricRetryQueueDepth)
	if err != nil {
		return
	}

	for status, value := range map[Status]int64{
		StatusPending:      stats.Pending,
		StatusProcessing:   stats.Processing,
		StatusCompleted:    stats.Completed,
		StatusDeadLettered: stats.DeadLettered,
	} {
		_ = gauge.WithLabels(map[string]string{"status": strings.ToLower(string(status))}).Set(ctx, value)
	}
}
