package diagnostics

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience"
	"github.com/abrkgrbz/Stocker-sub077/resilience/circuitbreaker"
	"github.com/abrkgrbz/Stocker-sub077/resilience/errgroup"
	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/nilcheck"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry/metrics"
	"github.com/abrkgrbz/Stocker-sub077/resilience/outbox"
	"github.com/abrkgrbz/Stocker-sub077/resilience/retryqueue"
	"github.com/abrkgrbz/Stocker-sub077/resilience/runtime"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/abrkgrbz/Stocker-sub077/resilience/webhook"
	"golang.org/x/sync/singleflight"
)

const (
	sourceRetryQueue    = "Retry queue"
	sourceOutbox        = "Outbox"
	sourceAuditFallback = "Audit fallback"
	sourceTransfers     = "Overdue transfers"
	sourceWebhooks      = "Webhook deliveries"
	sourceTenants       = "Tenant discovery"

	globalScope = "*"

	defaultWebhookSample = 50
	defaultInterval      = 30 * time.Second
)

var ErrAggregatorRunning = errors.New("diagnostics: refresh loop already running")

// RetryStats is implemented by *retryqueue.Queue.
type RetryStats interface {
	GetStats(ctx context.Context) (retryqueue.Stats, error)
}

// OutboxStats is implemented by *outbox.Processor.
type OutboxStats interface {
	GetStats(ctx context.Context) (outbox.Stats, error)
}

// BreakerSnapshots is implemented by *circuitbreaker.Registry.
type BreakerSnapshots interface {
	GetAll() map[string]circuitbreaker.Snapshot
}

// QueueSize is implemented by *auditfallback.Queue.
type QueueSize interface {
	Size(ctx context.Context) (int64, error)
}

// OverdueCounter is implemented by transfers.Counter.
type OverdueCounter interface {
	CountOverdue(ctx context.Context) (int64, error)
}

// RecentDeliveries is implemented by *webhook.Service.
type RecentDeliveries interface {
	GetRecentDeliveries(ctx context.Context, n int) ([]*webhook.Delivery, error)
}

// Sources are the components a check reads. Nil sources are skipped.
// Tenant-scoped sources are summed over Tenants when the check context
// carries no tenant.
type Sources struct {
	RetryQueue    RetryStats
	Outbox        OutboxStats
	Breakers      BreakerSnapshots
	AuditFallback QueueSize
	Transfers     OverdueCounter
	Webhooks      RecentDeliveries
	Tenants       tenant.Discoverer
}

// Config tunes an Aggregator.
type Config struct {
	Thresholds Thresholds `mapstructure:"thresholds"`
	// CacheTTL reuses the last report for this long. Zero disables caching.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// Interval is the refresh period of RunContext.
	Interval time.Duration `mapstructure:"interval"`
	// WebhookSample is how many recent deliveries are inspected per tenant.
	WebhookSample int `mapstructure:"webhook_sample"`
	// Concurrency bounds tenants read in parallel.
	Concurrency int `mapstructure:"concurrency"`
}

// DefaultConfig returns DefaultThresholds with no caching.
func DefaultConfig() Config {
	return Config{
		Thresholds:    DefaultThresholds(),
		Interval:      defaultInterval,
		WebhookSample: defaultWebhookSample,
		Concurrency:   4,
	}
}

type cachedReport struct {
	key    string
	report Report
}

// Aggregator produces health reports. It is safe for concurrent use.
type Aggregator struct {
	sources   Sources
	cfg       Config
	logger    log.Logger
	factory   *metrics.MetricsFactory
	listeners []func(ctx context.Context, report Report)
	now       func() time.Time

	flight singleflight.Group
	last   atomic.Pointer[cachedReport]

	verdictMu   sync.Mutex
	lastVerdict Verdict
	seen        bool

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	stopped sync.Once
}

var _ resilience.App = (*Aggregator)(nil)

// Option customizes an Aggregator.
type Option func(*Aggregator)

func WithLogger(logger log.Logger) Option {
	return func(a *Aggregator) {
		if !nilcheck.IsNil(logger) {
			a.logger = logger
		}
	}
}

// WithMetrics publishes the verdict gauge after every check.
func WithMetrics(factory *metrics.MetricsFactory) Option {
	return func(a *Aggregator) {
		a.factory = factory
	}
}

// WithListener calls fn with every freshly computed report.
func WithListener(fn func(ctx context.Context, report Report)) Option {
	return func(a *Aggregator) {
		if fn != nil {
			a.listeners = append(a.listeners, fn)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAggregator builds an Aggregator over sources.
func NewAggregator(sources Sources, cfg Config, opts ...Option) *Aggregator {
	if cfg.WebhookSample <= 0 {
		cfg.WebhookSample = defaultWebhookSample
	}

	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	a := &Aggregator{
		sources: sources,
		cfg:     cfg,
		logger:  log.NewNop(),
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	return a
}

// Check returns the current report. A tenant in ctx scopes the
// tenant-scoped sources to it; otherwise they are summed over all tenants.
// Concurrent checks for the same scope share one collection. Only the
// process-wide check reaches listeners, the verdict gauge and the
// verdict-change log.
func (a *Aggregator) Check(ctx context.Context) Report {
	key := globalScope
	if tenantID, ok := tenant.FromContext(ctx); ok {
		key = "tenant:" + tenantID
	}

	if a.cfg.CacheTTL > 0 {
		if cached := a.last.Load(); cached != nil && cached.key == key &&
			a.now().Sub(cached.report.CheckedAt) < a.cfg.CacheTTL {
			return cached.report
		}
	}

	value, _, _ := a.flight.Do(key, func() (any, error) {
		report := Evaluate(a.Collect(ctx), a.cfg.Thresholds)
		report.CheckedAt = a.now().UTC()

		a.last.Store(&cachedReport{key: key, report: report})

		if key == globalScope {
			a.observe(ctx, report)
		}

		return report, nil
	})

	return value.(Report)
}

// Collect reads every source into a Snapshot. Read failures are recorded in
// Snapshot.Unavailable instead of being returned.
func (a *Aggregator) Collect(ctx context.Context) Snapshot {
	var snap Snapshot

	if !nilcheck.IsNil(a.sources.Breakers) {
		snap.Breakers = a.sources.Breakers.GetAll()
	}

	if !nilcheck.IsNil(a.sources.AuditFallback) {
		size, err := a.sources.AuditFallback.Size(ctx)
		if err != nil {
			a.unavailable(ctx, &snap, sourceAuditFallback, err)
		}

		snap.AuditFallback = size
	}

	tenants, err := a.tenants(ctx)
	if err != nil {
		a.unavailable(ctx, &snap, sourceTenants, err)
	}

	var mu sync.Mutex

	group, gctx := errgroup.WithContext(ctx)
	group.SetLogger(a.logger)
	group.SetName("diagnostics")
	group.SetLimit(a.cfg.Concurrency)

	for _, tenantID := range tenants {
		group.Go(func() error {
			part := a.collectTenant(tenant.ContextWithID(gctx, tenantID))

			mu.Lock()
			defer mu.Unlock()

			merge(&snap, part)

			return nil
		})
	}

	_ = group.Wait()

	slices.Sort(snap.Unavailable)
	snap.Unavailable = slices.Compact(snap.Unavailable)

	return snap
}

func (a *Aggregator) tenants(ctx context.Context) ([]string, error) {
	if tenantID, ok := tenant.FromContext(ctx); ok {
		return []string{tenantID}, nil
	}

	if nilcheck.IsNil(a.sources.Tenants) {
		return nil, nil
	}

	return a.sources.Tenants.DiscoverTenants(ctx)
}

func (a *Aggregator) collectTenant(ctx context.Context) Snapshot {
	var part Snapshot

	if !nilcheck.IsNil(a.sources.RetryQueue) {
		stats, err := a.sources.RetryQueue.GetStats(ctx)
		if err != nil {
			a.unavailable(ctx, &part, sourceRetryQueue, err)
		}

		part.RetryQueue = stats
	}

	if !nilcheck.IsNil(a.sources.Outbox) {
		stats, err := a.sources.Outbox.GetStats(ctx)
		if err != nil {
			a.unavailable(ctx, &part, sourceOutbox, err)
		}

		part.Outbox = stats
	}

	if !nilcheck.IsNil(a.sources.Transfers) {
		n, err := a.sources.Transfers.CountOverdue(ctx)
		if err != nil {
			a.unavailable(ctx, &part, sourceTransfers, err)
		}

		part.OverdueTransfers = n
	}

	if !nilcheck.IsNil(a.sources.Webhooks) {
		deliveries, err := a.sources.Webhooks.GetRecentDeliveries(ctx, a.cfg.WebhookSample)
		if err != nil {
			a.unavailable(ctx, &part, sourceWebhooks, err)
		}

		for _, d := range deliveries {
			if !d.Success {
				part.WebhookFailures++
			}
		}
	}

	return part
}

func merge(dst *Snapshot, part Snapshot) {
	dst.RetryQueue.Pending += part.RetryQueue.Pending
	dst.RetryQueue.Processing += part.RetryQueue.Processing
	dst.RetryQueue.Completed += part.RetryQueue.Completed
	dst.RetryQueue.DeadLettered += part.RetryQueue.DeadLettered
	dst.RetryQueue.TotalEnqueued += part.RetryQueue.TotalEnqueued
	dst.Outbox.Pending += part.Outbox.Pending
	dst.Outbox.Processing += part.Outbox.Processing
	dst.Outbox.Processed += part.Outbox.Processed
	dst.Outbox.Failed += part.Outbox.Failed
	dst.Outbox.TotalMessages += part.Outbox.TotalMessages
	dst.OverdueTransfers += part.OverdueTransfers
	dst.WebhookFailures += part.WebhookFailures
	dst.Unavailable = append(dst.Unavailable, part.Unavailable...)
}

func (a *Aggregator) unavailable(ctx context.Context, snap *Snapshot, source string, err error) {
	snap.Unavailable = append(snap.Unavailable, source)

	a.logger.Log(ctx, log.LevelWarn, "diagnostics source unavailable",
		log.String("source", source), log.String("cause", outbox.SanitizeError(err)))
}

func (a *Aggregator) observe(ctx context.Context, report Report) {
	if a.factory != nil {
		if gauge, err := a.factory.Gauge(metrics.MetricHealthVerdict); err == nil {
			_ = gauge.Set(ctx, int64(report.Verdict))
		}
	}

	for _, fn := range a.listeners {
		fn(ctx, report)
	}

	a.verdictMu.Lock()
	changed := !a.seen || a.lastVerdict != report.Verdict
	previous := a.lastVerdict
	a.lastVerdict, a.seen = report.Verdict, true
	a.verdictMu.Unlock()

	if !changed {
		return
	}

	level := log.LevelInfo
	if report.Verdict > previous {
		level = log.LevelWarn
	}

	a.logger.Log(ctx, level, "health verdict changed",
		log.String("verdict", report.Verdict.String()),
		log.String("previous", previous.String()),
		log.String("message", report.Message))
}

// Run implements resilience.App.
func (a *Aggregator) Run(_ *resilience.Launcher) error {
	return a.RunContext(context.Background())
}

// RunContext refreshes the report every Interval so the verdict gauge stays
// current between probes.
func (a *Aggregator) RunContext(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()

		return ErrAggregatorRunning
	}

	a.running = true
	a.runMu.Unlock()

	defer func() {
		a.runMu.Lock()
		a.running = false
		a.runMu.Unlock()
	}()
	defer runtime.RecoverAndLogWithContext(ctx, a.logger, "diagnostics", "refresh_loop")

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.Check(ctx)

	for {
		select {
		case <-a.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Check(ctx)
		}
	}
}

// Stop ends RunContext.
func (a *Aggregator) Stop() {
	a.stopped.Do(func() { close(a.stop) })
}
