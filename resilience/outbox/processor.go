package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience"
	"github.com/abrkgrbz/Stocker-sub077/resilience/chaos"
	"github.com/abrkgrbz/Stocker-sub077/resilience/errgroup"
	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/nilcheck"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	libOpentelemetry "github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry"
	"github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry/metrics"
	"github.com/abrkgrbz/Stocker-sub077/resilience/runtime"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Locker serializes the stuck-message sweep across replicas.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// Result counts the outcomes of one processing cycle.
type Result struct {
	Claimed           int
	Processed         int
	Retried           int
	Failed            int
	Reclaimed         int
	StateUpdateFailed int
}

func (r *Result) add(other Result) {
	r.Claimed += other.Claimed
	r.Processed += other.Processed
	r.Retried += other.Retried
	r.Failed += other.Failed
	r.Reclaimed += other.Reclaimed
	r.StateUpdateFailed += other.StateUpdateFailed
}

// Processor publishes Pending messages and records the outcome.
type Processor struct {
	store     Store
	publisher Publisher
	cfg       ProcessorConfig
	locker    Locker
	injector  *chaos.Injector
	logger    log.Logger
	tracer    trace.Tracer
	factory   *metrics.MetricsFactory
	now       func() time.Time

	runMu      sync.Mutex
	running    bool
	cancelLoop context.CancelFunc
	stop       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	tenantTurn int

	hardCtx    context.Context
	cancelHard context.CancelFunc
}

var _ resilience.App = (*Processor)(nil)

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

func WithLogger(logger log.Logger) ProcessorOption {
	return func(p *Processor) {
		if !nilcheck.IsNil(logger) {
			p.logger = logger
		}
	}
}

func WithMetrics(factory *metrics.MetricsFactory) ProcessorOption {
	return func(p *Processor) {
		p.factory = factory
	}
}

func WithTracer(tracer trace.Tracer) ProcessorOption {
	return func(p *Processor) {
		if !nilcheck.IsNil(tracer) {
			p.tracer = tracer
		}
	}
}

// WithChaos instruments every publish with the outbox.publish seam.
func WithChaos(injector *chaos.Injector) ProcessorOption {
	return func(p *Processor) {
		p.injector = injector
	}
}

func WithLocker(locker Locker) ProcessorOption {
	return func(p *Processor) {
		if !nilcheck.IsNil(locker) {
			p.locker = locker
		}
	}
}

func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor builds a Processor over store and publisher.
func NewProcessor(store Store, publisher Publisher, cfg ProcessorConfig, opts ...ProcessorOption) (*Processor, error) {
	if nilcheck.IsNil(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.IsNil(publisher) {
		return nil, ErrPublisherRequired
	}

	cfg.normalize()

	hardCtx, cancelHard := context.WithCancel(context.Background())

	p := &Processor{
		store:      store,
		publisher:  publisher,
		cfg:        cfg,
		logger:     log.NewNop(),
		tracer:     otel.Tracer("outbox"),
		now:        func() time.Time { return time.Now().UTC() },
		stop:       make(chan struct{}),
		hardCtx:    hardCtx,
		cancelHard: cancelHard,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p, nil
}

// Run implements resilience.App.
func (p *Processor) Run(_ *resilience.Launcher) error {
	return p.RunContext(context.Background())
}

// RunContext polls every PollInterval until Stop is called or ctx ends.
func (p *Processor) RunContext(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)

	p.runMu.Lock()
	if p.running {
		p.runMu.Unlock()
		cancel()

		return ErrProcessorRunning
	}

	p.running = true
	p.cancelLoop = cancel
	p.runMu.Unlock()

	defer func() {
		p.runMu.Lock()
		p.running = false
		p.cancelLoop = nil
		p.runMu.Unlock()
	}()

	defer runtime.RecoverAndLogWithContext(ctx, p.logger, "outbox", "processor_run")

	p.logger.Log(ctx, log.LevelInfo, "outbox processor started", log.Duration("poll_interval", p.cfg.PollInterval))
	defer p.logger.Log(context.Background(), log.LevelInfo, "outbox processor stopped")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.ProcessAllTenants(ctx)

	for {
		select {
		case <-p.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.ProcessAllTenants(ctx)
		}
	}
}

// Stop ends the poll loop.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		p.runMu.Lock()
		cancel := p.cancelLoop
		close(p.stop)
		p.runMu.Unlock()

		if cancel != nil {
			cancel()
		}
	})
}

// enter counts an in-flight cycle for Shutdown. It refuses once Stop has run.
func (p *Processor) enter() bool {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	select {
	case <-p.stop:
		return false
	default:
	}

	p.wg.Add(1)

	return true
}

// Shutdown stops the loop and gives in-flight publishes ShutdownGrace to
// finish. Publishes still running afterwards are cancelled and their
// messages return to Pending as a transient failure.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.Stop()

	done := make(chan struct{})

	runtime.SafeGoWithContextAndComponent(ctx, p.logger, "outbox", "shutdown_wait", runtime.KeepRunning,
		func(context.Context) {
			p.wg.Wait()
			close(done)
		})

	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
		p.cancelHard()

		return nil
	case <-grace.C:
		p.logger.Log(ctx, log.LevelWarn, "outbox shutdown grace exceeded; cancelling in-flight publishes")
		p.cancelHard()
	case <-ctx.Done():
		p.cancelHard()

		return fmt.Errorf("outbox processor shutdown: %w", ctx.Err())
	}

	select {
	case <-done:
		return ErrShutdownGraceExceeded
	case <-ctx.Done():
		return fmt.Errorf("outbox processor shutdown: %w", ctx.Err())
	}
}

// ProcessAllTenants runs one cycle for every tenant with outstanding
// messages. Tenants are processed sequentially; the starting tenant rotates.
func (p *Processor) ProcessAllTenants(ctx context.Context) Result {
	var total Result

	if ctx.Err() != nil {
		return total
	}

	ctx, span := p.tracer.Start(ctx, "outbox.processor.tenants")
	defer span.End()

	tenants, err := p.store.ListTenants(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to list tenants", err)
		p.logger.Log(ctx, log.LevelError, "outbox processor failed to list tenants", log.Err(err))

		return total
	}

	if len(tenants) > 1 {
		p.runMu.Lock()
		start := p.tenantTurn % len(tenants)
		p.tenantTurn++
		p.runMu.Unlock()

		tenants = append(append([]string(nil), tenants[start:]...), tenants[:start]...)
	}

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			break
		}

		total.add(p.ProcessOnce(tenant.ContextWithID(ctx, tenantID)))
	}

	return total
}

// ProcessOnce reclaims abandoned messages, then claims and publishes the
// head message of up to BatchSize aggregates for the tenant in ctx.
func (p *Processor) ProcessOnce(ctx context.Context) Result {
	var result Result

	tenantID, err := tenant.Require(ctx, "outbox.process")
	if err != nil {
		p.logger.Log(ctx, log.LevelError, "outbox cycle without tenant", log.Err(err))

		return result
	}

	if !p.enter() {
		return result
	}
	defer p.wg.Done()

	defer runtime.RecoverAndLogWithContext(ctx, p.logger, "outbox", "processor_cycle")

	ctx, span := p.tracer.Start(ctx, "outbox.processor.cycle")
	defer span.End()

	span.SetAttributes(attribute.String("tenant.id_hash", tenant.HashID(tenantID)))

	result.Reclaimed = p.reclaimStuck(ctx, tenantID)

	if ctx.Err() != nil {
		return result
	}

	messages, err := p.store.Claim(ctx, p.cfg.BatchSize)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to claim messages", err)
		p.logger.Log(ctx, log.LevelError, "outbox failed to claim messages", log.Err(err))

		return result
	}

	result.Claimed = len(messages)

	var mu sync.Mutex

	group, _ := errgroup.WithContext(context.WithoutCancel(ctx))
	group.SetLogger(p.logger)
	group.SetName("outbox.publish")
	group.SetLimit(p.cfg.Concurrency)

	for _, msg := range messages {
		group.Go(func() error {
			o := p.handle(ctx, msg)

			mu.Lock()
			defer mu.Unlock()

			o.apply(&result)

			return nil
		})
	}

	_ = group.Wait()

	span.SetAttributes(
		attribute.Int("outbox.claimed", result.Claimed),
		attribute.Int("outbox.processed", result.Processed),
		attribute.Int("outbox.retried", result.Retried),
		attribute.Int("outbox.failed", result.Failed),
	)

	return result
}

// Process claims and publishes a single message. Messages that are not
// Pending, or that wait behind an older message of the same aggregate, are
// left untouched and reported as not processed.
func (p *Processor) Process(ctx context.Context, id uuid.UUID) (bool, error) {
	if _, err := tenant.Require(ctx, "outbox.process_message"); err != nil {
		return false, err
	}

	if !p.enter() {
		return false, ErrProcessorStopped
	}
	defer p.wg.Done()

	msg, err := p.store.ClaimByID(ctx, id)
	if err != nil {
		return false, err
	}

	if msg == nil {
		return false, nil
	}

	o := p.handle(ctx, msg)
	if o.stateFailed {
		return false, fmt.Errorf("%w: outcome of %s not persisted", ErrTransitionConflict, id)
	}

	return o.kind == outcomeProcessed, nil
}

// GetStats returns counts for the tenant in ctx and refreshes the depth gauge.
func (p *Processor) GetStats(ctx context.Context) (Stats, error) {
	stats, err := p.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}

	if p.factory != nil {
		if gauge, gErr := p.factory.Gauge(metrics.MetricOutboxQueueDepth); gErr == nil {
			for status, value := range map[Status]int64{
				StatusPending:    stats.Pending,
				StatusProcessing: stats.Processing,
				StatusProcessed:  stats.Processed,
				StatusFailed:     stats.Failed,
			} {
				_ = gauge.WithLabels(map[string]string{"status": string(status)}).Set(ctx, value)
			}
		}
	}

	return stats, nil
}

// ListFailed returns Failed messages for operator review.
func (p *Processor) ListFailed(ctx context.Context, limit int) ([]*Message, error) {
	return p.store.ListFailed(ctx, limit)
}

func (p *Processor) reclaimStuck(ctx context.Context, tenantID string) int {
	reclaimed := 0

	sweep := func(lockCtx context.Context) error {
		n, err := p.store.ResetStuckProcessing(lockCtx, p.now().Add(-p.cfg.ProcessingTimeout), p.cfg.BatchSize)
		reclaimed = n

		return err
	}

	var err error
	if p.locker != nil {
		err = p.locker.WithLock(ctx, "outbox:reclaim:"+tenantID, sweep)
	} else {
		err = sweep(ctx)
	}

	if err != nil {
		p.logger.Log(ctx, log.LevelDebug, "outbox skipped stuck message sweep", log.Err(err))

		return 0
	}

	if reclaimed > 0 {
		p.logger.Log(ctx, log.LevelWarn, "outbox reclaimed stuck messages", log.Int("count", reclaimed))
	}

	return reclaimed
}

type outcomeKind uint8

const (
	outcomeProcessed outcomeKind = iota + 1
	outcomeRetried
	outcomeFailed
)

type outcome struct {
	kind        outcomeKind
	retryCount  int
	failureKind faults.Kind
	stateFailed bool
}

func (o outcome) apply(r *Result) {
	if o.stateFailed {
		r.StateUpdateFailed++

		return
	}

	switch o.kind {
	case outcomeProcessed:
		r.Processed++
	case outcomeRetried:
		r.Retried++
	case outcomeFailed:
		r.Failed++
	}
}

func (o outcome) label() string {
	switch o.kind {
	case outcomeProcessed:
		return "processed"
	case outcomeRetried:
		return "retried"
	case outcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// publishFailure maps a classified publish error to the message's next state.
type publishFailure struct {
	msg        *Message
	maxRetries int
}

func (v publishFailure) Transient(error) outcome {
	retries := v.msg.RetryCount + 1
	if retries >= v.maxRetries {
		return outcome{kind: outcomeFailed, retryCount: retries, failureKind: faults.KindTransient}
	}

	return outcome{kind: outcomeRetried, retryCount: retries, failureKind: faults.KindTransient}
}

func (v publishFailure) Permanent(error) outcome {
	return outcome{kind: outcomeFailed, retryCount: v.msg.RetryCount, failureKind: faults.KindPermanent}
}

func (v publishFailure) CircuitOpen(error) outcome {
	return outcome{kind: outcomeRetried, retryCount: v.msg.RetryCount, failureKind: faults.KindCircuitOpen}
}

func (v publishFailure) Configuration(error) outcome {
	return outcome{kind: outcomeRetried, retryCount: v.msg.RetryCount, failureKind: faults.KindConfiguration}
}

func (p *Processor) handle(ctx context.Context, msg *Message) outcome {
	ctx, span := p.tracer.Start(ctx, "outbox.publish")
	defer span.End()

	span.SetAttributes(
		attribute.String("outbox.message_id", msg.ID.String()),
		attribute.String("outbox.event_type", msg.EventType),
		attribute.Int("outbox.retry_count", msg.RetryCount),
	)

	logger := p.logger.With(
		log.String("message_id", msg.ID.String()),
		log.String("aggregate_id", msg.AggregateID),
		log.String("event_type", msg.EventType),
	)

	var (
		result    outcome
		lastError string
	)

	if err := p.publish(ctx, msg); err != nil {
		libOpentelemetry.HandleSpanError(span, "outbox publish failed", err)

		result = faults.Visit(err, publishFailure{msg: msg, maxRetries: p.cfg.MaxRetries})
		lastError = SanitizeError(err)

		p.logFailure(ctx, logger, result, err)
	} else {
		result = outcome{kind: outcomeProcessed, retryCount: msg.RetryCount}
	}

	persistCtx := context.WithoutCancel(ctx)

	var err error

	switch result.kind {
	case outcomeProcessed:
		err = p.store.MarkProcessed(persistCtx, msg.ID, p.now())
	case outcomeFailed:
		err = p.store.MarkFailed(persistCtx, msg.ID, result.retryCount, lastError)
	default:
		err = p.store.MarkRetry(persistCtx, msg.ID, result.retryCount, lastError)
	}

	if err != nil {
		// Delivery is at-least-once: a published message whose state update is
		// lost is reclaimed and published again.
		libOpentelemetry.HandleSpanError(span, "failed to persist outbox outcome", err)
		logger.Log(ctx, log.LevelError, "outbox outcome not persisted; message will be reclaimed", log.Err(err))

		result.stateFailed = true

		return result
	}

	p.countOutcome(ctx, msg.EventType, result)

	return result
}

func (p *Processor) publish(ctx context.Context, msg *Message) (err error) {
	base, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()

	stopHard := context.AfterFunc(p.hardCtx, cancelBase)
	defer stopHard()

	publishCtx, cancel := context.WithTimeout(base, p.cfg.PublishTimeout)
	defer cancel()

	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, p.logger, recovered, "outbox", "publish")
			err = faults.Transient("outbox.publish", fmt.Errorf("publisher panicked: %v", recovered))
		}
	}()

	if err := p.injector.Inject(publishCtx, chaos.TargetOutboxPublish+":"+msg.EventType); err != nil {
		return err
	}

	return p.publisher.Publish(publishCtx, msg.Clone())
}

func (p *Processor) logFailure(ctx context.Context, logger log.Logger, result outcome, err error) {
	fields := []log.Field{
		log.String("failure_kind", result.failureKind.String()),
		log.Int("retry_count", result.retryCount),
		log.Int("max_retries", p.cfg.MaxRetries),
		log.Err(err),
	}

	switch {
	case result.kind == outcomeFailed:
		logger.Log(ctx, log.LevelError, "outbox message failed permanently", fields...)
	case result.failureKind == faults.KindConfiguration:
		logger.Log(ctx, log.LevelError, "outbox message cannot be published; check configuration", fields...)
	default:
		logger.Log(ctx, log.LevelWarn, "outbox publish failed; message returned to pending", fields...)
	}
}

func (p *Processor) countOutcome(ctx context.Context, eventType string, result outcome) {
	if p.factory == nil {
		return
	}

	counter, err := p.factory.Counter(metrics.MetricOutboxOutcomes)
	if err != nil {
		return
	}

	labels := map[string]string{
		"event_type": metrics.SanitizeLabel(eventType),
		"outcome":    result.label(),
	}

	if result.failureKind != 0 {
		labels["failure_kind"] = result.failureKind.String()
	}

	_ = counter.WithLabels(labels).AddOne(ctx)
}
