package retryqueue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience"
	"github.com/abrkgrbz/Stocker-sub077/resilience/backoff"
	"github.com/abrkgrbz/Stocker-sub077/resilience/chaos"
	"github.com/abrkgrbz/Stocker-sub077/resilience/errgroup"
	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/nilcheck"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	libOpentelemetry "github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry"
	"github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry/metrics"
	"github.com/abrkgrbz/Stocker-sub077/resilience/outbox"
	"github.com/abrkgrbz/Stocker-sub077/resilience/runtime"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Handler re-executes the operation recorded in entry. Its error is
// classified with the faults package: permanent failures dead-letter the
// entry immediately, open breakers postpone it without spending an attempt.
type Handler func(ctx context.Context, entry *Entry) error

// Result counts the outcomes of one processing cycle.
type Result struct {
	Claimed           int
	Completed         int
	Rescheduled       int
	DeadLettered      int
	Reclaimed         int
	StateUpdateFailed int
}

func (r *Result) add(other Result) {
	r.Claimed += other.Claimed
	r.Completed += other.Completed
	r.Rescheduled += other.Rescheduled
	r.DeadLettered += other.DeadLettered
	r.Reclaimed += other.Reclaimed
	r.StateUpdateFailed += other.StateUpdateFailed
}

// Worker claims due entries and drives them to completion or dead-letter.
type Worker struct {
	store    Store
	policy   backoff.Policy
	cfg      WorkerConfig
	locker   Locker
	injector *chaos.Injector
	logger   log.Logger
	tracer   trace.Tracer
	factory  *metrics.MetricsFactory
	now      func() time.Time

	handlersMu sync.RWMutex
	handlers   map[string]Handler

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

var _ resilience.App = (*Worker)(nil)

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(logger log.Logger) WorkerOption {
	return func(w *Worker) {
		if !nilcheck.IsNil(logger) {
			w.logger = logger
		}
	}
}

// WithWorkerMetrics counts attempt outcomes.
func WithWorkerMetrics(factory *metrics.MetricsFactory) WorkerOption {
	return func(w *Worker) {
		w.factory = factory
	}
}

// WithTracer sets the tracer for cycle and attempt spans.
func WithTracer(tracer trace.Tracer) WorkerOption {
	return func(w *Worker) {
		if !nilcheck.IsNil(tracer) {
			w.tracer = tracer
		}
	}
}

// WithChaos instruments every attempt with the retry.attempt seam.
func WithChaos(injector *chaos.Injector) WorkerOption {
	return func(w *Worker) {
		w.injector = injector
	}
}

// WithLocker serializes the stuck-entry sweep across replicas.
func WithLocker(locker Locker) WorkerOption {
	return func(w *Worker) {
		if !nilcheck.IsNil(locker) {
			w.locker = locker
		}
	}
}

// WithWorkerClock replaces time.Now.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorker builds a Worker that shares queue's store, clock and backoff policy.
func NewWorker(queue *Queue, cfg WorkerConfig, opts ...WorkerOption) (*Worker, error) {
	if queue == nil {
		return nil, ErrQueueRequired
	}

	cfg.normalize()

	hardCtx, cancelHard := context.WithCancel(context.Background())

	w := &Worker{
		store:      queue.store,
		policy:     queue.cfg.Backoff,
		cfg:        cfg,
		logger:     queue.logger,
		tracer:     otel.Tracer("retryqueue"),
		factory:    queue.factory,
		now:        queue.now,
		handlers:   make(map[string]Handler),
		stop:       make(chan struct{}),
		hardCtx:    hardCtx,
		cancelHard: cancelHard,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}

	return w, nil
}

// Register binds handler to operationKey.
func (w *Worker) Register(operationKey string, handler Handler) error {
	operationKey = strings.TrimSpace(operationKey)
	if operationKey == "" {
		return ErrOperationKeyRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()

	if _, exists := w.handlers[operationKey]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, operationKey)
	}

	w.handlers[operationKey] = handler

	return nil
}

func (w *Worker) handler(operationKey string) (Handler, bool) {
	w.handlersMu.RLock()
	defer w.handlersMu.RUnlock()

	h, ok := w.handlers[operationKey]

	return h, ok
}

// Run implements resilience.App.
func (w *Worker) Run(_ *resilience.Launcher) error {
	return w.RunContext(context.Background())
}

// RunContext polls every PollInterval until Stop is called or ctx ends.
func (w *Worker) RunContext(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)

	if !w.registerRun(cancel) {
		cancel()

		return ErrWorkerRunning
	}

	defer w.clearRun()
	defer runtime.RecoverAndLogWithContext(ctx, w.logger, "retryqueue", "worker_run")

	w.logger.Log(ctx, log.LevelInfo, "retry worker started", log.Duration("poll_interval", w.cfg.PollInterval))
	defer w.logger.Log(context.Background(), log.LevelInfo, "retry worker stopped")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.ProcessAllTenants(ctx)

	for {
		select {
		case <-w.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.ProcessAllTenants(ctx)
		}
	}
}

func (w *Worker) registerRun(cancel context.CancelFunc) bool {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	if w.running {
		return false
	}

	w.running = true
	w.cancelLoop = cancel

	return true
}

func (w *Worker) clearRun() {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	w.running = false
	w.cancelLoop = nil
}

// Stop ends the poll loop. Attempts already running are not interrupted.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.runMu.Lock()
		cancel := w.cancelLoop
		close(w.stop)
		w.runMu.Unlock()

		if cancel != nil {
			cancel()
		}
	})
}

// enter registers a cycle with the shutdown wait group. It refuses once Stop
// has run so Add never races the Wait in Shutdown.
func (w *Worker) enter() bool {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	select {
	case <-w.stop:
		return false
	default:
	}

	w.wg.Add(1)

	return true
}

// Shutdown stops the loop and waits up to ShutdownGrace for in-flight
// attempts. Attempts still running afterwards are cancelled; their entries
// are rescheduled like any other transient failure.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.Stop()

	done := make(chan struct{})

	runtime.SafeGoWithContextAndComponent(ctx, w.logger, "retryqueue", "shutdown_wait", runtime.KeepRunning,
		func(context.Context) {
			w.wg.Wait()
			close(done)
		})

	grace := time.NewTimer(w.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
		w.cancelHard()

		return nil
	case <-grace.C:
		w.logger.Log(ctx, log.LevelWarn, "retry worker shutdown grace exceeded; cancelling in-flight attempts")
		w.cancelHard()
	case <-ctx.Done():
		w.cancelHard()

		return fmt.Errorf("retry worker shutdown: %w", ctx.Err())
	}

	select {
	case <-done:
		return ErrShutdownGraceExceeded
	case <-ctx.Done():
		return fmt.Errorf("retry worker shutdown: %w", ctx.Err())
	}
}

// ProcessAllTenants runs one cycle for every tenant with outstanding
// entries, rotating the starting tenant between cycles.
func (w *Worker) ProcessAllTenants(ctx context.Context) Result {
	var total Result

	if ctx.Err() != nil {
		return total
	}

	ctx, span := w.tracer.Start(ctx, "retryqueue.worker.tenants")
	defer span.End()

	tenants, err := w.store.ListTenants(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to list tenants", err)
		w.logger.Log(ctx, log.LevelError, "retry worker failed to list tenants", log.Err(err))

		return total
	}

	for _, tenantID := range w.rotate(tenants) {
		if ctx.Err() != nil {
			break
		}

		total.add(w.ProcessOnce(tenant.ContextWithID(ctx, tenantID)))
	}

	return total
}

func (w *Worker) rotate(tenants []string) []string {
	if len(tenants) < 2 {
		return tenants
	}

	w.runMu.Lock()
	start := w.tenantTurn % len(tenants)
	w.tenantTurn++
	w.runMu.Unlock()

	return append(append([]string(nil), tenants[start:]...), tenants[:start]...)
}

// ProcessOnce reclaims abandoned entries, claims due entries and attempts
// them, all for the tenant in ctx.
func (w *Worker) ProcessOnce(ctx context.Context) Result {
	var result Result

	tenantID, err := tenant.Require(ctx, "retryqueue.process")
	if err != nil {
		w.logger.Log(ctx, log.LevelError, "retry worker cycle without tenant", log.Err(err))

		return result
	}

	if !w.enter() {
		return result
	}
	defer w.wg.Done()

	defer runtime.RecoverAndLogWithContext(ctx, w.logger, "retryqueue", "worker_cycle")

	ctx, span := w.tracer.Start(ctx, "retryqueue.worker.cycle")
	defer span.End()

	span.SetAttributes(attribute.String("tenant.id_hash", tenant.HashID(tenantID)))

	result.Reclaimed = w.reclaimStuck(ctx, tenantID)

	if ctx.Err() != nil {
		return result
	}

	entries, err := w.store.Claim(ctx, w.now(), w.cfg.BatchSize)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to claim entries", err)
		w.logger.Log(ctx, log.LevelError, "retry worker failed to claim entries", log.Err(err))

		return result
	}

	result.Claimed = len(entries)

	var mu sync.Mutex

	group, _ := errgroup.WithContext(context.WithoutCancel(ctx))
	group.SetLogger(w.logger)
	group.SetName("retryqueue.attempt")
	group.SetLimit(w.cfg.Concurrency)

	for _, entry := range entries {
		group.Go(func() error {
			outcome := w.attempt(ctx, entry)

			mu.Lock()
			defer mu.Unlock()

			outcome.apply(&result)

			return nil
		})
	}

	_ = group.Wait()

	span.SetAttributes(
		attribute.Int("retryqueue.claimed", result.Claimed),
		attribute.Int("retryqueue.completed", result.Completed),
		attribute.Int("retryqueue.rescheduled", result.Rescheduled),
		attribute.Int("retryqueue.dead_lettered", result.DeadLettered),
	)

	return result
}

func (w *Worker) reclaimStuck(ctx context.Context, tenantID string) int {
	reclaimed := 0

	sweep := func(lockCtx context.Context) error {
		n, err := w.store.ResetStuckProcessing(lockCtx, w.now().Add(-w.cfg.ProcessingTimeout), w.cfg.BatchSize)
		if err != nil {
			return err
		}

		reclaimed = n

		return nil
	}

	var err error
	if w.locker != nil {
		err = w.locker.WithLock(ctx, "retryqueue:reclaim:"+tenantID, sweep)
	} else {
		err = sweep(ctx)
	}

	if err != nil {
		w.logger.Log(ctx, log.LevelDebug, "retry worker skipped stuck entry sweep", log.Err(err))

		return 0
	}

	if reclaimed > 0 {
		w.logger.Log(ctx, log.LevelWarn, "retry worker reclaimed stuck entries", log.Int("count", reclaimed))
	}

	return reclaimed
}

type outcomeKind uint8

const (
	outcomeCompleted outcomeKind = iota + 1
	outcomeRescheduled
	outcomeDeadLettered
)

type outcome struct {
	kind        outcomeKind
	attempts    int
	delay       time.Duration
	failureKind faults.Kind
	stateFailed bool
}

func (o outcome) apply(r *Result) {
	if o.stateFailed {
		r.StateUpdateFailed++

		return
	}

	switch o.kind {
	case outcomeCompleted:
		r.Completed++
	case outcomeRescheduled:
		r.Rescheduled++
	case outcomeDeadLettered:
		r.DeadLettered++
	}
}

func (o outcome) label() string {
	switch o.kind {
	case outcomeCompleted:
		return "completed"
	case outcomeRescheduled:
		return "rescheduled"
	case outcomeDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// failureVisitor maps a classified failure to the entry's next state.
type failureVisitor struct {
	entry  *Entry
	policy backoff.Policy
}

func (v failureVisitor) Transient(error) outcome {
	attempts := v.entry.AttemptCount + 1
	if attempts >= v.entry.MaxAttempts {
		return outcome{kind: outcomeDeadLettered, attempts: attempts, failureKind: faults.KindTransient}
	}

	return outcome{kind: outcomeRescheduled, attempts: attempts, delay: v.policy.Delay(attempts), failureKind: faults.KindTransient}
}

func (v failureVisitor) Permanent(error) outcome {
	return outcome{kind: outcomeDeadLettered, attempts: v.entry.AttemptCount, failureKind: faults.KindPermanent}
}

func (v failureVisitor) CircuitOpen(error) outcome {
	return outcome{
		kind:        outcomeRescheduled,
		attempts:    v.entry.AttemptCount,
		delay:       v.policy.Floor(v.entry.AttemptCount + 1),
		failureKind: faults.KindCircuitOpen,
	}
}

func (v failureVisitor) Configuration(error) outcome {
	return outcome{
		kind:        outcomeRescheduled,
		attempts:    v.entry.AttemptCount,
		delay:       v.policy.Floor(v.entry.MaxAttempts + 1),
		failureKind: faults.KindConfiguration,
	}
}

func (w *Worker) attempt(ctx context.Context, entry *Entry) outcome {
	ctx, span := w.tracer.Start(ctx, "retryqueue.attempt")
	defer span.End()

	span.SetAttributes(
		attribute.String("retryqueue.entry_id", entry.ID.String()),
		attribute.String("retryqueue.operation_key", entry.OperationKey),
		attribute.Int("retryqueue.attempt", entry.AttemptCount+1),
	)

	logger := w.logger.With(
		log.String("entry_id", entry.ID.String()),
		log.String("operation_key", entry.OperationKey),
	)

	var result outcome

	if entry.AttemptCount >= entry.MaxAttempts {
		result = outcome{kind: outcomeDeadLettered, attempts: entry.AttemptCount, failureKind: faults.KindPermanent}
	} else if err := w.invoke(ctx, entry); err != nil {
		libOpentelemetry.HandleSpanError(span, "retry attempt failed", err)

		result = faults.Visit(err, failureVisitor{entry: entry, policy: w.policy})
		w.logFailure(ctx, logger, entry, result, err)

		entry.LastError = outbox.SanitizeError(err)
	} else {
		result = outcome{kind: outcomeCompleted, attempts: entry.AttemptCount + 1}
	}

	if err := w.persist(context.WithoutCancel(ctx), entry, result); err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to persist retry outcome", err)
		logger.Log(ctx, log.LevelError, "retry outcome not persisted; entry will be reclaimed", log.Err(err))

		result.stateFailed = true

		return result
	}

	w.countOutcome(ctx, entry.OperationKey, result)

	return result
}

func (w *Worker) invoke(ctx context.Context, entry *Entry) (err error) {
	handler, ok := w.handler(entry.OperationKey)
	if !ok {
		return faults.Configuration(entry.OperationKey, ErrHandlerNotRegistered)
	}

	base, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()

	stopHard := context.AfterFunc(w.hardCtx, cancelBase)
	defer stopHard()

	attemptCtx, cancel := context.WithTimeout(base, w.cfg.AttemptTimeout)
	defer cancel()

	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, w.logger, recovered, "retryqueue", "handler_"+entry.OperationKey)
			err = faults.Transient(entry.OperationKey, fmt.Errorf("handler panicked: %v", recovered))
		}
	}()

	if err := w.injector.Inject(attemptCtx, chaos.TargetRetryAttempt+":"+entry.OperationKey); err != nil {
		return err
	}

	return handler(attemptCtx, entry.Clone())
}

func (w *Worker) persist(ctx context.Context, entry *Entry, result outcome) error {
	switch result.kind {
	case outcomeCompleted:
		return w.store.Complete(ctx, entry.ID, w.now())
	case outcomeDeadLettered:
		return w.store.DeadLetter(ctx, entry.ID, result.attempts, entry.LastError)
	default:
		return w.store.Reschedule(ctx, entry.ID, result.attempts, w.now().Add(result.delay), entry.LastError)
	}
}

func (w *Worker) logFailure(ctx context.Context, logger log.Logger, entry *Entry, result outcome, err error) {
	fields := []log.Field{
		log.String("failure_kind", result.failureKind.String()),
		log.Int("attempt", result.attempts),
		log.Int("max_attempts", entry.MaxAttempts),
		log.Err(err),
	}

	switch {
	case result.kind == outcomeDeadLettered:
		logger.Log(ctx, log.LevelError, "retry entry dead-lettered", fields...)
	case result.failureKind == faults.KindConfiguration:
		logger.Log(ctx, log.LevelError, "retry entry cannot run; postponed until configuration is fixed", fields...)
	default:
		logger.Log(ctx, log.LevelWarn, "retry attempt failed; rescheduled", append(fields, log.Duration("delay", result.delay))...)
	}
}

func (w *Worker) countOutcome(ctx context.Context, operationKey string, result outcome) {
	if w.factory == nil {
		return
	}

	counter, err := w.factory.Counter(metrics.MetricRetryOutcomes)
	if err != nil {
		return
	}

	labels := map[string]string{
		"operation_key": metrics.SanitizeLabel(operationKey),
		"outcome":       result.label(),
	}

	if result.failureKind != 0 {
		labels["failure_kind"] = result.failureKind.String()
	}

	_ = counter.WithLabels(labels).AddOne(ctx)
}
