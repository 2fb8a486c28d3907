package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/chaos"
	"github.com/abrkgrbz/Stocker-sub077/resilience/circuitbreaker"
	"github.com/abrkgrbz/Stocker-sub077/resilience/errgroup"
	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/nilcheck"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	libOpentelemetry "github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry"
	"github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry/metrics"
	"github.com/abrkgrbz/Stocker-sub077/resilience/outbox"
	"github.com/abrkgrbz/Stocker-sub077/resilience/retryqueue"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OperationKeyRedeliver is the retry-queue operation that replays a failed
// delivery. Register RedeliveryHandler under it.
const OperationKeyRedeliver = "webhook.redeliver"

const deliveryOp = "webhook.delivery"

// Config tunes delivery.
type Config struct {
	// Concurrency bounds parallel deliveries of one event.
	Concurrency int `mapstructure:"concurrency"`
	// AttemptTimeout bounds one HTTP attempt including breaker wait.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	// RetryFailed hands retryable failures to the retry scheduler.
	RetryFailed bool `mapstructure:"retry_failed"`
	// RetryMaxAttempts overrides the retry queue default when positive.
	RetryMaxAttempts int `mapstructure:"retry_max_attempts"`
}

// DefaultConfig delivers four subscriptions at a time with a 15s bound and
// schedules failures for retry.
func DefaultConfig() Config {
	return Config{Concurrency: 4, AttemptTimeout: 15 * time.Second, RetryFailed: true}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}

	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaults.AttemptTimeout
	}
}

// RetryScheduler is the part of *retryqueue.Queue the service needs.
type RetryScheduler interface {
	Enqueue(ctx context.Context, operationKey string, payload []byte, cause error, opts ...retryqueue.EnqueueOption) (*retryqueue.Entry, error)
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Service) {
		if !nilcheck.IsNil(logger) {
			s.logger = logger
		}
	}
}

// WithMetrics counts deliveries and records their latency.
func WithMetrics(factory *metrics.MetricsFactory) Option {
	return func(s *Service) {
		s.factory = factory
	}
}

// WithTracer sets the tracer for delivery spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if !nilcheck.IsNil(tracer) {
			s.tracer = tracer
		}
	}
}

// WithChaos instruments every attempt with the webhook.delivery seam.
func WithChaos(injector *chaos.Injector) Option {
	return func(s *Service) {
		s.injector = injector
	}
}

// WithRetryScheduler routes failed deliveries into a retry queue.
func WithRetryScheduler(scheduler RetryScheduler) Option {
	return func(s *Service) {
		if !nilcheck.IsNil(scheduler) {
			s.scheduler = scheduler
		}
	}
}

// WithBreakers guards each endpoint host with a breaker named
// "webhook:<host>" created from cfg.
func WithBreakers(registry *circuitbreaker.Registry, cfg circuitbreaker.Config) Option {
	return func(s *Service) {
		s.breakers = registry
		s.breakerCfg = cfg
	}
}

// WithClock replaces time.Now for attempt timestamps and signatures.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service signs, sends and records webhook deliveries.
type Service struct {
	store      Store
	client     HTTPClient
	cfg        Config
	scheduler  RetryScheduler
	breakers   *circuitbreaker.Registry
	breakerCfg circuitbreaker.Config
	injector   *chaos.Injector
	validate   *validator.Validate
	logger     log.Logger
	tracer     trace.Tracer
	factory    *metrics.MetricsFactory
	now        func() time.Time
}

var _ outbox.Publisher = (*Service)(nil)

// NewService builds a Service.
func NewService(store Store, client HTTPClient, cfg Config, opts ...Option) (*Service, error) {
	if nilcheck.IsNil(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.IsNil(client) {
		return nil, ErrClientRequired
	}

	cfg.normalize()

	s := &Service{
		store:    store,
		client:   client,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   log.NewNop(),
		tracer:   otel.Tracer("webhook"),
		now:      time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// RegisterSubscription validates sub and stores it for the tenant in ctx.
// A zero ID or CreatedAt is filled in.
func (s *Service) RegisterSubscription(ctx context.Context, sub *Subscription) (*Subscription, error) {
	if sub == nil {
		return nil, ErrSubscriptionRequired
	}

	tenantID, err := tenant.Require(ctx, "webhook.register_subscription")
	if err != nil {
		return nil, err
	}

	cp := sub.Clone()
	cp.TenantID = tenantID
	cp.URL = strings.TrimSpace(cp.URL)
	cp.EventTypes = normalizeEventTypes(cp.EventTypes)

	if err := s.validate.Struct(cp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSubscription, err)
	}

	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}

	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}

	if err := s.store.SaveSubscription(ctx, cp); err != nil {
		return nil, fmt.Errorf("saving webhook subscription: %w", err)
	}

	return cp, nil
}

func normalizeEventTypes(types []string) []string {
	out := make([]string, 0, len(types))

	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}

	return out
}

// Deliver posts event to every active subscription of the tenant in ctx that
// matches its type. Delivery failures are recorded and, when configured,
// scheduled for retry; they never surface as an error. The error reports
// only a missing tenant, an invalid event or an unreadable subscription list.
func (s *Service) Deliver(ctx context.Context, event Event) (Report, error) {
	var report Report

	if _, err := tenant.Require(ctx, "webhook.deliver"); err != nil {
		return report, err
	}

	if strings.TrimSpace(event.Type) == "" || len(event.Payload) == 0 {
		return report, faults.Permanent("webhook.deliver", ErrEventRequired)
	}

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}

	subs, err := s.store.ActiveSubscriptions(ctx, event.Type)
	if err != nil {
		return report, faults.Transient("webhook.deliver", fmt.Errorf("listing subscriptions: %w", err))
	}

	report.Matched = len(subs)

	var mu sync.Mutex

	group, _ := errgroup.WithContext(ctx)
	group.SetLogger(s.logger)
	group.SetName("webhook.deliver")
	group.SetLimit(s.cfg.Concurrency)

	for _, sub := range subs {
		group.Go(func() error {
			_, deliverErr := s.attempt(ctx, sub, event)

			scheduled := false
			if deliverErr != nil {
				scheduled = s.scheduleRetry(ctx, sub, event, deliverErr)
			}

			mu.Lock()
			defer mu.Unlock()

			if deliverErr != nil {
				report.Failed++
			} else {
				report.Succeeded++
			}

			if scheduled {
				report.Scheduled++
			}

			return nil
		})
	}

	_ = group.Wait()

	return report, nil
}

// Publish adapts Deliver to outbox.Publisher so webhooks can sit behind the
// outbox processor. Only failures to read subscriptions are returned.
func (s *Service) Publish(ctx context.Context, msg *outbox.Message) error {
	if msg == nil {
		return faults.Permanent("webhook.publish", outbox.ErrMessageRequired)
	}

	_, err := s.Deliver(ctx, Event{
		ID:         msg.ID,
		Type:       msg.EventType,
		Payload:    msg.Payload,
		OccurredAt: msg.CreatedAt,
	})

	return err
}

// GetRecentDeliveries returns up to n deliveries of the tenant in ctx, most
// recent first.
func (s *Service) GetRecentDeliveries(ctx context.Context, n int) ([]*Delivery, error) {
	return s.store.RecentDeliveries(ctx, n)
}

// attempt performs and records one signed POST.
func (s *Service) attempt(ctx context.Context, sub *Subscription, event Event) (*Delivery, error) {
	ctx, span := s.tracer.Start(ctx, deliveryOp, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("webhook.subscription_id", sub.ID.String()),
		attribute.String("webhook.event_type", event.Type),
		attribute.String("webhook.event_id", event.ID.String()),
	)

	attemptedAt := s.now().UTC()
	headers := map[string]string{
		HeaderSignature: Sign(sub.Secret, attemptedAt, event.Payload),
		HeaderTimestamp: strconv.FormatInt(attemptedAt.Unix(), 10),
		HeaderEvent:     event.Type,
		HeaderEventID:   event.ID.String(),
		HeaderIdempKey:  event.ID.String(),
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	started := time.Now()

	status, err := s.send(attemptCtx, sub, event, headers)

	delivery := &Delivery{
		ID:             uuid.New(),
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		EventID:        event.ID,
		AttemptedAt:    attemptedAt,
		Success:        err == nil,
		ResponseCode:   status,
		Latency:        time.Since(started),
	}

	span.SetAttributes(attribute.Int("http.response.status_code", status))

	if err != nil {
		delivery.Error = outbox.SanitizeError(err)
		libOpentelemetry.HandleSpanError(span, "webhook delivery failed", err)
	}

	if recordErr := s.store.RecordDelivery(context.WithoutCancel(ctx), delivery); recordErr != nil {
		s.logger.Log(ctx, log.LevelError, "failed to record webhook delivery",
			log.String("subscription_id", sub.ID.String()), log.Err(recordErr))
	}

	s.observe(ctx, event.Type, delivery)

	return delivery, err
}

func (s *Service) send(ctx context.Context, sub *Subscription, event Event, headers map[string]string) (int, error) {
	post := func(ctx context.Context) (any, error) {
		if err := s.injector.Inject(ctx, chaos.TargetWebhookDelivery+":"+event.Type); err != nil {
			return 0, err
		}

		status, err := s.client.Post(ctx, sub.URL, headers, event.Payload)
		if err != nil {
			return 0, faults.Transient(deliveryOp, err)
		}

		return status, classifyStatus(status)
	}

	if s.breakers == nil {
		result, err := post(ctx)
		status, _ := result.(int)

		return status, err
	}

	breaker, err := s.breakers.GetOrCreate("webhook:"+endpointHost(sub.URL), s.breakerCfg)
	if err != nil {
		return 0, err
	}

	result, err := breaker.Execute(ctx, post)
	status, _ := result.(int)

	return status, err
}

// classifyStatus maps a response code to a failure kind: throttling and
// server errors are transient, other client errors permanent.
func classifyStatus(status int) error {
	if status >= 200 && status < 300 {
		return nil
	}

	err := fmt.Errorf("%w: %d", ErrUnexpectedStatus, status)

	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly, status == http.StatusTooManyRequests:
		return faults.Transient(deliveryOp, err)
	case status >= 500:
		return faults.Transient(deliveryOp, err)
	default:
		return faults.Permanent(deliveryOp, err)
	}
}

func endpointHost(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return raw
	}

	return parsed.Host
}

type redelivery struct {
	SubscriptionID uuid.UUID `json:"subscriptionId"`
	EventID        uuid.UUID `json:"eventId"`
	EventType      string    `json:"eventType"`
	Payload        []byte    `json:"payload"`
	OccurredAt     time.Time `json:"occurredAt"`
}

func (s *Service) scheduleRetry(ctx context.Context, sub *Subscription, event Event, cause error) bool {
	logger := s.logger.With(
		log.String("subscription_id", sub.ID.String()),
		log.String("event_id", event.ID.String()),
		log.String("failure_kind", faults.Classify(cause).String()),
	)

	if !s.cfg.RetryFailed || s.scheduler == nil || !faults.IsRetryable(cause) {
		logger.Log(ctx, log.LevelWarn, "webhook delivery failed", log.Err(cause))

		return false
	}

	payload, err := json.Marshal(redelivery{
		SubscriptionID: sub.ID,
		EventID:        event.ID,
		EventType:      event.Type,
		Payload:        event.Payload,
		OccurredAt:     event.OccurredAt,
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to encode webhook redelivery", log.Err(err))

		return false
	}

	var opts []retryqueue.EnqueueOption
	if s.cfg.RetryMaxAttempts > 0 {
		opts = append(opts, retryqueue.WithMaxAttempts(s.cfg.RetryMaxAttempts))
	}

	if _, err := s.scheduler.Enqueue(context.WithoutCancel(ctx), OperationKeyRedeliver, payload, cause, opts...); err != nil {
		logger.Log(ctx, log.LevelError, "failed to schedule webhook redelivery", log.Err(err), log.String("cause", outbox.SanitizeError(cause)))

		return false
	}

	logger.Log(ctx, log.LevelWarn, "webhook delivery failed; scheduled for retry", log.Err(cause))

	return true
}

// RedeliveryHandler replays deliveries scheduled by a failed attempt. A
// subscription that was removed or deactivated meanwhile dead-letters the
// entry.
func (s *Service) RedeliveryHandler() retryqueue.Handler {
	return func(ctx context.Context, entry *retryqueue.Entry) error {
		var job redelivery
		if err := json.Unmarshal(entry.Payload, &job); err != nil {
			return faults.Permanent(OperationKeyRedeliver, fmt.Errorf("decoding redelivery: %w", err))
		}

		sub, err := s.store.GetSubscription(ctx, job.SubscriptionID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			return faults.Permanent(OperationKeyRedeliver, err)
		}

		if err != nil {
			return faults.Transient(OperationKeyRedeliver, err)
		}

		if !sub.IsActive {
			return faults.Permanent(OperationKeyRedeliver, ErrSubscriptionInactive)
		}

		_, err = s.attempt(ctx, sub, Event{
			ID:         job.EventID,
			Type:       job.EventType,
			Payload:    job.Payload,
			OccurredAt: job.OccurredAt,
		})

		return err
	}
}

func (s *Service) observe(ctx context.Context, eventType string, delivery *Delivery) {
	if s.factory == nil {
		return
	}

	result := "success"
	if !delivery.Success {
		result = "failure"
	}

	if counter, err := s.factory.Counter(metrics.MetricWebhookDeliveries); err == nil {
		_ = counter.WithLabels(map[string]string{
			"event_type": metrics.SanitizeLabel(eventType),
			"result":     result,
		}).AddOne(ctx)
	}

	if histogram, err := s.factory.Histogram(metrics.MetricWebhookLatency); err == nil {
		_ = histogram.WithLabels(map[string]string{"result": result}).Record(ctx, delivery.Latency.Milliseconds())
	}
}
