package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/abrkgrbz/Stocker-sub077/resilience/auditfallback"
	auditPostgres "github.com/abrkgrbz/Stocker-sub077/resilience/auditfallback/postgres"
	"github.com/abrkgrbz/Stocker-sub077/resilience/chaos"
	"github.com/abrkgrbz/Stocker-sub077/resilience/circuitbreaker"
	"github.com/abrkgrbz/Stocker-sub077/resilience/config"
	"github.com/abrkgrbz/Stocker-sub077/resilience/diagnostics"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry"
	"github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry/metrics"
	"github.com/abrkgrbz/Stocker-sub077/resilience/outbox"
	outboxPostgres "github.com/abrkgrbz/Stocker-sub077/resilience/outbox/postgres"
	libPostgres "github.com/abrkgrbz/Stocker-sub077/resilience/postgres"
	"github.com/abrkgrbz/Stocker-sub077/resilience/rabbitmq"
	libRedis "github.com/abrkgrbz/Stocker-sub077/resilience/redis"
	"github.com/abrkgrbz/Stocker-sub077/resilience/retryqueue"
	retryPostgres "github.com/abrkgrbz/Stocker-sub077/resilience/retryqueue/postgres"
	"github.com/abrkgrbz/Stocker-sub077/resilience/runtime"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/abrkgrbz/Stocker-sub077/resilience/transfers"
	"github.com/abrkgrbz/Stocker-sub077/resilience/webhook"
	webhookPostgres "github.com/abrkgrbz/Stocker-sub077/resilience/webhook/postgres"
	libZap "github.com/abrkgrbz/Stocker-sub077/resilience/zap"
)

// Breaker names for infrastructure dependencies.
const (
	breakerPostgres = "postgres"
	breakerRedis    = "redis"
	breakerRabbitMQ = "rabbitmq"
)

// stack holds every component built from one Config. close releases them
// in reverse order of construction.
type stack struct {
	cfg       *config.Config
	logger    log.Logger
	telemetry *opentelemetry.Telemetry
	factory   *metrics.MetricsFactory

	postgres *libPostgres.Client
	redis    *libRedis.Client
	rabbit   *rabbitmq.Connection

	chaos    *chaos.Injector
	breakers *circuitbreaker.Registry
	prober   *circuitbreaker.Prober

	retryQueue  *retryqueue.Queue
	retryWorker *retryqueue.Worker
	outbox      *outbox.Processor
	webhooks    *webhook.Service
	audit       *auditfallback.Queue
	transfers   transfers.Counter
	tenants     tenant.Discoverer
	store       stores

	closers []func() error
}

// newLogger builds the zap logger for cfg.
func newLogger(cfg *config.Config) (log.Logger, error) {
	logger, _, err := libZap.New(libZap.Config{
		Environment:     libZap.Environment(cfg.Environment),
		Level:           cfg.LogLevel,
		OTelLibraryName: cfg.Service.Name,
	})
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// buildStack connects the configured infrastructure and assembles the
// components. On error everything already opened is closed.
func buildStack(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *stack, err error) {
	st := &stack{cfg: cfg, logger: log.OrNop(logger)}

	defer func() {
		if err != nil {
			_ = st.close()
		}
	}()

	if err := st.buildTelemetry(); err != nil {
		return nil, err
	}

	if err := st.buildChaos(); err != nil {
		return nil, err
	}

	st.breakers = circuitbreaker.NewRegistry(st.logger,
		circuitbreaker.WithMetrics(st.factory),
		circuitbreaker.WithChaos(st.chaos))

	if err := st.connect(ctx); err != nil {
		return nil, err
	}

	if err := st.buildWorkers(ctx); err != nil {
		return nil, err
	}

	if err := st.buildProber(); err != nil {
		return nil, err
	}

	return st, nil
}

func (st *stack) buildTelemetry() error {
	telemetry, err := opentelemetry.NewTelemetry(&opentelemetry.TelemetryConfig{
		LibraryName:               st.cfg.Service.Name,
		ServiceName:               st.cfg.Service.Name,
		ServiceVersion:            st.cfg.Service.Version,
		DeploymentEnv:             st.cfg.Environment,
		CollectorExporterEndpoint: st.cfg.Telemetry.CollectorEndpoint,
		EnableTelemetry:           st.cfg.Telemetry.Enabled,
		Logger:                    st.logger,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	st.telemetry = telemetry
	st.factory = telemetry.MetricsFactory

	runtime.SetProductionMode(st.cfg.IsProduction())
	runtime.InitPanicMetrics(st.factory, st.logger)

	return nil
}

func (st *stack) buildChaos() error {
	var rules chaos.Configuration

	if st.cfg.Chaos.File != "" {
		loaded, err := chaos.LoadFile(st.cfg.Chaos.File)
		if err != nil {
			return err
		}

		rules = loaded
	}

	injector, err := chaos.NewInjector(rules, st.cfg.IsProduction(),
		chaos.WithLogger(st.logger),
		chaos.WithMetrics(st.factory))
	if err != nil {
		return err
	}

	st.chaos = injector

	return nil
}

func (st *stack) connect(ctx context.Context) error {
	if st.cfg.Storage == config.StoragePostgres {
		pgCfg := st.cfg.Postgres
		pgCfg.Logger = st.logger

		client, err := libPostgres.New(pgCfg)
		if err != nil {
			return err
		}

		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}

		st.postgres = client
		st.closers = append(st.closers, client.Close)

		if err := st.ensureBreaker(breakerPostgres); err != nil {
			return err
		}
	}

	if st.cfg.Redis.Enabled {
		redisCfg := st.cfg.Redis.Config
		redisCfg.Logger = st.logger

		client, err := libRedis.New(ctx, redisCfg)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}

		st.redis = client
		st.closers = append(st.closers, client.Close)

		if err := st.ensureBreaker(breakerRedis); err != nil {
			return err
		}
	}

	if st.cfg.RabbitMQ.Enabled {
		conn, err := rabbitmq.NewConnection(st.cfg.RabbitMQ.Config, st.logger)
		if err != nil {
			return fmt.Errorf("rabbitmq: %w", err)
		}

		st.closers = append(st.closers, conn.Close)

		if err := conn.DeclareTopology(ctx); err != nil {
			return fmt.Errorf("rabbitmq topology: %w", err)
		}

		st.rabbit = conn

		if err := st.ensureBreaker(breakerRabbitMQ); err != nil {
			return err
		}
	}

	return nil
}

func (st *stack) ensureBreaker(name string) error {
	_, err := st.breakers.GetOrCreate(name, st.cfg.CircuitBreakers.Dependency)

	return err
}

type stores struct {
	retry    retryqueue.Store
	outbox   outbox.Store
	webhooks webhook.Store
	sink     auditfallback.Sink
}

func (st *stack) stores() (stores, error) {
	if st.postgres == nil {
		return stores{
			retry:    retryqueue.NewMemoryStore(),
			outbox:   outbox.NewMemoryStore(),
			webhooks: webhook.NewMemoryStore(),
			sink:     logSink(st.logger),
		}, nil
	}

	retry, err := retryPostgres.NewRepository(st.postgres, retryPostgres.WithLogger(st.logger))
	if err != nil {
		return stores{}, err
	}

	ob, err := outboxPostgres.NewRepository(st.postgres, outboxPostgres.WithLogger(st.logger))
	if err != nil {
		return stores{}, err
	}

	hooks, err := webhookPostgres.NewRepository(st.postgres)
	if err != nil {
		return stores{}, err
	}

	sink, err := auditPostgres.NewSink(st.postgres, "")
	if err != nil {
		return stores{}, err
	}

	return stores{retry: retry, outbox: ob, webhooks: hooks, sink: guardedSink(st.breakers, sink)}, nil
}

func (st *stack) buildWorkers(ctx context.Context) error {
	s, err := st.stores()
	if err != nil {
		return err
	}

	st.store = s

	// Workers only sweep tenants with outstanding work; the configured list
	// keeps tenants whose backlog is all dead-lettered or failed visible.
	st.tenants = tenant.Union(
		tenant.StaticDiscoverer(st.cfg.Tenants),
		tenant.DiscoverFunc(s.retry.ListTenants),
		tenant.DiscoverFunc(s.outbox.ListTenants),
	)

	tracer := st.telemetry.Tracer()

	var locker *libRedis.LockManager

	if st.redis != nil {
		locker, err = libRedis.NewLockManager(st.redis,
			libRedis.WithDefaultLockOptions(libRedis.SweepLockOptions()),
			libRedis.WithLockLogger(st.logger))
		if err != nil {
			return err
		}
	}

	st.retryQueue, err = retryqueue.New(s.retry, st.cfg.RetryQueue.Config,
		retryqueue.WithLogger(st.logger),
		retryqueue.WithMetrics(st.factory))
	if err != nil {
		return err
	}

	st.webhooks, err = webhook.NewService(s.webhooks, webhook.NewClient(st.cfg.Webhook.Client), st.cfg.Webhook.Config,
		webhook.WithLogger(st.logger),
		webhook.WithMetrics(st.factory),
		webhook.WithTracer(tracer),
		webhook.WithChaos(st.chaos),
		webhook.WithRetryScheduler(st.retryQueue),
		webhook.WithBreakers(st.breakers, st.cfg.CircuitBreakers.Webhook))
	if err != nil {
		return err
	}

	workerOpts := []retryqueue.WorkerOption{
		retryqueue.WithWorkerLogger(st.logger),
		retryqueue.WithWorkerMetrics(st.factory),
		retryqueue.WithTracer(tracer),
		retryqueue.WithChaos(st.chaos),
	}

	processorOpts := []outbox.ProcessorOption{
		outbox.WithLogger(st.logger),
		outbox.WithMetrics(st.factory),
		outbox.WithTracer(tracer),
		outbox.WithChaos(st.chaos),
	}

	if locker != nil {
		workerOpts = append(workerOpts, retryqueue.WithLocker(locker))
		processorOpts = append(processorOpts, outbox.WithLocker(locker))
	}

	st.retryWorker, err = retryqueue.NewWorker(st.retryQueue, st.cfg.RetryQueue.Worker, workerOpts...)
	if err != nil {
		return err
	}

	if err := st.retryWorker.Register(webhook.OperationKeyRedeliver, st.webhooks.RedeliveryHandler()); err != nil {
		return err
	}

	publishers := []outbox.Publisher{st.webhooks}

	if st.rabbit != nil {
		broker, err := rabbitmq.NewPublisherFromConnection(st.rabbit,
			rabbitmq.WithLogger(st.logger),
			rabbitmq.WithTracer(tracer))
		if err != nil {
			return err
		}

		publishers = append(publishers, guardedPublisher(st.breakers, broker))
	}

	st.outbox, err = outbox.NewProcessor(s.outbox, outbox.Fanout(publishers...), st.cfg.Outbox, processorOpts...)
	if err != nil {
		return err
	}

	if err := st.buildAudit(ctx, s.sink); err != nil {
		return err
	}

	if st.cfg.Transfers.Enabled && st.postgres != nil {
		counter, err := transfers.NewPostgresCounter(st.postgres, st.cfg.Transfers.Config)
		if err != nil {
			return err
		}

		st.transfers = counter
	}

	return nil
}

func (st *stack) buildAudit(_ context.Context, sink auditfallback.Sink) error {
	var store auditfallback.Store = auditfallback.NewMemoryStore()

	if st.cfg.AuditFallback.Backend == "redis" {
		if st.redis == nil {
			return errors.New("audit fallback: redis backend requires redis.enabled")
		}

		redisStore, err := auditfallback.NewRedisStore(st.redis, st.cfg.AuditFallback.Key)
		if err != nil {
			return err
		}

		store = redisStore
	}

	queue, err := auditfallback.New(store, sink, st.cfg.AuditFallback.Config,
		auditfallback.WithLogger(st.logger),
		auditfallback.WithMetrics(st.factory))
	if err != nil {
		return err
	}

	st.audit = queue

	return nil
}

// buildProber registers health checks for the infrastructure breakers so
// an Open breaker is probed in the background rather than by live traffic.
func (st *stack) buildProber() error {
	if st.cfg.CircuitBreakers.ProbeInterval <= 0 {
		return nil
	}

	prober, err := circuitbreaker.NewProber(st.breakers, st.cfg.CircuitBreakers.ProbeInterval, st.logger)
	if err != nil {
		return err
	}

	checks := make(map[string]circuitbreaker.HealthCheckFunc, 3)

	if st.postgres != nil {
		checks[breakerPostgres] = st.postgres.Ping
	}

	if st.redis != nil {
		checks[breakerRedis] = st.redis.Ping
	}

	if st.rabbit != nil {
		checks[breakerRabbitMQ] = st.rabbit.Connect
	}

	for name, check := range checks {
		prober.Register(name, check)
	}

	st.prober = prober

	return nil
}

// newAggregator wires every component into the health check.
func (st *stack) newAggregator(opts ...diagnostics.Option) *diagnostics.Aggregator {
	sources := diagnostics.Sources{
		RetryQueue:    st.retryQueue,
		Outbox:        st.outbox,
		Breakers:      st.breakers,
		AuditFallback: st.audit,
		Webhooks:      st.webhooks,
		Tenants:       st.tenants,
	}

	if st.transfers != nil {
		sources.Transfers = st.transfers
	}

	opts = append([]diagnostics.Option{
		diagnostics.WithLogger(st.logger),
		diagnostics.WithMetrics(st.factory),
	}, opts...)

	return diagnostics.NewAggregator(sources, st.cfg.Diagnostics, opts...)
}

// releaseTelemetry hands telemetry shutdown to the caller.
func (st *stack) releaseTelemetry() *opentelemetry.Telemetry {
	telemetry := st.telemetry
	st.telemetry = nil

	return telemetry
}

func (st *stack) close() error {
	var errs []error

	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	st.closers = nil

	if st.telemetry != nil {
		if err := st.telemetry.Shutdown(context.Background()); err != nil {
			errs = append(errs, err)
		}

		st.telemetry = nil
	}

	return errors.Join(errs...)
}
