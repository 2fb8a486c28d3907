package http

import (
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/diagnostics"
	"github.com/abrkgrbz/Stocker-sub077/resilience/internal/nilcheck"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes wires the components to their endpoints. Nil fields leave the
// endpoint unregistered.
type Routes struct {
	Version     string
	Health      HealthChecker
	Breakers    diagnostics.BreakerSnapshots
	RetryQueue  RetryQueueView
	Outbox      OutboxView
	Webhooks    diagnostics.RecentDeliveries
	Metrics     prometheus.Gatherer
	ReadTimeout time.Duration
}

// NewApp builds the fiber application.
//
//	GET /health/live                  liveness
//	GET /health                       verdict, 503 when Unhealthy
//	GET /version
//	GET /metrics                      Prometheus
//	GET /diagnostics/breakers
//	GET /diagnostics/retry-queue      tenant header required
//	GET /diagnostics/retry-queue/dead-letters
//	GET /diagnostics/outbox
//	GET /diagnostics/outbox/failed
//	GET /diagnostics/webhooks/deliveries
func NewApp(routes Routes, logger log.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "resilienced",
		DisableStartupMessage: true,
		ReadTimeout:           routes.ReadTimeout,
		ErrorHandler:          FiberErrorHandler(logger),
	})

	app.Use(recover.New())
	app.Use(WithTenant())
	app.Use(WithHTTPLogging(logger))

	app.Get("/health/live", Ping)
	app.Get("/version", Version(routes.Version))

	if !nilcheck.IsNil(routes.Health) {
		app.Get("/health", Health(routes.Health))
	}

	if !nilcheck.IsNil(routes.Metrics) {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(routes.Metrics, promhttp.HandlerOpts{})))
	}

	diag := app.Group("/diagnostics")

	if !nilcheck.IsNil(routes.Breakers) {
		diag.Get("/breakers", Breakers(routes.Breakers))
	}

	if !nilcheck.IsNil(routes.RetryQueue) {
		diag.Get("/retry-queue", RetryStats(routes.RetryQueue))
		diag.Get("/retry-queue/dead-letters", DeadLetters(routes.RetryQueue))
	}

	if !nilcheck.IsNil(routes.Outbox) {
		diag.Get("/outbox", OutboxStats(routes.Outbox))
		diag.Get("/outbox/failed", FailedMessages(routes.Outbox))
	}

	if !nilcheck.IsNil(routes.Webhooks) {
		diag.Get("/webhooks/deliveries", RecentDeliveries(routes.Webhooks))
	}

	return app
}
