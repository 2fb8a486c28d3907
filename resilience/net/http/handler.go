package http

import (
	"context"
	"strconv"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/circuitbreaker"
	"github.com/abrkgrbz/Stocker-sub077/resilience/diagnostics"
	"github.com/abrkgrbz/Stocker-sub077/resilience/outbox"
	"github.com/abrkgrbz/Stocker-sub077/resilience/retryqueue"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/abrkgrbz/Stocker-sub077/resilience/webhook"
	"github.com/gofiber/fiber/v2"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// HealthChecker is implemented by *diagnostics.Aggregator.
type HealthChecker interface {
	Check(ctx context.Context) diagnostics.Report
}

// Ping answers liveness probes.
func Ping(c *fiber.Ctx) error {
	return c.SendString("pong")
}

// Version reports the running build.
func Version(version string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"version": version, "requestDate": time.Now().UTC()})
	}
}

// Health serves the verdict. Healthy and Degraded answer 200 so load
// balancers keep routing; Unhealthy answers 503.
func Health(checker HealthChecker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		report := checker.Check(c.UserContext())

		status := fiber.StatusOK
		if report.Verdict == diagnostics.Unhealthy {
			status = fiber.StatusServiceUnavailable
		}

		return c.Status(status).JSON(report)
	}
}

// Breakers lists every circuit breaker snapshot.
func Breakers(registry diagnostics.BreakerSnapshots) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(registry.GetAll())
	}
}

// RetryQueueView is the part of *retryqueue.Queue the handlers read.
type RetryQueueView interface {
	GetStats(ctx context.Context) (retryqueue.Stats, error)
	ListDeadLettered(ctx context.Context, limit int) ([]*retryqueue.Entry, error)
}

// OutboxView is the part of *outbox.Processor the handlers read.
type OutboxView interface {
	GetStats(ctx context.Context) (outbox.Stats, error)
	ListFailed(ctx context.Context, limit int) ([]*outbox.Message, error)
}

// RetryStats serves the tenant's retry queue counts.
func RetryStats(queue RetryQueueView) fiber.Handler {
	return tenantScoped("diagnostics.retry_stats", func(c *fiber.Ctx, ctx context.Context) error {
		stats, err := queue.GetStats(ctx)
		if err != nil {
			return err
		}

		return c.JSON(stats)
	})
}

// DeadLetters serves the tenant's dead-lettered entries.
func DeadLetters(queue RetryQueueView) fiber.Handler {
	return tenantScoped("diagnostics.dead_letters", func(c *fiber.Ctx, ctx context.Context) error {
		entries, err := queue.ListDeadLettered(ctx, listLimit(c))
		if err != nil {
			return err
		}

		return c.JSON(entries)
	})
}

// OutboxStats serves the tenant's outbox counts.
func OutboxStats(view OutboxView) fiber.Handler {
	return tenantScoped("diagnostics.outbox_stats", func(c *fiber.Ctx, ctx context.Context) error {
		stats, err := view.GetStats(ctx)
		if err != nil {
			return err
		}

		return c.JSON(stats)
	})
}

// FailedMessages serves the tenant's Failed outbox messages.
func FailedMessages(view OutboxView) fiber.Handler {
	return tenantScoped("diagnostics.outbox_failed", func(c *fiber.Ctx, ctx context.Context) error {
		messages, err := view.ListFailed(ctx, listLimit(c))
		if err != nil {
			return err
		}

		return c.JSON(messages)
	})
}

// RecentDeliveries serves the tenant's latest webhook attempts.
func RecentDeliveries(source diagnostics.RecentDeliveries) fiber.Handler {
	return tenantScoped("diagnostics.webhook_deliveries", func(c *fiber.Ctx, ctx context.Context) error {
		deliveries, err := source.GetRecentDeliveries(ctx, listLimit(c))
		if err != nil {
			return err
		}

		if deliveries == nil {
			deliveries = []*webhook.Delivery{}
		}

		return c.JSON(deliveries)
	})
}

func tenantScoped(op string, fn func(c *fiber.Ctx, ctx context.Context) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()

		if _, err := tenant.Require(ctx, op); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "missing "+HeaderTenantID+" header")
		}

		return fn(c, ctx)
	}
}

func listLimit(c *fiber.Ctx) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}

	return min(limit, maxListLimit)
}

var _ diagnostics.BreakerSnapshots = (*circuitbreaker.Registry)(nil)
