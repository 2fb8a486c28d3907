package http

import (
	"strings"
	"time"

	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	"github.com/abrkgrbz/Stocker-sub077/resilience/tenant"
	"github.com/gofiber/fiber/v2"
)

// HeaderTenantID scopes diagnostics requests to one tenant.
const HeaderTenantID = "X-Tenant-Id"

// WithTenant copies the tenant header into the request's user context.
// Requests without the header pass through unscoped.
func WithTenant() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if id := strings.TrimSpace(c.Get(HeaderTenantID)); id != "" {
			c.SetUserContext(tenant.ContextWithID(c.UserContext(), id))
		}

		return c.Next()
	}
}

// WithHTTPLogging logs one line per request. Probe endpoints are skipped.
func WithHTTPLogging(logger log.Logger) fiber.Handler {
	logger = log.OrNop(logger)

	return func(c *fiber.Ctx) error {
		if strings.HasPrefix(c.Path(), "/health") || c.Path() == "/metrics" {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		level := log.LevelInfo

		if err != nil || status >= fiber.StatusInternalServerError {
			level = log.LevelWarn
		}

		logger.Log(c.UserContext(), level, "http request",
			log.String("method", c.Method()),
			log.String("path", c.Path()),
			log.Int("status", status),
			log.Duration("duration", time.Since(start)))

		return err
	}
}
