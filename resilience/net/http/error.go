package http

import (
	"context"
	"errors"

	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
	"github.com/abrkgrbz/Stocker-sub077/resilience/log"
	libOpentelemetry "github.com/abrkgrbz/Stocker-sub077/resilience/opentelemetry"
	"github.com/abrkgrbz/Stocker-sub077/resilience/outbox"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/trace"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// statusFor maps a failure kind to an HTTP status.
type statusFor struct{}

func (statusFor) Transient(error) int     { return fiber.StatusServiceUnavailable }
func (statusFor) CircuitOpen(error) int   { return fiber.StatusServiceUnavailable }
func (statusFor) Permanent(error) int     { return fiber.StatusUnprocessableEntity }
func (statusFor) Configuration(error) int { return fiber.StatusBadRequest }

var titles = map[int]string{
	fiber.StatusBadRequest:          "Bad Request",
	fiber.StatusUnprocessableEntity: "Unprocessable Entity",
	fiber.StatusServiceUnavailable:  "Service Unavailable",
}

// RenderError writes err as an ErrorResponse. Fiber errors keep their code;
// classified failures are mapped by kind. Messages are sanitized.
func RenderError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(ErrorResponse{Code: fe.Code, Title: "Request Failed", Message: fe.Message})
	}

	status := faults.Visit(err, statusFor{})

	return c.Status(status).JSON(ErrorResponse{
		Code:    status,
		Title:   titles[status],
		Message: outbox.SanitizeError(err),
	})
}

// FiberErrorHandler logs unexpected errors and renders them.
func FiberErrorHandler(logger log.Logger) fiber.ErrorHandler {
	logger = log.OrNop(logger)

	return func(c *fiber.Ctx, err error) error {
		ctx := c.UserContext()
		if ctx == nil {
			ctx = context.Background()
		}

		var fe *fiber.Error
		if !errors.As(err, &fe) {
			libOpentelemetry.HandleSpanError(trace.SpanFromContext(ctx), "handler error", err)

			logger.Log(ctx, log.LevelError, "handler error",
				log.String("method", c.Method()),
				log.String("path", c.Path()),
				log.String("cause", outbox.SanitizeError(err)))
		}

		return RenderError(c, err)
	}
}
