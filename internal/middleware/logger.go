// Package middleware holds small Fiber handlers shared by the HTTP surface
// that fronts the WebSocket upgrade and health/readiness endpoints.
package middleware

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"familycore/internal/logging"
)

// RequestLogger logs each HTTP request at debug level with a correlation ID,
// grounded on the teacher's plain method/url/ip request logger.
func RequestLogger(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		correlationID := logging.NewCorrelationID()
		c.Locals("correlation_id", correlationID)

		err := c.Next()

		logger.Debug("http request",
			"method", c.Method(),
			"path", c.Path(),
			"ip", c.IP(),
			"status", c.Response().StatusCode(),
			"correlation_id", correlationID,
		)
		return err
	}
}
