package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/pipeline/pkg/response"
)

// UserIDHeader carries the caller identity when a gateway terminates auth
const UserIDHeader = "X-User-Id"

// GatewayAuthMiddleware trusts the identity a fronting gateway already
// verified. Only enable it when the service is unreachable except through
// that gateway.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get(UserIDHeader)
		if userID == "" {
			return response.Unauthorized(c, "Missing "+UserIDHeader+" header")
		}
		setUserID(c, userID)
		return c.Next()
	}
}
