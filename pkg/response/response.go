// Package response renders the JSON envelopes returned by the HTTP surface.
package response

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// Error codes
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeUnavailable     = "BUS_UNAVAILABLE"
	CodeServiceError    = "SERVICE_ERROR"
)

// Problem is the body of every non-2xx reply
type Problem struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type envelope struct {
	Error Problem `json:"error"`
}

// Fail writes p under the given status
func Fail(c *fiber.Ctx, status int, p Problem) error {
	return c.Status(status).JSON(envelope{Error: p})
}

func ValidationError(c *fiber.Ctx, message string, details interface{}) error {
	return Fail(c, fiber.StatusBadRequest, Problem{Code: CodeValidationError, Message: message, Details: details})
}

func Unauthorized(c *fiber.Ctx, message string) error {
	return Fail(c, fiber.StatusUnauthorized, Problem{Code: CodeUnauthorized, Message: message})
}

// RateLimited tells the caller how many seconds to wait before retrying
func RateLimited(c *fiber.Ctx, retryAfter int) error {
	if retryAfter > 0 {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
	}
	return Fail(c, fiber.StatusTooManyRequests, Problem{Code: CodeRateLimited, Message: "Too many live connection attempts"})
}

// Unavailable reports that the message bus could not take the request
func Unavailable(c *fiber.Ctx, message string) error {
	return Fail(c, fiber.StatusServiceUnavailable, Problem{Code: CodeUnavailable, Message: message})
}

// FromError maps an error escaping a handler to a reply. fiber errors keep
// their status; anything else is a 500.
func FromError(c *fiber.Ctx, err error) error {
	if e, ok := err.(*fiber.Error); ok {
		return Fail(c, e.Code, Problem{Code: CodeServiceError, Message: e.Message})
	}
	return Fail(c, fiber.StatusInternalServerError, Problem{Code: CodeServiceError, Message: "Internal Server Error"})
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}
