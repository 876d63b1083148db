package api

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"ephemera/models"
	"ephemera/relay"
)

// Error codes carried in models.ErrorResponse.
const (
	CodeValidation      = "VALIDATION"
	CodeNotFound        = "NOT_FOUND"
	CodeExpired         = "EXPIRED"
	CodeForbidden       = "FORBIDDEN"
	CodeConflict        = "CONFLICT"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeUnavailable     = "UNAVAILABLE"
	CodeUpgradeRequired = "UPGRADE_REQUIRED"
	CodeInternal        = "INTERNAL"
)

var sentinels = []struct {
	err    error
	status int
	code   string
}{
	{relay.ErrValidation, fiber.StatusBadRequest, CodeValidation},
	{relay.ErrNotFound, fiber.StatusNotFound, CodeNotFound},
	{relay.ErrExpired, fiber.StatusGone, CodeExpired},
	{relay.ErrForbidden, fiber.StatusForbidden, CodeForbidden},
	{relay.ErrConflict, fiber.StatusConflict, CodeConflict},
	{relay.ErrPayloadTooLarge, fiber.StatusRequestEntityTooLarge, CodePayloadTooLarge},
	{relay.ErrUnavailable, fiber.StatusServiceUnavailable, CodeUnavailable},
}

// errorHandler renders every error as a models.ErrorResponse.
func errorHandler(c *fiber.Ctx, err error) error {
	status, body := classify(err)
	if status == fiber.StatusServiceUnavailable {
		c.Set(fiber.HeaderRetryAfter, "1")
	}
	return c.Status(status).JSON(body)
}

func classify(err error) (int, models.ErrorResponse) {
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.status, models.ErrorResponse{Code: s.code, Message: err.Error()}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fiber.StatusServiceUnavailable, models.ErrorResponse{Code: CodeUnavailable, Message: "request timed out"}
	}

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code, models.ErrorResponse{Code: codeForStatus(fe.Code), Message: fe.Message}
	}

	jww.ERROR.Printf("[API] unhandled error: %+v", err)
	return fiber.StatusInternalServerError, models.ErrorResponse{Code: CodeInternal, Message: "internal error"}
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusBadRequest, fiber.StatusUnprocessableEntity:
		return CodeValidation
	case fiber.StatusNotFound, fiber.StatusMethodNotAllowed:
		return CodeNotFound
	case fiber.StatusForbidden:
		return CodeForbidden
	case fiber.StatusRequestEntityTooLarge:
		return CodePayloadTooLarge
	case fiber.StatusServiceUnavailable, fiber.StatusRequestTimeout:
		return CodeUnavailable
	case fiber.StatusUpgradeRequired:
		return CodeUpgradeRequired
	default:
		return CodeInternal
	}
}
