package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"docstore/internal/http/middleware"
	"docstore/internal/service"
)

// errorPayload defines the standardized error response body.
type errorPayload struct {
	RequestID string        `json:"request_id"`
	Error     errorEnvelope `json:"error"`
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// requestIDFromCtx extracts request_id previously stored by middleware.RequestID.
func requestIDFromCtx(c *fiber.Ctx) string {
	if v := c.Locals(middleware.RequestIDLocalKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// writeError writes a standardized JSON error response without leaking internal errors.
func writeError(c *fiber.Ctx, status int, code, message string) error {
	res := errorPayload{
		RequestID: requestIDFromCtx(c),
		Error: errorEnvelope{
			Code:    code,
			Message: message,
		},
	}
	return c.Status(status).JSON(res)
}

// writeServiceError maps coordinator errors onto HTTP responses. Unrecognized
// errors collapse to a generic 500 so internals never leak.
func writeServiceError(c *fiber.Ctx, err error) error {
	var orphan *service.OrphanedBlobError
	switch {
	case errors.Is(err, service.ErrNotFound):
		return writeError(c, fiber.StatusNotFound, "NOT_FOUND", "document not found")
	case errors.Is(err, service.ErrKeyExists):
		return writeError(c, fiber.StatusConflict, "KEY_EXISTS", "document key already exists")
	case errors.Is(err, service.ErrAliasExists):
		return writeError(c, fiber.StatusConflict, "ALIAS_EXISTS", "alias already owned by another document")
	case errors.Is(err, service.ErrInvalidTTL):
		return writeError(c, fiber.StatusBadRequest, "INVALID_TTL", "ttl must be positive")
	case errors.Is(err, service.ErrSizeMismatch),
		errors.Is(err, service.ErrInvalidSize),
		errors.Is(err, service.ErrReaderNil),
		errors.Is(err, service.ErrFilenameRequired):
		return writeError(c, fiber.StatusBadRequest, "INVALID_UPLOAD", "invalid upload")
	case errors.As(err, &orphan):
		// The blob write succeeded but neither metadata commit nor cleanup
		// did; the client must not retry blindly with the same key.
		return writeError(c, fiber.StatusBadGateway, "STORAGE_INCONSISTENT", "upload left storage inconsistent")
	default:
		return writeError(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// ErrorHandler returns a Fiber global error handler that standardizes error responses.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			status = e.Code
		}

		switch status {
		case fiber.StatusBadRequest:
			return writeError(c, status, "BAD_REQUEST", "bad request")
		case fiber.StatusNotFound:
			return writeError(c, status, "NOT_FOUND", "resource not found")
		case fiber.StatusMethodNotAllowed:
			return writeError(c, status, "METHOD_NOT_ALLOWED", "method not allowed")
		default:
			return writeError(c, status, "INTERNAL_ERROR", "internal server error")
		}
	}
}
