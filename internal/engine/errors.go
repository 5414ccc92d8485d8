package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(entity, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  fiber.StatusNotFound,
		Message: fmt.Sprintf("%s with id %s not found", entity, id),
	}
}

func UnknownEntityError(name string) *AppError {
	return &AppError{
		Code:    "UNKNOWN_ENTITY",
		Status:  fiber.StatusNotFound,
		Message: fmt.Sprintf("Unknown entity: %s", name),
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  fiber.StatusUnprocessableEntity,
		Message: "Validation failed",
		Details: details,
	}
}

func InvalidPayloadError(msg string) *AppError {
	return &AppError{Code: "INVALID_PAYLOAD", Status: fiber.StatusBadRequest, Message: msg}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: fiber.StatusUnauthorized, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Status: fiber.StatusForbidden, Message: msg}
}

func ConflictError(msg string) *AppError {
	return &AppError{Code: "CONFLICT", Status: fiber.StatusConflict, Message: msg}
}

func InternalError(msg string) *AppError {
	return &AppError{Code: "INTERNAL_ERROR", Status: fiber.StatusInternalServerError, Message: msg}
}

// RespondError writes the error envelope for appErr.
func RespondError(c *fiber.Ctx, appErr *AppError) error {
	return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
}

// ErrorHandler renders AppErrors and fiber errors in the standard envelope and
// hides everything else behind INTERNAL_ERROR.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr != nil {
		return RespondError(c, appErr)
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return RespondError(c, &AppError{Code: httpCode(fiberErr.Code), Status: fiberErr.Code, Message: fiberErr.Message})
	}

	slog.Error("unhandled request error", "method", c.Method(), "path", c.Path(), "error", err)
	return RespondError(c, InternalError("Internal server error"))
}

func httpCode(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "NOT_FOUND"
	case fiber.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case fiber.StatusRequestEntityTooLarge:
		return "PAYLOAD_TOO_LARGE"
	case fiber.StatusBadRequest:
		return "INVALID_PAYLOAD"
	default:
		if status >= 500 {
			return "INTERNAL_ERROR"
		}
		return "REQUEST_FAILED"
	}
}
