package auth

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"docaudit-backend/internal/access"
	"docaudit-backend/internal/engine"
)

var (
	// ErrConfiguration means the server cannot safely issue or validate
	// credentials. It is fatal at startup.
	ErrConfiguration = errors.New("auth: configuration error")
	// ErrUnauthorized means no credential was presented.
	ErrUnauthorized = errors.New("auth: missing credentials")
	// ErrForbidden means a credential was presented but is not acceptable.
	ErrForbidden = errors.New("auth: forbidden")
	// ErrExpiredToken means the bearer token is past its expiry.
	ErrExpiredToken = errors.New("auth: token expired")
	// ErrInvalidToken means the bearer token is malformed or forged.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrServiceUnavailable means admin routes are refused because no
	// admin key is configured outside debug mode.
	ErrServiceUnavailable = errors.New("auth: admin api key not configured")

	ErrEmptyPassword   = errors.New("auth: password is empty")
	ErrPasswordTooLong = errors.New("auth: password exceeds 72 bytes")
)

// ToAppError maps a gate failure to its stable HTTP error. Errors outside the
// taxonomy return nil.
func ToAppError(err error) *engine.AppError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrExpiredToken):
		return engine.NewAppError("TOKEN_EXPIRED", fiber.StatusUnauthorized, "Token has expired")
	case errors.Is(err, ErrInvalidToken):
		return engine.NewAppError("INVALID_TOKEN", fiber.StatusUnauthorized, "Invalid token")
	case errors.Is(err, ErrUnauthorized):
		return engine.UnauthorizedError("Missing credentials")
	case errors.Is(err, ErrForbidden):
		return engine.ForbiddenError("Invalid credentials")
	case errors.Is(err, access.ErrPermissionDenied):
		return engine.ForbiddenError("Permission denied")
	case errors.Is(err, ErrServiceUnavailable):
		return engine.NewAppError("ADMIN_KEY_NOT_CONFIGURED", fiber.StatusServiceUnavailable,
			"Administrative API key is not configured")
	case errors.Is(err, ErrConfiguration):
		return engine.NewAppError("CONFIGURATION_ERROR", fiber.StatusInternalServerError,
			"Authentication is misconfigured")
	default:
		return nil
	}
}

// gateError returns the AppError for err, or err itself when it falls outside
// the taxonomy, so a nil *AppError never escapes as a non-nil error.
func gateError(err error) error {
	if appErr := ToAppError(err); appErr != nil {
		return appErr
	}
	return err
}
