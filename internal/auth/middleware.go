package auth

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"docaudit-backend/internal/access"
	"docaudit-backend/internal/engine"
	"docaudit-backend/internal/metadata"
)

const localsUser = "user"

// Gate bundles the validator pieces the middlewares need.
type Gate struct {
	issuer  *Issuer
	guard   *AdminKeyGuard
	metrics *Metrics
	now     func() time.Time
}

// NewGate wires a token issuer and admin key guard into fiber middlewares.
// metrics may be nil.
func NewGate(issuer *Issuer, guard *AdminKeyGuard, metrics *Metrics) *Gate {
	return &Gate{issuer: issuer, guard: guard, metrics: metrics, now: time.Now}
}

// Authenticate validates the bearer token and sets the UserContext on the
// request.
func (g *Gate) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, err := g.authenticateBearer(c.Get(fiber.HeaderAuthorization))
		g.metrics.observe("bearer", err)
		if err != nil {
			slog.Debug("bearer authentication rejected", "path", c.Path(), "error", err)
			return gateError(err)
		}
		c.Locals(localsUser, user)
		return c.Next()
	}
}

func (g *Gate) authenticateBearer(header string) (*metadata.UserContext, error) {
	if header == "" {
		return nil, ErrUnauthorized
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	claims, err := g.issuer.Parse(strings.TrimSpace(token), g.now())
	if err != nil {
		return nil, err
	}
	if !claims.Role.IsValid() {
		return nil, ErrInvalidToken
	}
	return &metadata.UserContext{
		ID:       claims.Subject,
		Username: claims.Username,
		Role:     claims.Role,
	}, nil
}

// RequireAdminKey guards administrative automation routes with the
// X-API-Key header. Successful callers act as an admin automation identity.
func (g *Gate) RequireAdminKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := g.guard.Verify(c.Get(AdminKeyHeader))
		g.metrics.observe("api_key", err)
		if err != nil {
			slog.Warn("admin key rejected", "path", c.Path(), "ip", c.IP(), "error", err)
			return gateError(err)
		}
		c.Locals(localsUser, &metadata.UserContext{
			ID:         "automation",
			Username:   "automation",
			Role:       access.RoleAdmin,
			Automation: true,
		})
		return c.Next()
	}
}

// RequirePermission denies authenticated callers lacking p.
func RequirePermission(p access.Permission) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := GetUser(c)
		if user == nil {
			return engine.UnauthorizedError("Missing auth token")
		}
		if err := access.Require(user.Role, p); err != nil {
			return engine.ForbiddenError("Permission " + p.String() + " required")
		}
		return c.Next()
	}
}

// GetUser extracts the UserContext from a Fiber context.
func GetUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals(localsUser).(*metadata.UserContext)
	return user
}
