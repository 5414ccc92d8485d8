package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"docaudit-backend/internal/access"
	"docaudit-backend/internal/engine"
	"docaudit-backend/internal/store"
)

// DefaultRefreshTTL applies when the handler is built without one.
const DefaultRefreshTTL = 7 * 24 * time.Hour

// IdentityStore is the account and session storage the login flows need.
// *store.Store implements it.
type IdentityStore interface {
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	GetUserByID(ctx context.Context, id string) (*store.User, error)
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	CreateRefreshToken(ctx context.Context, userID string, expiresAt time.Time) (string, error)
	ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (string, error)
	DeleteRefreshToken(ctx context.Context, token string) error
	SetPasswordHash(ctx context.Context, userID, hash string) error
}

// PasswordHasher hashes and verifies credentials. *Hasher implements it.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

// unknownAccountPassword is hashed once per handler so logins for missing
// usernames still pay for a full comparison.
const unknownAccountPassword = "docaudit-unknown-account"

// TokenPair is returned by every successful login.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Handler serves the session endpoints under /api/auth.
type Handler struct {
	users      IdentityStore
	issuer     *Issuer
	hasher     PasswordHasher
	dummyHash  string
	limiter    *LoginLimiter
	metrics    *Metrics
	refreshTTL time.Duration
	now        func() time.Time
}

// NewHandler builds the session handler. limiter and metrics may be nil.
func NewHandler(users IdentityStore, issuer *Issuer, hasher PasswordHasher, limiter *LoginLimiter, metrics *Metrics, refreshTTL time.Duration) *Handler {
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	dummy, err := hasher.Hash(unknownAccountPassword)
	if err != nil {
		slog.Error("could not prepare the unknown-account hash", "error", err)
	}
	return &Handler{
		users:      users,
		issuer:     issuer,
		hasher:     hasher,
		dummyHash:  dummy,
		limiter:    limiter,
		metrics:    metrics,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := engine.BindBody(c, &req); err != nil {
		return err
	}

	key := c.IP() + "|" + strings.ToLower(req.Username)
	if h.limiter != nil && !h.limiter.Allow(key) {
		h.metrics.observe("password", errRateLimited)
		slog.Warn("login rate limited", "ip", c.IP(), "username", req.Username)
		return engine.NewAppError("RATE_LIMITED", fiber.StatusTooManyRequests, "Too many login attempts, try again later")
	}

	user, err := h.users.GetUserByUsername(c.Context(), req.Username)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		h.hasher.Verify(req.Password, h.dummyHash)
		h.metrics.observe("password", ErrForbidden)
		return engine.UnauthorizedError("Invalid username or password")
	}
	if !h.hasher.Verify(req.Password, user.PasswordHash) {
		h.metrics.observe("password", ErrForbidden)
		return engine.UnauthorizedError("Invalid username or password")
	}
	if !user.Usable(h.now()) {
		h.metrics.observe("password", ErrForbidden)
		return engine.UnauthorizedError("Account is disabled or expired")
	}

	if h.limiter != nil {
		h.limiter.Reset(key)
	}
	pair, err := h.issuePair(c.Context(), user)
	if err != nil {
		return err
	}
	h.metrics.observe("password", nil)
	slog.Info("user logged in", "user_id", user.ID, "username", user.Username)
	return c.JSON(fiber.Map{"data": pair})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// Refresh handles POST /api/auth/refresh. The presented token is consumed
// and a new pair is issued.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	var req refreshRequest
	if err := engine.BindBody(c, &req); err != nil {
		return err
	}

	userID, err := h.users.ConsumeRefreshToken(c.Context(), req.RefreshToken, h.now())
	if errors.Is(err, store.ErrNotFound) {
		return engine.UnauthorizedError("Invalid or expired refresh token")
	}
	if err != nil {
		return err
	}

	user, err := h.users.GetUserByID(c.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		return engine.UnauthorizedError("Invalid or expired refresh token")
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if !user.Usable(h.now()) {
		return engine.UnauthorizedError("Account is disabled or expired")
	}

	pair, err := h.issuePair(c.Context(), user)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Logout handles POST /api/auth/logout.
func (h *Handler) Logout(c *fiber.Ctx) error {
	var req refreshRequest
	if err := engine.BindBody(c, &req); err != nil {
		return err
	}
	if err := h.users.DeleteRefreshToken(c.Context(), req.RefreshToken); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"status": "logged_out"}})
}

// Me handles GET /api/auth/me.
func (h *Handler) Me(c *fiber.Ctx) error {
	caller := GetUser(c)
	if caller == nil {
		return engine.UnauthorizedError("Missing auth token")
	}
	user, err := h.users.GetUserByID(c.Context(), caller.ID)
	if errors.Is(err, store.ErrNotFound) {
		return engine.UnauthorizedError("Account no longer exists")
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	perms := access.Granted(caller.Role)
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = p.String()
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"user": user, "permissions": names}})
}

type passwordChangeRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=72"`
}

// ChangePassword handles POST /api/auth/password. Existing refresh tokens are
// revoked.
func (h *Handler) ChangePassword(c *fiber.Ctx) error {
	caller := GetUser(c)
	if caller == nil {
		return engine.UnauthorizedError("Missing auth token")
	}
	var req passwordChangeRequest
	if err := engine.BindBody(c, &req); err != nil {
		return err
	}

	user, err := h.users.GetUserByID(c.Context(), caller.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return engine.UnauthorizedError("Account no longer exists")
		}
		return fmt.Errorf("load user: %w", err)
	}
	if !h.hasher.Verify(req.CurrentPassword, user.PasswordHash) {
		return engine.ForbiddenError("Current password is incorrect")
	}

	hash, err := h.hasher.Hash(req.NewPassword)
	if err != nil {
		return engine.ValidationError([]engine.ErrorDetail{{Field: "new_password", Rule: "password", Message: err.Error()}})
	}
	if err := h.users.SetPasswordHash(c.Context(), user.ID, hash); err != nil {
		return err
	}
	slog.Info("password changed", "user_id", user.ID)
	return c.JSON(fiber.Map{"data": fiber.Map{"status": "password_changed"}})
}

func (h *Handler) issuePair(ctx context.Context, user *store.User) (*TokenPair, error) {
	role, err := access.ParseRole(user.Role)
	if err != nil {
		slog.Error("account has an unknown role", "user_id", user.ID, "role", user.Role)
		return nil, engine.UnauthorizedError("Account has no valid role")
	}

	now := h.now()
	token, claims, err := h.issuer.Issue(user.ID, role, user.Username, now, 0)
	if err != nil {
		return nil, err
	}
	refresh, err := h.users.CreateRefreshToken(ctx, user.ID, now.Add(h.refreshTTL))
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  token,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

// RegisterRoutes mounts the session and external login endpoints on api.
// oauth may be nil.
func RegisterRoutes(api fiber.Router, gate *Gate, h *Handler, oauth *OAuthHandler) {
	g := api.Group("/auth")
	g.Post("/login", h.Login)
	g.Post("/refresh", h.Refresh)
	g.Post("/logout", h.Logout)
	g.Get("/me", gate.Authenticate(), h.Me)
	g.Post("/password", gate.Authenticate(), h.ChangePassword)
	if oauth != nil {
		g.Get("/oauth/start", oauth.Start)
		g.Get("/oauth/callback", oauth.Callback)
	}
}
