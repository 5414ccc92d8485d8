// Package admin serves the administrative automation API: account
// management, token issuance for integrations and ruleset imports.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"docaudit-backend/internal/access"
	"docaudit-backend/internal/auth"
	"docaudit-backend/internal/engine"
	"docaudit-backend/internal/metadata"
	"docaudit-backend/internal/store"
)

// UserStore is the account storage the admin API manages. *store.Store
// implements it.
type UserStore interface {
	ListUsers(ctx context.Context) ([]*store.User, error)
	GetUserByID(ctx context.Context, id string) (*store.User, error)
	CreateUser(ctx context.Context, u *store.User) error
	UpdateUser(ctx context.Context, u *store.User) error
	SetPasswordHash(ctx context.Context, userID, hash string) error
	RevokeRefreshTokens(ctx context.Context, userID string) error
}

// MaxTokenTTL caps automation tokens issued through the API. Access tokens
// are not revocable, so this bounds how long one outlives a deactivation.
const MaxTokenTTL = 7 * 24 * time.Hour

type Handler struct {
	users    UserStore
	store    *store.Store
	registry *metadata.Registry
	issuer   *auth.Issuer
	hasher   *auth.Hasher
	now      func() time.Time
}

func NewHandler(users UserStore, s *store.Store, reg *metadata.Registry, issuer *auth.Issuer, hasher *auth.Hasher) *Handler {
	return &Handler{users: users, store: s, registry: reg, issuer: issuer, hasher: hasher, now: time.Now}
}

// RegisterRoutes mounts the admin API under /admin, guarded by the admin key.
func RegisterRoutes(api fiber.Router, gate *auth.Gate, h *Handler) {
	admin := api.Group("/admin", gate.RequireAdminKey())

	admin.Get("/entities", h.ListEntities)
	admin.Get("/entities/:name", h.GetEntity)

	admin.Get("/users", h.ListUsers)
	admin.Post("/users", h.CreateUser)
	admin.Put("/users/:id", h.UpdateUser)
	admin.Post("/users/:id/password", h.ResetPassword)
	admin.Delete("/users/:id", h.DeactivateUser)

	admin.Post("/tokens", h.IssueToken)
	admin.Post("/rulesets/import", h.ImportRuleset)
}

// --- Catalog ---

func (h *Handler) ListEntities(c *fiber.Ctx) error {
	entities := h.registry.AllEntities()
	out := make([]fiber.Map, 0, len(entities))
	for _, e := range entities {
		out = append(out, fiber.Map{"name": e.Name, "table": e.Table, "soft_delete": e.SoftDelete})
	}
	return c.JSON(fiber.Map{"data": out})
}

func (h *Handler) GetEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	entity := h.registry.GetEntity(name)
	if entity == nil {
		return engine.UnknownEntityError(name)
	}
	actions := fiber.Map{}
	for action, perm := range entity.Actions {
		actions[string(action)] = perm.String()
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"entity":         entity,
		"actions":        actions,
		"state_machines": h.registry.GetStateMachinesForEntity(name),
		"relations":      h.registry.GetRelationsForSource(name),
	}})
}

// --- Users ---

func (h *Handler) ListUsers(c *fiber.Ctx) error {
	users, err := h.users.ListUsers(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": users})
}

type createUserRequest struct {
	Username  string     `json:"username" validate:"required,min=3,max=64"`
	Email     string     `json:"email" validate:"omitempty,email"`
	Password  string     `json:"password" validate:"required,min=8,max=72"`
	Role      string     `json:"role" validate:"required,oneof=admin user"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) CreateUser(c *fiber.Ctx) error {
	var req createUserRequest
	if err := engine.BindBody(c, &req); err != nil {
		return err
	}
	hash, err := h.hasher.Hash(req.Password)
	if err != nil {
		return passwordError(err)
	}

	u := &store.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         req.Role,
		Active:       true,
		ExpiresAt:    req.ExpiresAt,
	}
	if err := h.users.CreateUser(c.Context(), u); err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			return engine.ConflictError("Username or email is already taken")
		}
		return err
	}

	slog.Info("user created", "user_id", u.ID, "username", u.Username, "role", u.Role)
	created, err := h.users.GetUserByID(c.Context(), u.ID)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": created})
}

type updateUserRequest struct {
	Email          *string    `json:"email" validate:"omitempty,email"`
	Role           *string    `json:"role" validate:"omitempty,oneof=admin user"`
	Active         *bool      `json:"active"`
	ExpiresAt      *time.Time `json:"expires_at"`
	ClearExpiresAt bool       `json:"clear_expires_at"`
}

func (h *Handler) UpdateUser(c *fiber.Ctx) error {
	var req updateUserRequest
	if err := engine.BindBody(c, &req); err != nil {
		return err
	}
	u, err := h.loadUser(c)
	if err != nil {
		return err
	}

	if req.Email != nil {
		u.Email = *req.Email
	}
	if req.Role != nil {
		u.Role = *req.Role
	}
	if req.Active != nil {
		u.Active = *req.Active
	}
	if req.ExpiresAt != nil {
		u.ExpiresAt = req.ExpiresAt
	}
	if req.ClearExpiresAt {
		u.ExpiresAt = nil
	}

	if err := h.users.UpdateUser(c.Context(), u); err != nil {
		return userWriteError(err, u.ID)
	}
	if !u.Usable(h.now()) {
		if err := h.users.RevokeRefreshTokens(c.Context(), u.ID); err != nil {
			return err
		}
	}
	updated, err := h.users.GetUserByID(c.Context(), u.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": updated})
}

type resetPasswordRequest struct {
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// ResetPassword sets a new password and revokes the user's refresh tokens.
func (h *Handler) ResetPassword(c *fiber.Ctx) error {
	var req resetPasswordRequest
	if err := engine.BindBody(c, &req); err != nil {
		return err
	}
	hash, err := h.hasher.Hash(req.Password)
	if err != nil {
		return passwordError(err)
	}
	id := c.Params("id")
	if err := h.users.SetPasswordHash(c.Context(), id, hash); err != nil {
		return userWriteError(err, id)
	}
	slog.Info("password reset", "user_id", id)
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "status": "password_reset"}})
}

// DeactivateUser handles DELETE /admin/users/:id. Accounts are never removed
// because findings and feedback reference them.
func (h *Handler) DeactivateUser(c *fiber.Ctx) error {
	u, err := h.loadUser(c)
	if err != nil {
		return err
	}
	u.Active = false
	if err := h.users.UpdateUser(c.Context(), u); err != nil {
		return userWriteError(err, u.ID)
	}
	if err := h.users.RevokeRefreshTokens(c.Context(), u.ID); err != nil {
		return err
	}
	slog.Info("user deactivated", "user_id", u.ID)
	return c.JSON(fiber.Map{"data": fiber.Map{"id": u.ID, "active": false}})
}

// --- Tokens ---

type issueTokenRequest struct {
	UserID string `json:"user_id" validate:"required"`
	TTL    string `json:"ttl"`
}

// IssueToken issues an access token for an existing, usable account.
func (h *Handler) IssueToken(c *fiber.Ctx) error {
	var req issueTokenRequest
	if err := engine.BindBody(c, &req); err != nil {
		return err
	}

	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 || d > MaxTokenTTL {
			return engine.ValidationError([]engine.ErrorDetail{{
				Field: "ttl", Rule: "duration",
				Message: fmt.Sprintf("ttl must be a positive duration up to %s", MaxTokenTTL),
			}})
		}
		ttl = d
	}

	u, err := h.users.GetUserByID(c.Context(), req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return engine.ValidationError([]engine.ErrorDetail{{Field: "user_id", Rule: "exists", Message: "User not found"}})
	}
	if err != nil {
		return err
	}
	now := h.now()
	if !u.Usable(now) {
		return engine.ValidationError([]engine.ErrorDetail{{Field: "user_id", Rule: "active", Message: "User is disabled or expired"}})
	}
	role, err := access.ParseRole(u.Role)
	if err != nil {
		return engine.ValidationError([]engine.ErrorDetail{{Field: "user_id", Rule: "role", Message: err.Error()}})
	}

	token, claims, err := h.issuer.Issue(u.ID, role, u.Username, now, ttl)
	if err != nil {
		return err
	}
	slog.Info("automation token issued", "user_id", u.ID, "expires_at", claims.ExpiresAt.Time)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": fiber.Map{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_at":   claims.ExpiresAt.Time,
	}})
}

// --- Rulesets ---

// ImportRuleset handles POST /admin/rulesets/import with a YAML body.
func (h *Handler) ImportRuleset(c *fiber.Ctx) error {
	doc, err := engine.ParseRulesetYAML(c.Body())
	if err != nil {
		return err
	}
	id, created, err := engine.ImportRuleset(c.Context(), h.store, doc, h.now())
	if err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			return engine.ConflictError("A ruleset with this name already exists")
		}
		return err
	}

	slog.Info("ruleset imported", "ruleset_id", id, "name", doc.Name, "rules", len(doc.Rules), "created", created)
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"data": fiber.Map{
		"id":      id,
		"name":    doc.Name,
		"rules":   len(doc.Rules),
		"created": created,
	}})
}

func (h *Handler) loadUser(c *fiber.Ctx) (*store.User, error) {
	id := c.Params("id")
	u, err := h.users.GetUserByID(c.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, engine.NotFoundError("user", id)
	}
	return u, err
}

func userWriteError(err error, id string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return engine.NotFoundError("user", id)
	case errors.Is(err, store.ErrUniqueViolation):
		return engine.ConflictError("Email is already taken")
	default:
		return err
	}
}

func passwordError(err error) error {
	return engine.ValidationError([]engine.ErrorDetail{{Field: "password", Rule: "password", Message: err.Error()}})
}
