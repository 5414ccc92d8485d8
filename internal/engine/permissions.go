package engine

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"docaudit-backend/internal/access"
	"docaudit-backend/internal/metadata"
)

// CheckPermission resolves the permission guarding action on entity and
// verifies the caller holds it. Verbs the entity does not serve are rejected
// before the caller is considered.
func CheckPermission(user *metadata.UserContext, entity *metadata.Entity, action metadata.Action) error {
	perm, ok := entity.Permission(action)
	if !ok {
		return NewAppError("METHOD_NOT_ALLOWED", fiber.StatusMethodNotAllowed,
			fmt.Sprintf("%s does not support %s", entity.Name, action))
	}
	return RequirePermission(user, perm)
}

// RequirePermission denies anonymous callers and callers lacking perm.
func RequirePermission(user *metadata.UserContext, perm access.Permission) error {
	if user == nil {
		return UnauthorizedError("Authentication required")
	}
	if !user.Can(perm) {
		return ForbiddenError(fmt.Sprintf("Permission %s required", perm))
	}
	return nil
}
