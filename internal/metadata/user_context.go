package metadata

import "docaudit-backend/internal/access"

// UserContext represents the authenticated caller, set by auth middleware.
type UserContext struct {
	ID       string      `json:"id"`
	Username string      `json:"username,omitempty"`
	Role     access.Role `json:"role"`
	// Automation is true when the caller authenticated with the admin key.
	Automation bool `json:"automation,omitempty"`
}

// IsAdmin checks whether the user has the admin role.
func (u *UserContext) IsAdmin() bool {
	return u != nil && u.Role == access.RoleAdmin
}

// Can reports whether the user holds the permission.
func (u *UserContext) Can(p access.Permission) bool {
	return u != nil && access.Can(u.Role, p)
}
