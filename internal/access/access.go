// Package access holds the static role → permission table used to authorize
// requests once the caller's identity is known.
package access

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is returned by Require when a role lacks a permission.
var ErrPermissionDenied = errors.New("permission denied")

// Role is a coarse-grained identity classification.
type Role string

const (
	// RoleAdmin can do everything, including user and ruleset management.
	RoleAdmin Role = "admin"
	// RoleUser is the standard auditor role.
	RoleUser Role = "user"
)

// Roles lists every known role.
var Roles = []Role{RoleAdmin, RoleUser}

// IsValid returns true if the role is a known role.
func (r Role) IsValid() bool {
	return r.index() >= 0
}

func (r Role) index() int {
	switch r {
	case RoleAdmin:
		return 0
	case RoleUser:
		return 1
	default:
		return -1
	}
}

// ParseRole converts a string into a known Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Permission is a single authorizable capability.
type Permission uint8

const (
	ManageUsers Permission = iota
	ManageRulesets
	ReadProjects
	WriteProjects
	ReadDocuments
	UploadDocuments
	RunAnalysis
	SubmitFeedback
	ManageTrainingData
	ViewMetrics

	numPermissions
)

var permissionNames = [numPermissions]string{
	ManageUsers:        "manage-users",
	ManageRulesets:     "manage-rulesets",
	ReadProjects:       "read-projects",
	WriteProjects:      "write-projects",
	ReadDocuments:      "read-documents",
	UploadDocuments:    "upload-documents",
	RunAnalysis:        "run-analysis",
	SubmitFeedback:     "submit-feedback",
	ManageTrainingData: "manage-training-data",
	ViewMetrics:        "view-metrics",
}

func (p Permission) String() string {
	if p >= numPermissions {
		return fmt.Sprintf("permission(%d)", uint8(p))
	}
	return permissionNames[p]
}

// AllPermissions returns every declared permission in declaration order.
func AllPermissions() []Permission {
	perms := make([]Permission, 0, numPermissions)
	for p := Permission(0); p < numPermissions; p++ {
		perms = append(perms, p)
	}
	return perms
}

// Set is a bitset of permissions.
type Set uint64

// NewSet builds a Set from the given permissions.
func NewSet(perms ...Permission) Set {
	var s Set
	for _, p := range perms {
		s |= 1 << p
	}
	return s
}

// Has reports whether p is in the set.
func (s Set) Has(p Permission) bool {
	if p >= numPermissions {
		return false
	}
	return s&(1<<p) != 0
}

// Permissions lists the members of the set in declaration order.
func (s Set) Permissions() []Permission {
	var out []Permission
	for p := Permission(0); p < numPermissions; p++ {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// grants is indexed by Role.index(). A permission that is not listed here
// is denied for that role.
var grants = [...]Set{
	0: NewSet(
		ManageUsers,
		ManageRulesets,
		ReadProjects,
		WriteProjects,
		ReadDocuments,
		UploadDocuments,
		RunAnalysis,
		SubmitFeedback,
		ManageTrainingData,
		ViewMetrics,
	),
	1: NewSet(
		ReadProjects,
		WriteProjects,
		ReadDocuments,
		UploadDocuments,
		RunAnalysis,
		SubmitFeedback,
	),
}

func init() {
	if err := validateTable(grants[:]); err != nil {
		panic(err)
	}
}

// validateTable checks that the table has exactly one row per role, grants
// no bits beyond the declared permissions and leaves no declared permission
// unassigned.
func validateTable(table []Set) error {
	if len(table) != len(Roles) {
		return fmt.Errorf("access: permission table has %d rows, want %d", len(table), len(Roles))
	}
	declared := NewSet(AllPermissions()...)
	var granted Set
	for _, r := range Roles {
		row := table[r.index()]
		if row&^declared != 0 {
			return fmt.Errorf("access: role %s grants undeclared permissions %b", r, row&^declared)
		}
		granted |= row
	}
	if missing := declared &^ granted; missing != 0 {
		return fmt.Errorf("access: permissions %v are not granted to any role", missing.Permissions())
	}
	return nil
}

// Can reports whether the role holds the permission.
func Can(role Role, p Permission) bool {
	i := role.index()
	if i < 0 {
		return false
	}
	return grants[i].Has(p)
}

// Require returns ErrPermissionDenied when the role lacks the permission.
func Require(role Role, p Permission) error {
	if !Can(role, p) {
		return fmt.Errorf("%w: role %q lacks %s", ErrPermissionDenied, role, p)
	}
	return nil
}

// Granted returns the permissions held by a role.
func Granted(role Role) []Permission {
	i := role.index()
	if i < 0 {
		return nil
	}
	return grants[i].Permissions()
}
