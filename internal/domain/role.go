package domain

import "strings"

// Role is the verified role of a caller as supplied by the identity provider.
type Role string

const (
	RoleStudent    Role = "student"
	RoleCommittee  Role = "committee"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
	// RoleSystem is used by schedulers that trigger sweeps and dispatch.
	RoleSystem Role = "system"
)

// ParseRole normalizes role strings such as "Super-Admin" or
// "committee-delegate".
func ParseRole(raw string) Role {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	switch key {
	case "committee_delegate", "committee_head":
		return RoleCommittee
	case "superadmin":
		return RoleSuperAdmin
	}
	return Role(key)
}

// IsAdmin reports admin or super-admin.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleCommittee, RoleAdmin, RoleSuperAdmin, RoleSystem:
		return true
	}
	return false
}

// Caller is the authenticated identity acting on the engine.
type Caller struct {
	ID   string
	Role Role
}

// User is a directory entry used to address notifications.
type User struct {
	ID    string
	Name  string
	Email string
	Role  Role
}
