package permission

import (
	"fmt"
	"strings"
)

// Role is a project member's role.
type Role string

const (
	RoleLeader   Role = "Leader"
	RoleFrontend Role = "Frontend"
	RoleBackend  Role = "Backend"
	RoleViewer   Role = "Viewer"
)

// AllRoles lists every role, most privileged first.
var AllRoles = []Role{RoleLeader, RoleFrontend, RoleBackend, RoleViewer}

// ParseRole accepts a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	for _, r := range AllRoles {
		if strings.EqualFold(string(r), strings.TrimSpace(s)) {
			return r, nil
		}
	}
	return "", fmt.Errorf("invalid role %q, must be one of Leader, Frontend, Backend, Viewer", s)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleLeader, RoleFrontend, RoleBackend, RoleViewer:
		return true
	}
	return false
}

// CanWrite reports whether the role may create files or edit content at all.
func (r Role) CanWrite() bool {
	switch r {
	case RoleLeader, RoleFrontend, RoleBackend:
		return true
	}
	return false
}

// Scope is the short description of a role's area, used in prompts and member listings.
func (r Role) Scope() string {
	switch r {
	case RoleLeader:
		return "Everything, manage roles, unlock files"
	case RoleFrontend:
		return "UI only: HTML, CSS, React"
	case RoleBackend:
		return "Logic/DB only: Node, SQL, API, Python, C"
	default:
		return "Read only"
	}
}

// Actor is the user performing an action together with their resolved role.
type Actor struct {
	UserID string
	Role   Role
}

func (a Actor) String() string {
	return fmt.Sprintf("%s(%s)", a.UserID, a.Role)
}
