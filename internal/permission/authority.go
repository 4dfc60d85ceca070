package permission

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized is the root of every authorization failure.
var ErrUnauthorized = errors.New("unauthorized")

// AuthorizationError describes which action was refused and why.
type AuthorizationError struct {
	Action string
	Reason string
}

func (e *AuthorizationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unauthorized: %s", e.Action)
	}
	return fmt.Sprintf("unauthorized: %s: %s", e.Action, e.Reason)
}

func (e *AuthorizationError) Is(target error) bool {
	return target == ErrUnauthorized
}

func deny(action, reason string) error {
	return &AuthorizationError{Action: action, Reason: reason}
}

// Policy holds project-wide path restrictions per role.
type Policy struct {
	DeniedPrefixes map[Role][]string
}

// DefaultPolicy keeps Frontend out of server code.
func DefaultPolicy() Policy {
	return Policy{
		DeniedPrefixes: map[Role][]string{
			RoleFrontend: {"server/"},
		},
	}
}

// Authority decides who may mutate which file. It holds no file state:
// callers pass the lock owner they last observed.
type Authority struct {
	policy Policy
}

func NewAuthority(policy Policy) *Authority {
	if policy.DeniedPrefixes == nil {
		policy.DeniedPrefixes = map[Role][]string{}
	}
	return &Authority{policy: policy}
}

// CanMutate reports whether actor may change the content of a file whose
// lock owner is lockOwner ("" when unlocked). Viewers never may.
func (a *Authority) CanMutate(lockOwner string, actor Actor) bool {
	switch actor.Role {
	case RoleLeader:
		return true
	case RoleFrontend, RoleBackend:
		return lockOwner == "" || lockOwner == actor.UserID
	default:
		return false
	}
}

// CanWritePath applies the project policy for path to actor's role.
func (a *Authority) CanWritePath(path string, actor Actor) bool {
	if actor.Role == RoleLeader {
		return true
	}
	if !actor.Role.CanWrite() {
		return false
	}
	for _, prefix := range a.policy.DeniedPrefixes[actor.Role] {
		if prefix != "" && (strings.HasPrefix(path, prefix) || strings.Contains(path, "/"+prefix)) {
			return false
		}
	}
	return true
}

// AuthorizeWrite combines the policy and lock checks for a content write.
func (a *Authority) AuthorizeWrite(path, lockOwner string, actor Actor) error {
	if !actor.Role.CanWrite() {
		return deny("edit "+path, "viewers cannot edit code")
	}
	if !a.CanWritePath(path, actor) {
		return deny("edit "+path, fmt.Sprintf("%s cannot edit this path", actor.Role))
	}
	if !a.CanMutate(lockOwner, actor) {
		return deny("edit "+path, "file is locked by "+lockOwner)
	}
	return nil
}

// ToggleLock returns the lock owner after actor toggles the lock:
// a locked file becomes unlocked and an unlocked file becomes locked by actor.
func (a *Authority) ToggleLock(lockOwner string, actor Actor) (string, error) {
	if !actor.Role.CanWrite() {
		return lockOwner, deny("toggle lock", "viewers cannot lock files")
	}
	if lockOwner != "" && lockOwner != actor.UserID && actor.Role != RoleLeader {
		return lockOwner, deny("toggle lock", "file is locked by "+lockOwner)
	}
	if lockOwner != "" {
		return "", nil
	}
	return actor.UserID, nil
}

// CanAssignRole reports whether actor may change member roles.
func (a *Authority) CanAssignRole(actor Actor) bool {
	return actor.Role == RoleLeader
}

// CanCreateFile reports whether actor may add files to the project.
func (a *Authority) CanCreateFile(path string, actor Actor) bool {
	return actor.Role.CanWrite() && a.CanWritePath(path, actor)
}

// CanInvite reports whether actor may invite someone with role.
// Non-Viewers may invite Viewers; only the Leader hands out other roles.
func (a *Authority) CanInvite(actor Actor, role Role) bool {
	if !actor.Role.CanWrite() {
		return false
	}
	if role == RoleViewer {
		return true
	}
	return actor.Role == RoleLeader
}
