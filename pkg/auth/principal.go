package auth

import "strings"

// Roles that grant connection and workspace access without explicit permissions.
const (
	RoleAdmin           = "admin"
	RoleWorkspaceAdmin  = "workspace_admin"
	RoleWorkspaceOwner  = "workspace_owner"
	RoleWorkspaceMember = "workspace_member"
)

const (
	PermConnect   = "connect"
	PermAPIAccess = "api:access"
)

// Principal is the authenticated identity attached to a connection. Treat it as
// immutable; RefreshPrincipal returns a new value.
type Principal struct {
	UserID      string   `json:"userId"`
	WorkspaceID string   `json:"workspaceId,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (p *Principal) HasPermission(perm string) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

func (p *Principal) isWorkspaceRole() bool {
	return p.HasRole(RoleWorkspaceAdmin) || p.HasRole(RoleWorkspaceOwner) || p.HasRole(RoleWorkspaceMember)
}

// clone returns a deep copy so callers can never mutate a shared principal.
func (p *Principal) clone() *Principal {
	c := *p
	c.Roles = append([]string(nil), p.Roles...)
	c.Permissions = append([]string(nil), p.Permissions...)
	return &c
}

// matchPermission reports whether granted covers wanted. A granted permission
// ending in "*" matches any permission sharing its prefix; "*" matches all.
func matchPermission(granted, wanted string) bool {
	if granted == wanted || granted == "*" {
		return true
	}
	if strings.HasSuffix(granted, "*") {
		return strings.HasPrefix(wanted, strings.TrimSuffix(granted, "*"))
	}
	return false
}
