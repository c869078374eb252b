// Package auth mints and resolves the short-lived internal tokens the
// core uses for backend-initiated work on behalf of a caller. Tokens
// carry the caller's effective role verbatim so resource-layer
// visibility scoping is preserved downstream.
package auth

import "strings"

// Role is the caller's effective role within a tenant.
type Role string

const (
	RoleEmployee   Role = "employee"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

// NormalizeRole maps arbitrary input to a known role. Anything
// unrecognized, including the empty string, falls back to employee: a
// token that omits the role must never gain visibility.
func NormalizeRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleSuperadmin:
		return RoleSuperadmin
	default:
		return RoleEmployee
	}
}

// BypassesScoping reports whether the role skips resource-level
// visibility scoping.
func (r Role) BypassesScoping() bool {
	return r == RoleAdmin || r == RoleSuperadmin
}

// CallerIdentity describes the authenticated caller a turn runs as.
type CallerIdentity struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Role       Role   `json:"role"`
	TenantUUID string `json:"tenant_uuid"`
	// Internal marks identities resolved from internal tokens, as
	// opposed to transport-level auth.
	Internal bool `json:"internal,omitempty"`
}
