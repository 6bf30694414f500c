// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Role is the coarse permission level carried in a token.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleOperator Role = "operator"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAgent || r == RoleOperator
}

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	PrincipalID string
	Role        Role
}

// IsOperator returns true for operator tokens.
func (a *AuthContext) IsOperator() bool {
	return a != nil && a.Role == RoleOperator
}

// CanActFor reports whether the principal may act on behalf of agentID.
// A nil context means authentication is disabled.
func (a *AuthContext) CanActFor(agentID string) bool {
	if a == nil || a.Role == RoleOperator {
		return true
	}
	return a.Role == RoleAgent && a.PrincipalID == agentID
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
