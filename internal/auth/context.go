// ABOUTME: Authentication context for tracking the operator through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
	"slices"
)

// RoleAdmin grants access to write operations on the ops API.
const RoleAdmin = "admin"

// AuthContext holds the identity extracted from a verified token.
type AuthContext struct {
	Subject string   // operator name from the "sub" claim
	Roles   []string // roles from the "roles" claim
}

// IsAdmin reports whether the operator has the admin role.
func (a *AuthContext) IsAdmin() bool {
	return slices.Contains(a.Roles, RoleAdmin)
}

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
