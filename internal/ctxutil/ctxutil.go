// Package ctxutil holds the context keys shared across package boundaries.
//
// The auth middleware in server stores verified claims here; server handlers
// and the MCP tools read them back. Keeping the keys in a leaf package lets
// mcp see the authenticated user without importing server, which imports mcp.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/auth"
)

type contextKey string

const (
	keyClaims contextKey = "claims"
	keyUserID contextKey = "user_id"
)

// WithClaims returns a new context carrying the given claims. The parsed user
// id is stored alongside so handlers never re-parse the subject.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	if id, err := claims.UserID(); err == nil {
		ctx = context.WithValue(ctx, keyUserID, id)
	}
	return ctx
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// UserIDFromContext extracts the authenticated user id from the context.
// Returns uuid.Nil on unauthenticated contexts.
func UserIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyUserID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
