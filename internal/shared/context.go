package shared

import (
	"context"

	"github.com/odyssey-erp/odyssey-policy/internal/policy"
)

type sessionContextKey struct{}

type principalContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// ContextWithPrincipal stores the resolved principal snapshot for the request.
func ContextWithPrincipal(ctx context.Context, p policy.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &p)
}

// PrincipalFromContext returns the principal snapshot, nil while unresolved.
func PrincipalFromContext(ctx context.Context) *policy.Principal {
	p, _ := ctx.Value(principalContextKey{}).(*policy.Principal)
	return p
}
