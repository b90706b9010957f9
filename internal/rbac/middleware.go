package rbac

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/odyssey-policy/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-policy/internal/policy"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Service    *Service
	Principals PrincipalResolver
	Logger     *slog.Logger
}

// LoadPrincipal resolves the session principal into the request context. Anonymous requests
// pass through without one.
func (m Middleware) LoadPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := shared.SessionFromContext(r.Context())
		if sess == nil || sess.User() == 0 || m.Principals == nil {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := m.Principals.Resolve(r.Context(), sess)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				m.logger().Warn("session principal vanished", slog.Int64("user_id", sess.User()))
				next.ServeHTTP(w, r)
				return
			}
			m.logger().Error("rbac resolve principal", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), principal)))
	})
}

// RequirePrincipal rejects anonymous requests.
func (m Middleware) RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shared.PrincipalFromContext(r.Context()) == nil {
			httpx.RespondError(w, shared.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePermission ensures the current principal holds perm.
func (m Middleware) RequirePermission(perm policy.Permission) func(http.Handler) http.Handler {
	return m.RequireAll(perm)
}

// RequireAny ensures the current principal has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...policy.Permission) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.guard("require any", func(s policy.Snapshot) bool {
		return m.Service.Evaluator().HasAnyPermission(s, normalized)
	}, true)
}

// RequireAll ensures the current principal has all required permissions.
func (m Middleware) RequireAll(perms ...policy.Permission) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.guard("require all", func(s policy.Snapshot) bool {
		return m.Service.Evaluator().HasAllPermissions(s, normalized)
	}, true)
}

// RequireMinRole ensures the principal's effective role ranks at or above role.
func (m Middleware) RequireMinRole(role policy.Role) func(http.Handler) http.Handler {
	role = policy.NormalizeRole(string(role))
	return m.guard("require min role", func(s policy.Snapshot) bool {
		return m.Service.Evaluator().HasMinRole(s, role)
	}, false)
}

func (m Middleware) guard(name string, allow func(policy.Snapshot) bool, needsOverrides bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			if principal == nil {
				httpx.RespondError(w, shared.ErrUnauthenticated)
				return
			}
			snap := m.Service.Snapshot(principal, "")
			if allow(snap) {
				next.ServeHTTP(w, r)
				return
			}
			if needsOverrides && !snap.Overrides.Loaded && !principal.IsSuperAdmin {
				m.logger().Debug("rbac snapshot loading", slog.String("guard", name), slog.Int64("principal_id", principal.ID))
				w.Header().Set("Retry-After", "1")
				httpx.Problem(w, http.StatusServiceUnavailable, "Policy Loading", "permission snapshot is loading")
				return
			}
			httpx.RespondError(w, httpx.ErrForbidden)
		})
	}
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

func normalizePermissions(perms []policy.Permission) []policy.Permission {
	unique := make(map[policy.Permission]struct{}, len(perms))
	normalized := make([]policy.Permission, 0, len(perms))
	for _, p := range perms {
		p = policy.NormalizePermission(string(p))
		if p == "" {
			continue
		}
		if _, ok := unique[p]; ok {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
