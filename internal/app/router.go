package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/odyssey-erp/odyssey-policy/internal/audit/http"
	"github.com/odyssey-erp/odyssey-policy/internal/auth"
	"github.com/odyssey-erp/odyssey-policy/internal/modules"
	"github.com/odyssey-erp/odyssey-policy/internal/observability"
	"github.com/odyssey-erp/odyssey-policy/internal/overrides"
	"github.com/odyssey-erp/odyssey-policy/internal/principals"
	"github.com/odyssey-erp/odyssey-policy/internal/rbac"
	"github.com/odyssey-erp/odyssey-policy/internal/roles"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
	"github.com/odyssey-erp/odyssey-policy/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	SessionManager   *shared.SessionManager
	RBACMiddleware   rbac.Middleware
	AuthHandler      *auth.Handler
	PolicyHandler    *rbac.Handler
	TenantHandler    *principals.Handler
	RolesHandler     *roles.Handler
	OverridesHandler *overrides.Handler
	ModulesHandler   *modules.Handler
	AuditHandler     *audithttp.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with Odyssey defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Logger)
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		RBAC:           params.RBACMiddleware,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.AuthHandler != nil {
		r.Route("/auth", params.AuthHandler.MountRoutes)
	}
	r.Route("/policy", func(r chi.Router) {
		if params.PolicyHandler != nil {
			params.PolicyHandler.MountRoutes(r)
		}
		if params.TenantHandler != nil {
			params.TenantHandler.MountRoutes(r)
		}
	})
	r.Route("/admin", func(r chi.Router) {
		if params.RolesHandler != nil {
			params.RolesHandler.MountRoutes(r)
		}
		if params.OverridesHandler != nil {
			params.OverridesHandler.MountRoutes(r)
		}
		if params.AuditHandler != nil {
			params.AuditHandler.MountRoutes(r)
		}
	})
	if params.ModulesHandler != nil {
		r.Route("/modules", params.ModulesHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}
