package rbac_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-policy/internal/policy"
	"github.com/odyssey-erp/odyssey-policy/internal/rbac"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
)

type overrideSource map[int64]policy.OverrideSnapshot

func (o overrideSource) Snapshot(id int64) policy.OverrideSnapshot { return o[id] }

type moduleSource map[string]*policy.TransitionGraph

func (m moduleSource) Graph(id string) *policy.TransitionGraph { return m[id] }

func newService(t *testing.T, overrides overrideSource) *rbac.Service {
	t.Helper()
	def := shared.DefaultPolicyDefinition()
	h, c, _, err := def.Build()
	require.NoError(t, err)
	graph := policy.NewTransitionGraph(policy.ModuleConfig{
		ID:          "capas-personalizadas",
		Transitions: map[policy.StatusID][]policy.StatusID{1: {2, 3}, 2: {3}},
		RoleMatrix: map[policy.StatusID]map[policy.StatusID][]policy.Role{
			1: {2: {"gerente", "admin"}, 3: {"*"}},
		},
	})
	return rbac.NewService(policy.NewEvaluator(h, c), overrides, moduleSource{"capas-personalizadas": graph})
}

func vendedor() policy.Principal {
	return policy.Principal{ID: 4, Memberships: []policy.Membership{{TenantID: 7, TenantName: "Centro", Role: shared.RoleVendedor}}}
}

func serve(router http.Handler, method, path, body string, principal *policy.Principal) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if principal != nil {
		req = req.WithContext(shared.ContextWithPrincipal(req.Context(), *principal))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func guarded(mw func(http.Handler) http.Handler) http.Handler {
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestRequirePermission(t *testing.T) {
	p := vendedor()
	m := rbac.Middleware{Service: newService(t, overrideSource{4: {Loaded: true}})}

	assert.Equal(t, http.StatusNoContent, serve(guarded(m.RequirePermission(shared.PermCapasCreate)), http.MethodGet, "/", "", &p).Code)
	assert.Equal(t, http.StatusForbidden, serve(guarded(m.RequirePermission(shared.PermCapasDelete)), http.MethodGet, "/", "", &p).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(guarded(m.RequirePermission(shared.PermCapasView)), http.MethodGet, "/", "", nil).Code)
	assert.Equal(t, http.StatusNoContent, serve(guarded(m.RequireAny(shared.PermCapasDelete, "CAPAS.VIEW ")), http.MethodGet, "/", "", &p).Code)
	assert.Equal(t, http.StatusForbidden, serve(guarded(m.RequireAll(shared.PermCapasView, shared.PermCapasDelete)), http.MethodGet, "/", "", &p).Code)
}

func TestRequirePermissionWhileLoading(t *testing.T) {
	p := vendedor()
	m := rbac.Middleware{Service: newService(t, overrideSource{})}

	rec := serve(guarded(m.RequirePermission(shared.PermCapasView)), http.MethodGet, "/", "", &p)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	admin := policy.Principal{ID: 1, IsSuperAdmin: true}
	assert.Equal(t, http.StatusNoContent, serve(guarded(m.RequirePermission(shared.PermCapasDelete)), http.MethodGet, "/", "", &admin).Code)
}

func TestRequirePermissionDenyOverride(t *testing.T) {
	p := vendedor()
	m := rbac.Middleware{Service: newService(t, overrideSource{4: {Loaded: true, Items: []policy.PermissionOverride{
		{PrincipalID: 4, Permission: shared.PermCapasCreate, Kind: policy.OverrideDeny},
	}}})}

	assert.Equal(t, http.StatusForbidden, serve(guarded(m.RequirePermission(shared.PermCapasCreate)), http.MethodGet, "/", "", &p).Code)
}

func TestRequireMinRole(t *testing.T) {
	p := vendedor()
	m := rbac.Middleware{Service: newService(t, overrideSource{})}

	assert.Equal(t, http.StatusNoContent, serve(guarded(m.RequireMinRole(shared.RoleFabrica)), http.MethodGet, "/", "", &p).Code)
	assert.Equal(t, http.StatusForbidden, serve(guarded(m.RequireMinRole(shared.RoleGerente)), http.MethodGet, "/", "", &p).Code)
}

func newRouter(t *testing.T, overrides overrideSource) chi.Router {
	svc := newService(t, overrides)
	handler := rbac.NewHandler(nil, svc, rbac.Middleware{Service: svc})
	r := chi.NewRouter()
	r.Route("/policy", handler.MountRoutes)
	return r
}

func TestMeEndpoint(t *testing.T) {
	p := vendedor()
	router := newRouter(t, overrideSource{4: {Loaded: true}})

	rec := serve(router, http.MethodGet, "/policy/me", "", &p)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		EffectiveRole string   `json:"effective_role"`
		Permissions   []string `json:"permissions"`
		CurrentTenant struct {
			TenantID int64 `json:"tenant_id"`
		} `json:"current_tenant"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "vendedor", body.EffectiveRole)
	assert.Equal(t, []string{"capas.create", "capas.transition", "capas.view"}, body.Permissions)
	assert.Equal(t, int64(7), body.CurrentTenant.TenantID)

	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/policy/me", "", nil).Code)
}

func TestCheckEndpoint(t *testing.T) {
	p := vendedor()
	router := newRouter(t, overrideSource{4: {Loaded: true}})

	rec := serve(router, http.MethodPost, "/policy/check", `{"permissions":["capas.view","capas.delete"],"mode":"any"}`, &p)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Allowed     bool            `json:"allowed"`
		Permissions map[string]bool `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Allowed)
	assert.Equal(t, map[string]bool{"capas.view": true, "capas.delete": false}, body.Permissions)

	rec = serve(router, http.MethodPost, "/policy/check", `{"permissions":["capas.view","capas.delete"]}`, &p)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Allowed)

	rec = serve(router, http.MethodPost, "/policy/check", `{"min_role":"admin"}`, &p)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Allowed)

	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodPost, "/policy/check", `{}`, &p).Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodPost, "/policy/check", `{"permissions":["x"],"mode":"some"}`, &p).Code)
}

func TestTransitionsEndpoint(t *testing.T) {
	p := vendedor()
	router := newRouter(t, overrideSource{})

	rec := serve(router, http.MethodGet, "/policy/transitions?module=capas-personalizadas&from=1&to=2", "", &p)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Targets []int `json:"targets"`
		Allowed *bool `json:"allowed"`
		Loaded  bool  `json:"loaded"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []int{3}, body.Targets)
	require.NotNil(t, body.Allowed)
	assert.False(t, *body.Allowed)
	assert.True(t, body.Loaded)

	admin := policy.Principal{ID: 1, IsSuperAdmin: true}
	rec = serve(router, http.MethodGet, "/policy/transitions?module=capas-personalizadas&from=1&to=2", "", &admin)
	body.Allowed = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []int{2, 3}, body.Targets)
	assert.True(t, *body.Allowed)

	rec = serve(router, http.MethodGet, "/policy/transitions?module=unknown&from=1", "", &p)
	body.Targets = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Targets)
	assert.False(t, body.Loaded)

	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/policy/transitions?from=1", "", &p).Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/policy/transitions?module=m&from=x", "", &p).Code)
}

type unavailableResolver struct{}

func (unavailableResolver) Resolve(context.Context, *shared.Session) (policy.Principal, error) {
	return policy.Principal{}, fmt.Errorf("%w: version read failed", shared.ErrPolicyUnavailable)
}

func TestLoadPrincipalFailsClosedWhenUnverifiable(t *testing.T) {
	m := rbac.Middleware{Service: newService(t, overrideSource{}), Principals: unavailableResolver{}}
	reached := false
	handler := m.LoadPrincipal(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	sess := &shared.Session{ID: "s-1"}
	sess.SetUser(4)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.False(t, reached)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
