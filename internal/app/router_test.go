package app_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-policy/internal/app"
	"github.com/odyssey-erp/odyssey-policy/internal/observability"
	"github.com/odyssey-erp/odyssey-policy/internal/policy"
	"github.com/odyssey-erp/odyssey-policy/internal/rbac"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
	_ "github.com/odyssey-erp/odyssey-policy/testing"
)

type staticPrincipals map[int64]policy.Principal

func (s staticPrincipals) Resolve(_ context.Context, sess *shared.Session) (policy.Principal, error) {
	p, ok := s[sess.User()]
	if !ok {
		return policy.Principal{}, shared.ErrNotFound
	}
	return p, nil
}

type loadedOverrides struct{}

func (loadedOverrides) Snapshot(int64) policy.OverrideSnapshot {
	return policy.OverrideSnapshot{Loaded: true}
}

func newRouter(t *testing.T) (http.Handler, *shared.SessionManager) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h, c, _, err := shared.DefaultPolicyDefinition().Build()
	require.NoError(t, err)
	svc := rbac.NewService(policy.NewEvaluator(h, c), loadedOverrides{}, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mw := rbac.Middleware{Service: svc, Logger: logger, Principals: staticPrincipals{
		8: {ID: 8, Memberships: []policy.Membership{{TenantID: 1, TenantName: "Norte", Role: shared.RoleGerente}}},
	}}
	sessions := shared.NewSessionManager(client, "odyssey_session", time.Hour, false)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         &app.Config{AppEnv: "test", RateLimitAdmin: 10},
		SessionManager: sessions,
		RBACMiddleware: mw,
		PolicyHandler:  rbac.NewHandler(logger, svc, mw),
		Metrics:        observability.NewMetrics(),
	})
	return router, sessions
}

func TestHealthzSetsSecureHeaders(t *testing.T) {
	router, _ := newRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, rec.Result().Cookies())
}

func TestPolicyRoutesRequireSession(t *testing.T) {
	router, _ := newRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/policy/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionPrincipalReachesHandlers(t *testing.T) {
	router, sessions := newRouter(t)
	ctx := context.Background()

	sess, err := sessions.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.SetUser(8)
	require.NoError(t, sessions.Commit(ctx, httptest.NewRecorder(), sess))

	req := httptest.NewRequest(http.MethodGet, "/policy/me", nil)
	req.Header.Set(shared.SessionHeader, sess.ID)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"effective_role":"gerente"`)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sess.ID, cookies[0].Value)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := newRouter(t)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "odyssey_http_requests_total")
}
