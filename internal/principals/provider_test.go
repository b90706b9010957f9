package principals_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-policy/internal/policy"
	"github.com/odyssey-erp/odyssey-policy/internal/principals"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
)

type stubRepo struct {
	principals map[int64]policy.Principal
	calls      int
}

func (s *stubRepo) LoadPrincipal(_ context.Context, userID int64) (policy.Principal, error) {
	s.calls++
	p, ok := s.principals[userID]
	if !ok {
		return policy.Principal{}, shared.ErrNotFound
	}
	return p, nil
}

func newProvider(t *testing.T) (*principals.Provider, *stubRepo, *shared.SessionManager) {
	t.Helper()
	provider, repo, sm, _ := newProviderWithRedis(t)
	return provider, repo, sm
}

func newProviderWithRedis(t *testing.T) (*principals.Provider, *stubRepo, *shared.SessionManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := &stubRepo{principals: map[int64]policy.Principal{
		5: {ID: 5, Memberships: []policy.Membership{
			{TenantID: 1, TenantName: "Norte", Role: "vendedor"},
			{TenantID: 2, TenantName: "Sur", Role: "gerente"},
		}},
	}}
	h := policy.MustHierarchy([]policy.RoleLevel{{Role: "vendedor", Level: 10}, {Role: "gerente", Level: 20}})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := principals.NewProvider(repo, client, policy.NewMembershipResolver(h), logger)
	return provider, repo, shared.NewSessionManager(client, "test_session", 0, false), mr
}

func loggedIn(t *testing.T, sm *shared.SessionManager) *shared.Session {
	t.Helper()
	sess, err := sm.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.SetUser(5)
	return sess
}

func TestResolveCachesUntilVersionBump(t *testing.T) {
	provider, repo, sm := newProvider(t)
	ctx := context.Background()
	sess := loggedIn(t, sm)

	p, err := provider.Resolve(ctx, sess)
	require.NoError(t, err)
	assert.Len(t, p.Memberships, 2)
	_, err = provider.Resolve(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.calls)

	repo.principals[5] = policy.Principal{ID: 5, Memberships: []policy.Membership{{TenantID: 2, TenantName: "Sur", Role: "admin"}}}
	require.NoError(t, provider.BumpVersion(ctx, 5))

	p, err = provider.Resolve(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.calls)
	require.Len(t, p.Memberships, 1)
	assert.Equal(t, policy.Role("admin"), p.Memberships[0].Role)

	_, version := sess.Principal()
	assert.Equal(t, int64(1), version)
}

func TestResolveFailsClosedWhenVersionUnreadable(t *testing.T) {
	provider, _, sm, mr := newProviderWithRedis(t)
	ctx := context.Background()
	sess := loggedIn(t, sm)

	_, err := provider.Resolve(ctx, sess)
	require.NoError(t, err)
	stored, _ := sess.Principal()
	require.NotNil(t, stored)

	mr.SetError("LOADING redis is loading the dataset")
	_, err = provider.Resolve(ctx, sess)
	assert.ErrorIs(t, err, shared.ErrPolicyUnavailable)

	mr.SetError("")
	p, err := provider.Resolve(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.ID)
}

func TestResolveAnonymous(t *testing.T) {
	provider, _, sm := newProvider(t)
	sess, err := sm.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	_, err = provider.Resolve(context.Background(), sess)
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)
	_, err = provider.Resolve(context.Background(), nil)
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)
}

func TestSwitchTenant(t *testing.T) {
	provider, _, sm := newProvider(t)
	ctx := context.Background()
	sess := loggedIn(t, sm)

	p, err := provider.SwitchTenant(ctx, sess, 2)
	require.NoError(t, err)
	require.NotNil(t, p.CurrentTenantID)
	assert.Equal(t, int64(2), *p.CurrentTenantID)

	_, err = provider.SwitchTenant(ctx, sess, 99)
	assert.ErrorIs(t, err, shared.ErrTenantNotHeld)

	stored, _ := sess.Principal()
	require.NotNil(t, stored.CurrentTenantID)
	assert.Equal(t, int64(2), *stored.CurrentTenantID)
}

func TestReloadKeepsHeldTenant(t *testing.T) {
	provider, repo, sm := newProvider(t)
	ctx := context.Background()
	sess := loggedIn(t, sm)

	_, err := provider.SwitchTenant(ctx, sess, 2)
	require.NoError(t, err)
	require.NoError(t, provider.BumpVersion(ctx, 5))
	p, err := provider.Resolve(ctx, sess)
	require.NoError(t, err)
	require.NotNil(t, p.CurrentTenantID)
	assert.Equal(t, int64(2), *p.CurrentTenantID)

	repo.principals[5] = policy.Principal{ID: 5, Memberships: []policy.Membership{{TenantID: 1, TenantName: "Norte", Role: "vendedor"}}}
	require.NoError(t, provider.BumpVersion(ctx, 5))
	p, err = provider.Resolve(ctx, sess)
	require.NoError(t, err)
	assert.Nil(t, p.CurrentTenantID)
}

func TestHandlerSwitchTenant(t *testing.T) {
	provider, _, sm := newProvider(t)
	h := policy.MustHierarchy([]policy.RoleLevel{{Role: "vendedor", Level: 10}, {Role: "gerente", Level: 20}})
	handler := principals.NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), provider, policy.NewMembershipResolver(h))
	router := chi.NewRouter()
	handler.MountRoutes(router)
	sess := loggedIn(t, sm)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodPut, "/tenant", `{"tenant_id": 2}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(http.MethodGet, "/tenants", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Tenants []struct {
			TenantID int64 `json:"tenant_id"`
			Current  bool  `json:"current"`
		} `json:"tenants"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tenants, 2)
	assert.False(t, body.Tenants[0].Current)
	assert.True(t, body.Tenants[1].Current)

	assert.Equal(t, http.StatusForbidden, do(http.MethodPut, "/tenant", `{"tenant_id": 7}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPut, "/tenant", `{}`).Code)
}
