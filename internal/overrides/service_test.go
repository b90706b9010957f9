package overrides_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-policy/internal/overrides"
	"github.com/odyssey-erp/odyssey-policy/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-policy/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-policy/internal/policy"
	"github.com/odyssey-erp/odyssey-policy/internal/rbac"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type memRepo struct {
	mu    sync.Mutex
	items map[string]policy.PermissionOverride
	delay time.Duration
}

func (m *memRepo) setDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

func newMemRepo() *memRepo {
	return &memRepo{items: map[string]policy.PermissionOverride{}}
}

func (m *memRepo) ListByPrincipal(ctx context.Context, principalID int64) ([]policy.PermissionOverride, error) {
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []policy.PermissionOverride
	for _, o := range m.items {
		if o.PrincipalID == principalID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memRepo) Upsert(_ context.Context, o policy.PermissionOverride) (policy.PermissionOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.items {
		if existing.PrincipalID == o.PrincipalID && existing.Permission == o.Permission {
			o.ID = id
		}
	}
	m.items[o.ID] = o
	return o, nil
}

func (m *memRepo) Delete(_ context.Context, id string) (policy.PermissionOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.items[id]
	if !ok {
		return policy.PermissionOverride{}, overrides.ErrNotFound
	}
	delete(m.items, id)
	return o, nil
}

func (m *memRepo) ExpiredBetween(_ context.Context, since, until time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[int64]bool{}
	var out []int64
	for _, o := range m.items {
		if o.ExpiresAt == nil || o.ExpiresAt.After(until) {
			continue
		}
		if !since.IsZero() && !o.ExpiresAt.After(since) {
			continue
		}
		if !seen[o.PrincipalID] {
			seen[o.PrincipalID] = true
			out = append(out, o.PrincipalID)
		}
	}
	return out, nil
}

type fixture struct {
	service *overrides.Service
	repo    *memRepo
	catalog *policy.Catalog
	h       *policy.Hierarchy
	redis   *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h, c, _, err := shared.DefaultPolicyDefinition().Build()
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo := newMemRepo()
	svc := overrides.NewService(repo, c, nil, cache.NewBus(client, nil), overrides.Config{
		Clock: func() time.Time { return now },
	})
	return &fixture{service: svc, repo: repo, catalog: c, h: h, redis: mr}
}

func TestSnapshotLoadingThenLoaded(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.service.Snapshot(4).Loaded)
	require.Eventually(t, func() bool { return f.service.Snapshot(4).Loaded }, time.Second, 5*time.Millisecond)
}

func TestAddInvalidatesSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.service.Warm(ctx, 4))
	require.True(t, f.service.Snapshot(4).Loaded)

	o, err := f.service.Add(ctx, 1, 4, overrides.AddInput{Permission: " Capas.Delete", Kind: "deny"})
	require.NoError(t, err)
	assert.Equal(t, policy.Permission("capas.delete"), o.Permission)
	assert.NotEmpty(t, o.ID)

	snap := f.service.Snapshot(4)
	assert.True(t, snap.Loaded)
	assert.Len(t, snap.Items, 1)

	again, err := f.service.Add(ctx, 1, 4, overrides.AddInput{Permission: "capas.delete", Kind: "grant"})
	require.NoError(t, err)
	assert.Equal(t, o.ID, again.ID, "one override per permission")
}

func TestAddValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := now.Add(-time.Minute)

	cases := map[string]overrides.AddInput{
		"missing permission": {Kind: "grant"},
		"bad kind":           {Permission: "capas.view", Kind: "allow"},
		"unknown permission": {Permission: "capas.fly", Kind: "grant"},
		"expired":            {Permission: "capas.view", Kind: "grant", ExpiresAt: &past},
		"expires now":        {Permission: "capas.view", Kind: "grant", ExpiresAt: &now},
	}
	for name, input := range cases {
		_, err := f.service.Add(ctx, 1, 4, input)
		assert.ErrorIs(t, err, httpx.ErrValidation, name)
	}
	assert.Empty(t, f.repo.items)
}

func TestRemoveAndSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	soon := now.Add(time.Hour)

	o, err := f.service.Add(ctx, 1, 4, overrides.AddInput{Permission: "capas.export", Kind: "grant", ExpiresAt: &soon})
	require.NoError(t, err)
	require.NoError(t, f.service.Remove(ctx, 1, o.ID))
	assert.ErrorIs(t, f.service.Remove(ctx, 1, o.ID), overrides.ErrNotFound)
	assert.ErrorIs(t, f.service.Remove(ctx, 1, "not-a-uuid"), overrides.ErrNotFound)

	_, err = f.service.Add(ctx, 1, 4, overrides.AddInput{Permission: "capas.export", Kind: "grant", ExpiresAt: &soon})
	require.NoError(t, err)
	f.repo.mu.Lock()
	for id, item := range f.repo.items {
		expired := now.Add(-time.Hour)
		item.ExpiresAt = &expired
		f.repo.items[id] = item
	}
	f.repo.mu.Unlock()

	n, err := f.service.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, f.repo.items, 1, "expired overrides stay stored")

	listed, err := f.service.List(ctx, 4)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.False(t, listed[0].Active(now))

	n, err = f.service.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already swept")
}

func TestEvaluatorSeesDenyAfterAdd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := policy.NewEvaluator(f.h, f.catalog, policy.WithClock(func() time.Time { return now }))
	p := policy.Principal{ID: 4, Memberships: []policy.Membership{{TenantID: 1, Role: shared.RoleGerente}}}
	require.NoError(t, f.service.Warm(ctx, 4))

	snap := func() policy.Snapshot {
		return policy.Snapshot{Principal: &p, Overrides: f.service.Snapshot(4)}
	}
	require.True(t, ev.HasPermission(snap(), shared.PermCapasEdit))

	f.repo.setDelay(200 * time.Millisecond)
	_, err := f.service.Add(ctx, 1, 4, overrides.AddInput{Permission: string(shared.PermCapasEdit), Kind: "deny"})
	require.NoError(t, err)
	current := snap()
	assert.True(t, current.Overrides.Loaded)
	assert.Len(t, current.Overrides.Items, 1)
	assert.False(t, ev.HasPermission(current, shared.PermCapasEdit))
}

func TestInvalidatedSnapshotFailsClosedUntilRefetched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := policy.NewEvaluator(f.h, f.catalog, policy.WithClock(func() time.Time { return now }))
	p := policy.Principal{ID: 4, Memberships: []policy.Membership{{TenantID: 1, Role: shared.RoleGerente}}}
	require.NoError(t, f.service.Warm(ctx, 4))

	f.repo.mu.Lock()
	f.repo.items["00000000-0000-0000-0000-000000000002"] = policy.PermissionOverride{
		ID: "00000000-0000-0000-0000-000000000002", PrincipalID: 4, Permission: shared.PermCapasEdit, Kind: policy.OverrideDeny,
	}
	f.repo.mu.Unlock()
	f.repo.setDelay(200 * time.Millisecond)
	f.service.Invalidate(ctx, 4)

	snap := policy.Snapshot{Principal: &p, Overrides: f.service.Snapshot(4)}
	assert.False(t, snap.Overrides.Loaded)
	assert.False(t, ev.HasPermission(snap, shared.PermCapasEdit))
	assert.False(t, ev.HasPermission(snap, shared.PermCapasView))

	require.Eventually(t, func() bool { return f.service.Snapshot(4).Loaded }, 2*time.Second, 10*time.Millisecond)
	snap = policy.Snapshot{Principal: &p, Overrides: f.service.Snapshot(4)}
	assert.False(t, ev.HasPermission(snap, shared.PermCapasEdit))
	assert.True(t, ev.HasPermission(snap, shared.PermCapasView))
}

func TestExpiredTTLKeepsServing(t *testing.T) {
	clock := now
	var mu sync.Mutex
	repo := newMemRepo()
	_, c, _, err := shared.DefaultPolicyDefinition().Build()
	require.NoError(t, err)
	svc := overrides.NewService(repo, c, nil, nil, overrides.Config{
		SnapshotTTL: time.Minute,
		Clock: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return clock
		},
	})
	require.NoError(t, svc.Warm(context.Background(), 4))
	repo.setDelay(200 * time.Millisecond)

	mu.Lock()
	clock = clock.Add(2 * time.Minute)
	mu.Unlock()
	assert.True(t, svc.Snapshot(4).Loaded)
}

func TestPeerInvalidation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.service.Warm(ctx, 4))
	require.NoError(t, f.service.Listen(ctx))

	f.repo.mu.Lock()
	f.repo.items["00000000-0000-0000-0000-000000000001"] = policy.PermissionOverride{
		ID: "00000000-0000-0000-0000-000000000001", PrincipalID: 4, Permission: "capas.view", Kind: policy.OverrideDeny,
	}
	f.repo.mu.Unlock()

	peerClient := redis.NewClient(&redis.Options{Addr: f.redis.Addr()})
	t.Cleanup(func() { _ = peerClient.Close() })
	require.NoError(t, cache.NewBus(peerClient, nil).Publish(ctx, overrides.ChannelInvalidate, "4"))

	require.Eventually(t, func() bool { return len(f.service.Snapshot(4).Items) == 1 }, time.Second, 5*time.Millisecond)
}

type loadedOverrides struct{}

func (loadedOverrides) Snapshot(int64) policy.OverrideSnapshot {
	return policy.OverrideSnapshot{Loaded: true}
}

func TestHandler(t *testing.T) {
	f := newFixture(t)
	guard := rbac.Middleware{Service: rbac.NewService(policy.NewEvaluator(f.h, f.catalog), loadedOverrides{}, nil)}
	router := chi.NewRouter()
	overrides.NewHandler(nil, f.service, guard, nil).MountRoutes(router)

	do := func(method, path, body string, p policy.Principal) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req = req.WithContext(shared.ContextWithPrincipal(req.Context(), p))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}
	gerente := policy.Principal{ID: 2, Memberships: []policy.Membership{{TenantID: 1, Role: "gerente"}}}
	admin := policy.Principal{ID: 3, Memberships: []policy.Membership{{TenantID: 1, Role: "admin"}}}

	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/users/4/overrides", `{"permission":"capas.view","kind":"grant"}`, gerente).Code)
	rec := do(http.MethodPost, "/users/4/overrides", `{"permission":"capas.view","kind":"grant","reason":"cobertura"}`, admin)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created policy.PermissionOverride
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, int64(3), created.CreatedBy)

	rec = do(http.MethodGet, "/users/4/overrides", "", gerente)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.ID)

	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/users/4/overrides", `{"permission":"capas.view","kind":"maybe"}`, admin).Code)
	assert.Equal(t, http.StatusNoContent, do(http.MethodDelete, "/overrides/"+created.ID, "", admin).Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodDelete, "/overrides/"+created.ID, "", admin).Code)
}
