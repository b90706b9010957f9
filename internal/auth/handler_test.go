package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-policy/internal/auth"
	"github.com/odyssey-erp/odyssey-policy/internal/policy"
	"github.com/odyssey-erp/odyssey-policy/internal/shared"
	_ "github.com/odyssey-erp/odyssey-policy/testing"
)

type stubRepo struct {
	user     *auth.User
	sessions map[string]int64
}

func (s *stubRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if s.user == nil || !strings.EqualFold(s.user.Email, email) {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

func (s *stubRepo) CreateSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	s.sessions[id] = userID
	return nil
}

func (s *stubRepo) DeleteSession(ctx context.Context, id string) error {
	delete(s.sessions, id)
	return nil
}

type stubPrincipals struct{}

func (stubPrincipals) Refresh(_ context.Context, sess *shared.Session) (policy.Principal, error) {
	p := policy.Principal{ID: sess.User(), Memberships: []policy.Membership{{TenantID: 1, TenantName: "Centro", Role: "vendedor"}}}
	sess.SetPrincipal(p, 0)
	return p, nil
}

type harness struct {
	router   chi.Router
	sessions *shared.SessionManager
	repo     *stubRepo
	redis    *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hashed, err := auth.HashPassword("correctpass")
	require.NoError(t, err)
	repo := &stubRepo{
		user:     &auth.User{ID: 1, Email: "user@test.local", PasswordHash: hashed, IsActive: true},
		sessions: map[string]int64{},
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sm := shared.NewSessionManager(client, "test_session", time.Hour, false)

	handler := auth.NewHandler(nil, auth.NewService(repo), sm, stubPrincipals{})
	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := sm.Load(r.Context(), r)
			require.NoError(t, err)
			next.ServeHTTP(w, r.WithContext(shared.ContextWithSession(r.Context(), sess)))
			require.NoError(t, sm.Commit(r.Context(), w, sess))
		})
	})
	handler.MountRoutes(router)
	return &harness{router: router, sessions: sm, repo: repo, redis: mr}
}

func (h *harness) post(path, body, sessionID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(shared.SessionHeader, sessionID)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestLoginStoresPrincipal(t *testing.T) {
	h := newHarness(t)

	rec := h.post("/login", `{"email":"user@test.local","password":"correctpass"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		SessionID string           `json:"session_id"`
		Principal policy.Principal `json:"principal"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Principal.ID)
	assert.True(t, h.redis.Exists("session:"+body.SessionID))
	assert.Equal(t, int64(1), h.repo.sessions[body.SessionID])

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(shared.SessionHeader, body.SessionID)
	sess, err := h.sessions.Load(context.Background(), req)
	require.NoError(t, err)
	stored, _ := sess.Principal()
	require.NotNil(t, stored)
	assert.Len(t, stored.Memberships, 1)
}

func TestLoginInvalidCredentials(t *testing.T) {
	h := newHarness(t)

	rec := h.post("/login", `{"email":"user@test.local","password":"wrongpass"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.redis.Keys())
}

func TestLoginValidation(t *testing.T) {
	h := newHarness(t)

	rec := h.post("/login", `{"email":"not-an-email","password":"short"}`, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Email")
	assert.Contains(t, rec.Body.String(), "Password")
}

func TestLogoutDestroysSession(t *testing.T) {
	h := newHarness(t)

	rec := h.post("/login", `{"email":"user@test.local","password":"correctpass"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	rec = h.post("/logout", "", body.SessionID)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, h.redis.Exists("session:"+body.SessionID))
	assert.NotContains(t, h.repo.sessions, body.SessionID)
}
