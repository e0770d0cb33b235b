package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/propledger/propledger/internal/app"
	"github.com/propledger/propledger/internal/auth"
	"github.com/propledger/propledger/internal/observability"
	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/shared"
	"github.com/propledger/propledger/jobs"
	_ "github.com/propledger/propledger/testing"
)

type userRepo struct {
	user *auth.User
}

func (r userRepo) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	if r.user == nil || r.user.Email != email {
		return nil, shared.ErrNotFound
	}
	return r.user, nil
}

func (userRepo) CreateSession(context.Context, string, int64, time.Time, string, string) error {
	return nil
}

func (userRepo) DeleteSession(context.Context, string) error { return nil }

type fixedPrincipals struct{}

func (fixedPrincipals) LoadAssignments(_ context.Context, userID int64) (rbac.Principal, error) {
	return rbac.Principal{UserID: userID, Assignments: []rbac.Assignment{{
		BusinessUnitID: 10, RoleID: 2, RoleName: "Manager", RoleLevel: rbac.LevelManager, IsActive: true,
	}}}, nil
}

// client keeps cookies between requests like a browser would.
type client struct {
	t       *testing.T
	handler http.Handler
	cookies []*http.Cookie
}

func (c *client) do(method, path, body string, header http.Header) *httptest.ResponseRecorder {
	c.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.1:1234"
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)
	if set := rr.Result().Cookies(); len(set) > 0 {
		c.cookies = set
	}
	return rr
}

func newTestRouter(t *testing.T) *client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)
	repo := userRepo{user: &auth.User{ID: 100, Email: "clerk@example.com", PasswordHash: string(hash), IsActive: true}}

	cfg := &app.Config{AppEnv: "test", AppRequestTimeout: 5 * time.Second, RateLimitPerMin: 1000}
	sessions := shared.NewSessionManager(rdb, "propledger_session", "secret", time.Hour, false)
	csrf := shared.NewCSRFManager("csrf-secret")
	mw := rbac.Middleware{}

	router := app.NewRouter(app.RouterParams{
		Config:         cfg,
		SessionManager: sessions,
		CSRFManager:    csrf,
		RBACMiddleware: mw,
		AuthHandler:    auth.NewHandler(nil, auth.NewService(repo, fixedPrincipals{}), sessions, csrf),
		RBACHandler:    rbac.NewHandler(nil, nil, mw),
		JobHandler:     jobs.NewHandler(nil, nil),
		Metrics:        observability.NewMetrics(),
	})
	return &client{t: t, handler: router}
}

func TestHealthzAndMetricsBypassSessions(t *testing.T) {
	c := newTestRouter(t)

	rr := c.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Result().Cookies())

	rr = c.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestMutationsRequireCSRFToken(t *testing.T) {
	c := newTestRouter(t)

	rr := c.do(http.MethodPost, "/auth/login", `{"email":"clerk@example.com","password":"correct horse"}`, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = c.do(http.MethodGet, "/auth/csrf", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	var tok map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&tok))
	require.NotEmpty(t, tok["csrf_token"])

	wrong := http.Header{shared.CSRFHeader: []string{"nope"}}
	rr = c.do(http.MethodPost, "/auth/login", `{"email":"clerk@example.com","password":"correct horse"}`, wrong)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestLoginLoadsPrincipalForLaterRequests(t *testing.T) {
	c := newTestRouter(t)

	rr := c.do(http.MethodGet, "/rbac/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = c.do(http.MethodGet, "/auth/csrf", "", nil)
	var tok map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&tok))

	header := http.Header{shared.CSRFHeader: []string{tok["csrf_token"]}, "Content-Type": []string{"application/json"}}
	rr = c.do(http.MethodPost, "/auth/login", `{"email":"clerk@example.com","password":"correct horse"}`, header)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = c.do(http.MethodGet, "/rbac/me", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var p rbac.Principal
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&p))
	assert.EqualValues(t, 100, p.UserID)
	require.Len(t, p.Assignments, 1)
	assert.EqualValues(t, 10, p.Assignments[0].BusinessUnitID)

	rr = c.do(http.MethodGet, "/jobs/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestUnknownRoutesUseProblemResponses(t *testing.T) {
	c := newTestRouter(t)
	rr := c.do(http.MethodGet, "/nowhere", "", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}
