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
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/propledger/propledger/internal/auth"
	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/shared"
	_ "github.com/propledger/propledger/testing"
)

type stubRepo struct {
	user     *auth.User
	sessions map[string]int64
}

func (s *stubRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if s.user == nil || s.user.Email != email {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

func (s *stubRepo) CreateSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	if s.sessions == nil {
		s.sessions = make(map[string]int64)
	}
	s.sessions[id] = userID
	return nil
}

func (s *stubRepo) DeleteSession(ctx context.Context, id string) error {
	delete(s.sessions, id)
	return nil
}

type stubPrincipals struct{}

func (stubPrincipals) LoadAssignments(_ context.Context, userID int64) (rbac.Principal, error) {
	return rbac.Principal{
		UserID: userID,
		Assignments: []rbac.Assignment{{
			BusinessUnitID: 10,
			RoleID:         2,
			RoleName:       "Manager",
			RoleLevel:      rbac.LevelManager,
			IsActive:       true,
			Permissions:    []rbac.RolePermission{{Module: rbac.ModuleApprovalRequests, CanRead: true, CanApprove: true}},
		}},
	}, nil
}

func newAuthHandler(t *testing.T, repo *stubRepo) (*auth.Handler, *shared.SessionManager) {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessionManager := shared.NewSessionManager(redisClient, "test_session", "secret", time.Hour, false)
	csrfManager := shared.NewCSRFManager("csrfsecret")
	handler := auth.NewHandler(nil, auth.NewService(repo, stubPrincipals{}), sessionManager, csrfManager)
	return handler, sessionManager
}

func activeUser(t *testing.T) *auth.User {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte("correctpass"), bcrypt.MinCost)
	require.NoError(t, err)
	return &auth.User{ID: 1, Email: "user@test.local", PasswordHash: string(hashed), IsActive: true}
}

func postLogin(t *testing.T, handler *auth.Handler, sm *shared.SessionManager, body string) (*httptest.ResponseRecorder, *shared.Session) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	sess, err := sm.Load(context.Background(), req)
	require.NoError(t, err)
	ctx := shared.ContextWithSession(req.Context(), sess)
	req = req.WithContext(ctx)

	// The session middleware commits before the body goes out; replay that order.
	out := httptest.NewRecorder()
	handler.HandleLoginForTest(out, req)

	res := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, res, req, sess))
	for k, v := range out.Header() {
		res.Header()[k] = v
	}
	res.WriteHeader(out.Code)
	_, err = res.Write(out.Body.Bytes())
	require.NoError(t, err)
	return res, sess
}

func TestLoginStoresPrincipalInSession(t *testing.T) {
	repo := &stubRepo{user: activeUser(t)}
	handler, sm := newAuthHandler(t, repo)

	res, sess := postLogin(t, handler, sm, `{"email":"user@test.local","password":"correctpass"}`)
	require.Equal(t, http.StatusOK, res.Code)

	var body struct {
		CSRFToken string         `json:"csrf_token"`
		Principal rbac.Principal `json:"principal"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	require.NotEmpty(t, body.CSRFToken)
	require.Equal(t, int64(1), body.Principal.UserID)

	// Reload from redis through the issued cookie.
	next := httptest.NewRequest(http.MethodGet, "/rbac/me", nil)
	for _, c := range res.Result().Cookies() {
		next.AddCookie(c)
	}
	reloaded, err := sm.Load(context.Background(), next)
	require.NoError(t, err)
	require.Equal(t, sess.ID, reloaded.ID)

	p, ok := rbac.PrincipalFromSession(reloaded)
	require.True(t, ok)
	require.True(t, p.Can(10, rbac.ModuleApprovalRequests, rbac.CapApprove))
	require.Equal(t, body.CSRFToken, reloaded.Get(shared.CSRFSessionKey))
	require.Equal(t, int64(1), repo.sessions[sess.ID])
}

func TestLoginInvalidCredentials(t *testing.T) {
	handler, sm := newAuthHandler(t, &stubRepo{user: activeUser(t)})

	res, sess := postLogin(t, handler, sm, `{"email":"user@test.local","password":"wrongpass"}`)
	require.Equal(t, http.StatusUnauthorized, res.Code)
	_, ok := rbac.PrincipalFromSession(sess)
	require.False(t, ok)
}

func TestLoginInactiveUserRejected(t *testing.T) {
	user := activeUser(t)
	user.IsActive = false
	handler, sm := newAuthHandler(t, &stubRepo{user: user})

	res, _ := postLogin(t, handler, sm, `{"email":"user@test.local","password":"correctpass"}`)
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestLoginValidatesPayload(t *testing.T) {
	handler, sm := newAuthHandler(t, &stubRepo{})

	res, _ := postLogin(t, handler, sm, `{"email":"not-an-email","password":"x"}`)
	require.Equal(t, http.StatusBadRequest, res.Code)

	var problem struct {
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &problem))
	require.Contains(t, problem.Fields, "email")
	require.Contains(t, problem.Fields, "password")
}
