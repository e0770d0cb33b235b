package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type principalStub struct {
	UserID int64   `json:"user_id"`
	Units  []int64 `json:"units"`
}

func newTestSessionManager(t *testing.T) *SessionManager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionManager(client, "test_session", "secret", time.Hour, false)
}

func TestSessionRoundTripCarriesObjects(t *testing.T) {
	sm := newTestSessionManager(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sm.Load(ctx, req)
	require.NoError(t, err)
	sess.SetUser("42")
	require.NoError(t, sess.SetObject("principal", principalStub{UserID: 42, Units: []int64{1, 2}}))

	res := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, res, req, sess))

	next := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range res.Result().Cookies() {
		next.AddCookie(c)
	}
	loaded, err := sm.Load(ctx, next)
	require.NoError(t, err)
	require.Equal(t, sess.ID, loaded.ID)
	require.Equal(t, "42", loaded.User())

	var got principalStub
	ok, err := loaded.Object("principal", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []int64{1, 2}, got.Units)

	uid, ok := SessionUserID(ContextWithSession(ctx, loaded))
	require.True(t, ok)
	require.Equal(t, int64(42), uid)
}

func TestSessionUnknownCookieStartsFresh(t *testing.T) {
	sm := newTestSessionManager(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: sm.CookieName(), Value: "forged"})

	sess, err := sm.Load(context.Background(), req)
	require.NoError(t, err)
	require.NotEqual(t, "forged", sess.ID)
	require.Empty(t, sess.User())
}

func TestSessionRejectsTamperedSignature(t *testing.T) {
	sm := newTestSessionManager(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sm.Load(ctx, req)
	require.NoError(t, err)
	sess.SetUser("7")
	res := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, res, req, sess))

	cookie := res.Result().Cookies()[0]
	require.Contains(t, cookie.Value, sess.ID+".")

	forged := httptest.NewRequest(http.MethodGet, "/", nil)
	forged.AddCookie(&http.Cookie{Name: sm.CookieName(), Value: sess.ID + ".bogus"})
	loaded, err := sm.Load(ctx, forged)
	require.NoError(t, err)
	require.NotEqual(t, sess.ID, loaded.ID)
	require.Empty(t, loaded.User())
}

func TestSessionCommitSlidesExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sm := NewSessionManager(client, "test_session", "secret", time.Hour, false)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sm.Load(ctx, req)
	require.NoError(t, err)
	res := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, res, req, sess))

	mr.FastForward(50 * time.Minute)

	next := httptest.NewRequest(http.MethodGet, "/", nil)
	next.AddCookie(res.Result().Cookies()[0])
	loaded, err := sm.Load(ctx, next)
	require.NoError(t, err)
	require.Equal(t, sess.ID, loaded.ID)
	require.NoError(t, sm.Commit(ctx, httptest.NewRecorder(), next, loaded))
	require.Equal(t, time.Hour, mr.TTL(sessionKeyPrefix+sess.ID))
}

func TestSessionDestroyClearsCookie(t *testing.T) {
	sm := newTestSessionManager(t)
	ctx := context.Background()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sm.Load(ctx, req)
	require.NoError(t, err)
	require.NoError(t, sm.Commit(ctx, httptest.NewRecorder(), req, sess))

	sm.Destroy(sess)
	res := httptest.NewRecorder()
	require.NoError(t, sm.Commit(ctx, res, req, sess))
	cookies := res.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, -1, cookies[0].MaxAge)
}

func TestValidationErrorUnwraps(t *testing.T) {
	v := NewValidationError()
	require.NoError(t, v.OrNil())
	v.Add("name", "required")
	v.Add("name", "ignored")
	err := v.OrNil()
	require.Error(t, err)
	require.Equal(t, CodeValidation, ErrorCode(err))
	require.Equal(t, "validation failed: name: required", err.Error())
	require.True(t, IsExpected(err))
}
