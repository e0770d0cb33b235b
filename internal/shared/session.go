package shared

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "propledger:session:"

// SessionManager keeps session state in Redis under a signed cookie id.
// The cookie value is "<uuid>.<hmac>"; unsigned or tampered cookies start a fresh session.
type SessionManager struct {
	client     *redis.Client
	cookieName string
	ttl        time.Duration
	secure     bool
	secret     []byte
}

// Session is the per-request view of the stored state.
type Session struct {
	ID    string
	state sessionState

	isNew     bool
	dirty     bool
	destroyed bool
}

type sessionState struct {
	Values  map[string]string          `json:"values,omitempty"`
	Objects map[string]json.RawMessage `json:"objects,omitempty"`
	UserID  string                     `json:"user_id,omitempty"`
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, cookieName string, secret string, ttl time.Duration, secure bool) *SessionManager {
	return &SessionManager{
		client:     client,
		cookieName: cookieName,
		ttl:        ttl,
		secure:     secure,
		secret:     []byte(secret),
	}
}

// Load returns the stored session named by the request cookie, or a new one.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if errors.Is(err, http.ErrNoCookie) {
		return sm.newSession(), nil
	}
	if err != nil {
		return nil, err
	}
	id, ok := sm.unsign(cookie.Value)
	if !ok {
		return sm.newSession(), nil
	}

	raw, err := sm.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired ids are not adopted.
		return sm.newSession(), nil
	}
	if err != nil {
		return nil, err
	}

	sess := &Session{ID: id}
	if err := json.Unmarshal(raw, &sess.state); err != nil {
		return nil, err
	}
	return sess, nil
}

// Commit stores a changed session, extends the TTL of an unchanged one, and writes the cookie.
func (sm *SessionManager) Commit(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *Session) error {
	if sess == nil {
		return nil
	}
	if sess.destroyed {
		if err := sm.client.Del(ctx, sessionKeyPrefix+sess.ID).Err(); err != nil {
			return err
		}
		http.SetCookie(w, sm.cookie("", -1))
		return nil
	}

	key := sessionKeyPrefix + sess.ID
	if sess.dirty || sess.isNew {
		data, err := json.Marshal(sess.state)
		if err != nil {
			return err
		}
		if err := sm.client.Set(ctx, key, data, sm.ttl).Err(); err != nil {
			return err
		}
		sess.dirty, sess.isNew = false, false
	} else if err := sm.client.Expire(ctx, key, sm.ttl).Err(); err != nil {
		return err
	}

	http.SetCookie(w, sm.cookie(sm.sign(sess.ID), int(sm.ttl.Seconds())))
	return nil
}

// Renew moves the session to a new id. Login calls it before storing the principal.
func (sm *SessionManager) Renew(ctx context.Context, sess *Session) error {
	if sess == nil {
		return nil
	}
	if !sess.isNew {
		if err := sm.client.Del(ctx, sessionKeyPrefix+sess.ID).Err(); err != nil {
			return err
		}
	}
	sess.ID = uuid.NewString()
	sess.isNew, sess.dirty = true, true
	return nil
}

// Destroy marks the session for deletion on Commit.
func (sm *SessionManager) Destroy(sess *Session) {
	if sess != nil {
		sess.destroyed = true
	}
}

// TTL exposes the configured session lifetime.
func (sm *SessionManager) TTL() time.Duration { return sm.ttl }

// CookieName returns the cookie identifier used for sessions.
func (sm *SessionManager) CookieName() string { return sm.cookieName }

func (sm *SessionManager) newSession() *Session {
	return &Session{ID: uuid.NewString(), isNew: true, dirty: true}
}

func (sm *SessionManager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     sm.cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (sm *SessionManager) sign(id string) string {
	mac := hmac.New(sha256.New, sm.secret)
	_, _ = mac.Write([]byte(id))
	return id + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (sm *SessionManager) unsign(value string) (string, bool) {
	id, _, ok := strings.Cut(value, ".")
	if !ok || id == "" {
		return "", false
	}
	return id, hmac.Equal([]byte(value), []byte(sm.sign(id)))
}

// Set stores a string value.
func (s *Session) Set(key, value string) {
	if s.state.Values == nil {
		s.state.Values = make(map[string]string)
	}
	s.state.Values[key] = value
	s.dirty = true
}

// Get returns the string stored under key.
func (s *Session) Get(key string) string {
	return s.state.Values[key]
}

// Delete removes key from both string and object values.
func (s *Session) Delete(key string) {
	delete(s.state.Values, key)
	delete(s.state.Objects, key)
	s.dirty = true
}

// SetObject stores v as JSON under key.
func (s *Session) SetObject(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if s.state.Objects == nil {
		s.state.Objects = make(map[string]json.RawMessage)
	}
	s.state.Objects[key] = raw
	s.dirty = true
	return nil
}

// Object decodes the JSON stored under key into dest; false when missing.
func (s *Session) Object(key string, dest any) (bool, error) {
	raw, ok := s.state.Objects[key]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

// SetUser associates the session with a user ID.
func (s *Session) SetUser(id string) {
	s.state.UserID = id
	s.dirty = true
}

// User returns the current user ID.
func (s *Session) User() string {
	return s.state.UserID
}
