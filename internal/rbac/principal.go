package rbac

import (
	"context"

	"github.com/propledger/propledger/internal/shared"
)

// SessionKey is the session object holding the serialised Principal.
const SessionKey = "principal"

type principalContextKey struct{}

// ContextWithPrincipal stores p on ctx.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the principal placed by Middleware.LoadPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok && p.Authenticated()
}

// PrincipalFromSession decodes the principal stored at login.
func PrincipalFromSession(sess *shared.Session) (Principal, bool) {
	if sess == nil {
		return Principal{}, false
	}
	var p Principal
	ok, err := sess.Object(SessionKey, &p)
	if err != nil || !ok || !p.Authenticated() {
		return Principal{}, false
	}
	return p, true
}

// StorePrincipal writes p into the session.
func StorePrincipal(sess *shared.Session, p Principal) error {
	return sess.SetObject(SessionKey, p)
}
