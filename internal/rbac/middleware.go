package rbac

import (
	"log/slog"
	"net/http"

	"github.com/propledger/propledger/internal/platform/httpx"
	"github.com/propledger/propledger/internal/shared"
)

// BusinessUnitParam is the chi URL parameter scoping permission checks.
const BusinessUnitParam = "businessUnitID"

// Middleware wires authorization checks for HTTP handlers.
type Middleware struct {
	Logger *slog.Logger
}

// LoadPrincipal copies the session principal into the request context.
func (m Middleware) LoadPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := PrincipalFromSession(shared.SessionFromContext(r.Context())); ok {
			r = r.WithContext(ContextWithPrincipal(r.Context(), p))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuth rejects requests without a principal.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFromContext(r.Context()); !ok {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Require ensures the principal holds capability on module in the business unit named by the URL.
func (m Middleware) Require(module Module, capability Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
				return
			}
			buID, err := httpx.IDParam(r, BusinessUnitParam)
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			if !p.Can(buID, module, capability) {
				if m.Logger != nil {
					m.Logger.Info("rbac denied",
						slog.Int64("user_id", p.UserID),
						slog.Int64("business_unit_id", buID),
						slog.String("module", string(module)),
						slog.String("capability", string(capability)),
						slog.String("path", r.URL.Path),
					)
				}
				httpx.RespondError(w, shared.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
