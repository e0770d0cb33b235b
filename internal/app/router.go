package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/propledger/propledger/internal/approval"
	"github.com/propledger/propledger/internal/auth"
	"github.com/propledger/propledger/internal/movement"
	"github.com/propledger/propledger/internal/observability"
	"github.com/propledger/propledger/internal/platform/httpx"
	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/shared"
	"github.com/propledger/propledger/internal/users"
	"github.com/propledger/propledger/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	RBACMiddleware rbac.Middleware

	AuthHandler     *auth.Handler
	RBACHandler     *rbac.Handler
	UsersHandler    *users.Handler
	ApprovalHandler *approval.Handler
	MovementHandler *movement.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics

	HealthChecks map[string]HealthCheck
}

// NewRouter constructs the chi.Router with propledger defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	// Probes and scraping bypass sessions and CSRF.
	r.Get("/healthz", healthHandler(params.HealthChecks))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		for _, mw := range MiddlewareStack(MiddlewareConfig{
			Logger:         params.Logger,
			Config:         params.Config,
			SessionManager: params.SessionManager,
			CSRFManager:    params.CSRFManager,
			RBAC:           params.RBACMiddleware,
			Metrics:        params.Metrics,
		}) {
			r.Use(mw)
		}

		if params.AuthHandler != nil {
			r.Route("/auth", params.AuthHandler.MountRoutes)
		}
		if params.RBACHandler != nil {
			params.RBACHandler.MountRoutes(r)
		}
		if params.UsersHandler != nil {
			params.UsersHandler.MountRoutes(r)
		}
		if params.ApprovalHandler != nil {
			params.ApprovalHandler.MountRoutes(r)
		}
		if params.MovementHandler != nil {
			params.MovementHandler.MountRoutes(r)
		}
		if params.JobHandler != nil {
			r.With(params.RBACMiddleware.RequireAuth).Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondError(w, shared.ErrNotFound)
	})
	return r
}
