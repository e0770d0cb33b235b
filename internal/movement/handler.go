package movement

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/propledger/propledger/internal/platform/httpx"
	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/shared"
)

// IdempotencyPort guards replayed movement requests.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Handler exposes movement endpoints.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	rbac        rbac.Middleware
	idempotency IdempotencyPort
}

// NewHandler constructs Handler. idempotency may be nil.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware, idempotency IdempotencyPort) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, idempotency: idempotency}
}

// MountRoutes registers movement and property routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/business-units/{businessUnitID}", func(r chi.Router) {
		r.Use(h.rbac.RequireAuth)
		r.Post("/movements/{kind:[a-zA-Z_]+}", h.requestMovement)
		r.Get("/movements/{id:[0-9]+}", h.getMovement)
		r.Post("/movements/{id:[0-9]+}/complete", h.completeMovement)
		r.With(h.rbac.Require(rbac.ModuleProperties, rbac.CapRead)).Get("/properties/{id}", h.getProperty)
	})
}

func (h *Handler) requestMovement(w http.ResponseWriter, r *http.Request) {
	buID, err := httpx.IDParam(r, rbac.BusinessUnitParam)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	kind, err := ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%v: %w", err, shared.ErrValidation))
		return
	}
	var input RequestInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.Kind = kind
	input.BusinessUnitID = buID

	key := strings.TrimSpace(r.Header.Get(shared.IdempotencyHeader))
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, string(kind.Module())); err != nil {
			h.fail(w, "movement idempotency", err)
			return
		}
	}
	m, err := h.service.RequestMovement(r.Context(), principal(r), input)
	if err != nil {
		if key != "" && h.idempotency != nil {
			if derr := h.idempotency.Delete(r.Context(), key); derr != nil {
				h.logger.Warn("movement idempotency release", slog.Any("error", derr))
			}
		}
		h.fail(w, "request movement", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, m)
}

func (h *Handler) getMovement(w http.ResponseWriter, r *http.Request) {
	buID, id, ok := unitAndID(w, r)
	if !ok {
		return
	}
	m, err := h.service.Get(r.Context(), buID, id)
	if err != nil {
		h.fail(w, "get movement", err)
		return
	}
	if !principal(r).Can(buID, m.Kind.Module(), rbac.CapRead) {
		httpx.RespondError(w, shared.ErrForbidden)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) completeMovement(w http.ResponseWriter, r *http.Request) {
	buID, id, ok := unitAndID(w, r)
	if !ok {
		return
	}
	m, err := h.service.MarkCompleted(r.Context(), principal(r), buID, id)
	if err != nil {
		h.fail(w, "complete movement", err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) getProperty(w http.ResponseWriter, r *http.Request) {
	buID, id, ok := unitAndID(w, r)
	if !ok {
		return
	}
	prop, err := h.service.GetProperty(r.Context(), buID, id)
	if err != nil {
		h.fail(w, "get property", err)
		return
	}
	httpx.JSON(w, http.StatusOK, prop)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !shared.IsExpected(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func unitAndID(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	buID, err := httpx.IDParam(r, rbac.BusinessUnitParam)
	if err != nil {
		httpx.RespondError(w, err)
		return 0, 0, false
	}
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return 0, 0, false
	}
	return buID, id, true
}

func principal(r *http.Request) rbac.Principal {
	p, _ := rbac.PrincipalFromContext(r.Context())
	return p
}
