package users

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/propledger/propledger/internal/platform/httpx"
	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/shared"
)

// Handler manages membership endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers membership routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireAuth).Get("/users/me/memberships", h.myMemberships)
	r.Route("/business-units/{businessUnitID}/members", func(r chi.Router) {
		r.With(h.rbac.Require(rbac.ModuleUsers, rbac.CapCreate)).Post("/", h.assign)
		r.With(h.rbac.Require(rbac.ModuleUsers, rbac.CapUpdate)).Patch("/{id}", h.update)
		r.With(h.rbac.Require(rbac.ModuleUsers, rbac.CapDelete)).Delete("/{id}", h.remove)
	})
}

func (h *Handler) myMemberships(w http.ResponseWriter, r *http.Request) {
	p, _ := rbac.PrincipalFromContext(r.Context())
	list, err := h.service.ListMemberships(r.Context(), p.UserID)
	if err != nil {
		h.fail(w, "list memberships", err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	buID, err := httpx.IDParam(r, rbac.BusinessUnitParam)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var input MembershipInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input.BusinessUnitID = buID
	p, _ := rbac.PrincipalFromContext(r.Context())
	m, err := h.service.AssignMember(r.Context(), p.UserID, input)
	if err != nil {
		h.fail(w, "assign member", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, m)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	buID, id, ok := h.ids(w, r)
	if !ok {
		return
	}
	var patch MembershipPatch
	if err := httpx.DecodeJSON(r, &patch); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, _ := rbac.PrincipalFromContext(r.Context())
	m, err := h.service.UpdateMember(r.Context(), p.UserID, buID, id, patch)
	if err != nil {
		h.fail(w, "update member", err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	buID, id, ok := h.ids(w, r)
	if !ok {
		return
	}
	p, _ := rbac.PrincipalFromContext(r.Context())
	deactivated, err := h.service.RemoveMember(r.Context(), p.UserID, buID, id)
	if err != nil {
		h.fail(w, "remove member", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"deactivated": deactivated})
}

func (h *Handler) ids(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
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

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !shared.IsExpected(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
