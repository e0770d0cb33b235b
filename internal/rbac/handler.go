package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/propledger/propledger/internal/platform/httpx"
	"github.com/propledger/propledger/internal/shared"
)

// Handler exposes the caller's capabilities and role administration.
type Handler struct {
	logger  *slog.Logger
	service *Service
	mw      Middleware
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, mw Middleware) *Handler {
	return &Handler{logger: logger, service: service, mw: mw}
}

// MountRoutes registers routes. Role writes are authorised through the business unit in the path.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.mw.RequireAuth).Get("/rbac/me", h.me)
	r.Route("/business-units/{businessUnitID}/roles", func(r chi.Router) {
		r.With(h.mw.Require(ModuleRoles, CapRead)).Get("/", h.listRoles)
		r.With(h.mw.Require(ModuleRoles, CapCreate)).Post("/", h.createRole)
		r.With(h.mw.Require(ModuleRoles, CapUpdate)).Put("/{id}", h.updateRole)
		r.With(h.mw.Require(ModuleRoles, CapUpdate)).Put("/{id}/permissions", h.setPermissions)
		r.With(h.mw.Require(ModuleRoles, CapDelete)).Delete("/{id}", h.deleteRole)
	})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, roles)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var input RoleInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, _ := PrincipalFromContext(r.Context())
	role, err := h.service.CreateRole(r.Context(), p.UserID, input)
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var input RoleInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, _ := PrincipalFromContext(r.Context())
	role, err := h.service.UpdateRole(r.Context(), p.UserID, id, input)
	if err != nil {
		h.fail(w, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

type permissionsPayload struct {
	Permissions []RolePermission `json:"permissions"`
}

func (h *Handler) setPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var payload permissionsPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, _ := PrincipalFromContext(r.Context())
	if err := h.service.SetRolePermissions(r.Context(), p.UserID, id, payload.Permissions); err != nil {
		h.fail(w, "set role permissions", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, _ := PrincipalFromContext(r.Context())
	if err := h.service.DeleteRole(r.Context(), p.UserID, id); err != nil {
		h.fail(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !shared.IsExpected(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
