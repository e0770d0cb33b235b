package approval

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/propledger/propledger/internal/platform/httpx"
	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/shared"
)

// IdempotencyPort guards replayed submissions.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Handler exposes approval actions over JSON.
type Handler struct {
	logger      *slog.Logger
	actions     *Actions
	rbac        rbac.Middleware
	idempotency IdempotencyPort
}

// NewHandler constructs a Handler. idempotency may be nil.
func NewHandler(logger *slog.Logger, actions *Actions, rbac rbac.Middleware, idempotency IdempotencyPort) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, actions: actions, rbac: rbac, idempotency: idempotency}
}

// MountRoutes registers routes under /business-units/{businessUnitID}/approvals.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/business-units/{businessUnitID}/approvals", func(r chi.Router) {
		r.Use(h.rbac.RequireAuth)
		r.Post("/workflows", h.createWorkflow)
		r.Get("/workflows/{id}", h.getWorkflow)
		r.Patch("/workflows/{id}", h.updateWorkflow)
		r.Put("/workflows/{id}/steps", h.replaceSteps)
		r.Post("/workflows/{id}/toggle", h.toggleWorkflow)
		r.Post("/workflows/{id}/duplicate", h.duplicateWorkflow)
		r.Delete("/workflows/{id}", h.deleteWorkflow)
		r.Get("/requests/pending", h.pending)
		r.Get("/requests/{id}", h.getRequest)
		r.Post("/requests/{id}/steps/{stepID}/responses", h.submitResponse)
	})
}

func (h *Handler) createWorkflow(w http.ResponseWriter, r *http.Request) {
	buID, ok := h.unit(w, r)
	if !ok {
		return
	}
	var input WorkflowInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.write(w, http.StatusCreated, h.actions.CreateApprovalWorkflow(r.Context(), principal(r), buID, input))
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	buID, id, ok := h.unitAndID(w, r)
	if !ok {
		return
	}
	h.write(w, http.StatusOK, h.actions.GetApprovalWorkflow(r.Context(), principal(r), buID, id))
}

func (h *Handler) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	buID, id, ok := h.unitAndID(w, r)
	if !ok {
		return
	}
	var patch WorkflowPatch
	if err := httpx.DecodeJSON(r, &patch); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.write(w, http.StatusOK, h.actions.UpdateApprovalWorkflow(r.Context(), principal(r), buID, id, patch))
}

type stepsPayload struct {
	Steps []StepInput `json:"steps"`
}

func (h *Handler) replaceSteps(w http.ResponseWriter, r *http.Request) {
	buID, id, ok := h.unitAndID(w, r)
	if !ok {
		return
	}
	var payload stepsPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.write(w, http.StatusOK, h.actions.ReplaceApprovalWorkflowSteps(r.Context(), principal(r), buID, id, payload.Steps))
}

func (h *Handler) toggleWorkflow(w http.ResponseWriter, r *http.Request) {
	buID, id, ok := h.unitAndID(w, r)
	if !ok {
		return
	}
	h.write(w, http.StatusOK, h.actions.ToggleApprovalWorkflowStatus(r.Context(), principal(r), buID, id))
}

type duplicatePayload struct {
	Name string `json:"name"`
}

func (h *Handler) duplicateWorkflow(w http.ResponseWriter, r *http.Request) {
	buID, id, ok := h.unitAndID(w, r)
	if !ok {
		return
	}
	var payload duplicatePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.write(w, http.StatusCreated, h.actions.DuplicateApprovalWorkflow(r.Context(), principal(r), buID, id, payload.Name))
}

func (h *Handler) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	buID, id, ok := h.unitAndID(w, r)
	if !ok {
		return
	}
	h.write(w, http.StatusOK, h.actions.DeleteApprovalWorkflow(r.Context(), principal(r), buID, id))
}

func (h *Handler) pending(w http.ResponseWriter, r *http.Request) {
	items, res := h.actions.PendingApprovals(r.Context(), principal(r))
	if !res.Success {
		h.write(w, http.StatusOK, res)
		return
	}
	httpx.JSON(w, http.StatusOK, items)
}

func (h *Handler) getRequest(w http.ResponseWriter, r *http.Request) {
	buID, id, ok := h.unitAndID(w, r)
	if !ok {
		return
	}
	details, res := h.actions.GetApprovalRequestByID(r.Context(), principal(r), buID, id)
	if details == nil {
		h.write(w, http.StatusOK, res)
		return
	}
	httpx.JSON(w, http.StatusOK, details)
}

type responsePayload struct {
	Decision Decision `json:"decision"`
	Comments string   `json:"comments"`
}

func (h *Handler) submitResponse(w http.ResponseWriter, r *http.Request) {
	_, id, ok := h.unitAndID(w, r)
	if !ok {
		return
	}
	stepID, err := httpx.IDParam(r, "stepID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var payload responsePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := strings.TrimSpace(r.Header.Get(shared.IdempotencyHeader))
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, "approval_response"); err != nil {
			if !shared.IsExpected(err) {
				h.logger.Error("approval idempotency", slog.Any("error", err))
			}
			httpx.RespondError(w, err)
			return
		}
	}
	res := h.actions.SubmitApprovalResponse(r.Context(), principal(r), id, stepID, payload.Decision, payload.Comments)
	if !res.Success && key != "" && h.idempotency != nil {
		// Failed attempts may be retried with the same key.
		if err := h.idempotency.Delete(r.Context(), key); err != nil {
			h.logger.Warn("approval idempotency release", slog.Any("error", err))
		}
	}
	h.write(w, http.StatusOK, res)
}

func (h *Handler) write(w http.ResponseWriter, okStatus int, res Result) {
	if res.Success {
		httpx.JSON(w, okStatus, res)
		return
	}
	httpx.JSON(w, httpx.StatusForCode(res.Code), res)
}

func (h *Handler) unit(w http.ResponseWriter, r *http.Request) (int64, bool) {
	buID, err := httpx.IDParam(r, rbac.BusinessUnitParam)
	if err != nil {
		httpx.RespondError(w, err)
		return 0, false
	}
	return buID, true
}

func (h *Handler) unitAndID(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	buID, ok := h.unit(w, r)
	if !ok {
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
