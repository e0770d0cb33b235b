package approval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/shared"
)

// Result is the uniform envelope returned by every action. Expected failures set
// Error and Code; infrastructure failures are logged and reported as CodeInternal.
type Result struct {
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	Code        string            `json:"code,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Warning     string            `json:"warning,omitempty"`
	WorkflowID  int64             `json:"workflow_id,omitempty"`
	RequestID   int64             `json:"request_id,omitempty"`
	IsCompleted bool              `json:"is_completed,omitempty"`
	Request     *Request          `json:"request,omitempty"`
	Workflow    *Workflow         `json:"workflow,omitempty"`
}

// Actions is the caller-facing boundary of the approval core.
type Actions struct {
	workflows *WorkflowService
	engine    *Engine
	logger    *slog.Logger
}

// NewActions constructs Actions.
func NewActions(workflows *WorkflowService, engine *Engine, logger *slog.Logger) *Actions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actions{workflows: workflows, engine: engine, logger: logger}
}

// CreateApprovalWorkflow requires approval_workflows:create in businessUnitID.
func (a *Actions) CreateApprovalWorkflow(ctx context.Context, p rbac.Principal, businessUnitID int64, input WorkflowInput) Result {
	if err := requirePermission(p, businessUnitID, rbac.ModuleApprovalWorkflows, rbac.CapCreate); err != nil {
		return a.fail("create workflow", err)
	}
	input.CreatedByID = p.UserID
	wf, err := a.workflows.CreateWorkflow(ctx, input)
	if err != nil {
		return a.fail("create workflow", err)
	}
	return Result{Success: true, WorkflowID: wf.ID, Workflow: &wf}
}

// UpdateApprovalWorkflow requires approval_workflows:update.
func (a *Actions) UpdateApprovalWorkflow(ctx context.Context, p rbac.Principal, businessUnitID, id int64, patch WorkflowPatch) Result {
	if err := requirePermission(p, businessUnitID, rbac.ModuleApprovalWorkflows, rbac.CapUpdate); err != nil {
		return a.fail("update workflow", err)
	}
	wf, err := a.workflows.UpdateWorkflow(ctx, p.UserID, id, patch)
	if err != nil {
		return a.fail("update workflow", err)
	}
	return Result{Success: true, WorkflowID: wf.ID, Workflow: &wf}
}

// ReplaceApprovalWorkflowSteps requires approval_workflows:update.
func (a *Actions) ReplaceApprovalWorkflowSteps(ctx context.Context, p rbac.Principal, businessUnitID, id int64, steps []StepInput) Result {
	if err := requirePermission(p, businessUnitID, rbac.ModuleApprovalWorkflows, rbac.CapUpdate); err != nil {
		return a.fail("replace steps", err)
	}
	wf, err := a.workflows.ReplaceSteps(ctx, p.UserID, id, steps)
	if err != nil {
		return a.fail("replace steps", err)
	}
	return Result{Success: true, WorkflowID: wf.ID, Workflow: &wf}
}

// ToggleApprovalWorkflowStatus requires approval_workflows:update.
func (a *Actions) ToggleApprovalWorkflowStatus(ctx context.Context, p rbac.Principal, businessUnitID, id int64) Result {
	if err := requirePermission(p, businessUnitID, rbac.ModuleApprovalWorkflows, rbac.CapUpdate); err != nil {
		return a.fail("toggle workflow", err)
	}
	wf, err := a.workflows.ToggleActive(ctx, p.UserID, id)
	if err != nil {
		return a.fail("toggle workflow", err)
	}
	return Result{Success: true, WorkflowID: wf.ID, Workflow: &wf}
}

// DuplicateApprovalWorkflow requires approval_workflows:create.
func (a *Actions) DuplicateApprovalWorkflow(ctx context.Context, p rbac.Principal, businessUnitID, id int64, newName string) Result {
	if err := requirePermission(p, businessUnitID, rbac.ModuleApprovalWorkflows, rbac.CapCreate); err != nil {
		return a.fail("duplicate workflow", err)
	}
	wf, err := a.workflows.Duplicate(ctx, p.UserID, id, newName)
	if err != nil {
		return a.fail("duplicate workflow", err)
	}
	return Result{Success: true, WorkflowID: wf.ID, Workflow: &wf}
}

// DeleteApprovalWorkflow requires approval_workflows:delete.
func (a *Actions) DeleteApprovalWorkflow(ctx context.Context, p rbac.Principal, businessUnitID, id int64) Result {
	if err := requirePermission(p, businessUnitID, rbac.ModuleApprovalWorkflows, rbac.CapDelete); err != nil {
		return a.fail("delete workflow", err)
	}
	if err := a.workflows.Delete(ctx, p.UserID, id); err != nil {
		return a.fail("delete workflow", err)
	}
	return Result{Success: true, WorkflowID: id}
}

// GetApprovalWorkflow requires approval_workflows:read.
func (a *Actions) GetApprovalWorkflow(ctx context.Context, p rbac.Principal, businessUnitID, id int64) Result {
	if err := requirePermission(p, businessUnitID, rbac.ModuleApprovalWorkflows, rbac.CapRead); err != nil {
		return a.fail("get workflow", err)
	}
	wf, err := a.workflows.GetWorkflow(ctx, id)
	if err != nil {
		return a.fail("get workflow", err)
	}
	return Result{Success: true, WorkflowID: wf.ID, Workflow: &wf}
}

// SubmitApprovalResponse is authorised by CanRespond inside the engine.
func (a *Actions) SubmitApprovalResponse(ctx context.Context, p rbac.Principal, requestID, stepID int64, decision Decision, comments string) Result {
	res, err := a.engine.SubmitResponse(ctx, SubmitInput{
		RequestID: requestID,
		StepID:    stepID,
		Responder: p,
		Decision:  decision,
		Comments:  comments,
	})
	if err != nil {
		return a.fail("submit response", err)
	}
	req := res.Request
	return Result{
		Success:     true,
		RequestID:   req.ID,
		IsCompleted: res.IsCompleted,
		Request:     &req,
		Warning:     res.Warning,
	}
}

// GetApprovalRequestByID requires approval_requests:read. Details are nil whenever
// the result is not successful, including not found.
func (a *Actions) GetApprovalRequestByID(ctx context.Context, p rbac.Principal, businessUnitID, id int64) (*RequestDetails, Result) {
	if err := requirePermission(p, businessUnitID, rbac.ModuleApprovalRequests, rbac.CapRead); err != nil {
		return nil, a.fail("get request", err)
	}
	details, err := a.engine.GetRequestDetails(ctx, businessUnitID, id)
	if err != nil {
		return nil, a.fail("get request", err)
	}
	return &details, Result{Success: true, RequestID: id}
}

// PendingApprovals lists requests waiting on the caller.
func (a *Actions) PendingApprovals(ctx context.Context, p rbac.Principal) ([]PendingItem, Result) {
	items, err := a.engine.PendingForPrincipal(ctx, p)
	if err != nil {
		return nil, a.fail("pending approvals", err)
	}
	return items, Result{Success: true}
}

func (a *Actions) fail(op string, err error) Result {
	code := shared.ErrorCode(err)
	if code == shared.CodeInternal {
		a.logger.Error("approval "+op, slog.Any("error", err))
	}
	res := Result{Success: false, Error: shared.UserSafeMessage(err), Code: code}
	if verr, ok := asValidation(err); ok {
		res.Fields = verr.Fields
	}
	return res
}

func requirePermission(p rbac.Principal, businessUnitID int64, module rbac.Module, capability rbac.Capability) error {
	if !p.Can(businessUnitID, module, capability) {
		return fmt.Errorf("approval: %s:%s required in unit %d: %w", module, capability, businessUnitID, shared.ErrForbidden)
	}
	return nil
}
