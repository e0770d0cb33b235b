package approval

import (
	"context"

	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/shared"
)

// RepositoryPort describes read access and transactions used by the services.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetWorkflow(ctx context.Context, id int64) (Workflow, error)
	ActiveWorkflowFor(ctx context.Context, entityType EntityType) (Workflow, error)
	GetRequest(ctx context.Context, id int64) (Request, error)
	RequestSteps(ctx context.Context, requestID int64) ([]Step, error)
	Responses(ctx context.Context, requestID int64) ([]StepResponse, error)
	WorkflowName(ctx context.Context, id int64) (string, error)
	PendingAtCurrentStep(ctx context.Context, businessUnitIDs []int64) ([]PendingItem, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertWorkflow(ctx context.Context, wf Workflow) (int64, error)
	InsertSteps(ctx context.Context, workflowID int64, steps []Step) ([]Step, error)
	LockWorkflow(ctx context.Context, id int64) (Workflow, error)
	ShareWorkflow(ctx context.Context, id int64) (Workflow, error)
	WorkflowSteps(ctx context.Context, workflowID int64) ([]Step, error)
	UpdateWorkflow(ctx context.Context, wf Workflow) error
	DeleteSteps(ctx context.Context, workflowID int64) error
	CountRequests(ctx context.Context, workflowID int64) (int64, error)
	DeleteWorkflow(ctx context.Context, id int64) error

	InsertRequest(ctx context.Context, req Request) (int64, error)
	InsertRequestSteps(ctx context.Context, requestID int64, steps []Step) error
	LockRequest(ctx context.Context, id int64) (Request, error)
	RequestStep(ctx context.Context, requestID, stepID int64) (Step, error)
	HasResponse(ctx context.Context, requestID, stepID int64) (bool, error)
	InsertResponse(ctx context.Context, resp StepResponse) (int64, error)
	// AdvanceRequest writes status, pointer and completion time, guarded by the
	// pointer the caller read under lock.
	AdvanceRequest(ctx context.Context, req Request, expectedStepOrder int) error
}

// RoleLookup resolves role ids referenced by steps.
type RoleLookup interface {
	RolesByID(ctx context.Context, ids []int64) (map[int64]rbac.Role, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CompletionHook is implemented by executors that settle the approved entity.
type CompletionHook interface {
	OnApprovalTerminal(ctx context.Context, outcome Outcome) error
}

// Notifier pushes request progress to responders and requesters.
type Notifier interface {
	StepReady(ctx context.Context, req Request, step Step) error
	Completed(ctx context.Context, outcome Outcome) error
}

// Metrics counts engine activity.
type Metrics interface {
	RequestCreated(entityType string)
	ResponseRecorded(decision string, override bool)
	RequestTerminal(entityType, status string)
}

type noopMetrics struct{}

func (noopMetrics) RequestCreated(string) {}
func (noopMetrics) ResponseRecorded(string, bool) {}
func (noopMetrics) RequestTerminal(string, string) {}
