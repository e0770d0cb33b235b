package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/shared"
)

// Engine drives approval requests through their steps.
type Engine struct {
	repo     RepositoryPort
	audit    AuditPort
	logger   *slog.Logger
	notifier Notifier
	metrics  Metrics
	now      func() time.Time

	mu    sync.RWMutex
	hooks map[EntityType]CompletionHook
}

// NewEngine constructs an Engine.
func NewEngine(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:    repo,
		audit:   audit,
		logger:  logger,
		metrics: noopMetrics{},
		now:     time.Now,
		hooks:   make(map[EntityType]CompletionHook),
	}
}

// RegisterHook binds the executor notified when requests of entityType finish.
func (e *Engine) RegisterHook(entityType EntityType, hook CompletionHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks[entityType] = hook
}

// SetNotifier installs the asynchronous notifier.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// SetMetrics installs engine counters.
func (e *Engine) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	e.metrics = m
}

// CreateRequest opens a PENDING request at step 1 and pins the workflow's current steps to it.
func (e *Engine) CreateRequest(ctx context.Context, in CreateRequestInput) (Request, error) {
	verr := shared.NewValidationError()
	if in.WorkflowID <= 0 {
		verr.Add("workflow_id", "is required")
	}
	if in.BusinessUnitID <= 0 {
		verr.Add("business_unit_id", "is required")
	}
	if in.EntityID <= 0 {
		verr.Add("entity_id", "is required")
	}
	if in.RequestedByID <= 0 {
		verr.Add("requested_by_id", "is required")
	}
	if _, err := ParseEntityType(string(in.EntityType)); err != nil {
		verr.Add("entity_type", "unknown entity type")
	}
	if err := verr.OrNil(); err != nil {
		return Request{}, err
	}

	var (
		req   Request
		first Step
	)
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		wf, err := tx.ShareWorkflow(ctx, in.WorkflowID)
		if err != nil {
			return err
		}
		if !wf.IsActive {
			return fmt.Errorf("approval: workflow %d inactive: %w", wf.ID, shared.ErrInvalidState)
		}
		if wf.EntityType != in.EntityType {
			return fmt.Errorf("approval: workflow %d handles %s, not %s: %w", wf.ID, wf.EntityType, in.EntityType, shared.ErrInvalidState)
		}
		steps, err := tx.WorkflowSteps(ctx, wf.ID)
		if err != nil {
			return err
		}
		if len(steps) == 0 {
			return fmt.Errorf("approval: workflow %d has no steps: %w", wf.ID, shared.ErrInvalidState)
		}
		now := e.now().UTC()
		req = Request{
			WorkflowID:       wf.ID,
			BusinessUnitID:   in.BusinessUnitID,
			EntityType:       in.EntityType,
			EntityID:         in.EntityID,
			RequestedByID:    in.RequestedByID,
			Status:           StatusPending,
			CurrentStepOrder: 1,
			StepCount:        len(steps),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		id, err := tx.InsertRequest(ctx, req)
		if err != nil {
			return err
		}
		req.ID = id
		if err := tx.InsertRequestSteps(ctx, id, steps); err != nil {
			return err
		}
		first, _ = GetCurrentStep(req, steps)
		return nil
	})
	if err != nil {
		return Request{}, err
	}

	e.metrics.RequestCreated(string(req.EntityType))
	e.record(ctx, in.RequestedByID, shared.AuditRequestCreate, req.ID, map[string]any{
		"workflow_id": req.WorkflowID,
		"entity_type": string(req.EntityType),
		"entity_id":   req.EntityID,
	})
	e.notifyStep(ctx, req, first)
	return req, nil
}

// GetCurrentStep returns the step the request pointer sits on. It reports false once the
// pointer has moved past the last step.
func GetCurrentStep(req Request, steps []Step) (Step, bool) {
	for _, st := range steps {
		if st.StepOrder == req.CurrentStepOrder {
			return st, true
		}
	}
	return Step{}, false
}

// CanRespond reports whether p may answer step on req, and whether the answer would be an override.
// Only the assignment held in the request's business unit counts.
func CanRespond(p rbac.Principal, req Request, step Step) (ok bool, isOverride bool) {
	a, found := rbac.AssignmentFor(p.Assignments, req.BusinessUnitID)
	if !found {
		return false, false
	}
	if a.RoleID == step.RoleID {
		return true, false
	}
	if step.CanOverride && step.OverrideMinLevel != nil && a.RoleLevel >= *step.OverrideMinLevel {
		return true, true
	}
	return false, false
}

// SubmitResponse records a decision on the current step and moves the request forward.
func (e *Engine) SubmitResponse(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	if !in.Responder.Authenticated() {
		return SubmitResult{}, fmt.Errorf("approval: anonymous responder: %w", shared.ErrForbidden)
	}
	decision, err := ParseDecision(string(in.Decision))
	if err != nil {
		verr := shared.NewValidationError()
		verr.Add("decision", "must be APPROVED or REJECTED")
		return SubmitResult{}, verr
	}
	comments := strings.TrimSpace(in.Comments)

	var result SubmitResult
	err = e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, err := tx.LockRequest(ctx, in.RequestID)
		if err != nil {
			return err
		}
		step, err := tx.RequestStep(ctx, req.ID, in.StepID)
		if err != nil {
			return err
		}
		// An answered step is a conflict whatever the request state or responder.
		exists, err := tx.HasResponse(ctx, req.ID, step.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("approval: step %d already answered: %w", step.ID, shared.ErrConflict)
		}
		if req.Status != StatusPending {
			return fmt.Errorf("approval: request %d is %s: %w", req.ID, req.Status, shared.ErrInvalidState)
		}
		if step.StepOrder != req.CurrentStepOrder {
			return fmt.Errorf("approval: step %d is not current (at %d): %w", step.StepOrder, req.CurrentStepOrder, shared.ErrInvalidState)
		}
		ok, isOverride := CanRespond(in.Responder, req, step)
		if !ok {
			return fmt.Errorf("approval: user %d cannot respond to step %d: %w", in.Responder.UserID, step.ID, shared.ErrForbidden)
		}
		now := e.now().UTC()
		resp := StepResponse{
			RequestID:     req.ID,
			StepID:        step.ID,
			StepOrder:     step.StepOrder,
			RespondedByID: in.Responder.UserID,
			Status:        decision,
			Comments:      comments,
			IsOverride:    isOverride,
			RespondedAt:   now,
		}
		id, err := tx.InsertResponse(ctx, resp)
		if err != nil {
			return err
		}
		resp.ID = id

		expected := req.CurrentStepOrder
		switch {
		case decision == DecisionRejected:
			req.Status = StatusRejected
			req.CompletedAt = &now
		case step.StepOrder >= req.StepCount:
			req.Status = StatusApproved
			if isOverride {
				req.Status = StatusOverridden
			}
			req.CompletedAt = &now
		default:
			req.CurrentStepOrder++
		}
		req.UpdatedAt = now
		if err := tx.AdvanceRequest(ctx, req, expected); err != nil {
			return err
		}
		result = SubmitResult{Request: req, Response: resp, IsCompleted: req.Status.Terminal()}
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}

	e.metrics.ResponseRecorded(string(result.Response.Status), result.Response.IsOverride)
	e.record(ctx, in.Responder.UserID, shared.AuditRequestRespond, result.Request.ID, map[string]any{
		"step_id":     result.Response.StepID,
		"decision":    string(result.Response.Status),
		"is_override": result.Response.IsOverride,
		"status":      string(result.Request.Status),
	})

	if !result.IsCompleted {
		e.notifyNext(ctx, result.Request)
		return result, nil
	}
	outcome := Outcome{
		RequestID:      result.Request.ID,
		BusinessUnitID: result.Request.BusinessUnitID,
		EntityType:     result.Request.EntityType,
		EntityID:       result.Request.EntityID,
		Status:         result.Request.Status,
		ActorID:        in.Responder.UserID,
		CompletedAt:    *result.Request.CompletedAt,
	}
	e.metrics.RequestTerminal(string(outcome.EntityType), string(outcome.Status))
	if err := e.dispatch(ctx, outcome); err != nil {
		e.logger.Error("approval completion hook",
			slog.Int64("request_id", outcome.RequestID),
			slog.String("entity_type", string(outcome.EntityType)),
			slog.Int64("entity_id", outcome.EntityID),
			slog.Any("error", err),
		)
		result.Warning = "request completed but the linked record could not be updated"
	}
	if e.notifier != nil {
		if err := e.notifier.Completed(ctx, outcome); err != nil {
			e.logger.Warn("approval notify completed", slog.Int64("request_id", outcome.RequestID), slog.Any("error", err))
		}
	}
	return result, nil
}

// GetRequestDetails loads a request of businessUnitID with its pinned steps and responses.
func (e *Engine) GetRequestDetails(ctx context.Context, businessUnitID, id int64) (RequestDetails, error) {
	req, err := e.repo.GetRequest(ctx, id)
	if err != nil {
		return RequestDetails{}, err
	}
	if req.BusinessUnitID != businessUnitID {
		return RequestDetails{}, fmt.Errorf("approval: request %d: %w", id, shared.ErrNotFound)
	}

	details := RequestDetails{Request: req}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		steps, err := e.repo.RequestSteps(gctx, id)
		details.Steps = steps
		return err
	})
	g.Go(func() error {
		responses, err := e.repo.Responses(gctx, id)
		details.Responses = responses
		return err
	})
	g.Go(func() error {
		name, err := e.repo.WorkflowName(gctx, req.WorkflowID)
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		details.WorkflowName = name
		return err
	})
	if err := g.Wait(); err != nil {
		return RequestDetails{}, err
	}
	if req.Status == StatusPending {
		if st, ok := GetCurrentStep(req, details.Steps); ok {
			details.CurrentStep = &st
		}
	}
	return details, nil
}

// PendingForPrincipal lists pending requests whose current step p may answer.
func (e *Engine) PendingForPrincipal(ctx context.Context, p rbac.Principal) ([]PendingItem, error) {
	units := make([]int64, 0, len(p.Assignments))
	for _, a := range p.Assignments {
		if a.IsActive {
			units = append(units, a.BusinessUnitID)
		}
	}
	if len(units) == 0 {
		return nil, nil
	}
	items, err := e.repo.PendingAtCurrentStep(ctx, units)
	if err != nil {
		return nil, err
	}
	out := make([]PendingItem, 0, len(items))
	for _, item := range items {
		if ok, _ := CanRespond(p, item.Request, item.Step); ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func (e *Engine) dispatch(ctx context.Context, outcome Outcome) error {
	e.mu.RLock()
	hook, ok := e.hooks[outcome.EntityType]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	return hook.OnApprovalTerminal(ctx, outcome)
}

func (e *Engine) notifyNext(ctx context.Context, req Request) {
	if e.notifier == nil {
		return
	}
	steps, err := e.repo.RequestSteps(ctx, req.ID)
	if err != nil {
		e.logger.Warn("approval load steps for notify", slog.Int64("request_id", req.ID), slog.Any("error", err))
		return
	}
	if st, ok := GetCurrentStep(req, steps); ok {
		e.notifyStep(ctx, req, st)
	}
}

func (e *Engine) notifyStep(ctx context.Context, req Request, step Step) {
	if e.notifier == nil || step.ID == 0 {
		return
	}
	if err := e.notifier.StepReady(ctx, req, step); err != nil {
		e.logger.Warn("approval notify step", slog.Int64("request_id", req.ID), slog.Any("error", err))
	}
}

func (e *Engine) record(ctx context.Context, actorID int64, action string, requestID int64, meta map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "approval_request",
		EntityID: shared.EntityRef(requestID),
		Meta:     meta,
	}); err != nil {
		e.logger.Warn("approval audit", slog.Int64("request_id", requestID), slog.Any("error", err))
	}
}
