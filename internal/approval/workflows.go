package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/shared"
)

// WorkflowService manages workflow definitions.
type WorkflowService struct {
	repo     RepositoryPort
	roles    RoleLookup
	audit    AuditPort
	cache    *DefinitionCache
	validate *validator.Validate
	logger   *slog.Logger
}

// NewWorkflowService constructs a WorkflowService. cache may be nil.
func NewWorkflowService(repo RepositoryPort, roles RoleLookup, audit AuditPort, cache *DefinitionCache, logger *slog.Logger) *WorkflowService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowService{
		repo:     repo,
		roles:    roles,
		audit:    audit,
		cache:    cache,
		validate: shared.NewValidator(),
		logger:   logger,
	}
}

// CreateWorkflow validates and stores a workflow with its steps in one transaction.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, input WorkflowInput) (Workflow, error) {
	input.Name = shared.CollapseSpaces(input.Name)
	input.Description = strings.TrimSpace(input.Description)
	roles, err := s.roles.RolesByID(ctx, roleIDs(input.Steps))
	if err != nil {
		return Workflow{}, err
	}
	if err := validateWorkflowInput(s.validate, input, roles); err != nil {
		return Workflow{}, err
	}

	wf := Workflow{
		Name:        input.Name,
		Description: input.Description,
		EntityType:  input.EntityType,
		IsActive:    input.IsActive == nil || *input.IsActive,
		CreatedByID: input.CreatedByID,
	}
	steps := toSteps(input.Steps)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertWorkflow(ctx, wf)
		if err != nil {
			return err
		}
		wf.ID = id
		stored, err := tx.InsertSteps(ctx, id, steps)
		if err != nil {
			return err
		}
		wf.Steps = stored
		return nil
	})
	if err != nil {
		return Workflow{}, err
	}
	s.invalidate(ctx)
	s.record(ctx, input.CreatedByID, shared.AuditWorkflowCreate, wf.ID, map[string]any{
		"name":        wf.Name,
		"entity_type": string(wf.EntityType),
		"steps":       len(wf.Steps),
	})
	return wf, nil
}

// UpdateWorkflow changes top-level fields only; steps are untouched.
func (s *WorkflowService) UpdateWorkflow(ctx context.Context, actorID, id int64, patch WorkflowPatch) (Workflow, error) {
	verr := shared.NewValidationError()
	if patch.Name != nil {
		name := shared.CollapseSpaces(*patch.Name)
		patch.Name = &name
		if name == "" {
			verr.Add("name", "is required")
		} else if len(name) > 200 {
			verr.Add("name", "must be at most 200")
		}
	}
	if patch.EntityType != nil {
		if _, err := ParseEntityType(string(*patch.EntityType)); err != nil {
			verr.Add("entity_type", "unknown entity type")
		}
	}
	if err := verr.OrNil(); err != nil {
		return Workflow{}, err
	}

	var updated Workflow
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		wf, err := tx.LockWorkflow(ctx, id)
		if err != nil {
			return err
		}
		if patch.Name != nil {
			wf.Name = *patch.Name
		}
		if patch.Description != nil {
			wf.Description = strings.TrimSpace(*patch.Description)
		}
		if patch.EntityType != nil {
			wf.EntityType = *patch.EntityType
		}
		if patch.IsActive != nil {
			wf.IsActive = *patch.IsActive
		}
		updated = wf
		return tx.UpdateWorkflow(ctx, wf)
	})
	if err != nil {
		return Workflow{}, err
	}
	s.invalidate(ctx)
	s.record(ctx, actorID, shared.AuditWorkflowUpdate, id, map[string]any{"name": updated.Name, "is_active": updated.IsActive})
	return s.repo.GetWorkflow(ctx, id)
}

// ReplaceSteps swaps the whole step list. Requests already opened keep the steps they were created with.
func (s *WorkflowService) ReplaceSteps(ctx context.Context, actorID, id int64, inputs []StepInput) (Workflow, error) {
	roles, err := s.roles.RolesByID(ctx, roleIDs(inputs))
	if err != nil {
		return Workflow{}, err
	}
	if err := validateStepInputs(s.validate, inputs, roles); err != nil {
		return Workflow{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		wf, err := tx.LockWorkflow(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteSteps(ctx, id); err != nil {
			return err
		}
		if _, err := tx.InsertSteps(ctx, id, toSteps(inputs)); err != nil {
			return err
		}
		return tx.UpdateWorkflow(ctx, wf)
	})
	if err != nil {
		return Workflow{}, err
	}
	s.invalidate(ctx)
	s.record(ctx, actorID, shared.AuditWorkflowSteps, id, map[string]any{"steps": len(inputs)})
	return s.repo.GetWorkflow(ctx, id)
}

// ToggleActive flips the active flag and returns the new value.
func (s *WorkflowService) ToggleActive(ctx context.Context, actorID, id int64) (Workflow, error) {
	var wf Workflow
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockWorkflow(ctx, id)
		if err != nil {
			return err
		}
		locked.IsActive = !locked.IsActive
		wf = locked
		return tx.UpdateWorkflow(ctx, locked)
	})
	if err != nil {
		return Workflow{}, err
	}
	s.invalidate(ctx)
	s.record(ctx, actorID, shared.AuditWorkflowToggle, id, map[string]any{"is_active": wf.IsActive})
	return wf, nil
}

// Duplicate deep-copies a workflow and its steps under newName. The copy starts inactive.
// A blank newName yields "<name> (Copy)".
func (s *WorkflowService) Duplicate(ctx context.Context, actorID, id int64, newName string) (Workflow, error) {
	newName = shared.CollapseSpaces(newName)
	if len(newName) > 200 {
		verr := shared.NewValidationError()
		verr.Add("name", "must be at most 200")
		return Workflow{}, verr
	}
	var copyWF Workflow
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		source, err := tx.LockWorkflow(ctx, id)
		if err != nil {
			return err
		}
		steps, err := tx.WorkflowSteps(ctx, id)
		if err != nil {
			return err
		}
		name := newName
		if name == "" {
			name = source.Name + " (Copy)"
		}
		copyWF = Workflow{
			Name:        name,
			Description: source.Description,
			EntityType:  source.EntityType,
			IsActive:    false,
			CreatedByID: actorID,
		}
		newID, err := tx.InsertWorkflow(ctx, copyWF)
		if err != nil {
			return err
		}
		copyWF.ID = newID
		clones := make([]Step, len(steps))
		for i, st := range steps {
			clones[i] = cloneStep(st)
		}
		stored, err := tx.InsertSteps(ctx, newID, clones)
		if err != nil {
			return err
		}
		copyWF.Steps = stored
		return nil
	})
	if err != nil {
		return Workflow{}, err
	}
	s.record(ctx, actorID, shared.AuditWorkflowDuplicate, copyWF.ID, map[string]any{"source_id": id, "name": copyWF.Name})
	return copyWF, nil
}

// Delete removes a workflow without request history.
func (s *WorkflowService) Delete(ctx context.Context, actorID, id int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.LockWorkflow(ctx, id); err != nil {
			return err
		}
		count, err := tx.CountRequests(ctx, id)
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("approval: workflow %d has %d requests: %w", id, count, shared.ErrConflict)
		}
		return tx.DeleteWorkflow(ctx, id)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx)
	s.record(ctx, actorID, shared.AuditWorkflowDelete, id, nil)
	return nil
}

// GetWorkflow returns a workflow with its steps and request count.
func (s *WorkflowService) GetWorkflow(ctx context.Context, id int64) (Workflow, error) {
	return s.repo.GetWorkflow(ctx, id)
}

// ActiveWorkflowFor returns the most recently updated active workflow for entityType.
func (s *WorkflowService) ActiveWorkflowFor(ctx context.Context, entityType EntityType) (Workflow, error) {
	if s.cache != nil {
		return s.cache.Active(ctx, entityType, s.repo.ActiveWorkflowFor)
	}
	return s.repo.ActiveWorkflowFor(ctx, entityType)
}

func (s *WorkflowService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("workflow cache invalidate", slog.Any("error", err))
	}
}

func (s *WorkflowService) record(ctx context.Context, actorID int64, action string, workflowID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "approval_workflow",
		EntityID: shared.EntityRef(workflowID),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("workflow audit", slog.Int64("workflow_id", workflowID), slog.Any("error", err))
	}
}

func toSteps(inputs []StepInput) []Step {
	steps := make([]Step, len(inputs))
	for i, in := range inputs {
		steps[i] = in.toStep()
	}
	return steps
}

func cloneStep(st Step) Step {
	clone := Step{
		StepName:    st.StepName,
		RoleID:      st.RoleID,
		StepOrder:   st.StepOrder,
		IsRequired:  st.IsRequired,
		CanOverride: st.CanOverride,
	}
	if st.OverrideMinLevel != nil {
		level := *st.OverrideMinLevel
		clone.OverrideMinLevel = &level
	}
	return clone
}

var _ RoleLookup = (*rbac.Service)(nil)
