package movement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/propledger/propledger/internal/approval"
	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/shared"
)

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetMovement(ctx context.Context, id int64) (Movement, error)
	GetProperty(ctx context.Context, id int64) (Property, error)
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	LockProperty(ctx context.Context, id int64) (Property, error)
	HasOpenMovement(ctx context.Context, propertyID int64) (bool, error)
	InsertMovement(ctx context.Context, m Movement) (int64, error)
	AttachRequest(ctx context.Context, movementID, requestID int64) error
	DeleteMovement(ctx context.Context, id int64) error
	LockMovement(ctx context.Context, id int64) (Movement, error)
	UpdateMovement(ctx context.Context, m Movement) error
	SetPropertyStatus(ctx context.Context, propertyID int64, status PropertyStatus) error
}

// WorkflowLookup resolves the workflow gating an entity type.
type WorkflowLookup interface {
	ActiveWorkflowFor(ctx context.Context, entityType approval.EntityType) (approval.Workflow, error)
}

// RequestOpener starts approval requests.
type RequestOpener interface {
	CreateRequest(ctx context.Context, in approval.CreateRequestInput) (approval.Request, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs property movements through approval.
type Service struct {
	repo      RepositoryPort
	workflows WorkflowLookup
	requests  RequestOpener
	audit     AuditPort
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, workflows WorkflowLookup, requests RequestOpener, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		workflows: workflows,
		requests:  requests,
		audit:     audit,
		validate:  shared.NewValidator(),
		logger:    logger,
		now:       time.Now,
	}
}

// RequestMovement records a PENDING movement and opens the approval request that gates it.
func (s *Service) RequestMovement(ctx context.Context, p rbac.Principal, input RequestInput) (Movement, error) {
	kind, err := ParseKind(string(input.Kind))
	if err != nil {
		verr := shared.NewValidationError()
		verr.Add("kind", "must be release, turnover or return")
		return Movement{}, verr
	}
	input.Kind = kind
	if !p.Can(input.BusinessUnitID, input.Kind.Module(), rbac.CapCreate) {
		return Movement{}, fmt.Errorf("movement: %s:create required: %w", input.Kind.Module(), shared.ErrForbidden)
	}
	input.Counterparty = shared.CollapseSpaces(input.Counterparty)
	input.Notes = strings.TrimSpace(input.Notes)
	if err := shared.ValidateStruct(s.validate, input); err != nil {
		return Movement{}, err
	}

	wf, err := s.workflows.ActiveWorkflowFor(ctx, input.Kind.EntityType())
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Movement{}, fmt.Errorf("movement: no active %s workflow: %w", input.Kind.EntityType(), shared.ErrInvalidState)
		}
		return Movement{}, err
	}

	m := Movement{
		Kind:           input.Kind,
		PropertyID:     input.PropertyID,
		BusinessUnitID: input.BusinessUnitID,
		Counterparty:   input.Counterparty,
		Status:         StatusPending,
		RequestedByID:  p.UserID,
		Notes:          input.Notes,
		CreatedAt:      s.now().UTC(),
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		prop, err := tx.LockProperty(ctx, input.PropertyID)
		if err != nil {
			return err
		}
		if prop.BusinessUnitID != input.BusinessUnitID {
			return fmt.Errorf("movement: property %d: %w", input.PropertyID, shared.ErrNotFound)
		}
		open, err := tx.HasOpenMovement(ctx, prop.ID)
		if err != nil {
			return err
		}
		if open {
			return fmt.Errorf("movement: property %d already has an open movement: %w", prop.ID, shared.ErrConflict)
		}
		if err := checkPropertyState(input.Kind, prop); err != nil {
			return err
		}
		id, err := tx.InsertMovement(ctx, m)
		if err != nil {
			return err
		}
		m.ID = id
		return nil
	})
	if err != nil {
		return Movement{}, err
	}

	req, err := s.requests.CreateRequest(ctx, approval.CreateRequestInput{
		WorkflowID:     wf.ID,
		BusinessUnitID: m.BusinessUnitID,
		EntityType:     m.Kind.EntityType(),
		EntityID:       m.ID,
		RequestedByID:  p.UserID,
	})
	if err != nil {
		s.discard(ctx, m.ID)
		return Movement{}, err
	}
	// The request names the movement as its entity; the movement is not discarded past this point.
	// OnApprovalTerminal links the two by movement id if this write fails.
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.AttachRequest(ctx, m.ID, req.ID)
	})
	if err != nil {
		s.logger.Warn("movement attach approval request",
			slog.Int64("movement_id", m.ID),
			slog.Int64("request_id", req.ID),
			slog.Any("error", err),
		)
	}
	m.ApprovalRequestID = req.ID
	s.record(ctx, p.UserID, shared.AuditMovementRequest, m, map[string]any{"request_id": req.ID})
	return m, nil
}

// OnApprovalTerminal settles the movement a finished approval request was opened for.
// The movement is the request's entity; movements that are no longer PENDING are left alone.
func (s *Service) OnApprovalTerminal(ctx context.Context, outcome approval.Outcome) error {
	kind, ok := KindForEntityType(outcome.EntityType)
	if !ok {
		return nil
	}
	var (
		settled Movement
		changed bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		m, err := tx.LockMovement(ctx, outcome.EntityID)
		if err != nil {
			return err
		}
		if m.Kind != kind {
			return fmt.Errorf("movement %d is a %s, not %s: %w", m.ID, m.Kind, kind, shared.ErrNotFound)
		}
		switch m.ApprovalRequestID {
		case outcome.RequestID:
		case 0:
			if err := tx.AttachRequest(ctx, m.ID, outcome.RequestID); err != nil {
				return err
			}
			m.ApprovalRequestID = outcome.RequestID
		default:
			return fmt.Errorf("movement %d is gated by request %d, not %d: %w", m.ID, m.ApprovalRequestID, outcome.RequestID, shared.ErrInvalidState)
		}
		if m.Status != StatusPending {
			return nil
		}
		at := outcome.CompletedAt
		if at.IsZero() {
			at = s.now().UTC()
		}
		if outcome.Status.Approved() {
			m.Status = StatusApproved
			m.ApprovedAt = &at
			if err := tx.SetPropertyStatus(ctx, m.PropertyID, m.Kind.SettledPropertyStatus()); err != nil {
				return err
			}
		} else {
			m.Status = StatusRejected
		}
		if err := tx.UpdateMovement(ctx, m); err != nil {
			return err
		}
		settled, changed = m, true
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		s.record(ctx, outcome.ActorID, shared.AuditMovementSettle, settled, map[string]any{
			"request_id":      outcome.RequestID,
			"approval_status": string(outcome.Status),
		})
	}
	return nil
}

// MarkCompleted closes an approved movement once the handover happened.
func (s *Service) MarkCompleted(ctx context.Context, p rbac.Principal, businessUnitID, id int64) (Movement, error) {
	var m Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockMovement(ctx, id)
		if err != nil {
			return err
		}
		if locked.BusinessUnitID != businessUnitID {
			return fmt.Errorf("movement %d: %w", id, shared.ErrNotFound)
		}
		if !p.Can(locked.BusinessUnitID, locked.Kind.Module(), rbac.CapUpdate) {
			return fmt.Errorf("movement: %s:update required: %w", locked.Kind.Module(), shared.ErrForbidden)
		}
		if locked.Status != StatusApproved {
			return fmt.Errorf("movement: %d is %s: %w", id, locked.Status, shared.ErrInvalidState)
		}
		now := s.now().UTC()
		locked.Status = StatusCompleted
		locked.CompletedAt = &now
		m = locked
		return tx.UpdateMovement(ctx, locked)
	})
	if err != nil {
		return Movement{}, err
	}
	s.record(ctx, p.UserID, shared.AuditMovementComplete, m, nil)
	return m, nil
}

// Get returns a movement of businessUnitID.
func (s *Service) Get(ctx context.Context, businessUnitID, id int64) (Movement, error) {
	m, err := s.repo.GetMovement(ctx, id)
	if err != nil {
		return Movement{}, err
	}
	if m.BusinessUnitID != businessUnitID {
		return Movement{}, fmt.Errorf("movement %d: %w", id, shared.ErrNotFound)
	}
	return m, nil
}

// GetProperty returns a property of businessUnitID.
func (s *Service) GetProperty(ctx context.Context, businessUnitID, id int64) (Property, error) {
	prop, err := s.repo.GetProperty(ctx, id)
	if err != nil {
		return Property{}, err
	}
	if prop.BusinessUnitID != businessUnitID {
		return Property{}, fmt.Errorf("property %d: %w", id, shared.ErrNotFound)
	}
	return prop, nil
}

// checkPropertyState rejects movements that make no sense for the current custody state.
func checkPropertyState(kind Kind, prop Property) error {
	switch kind {
	case KindReturn:
		if prop.Status == PropertyAvailable {
			return fmt.Errorf("movement: property %d is already available: %w", prop.ID, shared.ErrInvalidState)
		}
	default:
		if prop.Status != PropertyAvailable {
			return fmt.Errorf("movement: property %d is %s: %w", prop.ID, prop.Status, shared.ErrInvalidState)
		}
	}
	return nil
}

func (s *Service) discard(ctx context.Context, id int64) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteMovement(ctx, id)
	})
	if err != nil {
		s.logger.Error("movement discard after failed approval request", slog.Int64("movement_id", id), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actorID int64, action string, m Movement, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["kind"] = string(m.Kind)
	meta["property_id"] = m.PropertyID
	meta["status"] = string(m.Status)
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "property_movement",
		EntityID: shared.EntityRef(m.ID),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("movement audit", slog.Int64("movement_id", m.ID), slog.Any("error", err))
	}
}

var _ approval.CompletionHook = (*Service)(nil)
