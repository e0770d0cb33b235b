package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/propledger/propledger/internal/shared"
)

// RepositoryPort describes persistence used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	RolesByID(ctx context.Context, ids []int64) (map[int64]Role, error)
	RoleReferenceCount(ctx context.Context, id int64) (int64, error)
	ActiveAssignments(ctx context.Context, userID int64) ([]Assignment, error)
}

// TxRepository exposes transactional role writes.
type TxRepository interface {
	CreateRole(ctx context.Context, role Role) (int64, error)
	UpdateRole(ctx context.Context, role Role) error
	ReplacePermissions(ctx context.Context, roleID int64, perms []RolePermission) error
	DeleteRole(ctx context.Context, id int64) error
}

// AuditPort records role changes.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates role administration and capability loading.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService constructs a Service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, validate: shared.NewValidator(), logger: logger}
}

// ListRoles returns all roles ordered by level then name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole fetches a role with its permissions.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// RolesByID resolves a set of role ids; missing ids are simply absent from the map.
func (s *Service) RolesByID(ctx context.Context, ids []int64) (map[int64]Role, error) {
	if len(ids) == 0 {
		return map[int64]Role{}, nil
	}
	return s.repo.RolesByID(ctx, ids)
}

// CreateRole inserts a new role.
func (s *Service) CreateRole(ctx context.Context, actorID int64, input RoleInput) (Role, error) {
	role, err := s.normalizeRole(input)
	if err != nil {
		return Role{}, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateRole(ctx, role)
		if err != nil {
			return err
		}
		role.ID = id
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, actorID, role.ID, map[string]any{"op": "create", "name": role.Name, "level": int(role.Level)})
	return role, nil
}

// UpdateRole updates name, description and level.
func (s *Service) UpdateRole(ctx context.Context, actorID, id int64, input RoleInput) (Role, error) {
	role, err := s.normalizeRole(input)
	if err != nil {
		return Role{}, err
	}
	role.ID = id
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateRole(ctx, role)
	})
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, actorID, id, map[string]any{"op": "update", "name": role.Name, "level": int(role.Level)})
	return s.repo.GetRole(ctx, id)
}

// SetRolePermissions makes perms the complete permission set of the role.
// Modules absent from perms lose their tuple.
func (s *Service) SetRolePermissions(ctx context.Context, actorID, roleID int64, perms []RolePermission) error {
	verr := shared.NewValidationError()
	seen := make(map[Module]struct{}, len(perms))
	for i, p := range perms {
		field := fmt.Sprintf("permissions[%d].module", i)
		if _, err := ParseModule(string(p.Module)); err != nil {
			verr.Add(field, "unknown module")
			continue
		}
		if _, dup := seen[p.Module]; dup {
			verr.Add(field, "duplicate module")
			continue
		}
		seen[p.Module] = struct{}{}
		perms[i].RoleID = roleID
	}
	if err := verr.OrNil(); err != nil {
		return err
	}
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.ReplacePermissions(ctx, roleID, perms)
	})
	if err != nil {
		return err
	}
	s.record(ctx, actorID, roleID, map[string]any{"op": "permissions", "modules": len(perms)})
	return nil
}

// DeleteRole removes a role that no membership or approval step references.
func (s *Service) DeleteRole(ctx context.Context, actorID, id int64) error {
	if _, err := s.repo.GetRole(ctx, id); err != nil {
		return err
	}
	refs, err := s.repo.RoleReferenceCount(ctx, id)
	if err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("rbac: role %d still referenced %d times: %w", id, refs, shared.ErrConflict)
	}
	if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteRole(ctx, id)
	}); err != nil {
		return err
	}
	s.record(ctx, actorID, id, map[string]any{"op": "delete"})
	return nil
}

// LoadAssignments builds the capability context for a user.
func (s *Service) LoadAssignments(ctx context.Context, userID int64) (Principal, error) {
	assignments, err := s.repo.ActiveAssignments(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: userID, Assignments: assignments}, nil
}

func (s *Service) normalizeRole(input RoleInput) (Role, error) {
	input.Name = shared.TitleName(input.Name)
	input.Description = strings.TrimSpace(input.Description)
	if err := shared.ValidateStruct(s.validate, input); err != nil {
		return Role{}, err
	}
	if !input.Level.Valid() {
		verr := shared.NewValidationError()
		verr.Add("level", "must be between 0 and 4")
		return Role{}, verr
	}
	return Role{Name: input.Name, Description: input.Description, Level: input.Level}, nil
}

func (s *Service) record(ctx context.Context, actorID, roleID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   shared.AuditRoleChange,
		Entity:   "role",
		EntityID: shared.EntityRef(roleID),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("rbac audit", slog.Int64("role_id", roleID), slog.Any("error", err))
	}
}
