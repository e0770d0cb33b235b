package users

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/shared"
)

// RepositoryPort defines data access methods for users and memberships.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListUsers(ctx context.Context) ([]User, error)
	GetMembership(ctx context.Context, id int64) (Membership, error)
	FindMembership(ctx context.Context, userID, businessUnitID int64) (Membership, bool, error)
	ListMemberships(ctx context.Context, userID int64) ([]Membership, error)
	HasResponsesInUnit(ctx context.Context, userID, businessUnitID int64) (bool, error)
}

// TxRepository exposes transactional writes.
type TxRepository interface {
	CreateUser(ctx context.Context, user User, passwordHash string) (int64, error)
	CreateBusinessUnit(ctx context.Context, bu BusinessUnit) (int64, error)
	InsertMembership(ctx context.Context, m Membership) (int64, error)
	UpdateMembership(ctx context.Context, m Membership) error
	DeleteMembership(ctx context.Context, id int64) error
}

// RoleLookup resolves role ids.
type RoleLookup interface {
	RolesByID(ctx context.Context, ids []int64) (map[int64]rbac.Role, error)
}

// AuditPort records membership changes.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service handles user and membership business logic.
type Service struct {
	repo     RepositoryPort
	roles    RoleLookup
	audit    AuditPort
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, roles RoleLookup, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, roles: roles, audit: audit, validate: shared.NewValidator(), logger: logger}
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// CreateUser stores a new account with a bcrypt password hash.
func (s *Service) CreateUser(ctx context.Context, input CreateUserInput) (User, error) {
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))
	input.Name = shared.CollapseSpaces(input.Name)
	if err := shared.ValidateStruct(s.validate, input); err != nil {
		return User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}
	user := User{Email: input.Email, Name: input.Name, IsActive: true}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateUser(ctx, user, string(hash))
		if err != nil {
			return err
		}
		user.ID = id
		return nil
	})
	return user, err
}

// CreateBusinessUnit stores a new tenant scope.
func (s *Service) CreateBusinessUnit(ctx context.Context, input BusinessUnitInput) (BusinessUnit, error) {
	input.Code = strings.ToUpper(strings.TrimSpace(input.Code))
	input.Name = shared.CollapseSpaces(input.Name)
	if err := shared.ValidateStruct(s.validate, input); err != nil {
		return BusinessUnit{}, err
	}
	bu := BusinessUnit{Code: input.Code, Name: input.Name, IsActive: true}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateBusinessUnit(ctx, bu)
		if err != nil {
			return err
		}
		bu.ID = id
		return nil
	})
	return bu, err
}

// AssignMember gives a user a role in a business unit. An inactive membership is reactivated.
func (s *Service) AssignMember(ctx context.Context, actorID int64, input MembershipInput) (Membership, error) {
	if err := shared.ValidateStruct(s.validate, input); err != nil {
		return Membership{}, err
	}
	if err := s.ensureRole(ctx, input.RoleID); err != nil {
		return Membership{}, err
	}
	existing, found, err := s.repo.FindMembership(ctx, input.UserID, input.BusinessUnitID)
	if err != nil {
		return Membership{}, err
	}
	if found && existing.IsActive {
		return Membership{}, fmt.Errorf("users: user %d already member of unit %d: %w", input.UserID, input.BusinessUnitID, shared.ErrConflict)
	}

	result := Membership{UserID: input.UserID, BusinessUnitID: input.BusinessUnitID, RoleID: input.RoleID, IsActive: true}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if found {
			result.ID = existing.ID
			result.JoinedAt = existing.JoinedAt
			return tx.UpdateMembership(ctx, result)
		}
		id, err := tx.InsertMembership(ctx, result)
		if err != nil {
			return err
		}
		result.ID = id
		return nil
	})
	if err != nil {
		return Membership{}, err
	}
	s.record(ctx, actorID, result, "assign")
	return result, nil
}

// UpdateMember changes the role or active flag of a membership in businessUnitID.
func (s *Service) UpdateMember(ctx context.Context, actorID, businessUnitID, id int64, patch MembershipPatch) (Membership, error) {
	m, err := s.scopedMembership(ctx, businessUnitID, id)
	if err != nil {
		return Membership{}, err
	}
	if patch.RoleID != nil {
		if err := s.ensureRole(ctx, *patch.RoleID); err != nil {
			return Membership{}, err
		}
		m.RoleID = *patch.RoleID
	}
	if patch.IsActive != nil {
		m.IsActive = *patch.IsActive
	}
	if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateMembership(ctx, m)
	}); err != nil {
		return Membership{}, err
	}
	s.record(ctx, actorID, m, "update")
	return m, nil
}

// RemoveMember deletes a membership, or deactivates it when the user has recorded
// approval responses in that business unit. It reports whether the row was kept.
func (s *Service) RemoveMember(ctx context.Context, actorID, businessUnitID, id int64) (bool, error) {
	m, err := s.scopedMembership(ctx, businessUnitID, id)
	if err != nil {
		return false, err
	}
	responded, err := s.repo.HasResponsesInUnit(ctx, m.UserID, m.BusinessUnitID)
	if err != nil {
		return false, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if responded {
			m.IsActive = false
			return tx.UpdateMembership(ctx, m)
		}
		return tx.DeleteMembership(ctx, m.ID)
	})
	if err != nil {
		return false, err
	}
	op := "delete"
	if responded {
		op = "deactivate"
	}
	s.record(ctx, actorID, m, op)
	return responded, nil
}

// ListMemberships returns every membership of a user.
func (s *Service) ListMemberships(ctx context.Context, userID int64) ([]Membership, error) {
	return s.repo.ListMemberships(ctx, userID)
}

func (s *Service) scopedMembership(ctx context.Context, businessUnitID, id int64) (Membership, error) {
	m, err := s.repo.GetMembership(ctx, id)
	if err != nil {
		return Membership{}, err
	}
	if m.BusinessUnitID != businessUnitID {
		return Membership{}, fmt.Errorf("users: membership %d: %w", id, shared.ErrNotFound)
	}
	return m, nil
}

func (s *Service) ensureRole(ctx context.Context, roleID int64) error {
	roles, err := s.roles.RolesByID(ctx, []int64{roleID})
	if err != nil {
		return err
	}
	if _, ok := roles[roleID]; !ok {
		verr := shared.NewValidationError()
		verr.Add("role_id", "role does not exist")
		return verr
	}
	return nil
}

func (s *Service) record(ctx context.Context, actorID int64, m Membership, op string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   shared.AuditMembershipChange,
		Entity:   "business_unit_member",
		EntityID: shared.EntityRef(m.ID),
		Meta: map[string]any{
			"op":               op,
			"user_id":          m.UserID,
			"business_unit_id": m.BusinessUnitID,
			"role_id":          m.RoleID,
		},
	}); err != nil {
		s.logger.Warn("membership audit", slog.Int64("membership_id", m.ID), slog.Any("error", err))
	}
}
