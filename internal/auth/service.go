package auth

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/shared"
)

// PrincipalLoader builds the capability context of a user.
type PrincipalLoader interface {
	LoadAssignments(ctx context.Context, userID int64) (rbac.Principal, error)
}

// Service wraps authentication business rules.
type Service struct {
	repo       Repository
	principals PrincipalLoader
}

// NewService constructs a new Service.
func NewService(repo Repository, principals PrincipalLoader) *Service {
	return &Service{repo: repo, principals: principals}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// Login authenticates and loads the user's business unit assignments.
func (s *Service) Login(ctx context.Context, email, password string) (*User, rbac.Principal, error) {
	user, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return nil, rbac.Principal{}, err
	}
	principal, err := s.principals.LoadAssignments(ctx, user.ID)
	if err != nil {
		return nil, rbac.Principal{}, err
	}
	return user, principal, nil
}

// RegisterSession persists the session metadata in postgres.
func (s *Service) RegisterSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, userID, expiresAt, ip, ua)
}

// RemoveSession deletes a session record from postgres.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}
