// Package seed loads demo roles, business units, users, workflows and properties from YAML.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/propledger/propledger/internal/approval"
	"github.com/propledger/propledger/internal/movement"
	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/users"
)

// File is the seed document.
type File struct {
	Roles         []RoleSeed     `yaml:"roles"`
	BusinessUnits []UnitSeed     `yaml:"business_units"`
	Users         []UserSeed     `yaml:"users"`
	Workflows     []WorkflowSeed `yaml:"workflows"`
	Properties    []PropertySeed `yaml:"properties"`
}

// RoleSeed grants capabilities per module, e.g. `approval_requests: [read, approve]`.
type RoleSeed struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	Level       int                 `yaml:"level"`
	Permissions map[string][]string `yaml:"permissions"`
}

// UnitSeed is a business unit.
type UnitSeed struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`
}

// UserSeed is an account with its memberships keyed by unit code.
type UserSeed struct {
	Email       string            `yaml:"email"`
	Name        string            `yaml:"name"`
	Password    string            `yaml:"password"`
	Memberships map[string]string `yaml:"memberships"`
}

// WorkflowSeed references roles by name.
type WorkflowSeed struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	EntityType  string     `yaml:"entity_type"`
	Active      *bool      `yaml:"active"`
	Steps       []StepSeed `yaml:"steps"`
}

// StepSeed is one workflow step.
type StepSeed struct {
	Name             string `yaml:"name"`
	Role             string `yaml:"role"`
	Order            int    `yaml:"order"`
	CanOverride      bool   `yaml:"can_override"`
	OverrideMinLevel *int   `yaml:"override_min_level"`
}

// PropertySeed is a property in a unit.
type PropertySeed struct {
	Unit  string `yaml:"unit"`
	Code  string `yaml:"code"`
	Title string `yaml:"title"`
}

// Load decodes a seed document, rejecting unknown keys.
func Load(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, errors.New("seed: empty document")
		}
		return File{}, fmt.Errorf("seed: decode: %w", err)
	}
	return f, nil
}

// RoleStore is satisfied by *rbac.Service.
type RoleStore interface {
	CreateRole(ctx context.Context, actorID int64, input rbac.RoleInput) (rbac.Role, error)
	SetRolePermissions(ctx context.Context, actorID, roleID int64, perms []rbac.RolePermission) error
}

// UserStore is satisfied by *users.Service.
type UserStore interface {
	CreateUser(ctx context.Context, input users.CreateUserInput) (users.User, error)
	CreateBusinessUnit(ctx context.Context, input users.BusinessUnitInput) (users.BusinessUnit, error)
	AssignMember(ctx context.Context, actorID int64, input users.MembershipInput) (users.Membership, error)
}

// WorkflowStore is satisfied by *approval.WorkflowService.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, input approval.WorkflowInput) (approval.Workflow, error)
}

// PropertyStore is satisfied by *movement.Repository.
type PropertyStore interface {
	InsertProperty(ctx context.Context, p movement.Property) (int64, error)
}

// Seeder applies a File through the domain services so every row passes normal validation.
type Seeder struct {
	Roles      RoleStore
	Users      UserStore
	Workflows  WorkflowStore
	Properties PropertyStore
	Logger     *slog.Logger
}

// Report counts what was created.
type Report struct {
	Roles       int
	Units       int
	Users       int
	Memberships int
	Workflows   int
	Properties  int
}

// Apply seeds f in dependency order: roles, units, users, workflows, properties.
func (s Seeder) Apply(ctx context.Context, f File) (Report, error) {
	var rep Report
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	roleIDs := make(map[string]int64, len(f.Roles))
	for _, rs := range f.Roles {
		perms, err := rolePermissions(rs.Permissions)
		if err != nil {
			return rep, fmt.Errorf("seed: role %q: %w", rs.Name, err)
		}
		role, err := s.Roles.CreateRole(ctx, 0, rbac.RoleInput{Name: rs.Name, Description: rs.Description, Level: rbac.RoleLevel(rs.Level)})
		if err != nil {
			return rep, fmt.Errorf("seed: role %q: %w", rs.Name, err)
		}
		if len(perms) > 0 {
			if err := s.Roles.SetRolePermissions(ctx, 0, role.ID, perms); err != nil {
				return rep, fmt.Errorf("seed: role %q permissions: %w", rs.Name, err)
			}
		}
		roleIDs[rs.Name] = role.ID
		rep.Roles++
	}

	unitIDs := make(map[string]int64, len(f.BusinessUnits))
	for _, us := range f.BusinessUnits {
		bu, err := s.Users.CreateBusinessUnit(ctx, users.BusinessUnitInput{Code: us.Code, Name: us.Name})
		if err != nil {
			return rep, fmt.Errorf("seed: business unit %q: %w", us.Code, err)
		}
		unitIDs[us.Code] = bu.ID
		rep.Units++
	}

	for _, u := range f.Users {
		user, err := s.Users.CreateUser(ctx, users.CreateUserInput{Email: u.Email, Name: u.Name, Password: u.Password})
		if err != nil {
			return rep, fmt.Errorf("seed: user %q: %w", u.Email, err)
		}
		rep.Users++
		for unit, roleName := range u.Memberships {
			buID, ok := unitIDs[unit]
			if !ok {
				return rep, fmt.Errorf("seed: user %q: unknown business unit %q", u.Email, unit)
			}
			roleID, ok := roleIDs[roleName]
			if !ok {
				return rep, fmt.Errorf("seed: user %q: unknown role %q", u.Email, roleName)
			}
			if _, err := s.Users.AssignMember(ctx, 0, users.MembershipInput{UserID: user.ID, BusinessUnitID: buID, RoleID: roleID}); err != nil {
				return rep, fmt.Errorf("seed: user %q in %q: %w", u.Email, unit, err)
			}
			rep.Memberships++
		}
	}

	for _, ws := range f.Workflows {
		input, err := workflowInput(ws, roleIDs)
		if err != nil {
			return rep, err
		}
		wf, err := s.Workflows.CreateWorkflow(ctx, input)
		if err != nil {
			return rep, fmt.Errorf("seed: workflow %q: %w", ws.Name, err)
		}
		logger.Info("seeded workflow", slog.Int64("workflow_id", wf.ID), slog.String("entity_type", string(wf.EntityType)))
		rep.Workflows++
	}

	for _, ps := range f.Properties {
		buID, ok := unitIDs[ps.Unit]
		if !ok {
			return rep, fmt.Errorf("seed: property %q: unknown business unit %q", ps.Code, ps.Unit)
		}
		if _, err := s.Properties.InsertProperty(ctx, movement.Property{BusinessUnitID: buID, Code: ps.Code, Title: ps.Title}); err != nil {
			return rep, fmt.Errorf("seed: property %q: %w", ps.Code, err)
		}
		rep.Properties++
	}
	return rep, nil
}

func rolePermissions(raw map[string][]string) ([]rbac.RolePermission, error) {
	perms := make([]rbac.RolePermission, 0, len(raw))
	for name, caps := range raw {
		module, err := rbac.ParseModule(name)
		if err != nil {
			return nil, err
		}
		perm := rbac.RolePermission{Module: module}
		for _, c := range caps {
			capability, err := rbac.ParseCapability(c)
			if err != nil {
				return nil, err
			}
			switch capability {
			case rbac.CapCreate:
				perm.CanCreate = true
			case rbac.CapRead:
				perm.CanRead = true
			case rbac.CapUpdate:
				perm.CanUpdate = true
			case rbac.CapDelete:
				perm.CanDelete = true
			case rbac.CapApprove:
				perm.CanApprove = true
			}
		}
		perms = append(perms, perm)
	}
	return perms, nil
}

func workflowInput(ws WorkflowSeed, roleIDs map[string]int64) (approval.WorkflowInput, error) {
	entityType, err := approval.ParseEntityType(ws.EntityType)
	if err != nil {
		return approval.WorkflowInput{}, fmt.Errorf("seed: workflow %q: %w", ws.Name, err)
	}
	input := approval.WorkflowInput{
		Name:        ws.Name,
		Description: ws.Description,
		EntityType:  entityType,
		IsActive:    ws.Active,
	}
	for _, st := range ws.Steps {
		roleID, ok := roleIDs[st.Role]
		if !ok {
			return approval.WorkflowInput{}, fmt.Errorf("seed: workflow %q step %q: unknown role %q", ws.Name, st.Name, st.Role)
		}
		step := approval.StepInput{StepName: st.Name, RoleID: roleID, StepOrder: st.Order, CanOverride: st.CanOverride}
		if st.OverrideMinLevel != nil {
			level := rbac.RoleLevel(*st.OverrideMinLevel)
			step.OverrideMinLevel = &level
		}
		input.Steps = append(input.Steps, step)
	}
	return input, nil
}
