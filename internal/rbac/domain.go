package rbac

import (
	"fmt"
	"strings"
	"time"
)

// RoleLevel ranks authority; higher values outrank lower ones.
type RoleLevel int

const (
	LevelStaff RoleLevel = iota
	LevelManager
	LevelDirector
	LevelVicePresident
	LevelManagingDirector
)

var levelNames = map[RoleLevel]string{
	LevelStaff:            "Staff",
	LevelManager:          "Manager",
	LevelDirector:         "Director",
	LevelVicePresident:    "Vice President",
	LevelManagingDirector: "Managing Director",
}

// Valid reports whether l is inside the 0..4 ladder.
func (l RoleLevel) Valid() bool {
	return l >= LevelStaff && l <= LevelManagingDirector
}

func (l RoleLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// Module names a permission-gated area.
type Module string

const (
	ModuleProperties        Module = "properties"
	ModulePropertyReleases  Module = "property_releases"
	ModulePropertyTurnovers Module = "property_turnovers"
	ModulePropertyReturns   Module = "property_returns"
	ModuleUsers             Module = "users"
	ModuleRoles             Module = "roles"
	ModuleBusinessUnits     Module = "business_units"
	ModuleApprovalWorkflows Module = "approval_workflows"
	ModuleApprovalRequests  Module = "approval_requests"
)

// Modules lists every known module.
func Modules() []Module {
	return []Module{
		ModuleProperties,
		ModulePropertyReleases,
		ModulePropertyTurnovers,
		ModulePropertyReturns,
		ModuleUsers,
		ModuleRoles,
		ModuleBusinessUnits,
		ModuleApprovalWorkflows,
		ModuleApprovalRequests,
	}
}

// ParseModule accepts only known module names.
func ParseModule(raw string) (Module, error) {
	candidate := Module(strings.ToLower(strings.TrimSpace(raw)))
	for _, m := range Modules() {
		if m == candidate {
			return m, nil
		}
	}
	return "", fmt.Errorf("rbac: unknown module %q", raw)
}

// UnmarshalText rejects unknown modules while decoding.
func (m *Module) UnmarshalText(text []byte) error {
	parsed, err := ParseModule(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Capability is one CRUD+approve flag.
type Capability string

const (
	CapCreate  Capability = "create"
	CapRead    Capability = "read"
	CapUpdate  Capability = "update"
	CapDelete  Capability = "delete"
	CapApprove Capability = "approve"
)

// ParseCapability accepts only known capabilities.
func ParseCapability(raw string) (Capability, error) {
	switch c := Capability(strings.ToLower(strings.TrimSpace(raw))); c {
	case CapCreate, CapRead, CapUpdate, CapDelete, CapApprove:
		return c, nil
	default:
		return "", fmt.Errorf("rbac: unknown capability %q", raw)
	}
}

// Role represents a named authority level with module permissions.
type Role struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Level       RoleLevel        `json:"level"`
	Permissions []RolePermission `json:"permissions,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// RolePermission is the capability tuple of a role on one module.
type RolePermission struct {
	RoleID     int64  `json:"role_id,omitempty"`
	Module     Module `json:"module"`
	CanCreate  bool   `json:"can_create"`
	CanRead    bool   `json:"can_read"`
	CanUpdate  bool   `json:"can_update"`
	CanDelete  bool   `json:"can_delete"`
	CanApprove bool   `json:"can_approve"`
}

// Allows reports whether the tuple grants capability c.
func (p RolePermission) Allows(c Capability) bool {
	switch c {
	case CapCreate:
		return p.CanCreate
	case CapRead:
		return p.CanRead
	case CapUpdate:
		return p.CanUpdate
	case CapDelete:
		return p.CanDelete
	case CapApprove:
		return p.CanApprove
	default:
		return false
	}
}

// Assignment is a user's role inside one business unit, as carried by the session.
type Assignment struct {
	BusinessUnitID int64            `json:"business_unit_id"`
	RoleID         int64            `json:"role_id"`
	RoleName       string           `json:"role_name"`
	RoleLevel      RoleLevel        `json:"role_level"`
	IsActive       bool             `json:"is_active"`
	Permissions    []RolePermission `json:"permissions"`
}

// Principal is the authenticated capability context threaded into every check.
type Principal struct {
	UserID      int64        `json:"user_id"`
	Assignments []Assignment `json:"assignments"`
}

// RoleInput carries role create/update data.
type RoleInput struct {
	Name        string    `json:"name" validate:"required,max=100"`
	Description string    `json:"description" validate:"max=500"`
	Level       RoleLevel `json:"level" validate:"gte=0,lte=4"`
}
