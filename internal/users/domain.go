package users

import "time"

// User represents a user account.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BusinessUnit is the tenant scope of memberships, permissions and requests.
type BusinessUnit struct {
	ID       int64  `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// Membership places a user in a business unit with exactly one role.
type Membership struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	BusinessUnitID int64     `json:"business_unit_id"`
	RoleID         int64     `json:"role_id"`
	IsActive       bool      `json:"is_active"`
	JoinedAt       time.Time `json:"joined_at"`
}

// CreateUserInput carries a new account.
type CreateUserInput struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"max=200"`
	Password string `json:"password" validate:"required,min=8"`
}

// BusinessUnitInput carries a new business unit.
type BusinessUnitInput struct {
	Code string `json:"code" validate:"required,max=32"`
	Name string `json:"name" validate:"required,max=200"`
}

// MembershipInput assigns a role in a business unit.
type MembershipInput struct {
	UserID         int64 `json:"user_id" validate:"required,gt=0"`
	BusinessUnitID int64 `json:"-"`
	RoleID         int64 `json:"role_id" validate:"required,gt=0"`
}

// MembershipPatch changes role or active flag.
type MembershipPatch struct {
	RoleID   *int64 `json:"role_id"`
	IsActive *bool  `json:"is_active"`
}
