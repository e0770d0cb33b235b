package movement

import (
	"fmt"
	"strings"
	"time"

	"github.com/propledger/propledger/internal/approval"
	"github.com/propledger/propledger/internal/rbac"
)

// Kind is the type of property movement.
type Kind string

const (
	KindRelease  Kind = "RELEASE"
	KindTurnover Kind = "TURNOVER"
	KindReturn   Kind = "RETURN"
)

// ParseKind accepts release, turnover or return in any case, singular or plural.
func ParseKind(raw string) (Kind, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.TrimSuffix(normalized, "S")
	switch k := Kind(normalized); k {
	case KindRelease, KindTurnover, KindReturn:
		return k, nil
	default:
		return "", fmt.Errorf("movement: unknown kind %q", raw)
	}
}

// EntityType is the approval entity type gating this kind.
func (k Kind) EntityType() approval.EntityType {
	switch k {
	case KindRelease:
		return approval.EntityPropertyRelease
	case KindTurnover:
		return approval.EntityPropertyTurnover
	default:
		return approval.EntityPropertyReturn
	}
}

// Module is the permission module guarding this kind.
func (k Kind) Module() rbac.Module {
	switch k {
	case KindRelease:
		return rbac.ModulePropertyReleases
	case KindTurnover:
		return rbac.ModulePropertyTurnovers
	default:
		return rbac.ModulePropertyReturns
	}
}

// SettledPropertyStatus is where an approved movement leaves the property.
func (k Kind) SettledPropertyStatus() PropertyStatus {
	switch k {
	case KindRelease:
		return PropertyReleased
	case KindTurnover:
		return PropertyTurnedOver
	default:
		return PropertyAvailable
	}
}

// KindForEntityType maps an approval entity type back to a movement kind.
func KindForEntityType(t approval.EntityType) (Kind, bool) {
	switch t {
	case approval.EntityPropertyRelease:
		return KindRelease, true
	case approval.EntityPropertyTurnover:
		return KindTurnover, true
	case approval.EntityPropertyReturn:
		return KindReturn, true
	default:
		return "", false
	}
}

// Kinds lists every movement kind.
func Kinds() []Kind {
	return []Kind{KindRelease, KindTurnover, KindReturn}
}

// TransactionStatus tracks a movement through approval and completion.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusApproved  TransactionStatus = "APPROVED"
	StatusRejected  TransactionStatus = "REJECTED"
	StatusCompleted TransactionStatus = "COMPLETED"
)

// PropertyStatus is the custody state of a property record.
type PropertyStatus string

const (
	PropertyAvailable  PropertyStatus = "AVAILABLE"
	PropertyReleased   PropertyStatus = "RELEASED"
	PropertyTurnedOver PropertyStatus = "TURNED_OVER"
)

// Property is a tracked real-property record.
type Property struct {
	ID             int64          `json:"id"`
	BusinessUnitID int64          `json:"business_unit_id"`
	Code           string         `json:"code"`
	Title          string         `json:"title"`
	Status         PropertyStatus `json:"status"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Movement is one release, turnover or return of a property.
type Movement struct {
	ID                int64             `json:"id"`
	Kind              Kind              `json:"kind"`
	PropertyID        int64             `json:"property_id"`
	BusinessUnitID    int64             `json:"business_unit_id"`
	Counterparty      string            `json:"counterparty"`
	Status            TransactionStatus `json:"status"`
	ApprovalRequestID int64             `json:"approval_request_id,omitempty"`
	RequestedByID     int64             `json:"requested_by_id"`
	Notes             string            `json:"notes,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	ApprovedAt        *time.Time        `json:"approved_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
}

// RequestInput opens a movement.
type RequestInput struct {
	Kind           Kind   `json:"-"`
	BusinessUnitID int64  `json:"-"`
	PropertyID     int64  `json:"property_id" validate:"required,gt=0"`
	Counterparty   string `json:"counterparty" validate:"required,max=200"`
	Notes          string `json:"notes" validate:"max=2000"`
}
