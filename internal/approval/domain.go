package approval

import (
	"fmt"
	"strings"
	"time"

	"github.com/propledger/propledger/internal/rbac"
)

// EntityType names the kind of record a workflow approves.
type EntityType string

const (
	EntityPropertyRelease  EntityType = "PROPERTY_RELEASE"
	EntityPropertyTurnover EntityType = "PROPERTY_TURNOVER"
	EntityPropertyReturn   EntityType = "PROPERTY_RETURN"
	EntityRPTPayment       EntityType = "RPT_PAYMENT"
	EntityDocument         EntityType = "DOCUMENT_APPROVAL"
	EntityUserAssignment   EntityType = "USER_ASSIGNMENT"
)

var entityTypes = []EntityType{
	EntityPropertyRelease,
	EntityPropertyTurnover,
	EntityPropertyReturn,
	EntityRPTPayment,
	EntityDocument,
	EntityUserAssignment,
}

// ParseEntityType accepts only the closed set of entity types, spelled exactly.
func ParseEntityType(raw string) (EntityType, error) {
	candidate := EntityType(raw)
	for _, t := range entityTypes {
		if t == candidate {
			return t, nil
		}
	}
	return "", fmt.Errorf("approval: unknown entity type %q", raw)
}

// UnmarshalText rejects unknown entity types at decode time.
func (t *EntityType) UnmarshalText(text []byte) error {
	parsed, err := ParseEntityType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// RequestStatus enumerates request lifecycle states.
type RequestStatus string

const (
	StatusPending    RequestStatus = "PENDING"
	StatusApproved   RequestStatus = "APPROVED"
	StatusRejected   RequestStatus = "REJECTED"
	StatusOverridden RequestStatus = "OVERRIDDEN"
)

// Terminal reports whether no further responses are accepted.
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusOverridden
}

// Approved reports whether s is a successful terminal state.
func (s RequestStatus) Approved() bool {
	return s == StatusApproved || s == StatusOverridden
}

// ParseRequestStatus validates a stored or supplied status.
func ParseRequestStatus(raw string) (RequestStatus, error) {
	switch s := RequestStatus(raw); s {
	case StatusPending, StatusApproved, StatusRejected, StatusOverridden:
		return s, nil
	default:
		return "", fmt.Errorf("approval: unknown request status %q", raw)
	}
}

// Decision is a responder's verdict on one step.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

// ParseDecision accepts exactly APPROVED or REJECTED.
func ParseDecision(raw string) (Decision, error) {
	switch d := Decision(raw); d {
	case DecisionApproved, DecisionRejected:
		return d, nil
	default:
		return "", fmt.Errorf("approval: unknown decision %q", raw)
	}
}

// UnmarshalText rejects unknown decisions at decode time.
func (d *Decision) UnmarshalText(text []byte) error {
	parsed, err := ParseDecision(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Workflow is a named, ordered sequence of steps bound to an entity type.
type Workflow struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	EntityType   EntityType `json:"entity_type"`
	IsActive     bool       `json:"is_active"`
	CreatedByID  int64      `json:"created_by_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Steps        []Step     `json:"steps,omitempty"`
	RequestCount int64      `json:"request_count"`
}

// Step is one stage requiring sign-off from RoleID or an override-qualified role.
type Step struct {
	ID               int64           `json:"id"`
	WorkflowID       int64           `json:"workflow_id"`
	StepName         string          `json:"step_name"`
	RoleID           int64           `json:"role_id"`
	StepOrder        int             `json:"step_order"`
	IsRequired       bool            `json:"is_required"`
	CanOverride      bool            `json:"can_override"`
	OverrideMinLevel *rbac.RoleLevel `json:"override_min_level,omitempty"`
}

// Request is a live instance of a workflow bound to one entity.
type Request struct {
	ID               int64         `json:"id"`
	WorkflowID       int64         `json:"workflow_id"`
	BusinessUnitID   int64         `json:"business_unit_id"`
	EntityType       EntityType    `json:"entity_type"`
	EntityID         int64         `json:"entity_id"`
	RequestedByID    int64         `json:"requested_by_id"`
	Status           RequestStatus `json:"status"`
	CurrentStepOrder int           `json:"current_step_order"`
	StepCount        int           `json:"step_count"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}

// StepResponse records one decision on one step of a request.
type StepResponse struct {
	ID            int64     `json:"id"`
	RequestID     int64     `json:"request_id"`
	StepID        int64     `json:"step_id"`
	StepOrder     int       `json:"step_order"`
	RespondedByID int64     `json:"responded_by_id"`
	Status        Decision  `json:"status"`
	Comments      string    `json:"comments,omitempty"`
	IsOverride    bool      `json:"is_override"`
	RespondedAt   time.Time `json:"responded_at"`
}

// RequestDetails bundles a request with its pinned steps and responses.
type RequestDetails struct {
	Request      Request        `json:"request"`
	WorkflowName string         `json:"workflow_name"`
	Steps        []Step         `json:"steps"`
	Responses    []StepResponse `json:"responses"`
	CurrentStep  *Step          `json:"current_step,omitempty"`
}

// PendingItem is a pending request paired with the step awaiting a response.
type PendingItem struct {
	Request Request `json:"request"`
	Step    Step    `json:"step"`
}

// StepInput describes one step on create or replace.
type StepInput struct {
	StepName         string          `json:"step_name" validate:"required,max=200"`
	RoleID           int64           `json:"role_id" validate:"required,gt=0"`
	StepOrder        int             `json:"step_order" validate:"gte=1"`
	IsRequired       *bool           `json:"is_required"`
	CanOverride      bool            `json:"can_override"`
	OverrideMinLevel *rbac.RoleLevel `json:"override_min_level"`
}

// WorkflowInput carries a new workflow with its steps.
type WorkflowInput struct {
	Name        string      `json:"name" validate:"required,max=200"`
	Description string      `json:"description" validate:"max=2000"`
	EntityType  EntityType  `json:"entity_type" validate:"required"`
	IsActive    *bool       `json:"is_active"`
	Steps       []StepInput `json:"steps" validate:"dive"`
	CreatedByID int64       `json:"-"`
}

// WorkflowPatch updates top-level workflow fields only.
type WorkflowPatch struct {
	Name        *string     `json:"name"`
	Description *string     `json:"description"`
	EntityType  *EntityType `json:"entity_type"`
	IsActive    *bool       `json:"is_active"`
}

// CreateRequestInput opens a request for an entity.
type CreateRequestInput struct {
	WorkflowID     int64
	BusinessUnitID int64
	EntityType     EntityType
	EntityID       int64
	RequestedByID  int64
}

// SubmitInput carries one responder decision.
type SubmitInput struct {
	RequestID int64
	StepID    int64
	Responder rbac.Principal
	Decision  Decision
	Comments  string
}

// SubmitResult is the outcome of SubmitResponse.
type SubmitResult struct {
	Request     Request
	Response    StepResponse
	IsCompleted bool
	// Warning is set when the request committed but a follow-up failed.
	Warning string
}

// Outcome signals that a request reached a terminal state.
type Outcome struct {
	RequestID      int64         `json:"request_id"`
	BusinessUnitID int64         `json:"business_unit_id"`
	EntityType     EntityType    `json:"entity_type"`
	EntityID       int64         `json:"entity_id"`
	Status         RequestStatus `json:"status"`
	ActorID        int64         `json:"actor_id"`
	CompletedAt    time.Time     `json:"completed_at"`
}

func (s StepInput) required() bool {
	return s.IsRequired == nil || *s.IsRequired
}

func (s StepInput) toStep() Step {
	step := Step{
		StepName:    strings.TrimSpace(s.StepName),
		RoleID:      s.RoleID,
		StepOrder:   s.StepOrder,
		IsRequired:  s.required(),
		CanOverride: s.CanOverride,
	}
	if s.CanOverride && s.OverrideMinLevel != nil {
		level := *s.OverrideMinLevel
		step.OverrideMinLevel = &level
	}
	return step
}
