package approval

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/shared"
)

// validateWorkflowInput checks fields and steps. roles holds every known role referenced by steps.
func validateWorkflowInput(v *validator.Validate, input WorkflowInput, roles map[int64]rbac.Role) error {
	verr := shared.NewValidationError()
	mergeStructErrors(verr, shared.ValidateStruct(v, input))
	if input.EntityType != "" {
		if _, err := ParseEntityType(string(input.EntityType)); err != nil {
			verr.Add("entity_type", "unknown entity type")
		}
	}
	validateSteps(verr, input.Steps, roles)
	return verr.OrNil()
}

// validateStepInputs is used when only the step list changes.
func validateStepInputs(v *validator.Validate, steps []StepInput, roles map[int64]rbac.Role) error {
	verr := shared.NewValidationError()
	for i, s := range steps {
		if err := shared.ValidateStruct(v, s); err != nil {
			var fieldErr *shared.ValidationError
			if errors.As(err, &fieldErr) {
				for k, msg := range fieldErr.Fields {
					verr.Add(fmt.Sprintf("steps[%d].%s", i, k), msg)
				}
				continue
			}
			verr.Add(fmt.Sprintf("steps[%d]", i), err.Error())
		}
	}
	validateSteps(verr, steps, roles)
	return verr.OrNil()
}

func validateSteps(verr *shared.ValidationError, steps []StepInput, roles map[int64]rbac.Role) {
	if len(steps) == 0 {
		verr.Add("steps", "at least one step is required")
		return
	}
	seen := make(map[int]int, len(steps))
	orders := make([]int, 0, len(steps))
	for i, s := range steps {
		prefix := fmt.Sprintf("steps[%d]", i)
		if prev, dup := seen[s.StepOrder]; dup {
			verr.Add(prefix+".step_order", fmt.Sprintf("duplicates steps[%d]", prev))
		} else {
			seen[s.StepOrder] = i
			orders = append(orders, s.StepOrder)
		}
		if s.RoleID > 0 {
			if _, ok := roles[s.RoleID]; !ok {
				verr.Add(prefix+".role_id", "role does not exist")
			}
		}
		switch {
		case s.CanOverride && s.OverrideMinLevel == nil:
			verr.Add(prefix+".override_min_level", "is required when override is allowed")
		case !s.CanOverride && s.OverrideMinLevel != nil:
			verr.Add(prefix+".override_min_level", "must be empty unless override is allowed")
		case s.OverrideMinLevel != nil && !s.OverrideMinLevel.Valid():
			verr.Add(prefix+".override_min_level", "must be between 0 and 4")
		}
	}
	if len(orders) != len(steps) {
		return
	}
	sort.Ints(orders)
	for i, order := range orders {
		if order != i+1 {
			verr.Add("steps", "step orders must be contiguous starting at 1")
			return
		}
	}
}

// roleIDs lists the distinct role ids referenced by steps.
func roleIDs(steps []StepInput) []int64 {
	seen := make(map[int64]struct{}, len(steps))
	ids := make([]int64, 0, len(steps))
	for _, s := range steps {
		if s.RoleID <= 0 {
			continue
		}
		if _, ok := seen[s.RoleID]; ok {
			continue
		}
		seen[s.RoleID] = struct{}{}
		ids = append(ids, s.RoleID)
	}
	return ids
}

func mergeStructErrors(dst *shared.ValidationError, err error) {
	if err == nil {
		return
	}
	var fieldErr *shared.ValidationError
	if errors.As(err, &fieldErr) {
		for k, msg := range fieldErr.Fields {
			dst.Add(k, msg)
		}
		return
	}
	dst.Add("input", err.Error())
}

func asValidation(err error) (*shared.ValidationError, bool) {
	var verr *shared.ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
