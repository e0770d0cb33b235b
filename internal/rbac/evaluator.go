package rbac

// AssignmentFor returns the active assignment held in businessUnitID.
func AssignmentFor(assignments []Assignment, businessUnitID int64) (Assignment, bool) {
	for _, a := range assignments {
		if a.BusinessUnitID == businessUnitID && a.IsActive {
			return a, true
		}
	}
	return Assignment{}, false
}

// HasPermission answers whether the assignment for businessUnitID grants capability on module.
// Missing data always yields false.
func HasPermission(assignments []Assignment, businessUnitID int64, module Module, capability Capability) bool {
	a, ok := AssignmentFor(assignments, businessUnitID)
	if !ok {
		return false
	}
	for _, p := range a.Permissions {
		if p.Module == module && p.Allows(capability) {
			return true
		}
	}
	return false
}

// CanApproveAtLevel reports whether any assignment, or the one for businessUnitID when given,
// carries a role level of at least requiredLevel.
func CanApproveAtLevel(assignments []Assignment, requiredLevel RoleLevel, businessUnitID *int64) bool {
	if businessUnitID != nil {
		a, ok := AssignmentFor(assignments, *businessUnitID)
		return ok && a.RoleLevel >= requiredLevel
	}
	for _, a := range assignments {
		if a.IsActive && a.RoleLevel >= requiredLevel {
			return true
		}
	}
	return false
}

// Can is HasPermission over the principal's assignments.
func (p Principal) Can(businessUnitID int64, module Module, capability Capability) bool {
	return HasPermission(p.Assignments, businessUnitID, module, capability)
}

// RoleIn returns the role id held in businessUnitID.
func (p Principal) RoleIn(businessUnitID int64) (int64, bool) {
	a, ok := AssignmentFor(p.Assignments, businessUnitID)
	if !ok {
		return 0, false
	}
	return a.RoleID, true
}

// LevelIn returns the role level held in businessUnitID.
func (p Principal) LevelIn(businessUnitID int64) (RoleLevel, bool) {
	a, ok := AssignmentFor(p.Assignments, businessUnitID)
	if !ok {
		return 0, false
	}
	return a.RoleLevel, true
}

// Authenticated reports whether the principal refers to a user.
func (p Principal) Authenticated() bool {
	return p.UserID > 0
}
