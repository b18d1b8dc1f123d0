package domain

// PlanStatus is the lifecycle state of a plan. Numeric values are stable and shared with clients.
type PlanStatus int

const (
	PlanStatusActive PlanStatus = iota
	PlanStatusPaused
	PlanStatusCompleted
	PlanStatusCancelled
)

const (
	statusStringActive    = "active"
	statusStringPaused    = "paused"
	statusStringCompleted = "completed"
	statusStringCancelled = "cancelled"
)

// String returns the string representation of the status.
func (s PlanStatus) String() string {
	switch s {
	case PlanStatusActive:
		return statusStringActive
	case PlanStatusPaused:
		return statusStringPaused
	case PlanStatusCompleted:
		return statusStringCompleted
	case PlanStatusCancelled:
		return statusStringCancelled
	default:
		return "unknown"
	}
}

// IsValid checks if the status value is known.
func (s PlanStatus) IsValid() bool {
	return s >= PlanStatusActive && s <= PlanStatusCancelled
}

// Occupied reports whether a plan in this status blocks creating another plan with the same id.
func (s PlanStatus) Occupied() bool {
	return s == PlanStatusActive || s == PlanStatusPaused
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s PlanStatus) CanTransition(next PlanStatus) bool {
	switch s {
	case PlanStatusActive:
		return next == PlanStatusPaused || next == PlanStatusCompleted || next == PlanStatusCancelled
	case PlanStatusPaused:
		return next == PlanStatusActive || next == PlanStatusCancelled
	case PlanStatusCompleted:
		return next == PlanStatusActive
	default:
		return false
	}
}
