package world

import "errors"

var (
	// ErrInconsistentState marks an invariant violation inside a room's
	// tables (e.g. a member back-reference to a missing group). It is a
	// programming-error-level fault: callers must surface it, never
	// swallow it, since continuing would corrupt shared room state.
	ErrInconsistentState = errors.New("inconsistent room state")

	// ErrVariableRejected classifies a variable write refused by
	// data/consistency rules. It is the only error class that triggers
	// the cache-invalidate-and-retry path.
	ErrVariableRejected = errors.New("variable write rejected")

	// ErrPersistenceDisabled is returned for variable writes while the
	// room runs in degraded mode without a variable store.
	ErrPersistenceDisabled = errors.New("variable persistence disabled")

	// ErrUnknownParticipant is returned when an operation names a
	// participant that is not present in the room.
	ErrUnknownParticipant = errors.New("participant not found")

	// ErrMapNotEditable is returned for map-edit commands in rooms whose
	// metadata does not allow editing.
	ErrMapNotEditable = errors.New("room map is not editable")
)
