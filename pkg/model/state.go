package model

// TaskState represents the lifecycle state of a Task.
type TaskState string

const (
	TaskStatePending   TaskState = "PENDING"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateSolved    TaskState = "SOLVED"
	TaskStateAbandoned TaskState = "ABANDONED"
)

// String returns the string representation of the task state.
func (s TaskState) String() string {
	return string(s)
}

// IsTerminal returns true if the task is in a final state. Terminal tasks are
// never re-entered into rotation.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateSolved, TaskStateAbandoned:
		return true
	}
	return false
}

// ValidTaskTransitions defines the allowed state transitions for Tasks.
// RUNNING → PENDING is the "continuing" edge: the round ended without a
// verdict and the task is re-queued for the next rotation sweep.
var ValidTaskTransitions = map[TaskState][]TaskState{
	TaskStatePending: {TaskStateRunning},
	TaskStateRunning: {TaskStatePending, TaskStateSolved, TaskStateAbandoned},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunOutcome is the terminal outcome of a single worker run.
type RunOutcome string

const (
	// RunOutcomeUnresolved: the sandbox finished without producing any
	// corroborated candidate.
	RunOutcomeUnresolved RunOutcome = "UNRESOLVED"

	// RunOutcomeConfirmed: a corroborated candidate was extracted. The run
	// either set the shared cancellation token itself or observed it unset at
	// confirmation time.
	RunOutcomeConfirmed RunOutcome = "CONFIRMED"

	// RunOutcomeCancelled: another run confirmed first and this run exited on
	// the shared token before confirming anything.
	RunOutcomeCancelled RunOutcome = "CANCELLED"

	// RunOutcomeTimedOut: the round timeout elapsed before confirmation.
	RunOutcomeTimedOut RunOutcome = "TIMED_OUT"

	// RunOutcomeFailed: the sandbox could not be launched or exited abnormally
	// with nothing to show.
	RunOutcomeFailed RunOutcome = "FAILED"
)

// String returns the string representation of the run outcome.
func (o RunOutcome) String() string {
	return string(o)
}
