// Package orion implements the DAG data model the orchestrator drives: a
// task graph (an Orion) of TaskStars connected by typed TaskStarLine
// dependencies. The package is pure data and invariants — no I/O, no
// device transport, no event delivery — so it can be shared safely
// between the orchestrator (which owns execution status) and the
// planning agent (which owns structural edits) under the single-writer
// discipline the Modification Synchronizer enforces.
package orion

import "time"

// TaskStatus is the lifecycle state of one TaskStar.
type TaskStatus string

const (
	TaskPending            TaskStatus = "PENDING"
	TaskWaitingDependency  TaskStatus = "WAITING_DEPENDENCY"
	TaskRunning            TaskStatus = "RUNNING"
	TaskCompleted          TaskStatus = "COMPLETED"
	TaskFailed             TaskStatus = "FAILED"
	TaskCancelled          TaskStatus = "CANCELLED"
)

// advancementLevel returns the §3 monotonic ordering used by the
// synchronizer's merge and by TaskStar's own transition guards:
// PENDING(0) < WAITING_DEPENDENCY(1) < RUNNING(2) < terminal(3).
func (s TaskStatus) advancementLevel() int {
	switch s {
	case TaskPending:
		return 0
	case TaskWaitingDependency:
		return 1
	case TaskRunning:
		return 2
	case TaskCompleted, TaskFailed, TaskCancelled:
		return 3
	default:
		return -1
	}
}

// IsTerminal reports whether s is one of the three terminal statuses.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Advances reports whether moving from s to next is a legal (non-backward)
// transition per the §3.5 monotonicity invariant. Equal statuses are
// allowed (idempotent no-op), moving strictly forward is allowed, moving
// backward is not.
func (s TaskStatus) Advances(next TaskStatus) bool {
	return next.advancementLevel() >= s.advancementLevel()
}

// OrionState is the overall state of a task graph.
type OrionState string

const (
	OrionCreated          OrionState = "CREATED"
	OrionReady            OrionState = "READY"
	OrionExecuting        OrionState = "EXECUTING"
	OrionCompleted        OrionState = "COMPLETED"
	OrionPartiallyFailed  OrionState = "PARTIALLY_FAILED"
	OrionFailed           OrionState = "FAILED"
	OrionCancelled        OrionState = "CANCELLED"
)

// DependencyType controls when a TaskStarLine is considered satisfied,
// given the terminal status of its predecessor task.
type DependencyType string

const (
	// DependencyUnconditional fires on any terminal state of the
	// predecessor.
	DependencyUnconditional DependencyType = "UNCONDITIONAL"
	// DependencySuccessOnly fires only when the predecessor COMPLETED.
	DependencySuccessOnly DependencyType = "SUCCESS_ONLY"
	// DependencyCompletionOnly fires on COMPLETED or FAILED, but not
	// CANCELLED.
	DependencyCompletionOnly DependencyType = "COMPLETION_ONLY"
	// DependencyConditional is treated identically to Unconditional at
	// the DAG-satisfaction level: the condition string is informational
	// for the agent/oracle and is never evaluated here. An agent that
	// wants to gate on the condition does so by not publishing the edit
	// that would make the edge's successor task ready until it judges
	// the condition true.
	DependencyConditional DependencyType = "CONDITIONAL"
)

// satisfiedBy reports whether a predecessor that reached status
// terminates this dependency edge as satisfied.
func (d DependencyType) satisfiedBy(status TaskStatus) bool {
	if !status.IsTerminal() {
		return false
	}
	switch d {
	case DependencySuccessOnly:
		return status == TaskCompleted
	case DependencyCompletionOnly:
		return status == TaskCompleted || status == TaskFailed
	case DependencyUnconditional, DependencyConditional:
		return true
	default:
		return false
	}
}

// TaskPriority is an ordered priority used only for initial device
// assignment and default per-task timeout selection.
type TaskPriority int

const (
	PriorityLow      TaskPriority = 1
	PriorityMedium   TaskPriority = 2
	PriorityHigh     TaskPriority = 3
	PriorityCritical TaskPriority = 4
)

// TaskStar is one node of an Orion DAG.
type TaskStar struct {
	TaskID      string
	Name        string
	Description string

	Priority       TaskPriority
	DeviceType     string // empty means "any"
	TargetDeviceID string

	Status TaskStatus
	Result any
	Error  string

	ExecutionStartTime *time.Time
	ExecutionEndTime   *time.Time
	Timeout            time.Duration

	Tips     []string
	TaskData map[string]any
	Metadata map[string]any
}

// ExecutionDuration returns the derived wall-clock runtime, or zero if
// the task hasn't started and finished.
func (t *TaskStar) ExecutionDuration() time.Duration {
	if t.ExecutionStartTime == nil || t.ExecutionEndTime == nil {
		return 0
	}
	return t.ExecutionEndTime.Sub(*t.ExecutionStartTime)
}

// TaskStarLine is one dependency edge between two tasks in the same
// Orion. Edges are immutable once added; to change one, remove and
// re-add it.
type TaskStarLine struct {
	DependencyID         string
	FromTaskID           string
	ToTaskID             string
	DependencyType       DependencyType
	ConditionDescription string
}
