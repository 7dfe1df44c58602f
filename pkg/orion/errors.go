package orion

import "errors"

// Error taxonomy per the orchestrator's error design: these are the
// sentinels the DAG layer itself can produce. DeviceError, TaskTimeout,
// BarrierTimeout and OracleError belong to the packages that actually
// own those concerns (device, barrier, oracle).
var (
	// ErrInvalidDAG is returned by ValidateDAG when the graph is invalid
	// (cycle, dangling endpoint, no tasks). AddDependency reports the
	// same problems as ErrUnknownTask or ErrCycle instead.
	ErrInvalidDAG = errors.New("orion: invalid DAG")
	// ErrCycle is returned by AddDependency when the new edge would
	// introduce a cycle.
	ErrCycle = errors.New("orion: dependency would introduce a cycle")
	// ErrUnknownTask is returned when a dependency references a task id
	// that doesn't exist in this Orion.
	ErrUnknownTask = errors.New("orion: unknown task id")
	// ErrTaskTerminal is returned when an edit is attempted against a
	// task that has already reached a terminal status.
	ErrTaskTerminal = errors.New("orion: task is in a terminal state")
	// ErrBackwardTransition is returned when a status transition would
	// move a task backwards along the §3 advancement order.
	ErrBackwardTransition = errors.New("orion: status transition moves backwards")
	// ErrDuplicateTask is returned by AddTask for an id already present.
	ErrDuplicateTask = errors.New("orion: task id already exists")
	// ErrDuplicateDependency is returned by AddDependency for an edge
	// that already exists between the same two tasks with the same type.
	ErrDuplicateDependency = errors.New("orion: dependency already exists")
)
