package orchestrator

import "errors"

var (
	// ErrUnassignedTask is fatal to orchestrate: a task has no strategy,
	// no preference, and no live target_device_id.
	ErrUnassignedTask = errors.New("orchestrator: task has no device assignment")
	// ErrOrchestration is the sentinel for worker-level failures that
	// aren't a recoverable DeviceError. Nothing in this package returns
	// it, and workers do not recover panics.
	ErrOrchestration = errors.New("orchestrator: orchestration error")
)
