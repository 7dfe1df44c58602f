package device

import "errors"

var (
	// ErrUnknownDevice is returned when an operation references a device
	// id the registry has never seen.
	ErrUnknownDevice = errors.New("device: unknown device id")
	// ErrAlreadyRegistered is returned by Registry.Register for a device
	// id that already exists.
	ErrAlreadyRegistered = errors.New("device: device id already registered")
	// ErrDeviceError wraps a failure reported by the Transport during
	// AssignTaskToDevice: the device disappeared, refused the task, or
	// the transport itself errored. Non-fatal to the Orion; the
	// orchestrator surfaces it as a per-task failure.
	ErrDeviceError = errors.New("device: assignment failed")
	// ErrTaskTimeout is a more specific ErrDeviceError: the device never
	// replied within the timeout.
	ErrTaskTimeout = errors.New("device: task timed out")
)
