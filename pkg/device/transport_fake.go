package device

import (
	"context"
	"fmt"
	"sync"
)

// FakeHandler computes a deterministic reply (or failure) for one task
// sent to one device. Returning a non-nil error fails the assignment.
type FakeHandler func(deviceID, taskID string, payload map[string]any) (any, error)

// FakeTransport is an in-memory, deterministic Transport used by tests
// and by `cmd/orion-orchestrator run --fake-devices`. By default every
// Send succeeds with a result echoing the task id; per-device or
// per-task overrides let tests script specific failures (spec §8
// scenario B's "device mock causes a to fail").
type FakeTransport struct {
	mu        sync.Mutex
	handler   FakeHandler
	overrides map[string]FakeHandler // keyed by taskID
	calls     []string               // taskIDs dispatched, in order
}

// NewFakeTransport builds a FakeTransport with the default
// always-succeeds handler.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		handler: func(deviceID, taskID string, _ map[string]any) (any, error) {
			return map[string]any{"echo": taskID, "device_id": deviceID}, nil
		},
		overrides: make(map[string]FakeHandler),
	}
}

// SetDefaultHandler replaces the handler used for tasks without a
// per-task override.
func (f *FakeTransport) SetDefaultHandler(h FakeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// FailTask makes every future Send for taskID return errMsg as an
// error, regardless of which device it's sent to.
func (f *FakeTransport) FailTask(taskID, errMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[taskID] = func(deviceID, tid string, _ map[string]any) (any, error) {
		return nil, fmt.Errorf("%s", errMsg)
	}
}

// SetTaskHandler installs a per-task override.
func (f *FakeTransport) SetTaskHandler(taskID string, h FakeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[taskID] = h
}

// Calls returns the task ids dispatched so far, in dispatch order.
func (f *FakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Send implements Transport.
func (f *FakeTransport) Send(ctx context.Context, deviceID string, taskID string, payload map[string]any) (any, error) {
	f.mu.Lock()
	h := f.handler
	if override, ok := f.overrides[taskID]; ok {
		h = override
	}
	f.calls = append(f.calls, taskID)
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return h(deviceID, taskID, payload)
}
