package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskorion/orion/pkg/eventbus"
)

// Registry is the in-memory device_id -> Profile mapping. Every mutation
// publishes a DEVICE_* event through the injected bus so session
// observers and external UIs see fleet changes without polling.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Profile
	bus     *eventbus.Bus
}

// NewRegistry creates an empty registry publishing through bus. bus may
// be nil, in which case mutations are silent (useful in unit tests that
// don't care about events).
func NewRegistry(bus *eventbus.Bus) *Registry {
	return &Registry{
		devices: make(map[string]*Profile),
		bus:     bus,
	}
}

func (r *Registry) publish(ctx context.Context, eventType eventbus.EventType, deviceID string, data map[string]any) {
	if r.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["device_id"] = deviceID
	r.bus.Publish(eventbus.NewEvent(eventType, deviceID, data))
	_ = ctx
}

// Register adds a new device in CONNECTING status. It returns
// ErrAlreadyRegistered if deviceID is already present.
func (r *Registry) Register(ctx context.Context, deviceID, serverURL, os string, capabilities []string, metadata map[string]any) error {
	r.mu.Lock()
	if _, exists := r.devices[deviceID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, deviceID)
	}
	r.devices[deviceID] = &Profile{
		DeviceID:     deviceID,
		ServerURL:    serverURL,
		OS:           os,
		Capabilities: append([]string(nil), capabilities...),
		Metadata:     metadata,
		Status:       StatusConnecting,
		MaxRetries:   2,
	}
	r.mu.Unlock()

	r.publish(ctx, eventbus.EventDeviceConnected, deviceID, map[string]any{"status": string(StatusConnecting)})
	return nil
}

// SetStatus transitions a device's status and publishes the
// corresponding DEVICE_* event. Returns ErrUnknownDevice if deviceID
// isn't registered.
func (r *Registry) SetStatus(ctx context.Context, deviceID string, status Status) error {
	r.mu.Lock()
	profile, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	previous := profile.Status
	profile.Status = status
	r.mu.Unlock()

	eventType := eventbus.EventDeviceStatusChanged
	switch status {
	case StatusConnected, StatusIdle:
		if previous == StatusDisconnected || previous == StatusConnecting {
			eventType = eventbus.EventDeviceConnected
		}
	case StatusDisconnected, StatusFailed:
		eventType = eventbus.EventDeviceDisconnected
	}
	r.publish(ctx, eventType, deviceID, map[string]any{"status": string(status), "previous_status": string(previous)})
	return nil
}

// RecordHeartbeat stamps the device's last-heartbeat time and resets
// its connection-attempt counter.
func (r *Registry) RecordHeartbeat(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	profile, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	profile.LastHeartbeat = time.Now()
	profile.ConnectionAttempts = 0
	return nil
}

// Unregister removes a device entirely.
func (r *Registry) Unregister(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	if _, ok := r.devices[deviceID]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	delete(r.devices, deviceID)
	r.mu.Unlock()

	r.publish(ctx, eventbus.EventDeviceDisconnected, deviceID, map[string]any{"status": string(StatusDisconnected)})
	return nil
}

// Get returns a copy of the device's profile so callers never observe a
// mutation racing the registry's own lock.
func (r *Registry) Get(deviceID string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profile, ok := r.devices[deviceID]
	if !ok {
		return Profile{}, false
	}
	return *profile, true
}

// ConnectedDeviceIDs returns the ids of every device currently in a
// dispatchable status.
func (r *Registry) ConnectedDeviceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, p := range r.devices {
		if p.Connected() {
			ids = append(ids, id)
		}
	}
	return ids
}

// All returns a point-in-time snapshot of every registered device,
// optionally filtered to only connected ones.
func (r *Registry) All(connectedOnly bool) map[string]Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Profile, len(r.devices))
	for id, p := range r.devices {
		if connectedOnly && !p.Connected() {
			continue
		}
		out[id] = *p
	}
	return out
}

// MarkMissedHeartbeat increments the connection-attempt counter and
// disconnects the device once it has missed MaxRetries consecutive
// heartbeats. Returns true if the device was disconnected by this call.
func (r *Registry) MarkMissedHeartbeat(ctx context.Context, deviceID string) (disconnected bool, err error) {
	r.mu.Lock()
	profile, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	profile.ConnectionAttempts++
	shouldDisconnect := profile.ConnectionAttempts >= profile.MaxRetries && profile.Status != StatusDisconnected
	if shouldDisconnect {
		profile.Status = StatusDisconnected
	}
	r.mu.Unlock()

	if shouldDisconnect {
		r.publish(ctx, eventbus.EventDeviceDisconnected, deviceID, map[string]any{"status": string(StatusDisconnected), "reason": "missed_heartbeat"})
	}
	return shouldDisconnect, nil
}
