package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// heartbeatChecksPerSecond bounds how fast StartHeartbeatLoop walks a
// large fleet's missed-heartbeat checks, so one tick over thousands of
// devices doesn't burst through the registry's lock all at once.
const heartbeatChecksPerSecond = 50

// Manager wraps a Registry and adds the connect/disconnect/heartbeat/
// assignment operations the orchestrator's Device Manager interface
// needs (spec §6). Assignment itself is delegated to a Transport.
type Manager struct {
	registry  *Registry
	transport Transport
	log       *slog.Logger
}

// NewManager builds a Manager over registry, dispatching assignments
// through transport.
func NewManager(registry *Registry, transport Transport, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{registry: registry, transport: transport, log: log}
}

// GetConnectedDevices returns the ids of every device the orchestrator
// may currently dispatch work to.
func (m *Manager) GetConnectedDevices() []string {
	return m.registry.ConnectedDeviceIDs()
}

// GetAllDevices returns a point-in-time snapshot of the fleet.
func (m *Manager) GetAllDevices(connectedOnly bool) map[string]Profile {
	return m.registry.All(connectedOnly)
}

// RegisterDevice admits a new device to the fleet in CONNECTING status.
func (m *Manager) RegisterDevice(ctx context.Context, deviceID, serverURL, os string, capabilities []string, metadata map[string]any) bool {
	if err := m.registry.Register(ctx, deviceID, serverURL, os, capabilities, metadata); err != nil {
		m.log.Warn("device registration failed", "device_id", deviceID, "error", err)
		return false
	}
	return true
}

// Connect moves a device to CONNECTED, recording its first heartbeat.
func (m *Manager) Connect(ctx context.Context, deviceID string) error {
	if err := m.registry.SetStatus(ctx, deviceID, StatusConnected); err != nil {
		return err
	}
	return m.registry.RecordHeartbeat(deviceID)
}

// Disconnect moves a device to DISCONNECTED.
func (m *Manager) Disconnect(ctx context.Context, deviceID string) bool {
	if err := m.registry.SetStatus(ctx, deviceID, StatusDisconnected); err != nil {
		m.log.Warn("disconnect of unknown device", "device_id", deviceID)
		return false
	}
	return true
}

// DisconnectDevice is the spec §6 Device Manager interface's exact
// verb (disconnect_device); it delegates to Disconnect.
func (m *Manager) DisconnectDevice(ctx context.Context, deviceID string) bool {
	return m.Disconnect(ctx, deviceID)
}

// Heartbeat records a liveness ping from deviceID and restores it to
// IDLE if it had been BUSY-less disconnected transiently.
func (m *Manager) Heartbeat(ctx context.Context, deviceID string) error {
	if err := m.registry.RecordHeartbeat(deviceID); err != nil {
		return err
	}
	profile, ok := m.registry.Get(deviceID)
	if ok && profile.Status == StatusDisconnected {
		return m.registry.SetStatus(ctx, deviceID, StatusIdle)
	}
	return nil
}

// CheckMissedHeartbeats runs one unpaced pass that calls
// MarkMissedHeartbeat for every connected device not heard from within
// the interval; MarkMissedHeartbeat disconnects a device after it has
// missed two consecutive intervals. StartHeartbeatLoop does not call it:
// the loop runs the paced equivalent, checkMissedHeartbeatsPaced.
func (m *Manager) CheckMissedHeartbeats(ctx context.Context, interval time.Duration) {
	now := time.Now()
	for id, profile := range m.registry.All(false) {
		if !profile.Connected() {
			continue
		}
		if now.Sub(profile.LastHeartbeat) <= interval {
			continue
		}
		disconnected, err := m.registry.MarkMissedHeartbeat(ctx, id)
		if err != nil {
			continue
		}
		if disconnected {
			m.log.Warn("device disconnected after missed heartbeats", "device_id", id)
		}
	}
}

// StartHeartbeatLoop runs the same missed-heartbeat check as
// CheckMissedHeartbeats once per interval until ctx is done. Unlike a bare CheckMissedHeartbeats call, each
// disconnect decision is paced through a token-bucket limiter so a
// fleet with thousands of devices doesn't hammer the registry's lock
// in one tick.
func (m *Manager) StartHeartbeatLoop(ctx context.Context, interval time.Duration) {
	limiter := rate.NewLimiter(rate.Limit(heartbeatChecksPerSecond), heartbeatChecksPerSecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkMissedHeartbeatsPaced(ctx, interval, limiter)
		}
	}
}

func (m *Manager) checkMissedHeartbeatsPaced(ctx context.Context, interval time.Duration, limiter *rate.Limiter) {
	now := time.Now()
	for id, profile := range m.registry.All(false) {
		if !profile.Connected() {
			continue
		}
		if now.Sub(profile.LastHeartbeat) <= interval {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		disconnected, err := m.registry.MarkMissedHeartbeat(ctx, id)
		if err != nil {
			continue
		}
		if disconnected {
			m.log.Warn("device disconnected after missed heartbeats", "device_id", id)
		}
	}
}

// AssignTaskToDevice dispatches payload to deviceID through the
// Transport, marking the device BUSY for the duration and IDLE
// afterwards. It returns an AssignResult on a normal reply, or an error
// wrapping ErrDeviceError (ErrTaskTimeout if ctx expired) on failure.
func (m *Manager) AssignTaskToDevice(ctx context.Context, taskID, deviceID string, payload map[string]any, timeout time.Duration) (AssignResult, error) {
	profile, ok := m.registry.Get(deviceID)
	if !ok {
		return AssignResult{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if !profile.Connected() {
		return AssignResult{}, fmt.Errorf("%w: device %s is not connected", ErrDeviceError, deviceID)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_ = m.registry.SetStatus(ctx, deviceID, StatusBusy)
	result, err := m.transport.Send(callCtx, deviceID, taskID, payload)
	_ = m.registry.SetStatus(ctx, deviceID, StatusIdle)

	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return AssignResult{Status: "FAILED", Error: err.Error(), DeviceID: deviceID},
				fmt.Errorf("%w: %w: %s", ErrDeviceError, ErrTaskTimeout, err)
		}
		return AssignResult{Status: "FAILED", Error: err.Error(), DeviceID: deviceID},
			fmt.Errorf("%w: %s", ErrDeviceError, err)
	}
	return AssignResult{Status: "COMPLETED", Result: result, DeviceID: deviceID}, nil
}

