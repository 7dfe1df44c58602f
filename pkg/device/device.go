// Package device implements the device fleet that the orchestrator
// assigns tasks to: an in-memory registry of DeviceProfiles plus a
// Manager that layers connect/disconnect/heartbeat bookkeeping and task
// assignment on top, publishing DEVICE_* events on every mutation. The
// package mirrors the node/peer-registry shape of a P2P network
// manager, generalized from a single physical transport to a
// Transport interface so tests can swap in a deterministic fake.
package device

import "time"

// Status is the connection lifecycle of a registered device.
type Status string

const (
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
	StatusIdle         Status = "IDLE"
	StatusBusy         Status = "BUSY"
	StatusDisconnected Status = "DISCONNECTED"
	StatusFailed       Status = "FAILED"
)

// Profile is the registry's record for one device.
type Profile struct {
	DeviceID     string
	ServerURL    string
	OS           string
	Capabilities []string
	Metadata     map[string]any

	Status             Status
	LastHeartbeat      time.Time
	ConnectionAttempts int
	MaxRetries         int
}

// Connected reports whether the device is in a state the orchestrator
// may dispatch work to.
func (p *Profile) Connected() bool {
	return p.Status == StatusConnected || p.Status == StatusIdle || p.Status == StatusBusy
}

// HasCapability reports whether the device declares deviceType among
// its capabilities; an empty deviceType matches any device.
func (p *Profile) HasCapability(deviceType string) bool {
	if deviceType == "" {
		return true
	}
	for _, c := range p.Capabilities {
		if c == deviceType {
			return true
		}
	}
	return false
}

// AssignResult is what AssignTaskToDevice returns on a completed round
// trip through the Transport.
type AssignResult struct {
	Status   string
	Result   any
	Error    string
	DeviceID string
}
