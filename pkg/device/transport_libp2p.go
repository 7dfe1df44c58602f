package device

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
)

// TaskAssignmentProtocol is the libp2p stream protocol AssignTaskToDevice
// speaks: one request frame, one reply frame, both newline-delimited
// JSON. This is the "message-oriented transport" external interface;
// the wire encoding of the task payload itself is out of scope beyond
// this framing.
const TaskAssignmentProtocol protocol.ID = "/orion/task-assignment/1.0.0"

type taskRequestFrame struct {
	TaskID  string         `json:"task_id"`
	Payload map[string]any `json:"payload"`
}

type taskReplyFrame struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// LibP2PTransport dispatches task assignments over libp2p streams,
// resolving the device's ServerURL into a dialable multiaddr on every
// Send. It is the production Transport.
type LibP2PTransport struct {
	host     host.Host
	registry *Registry
	log      *slog.Logger
}

// NewLibP2PTransport builds a transport that dials devices registered
// in registry through h.
func NewLibP2PTransport(h host.Host, registry *Registry, log *slog.Logger) *LibP2PTransport {
	if log == nil {
		log = slog.Default()
	}
	return &LibP2PTransport{host: h, registry: registry, log: log}
}

func (t *LibP2PTransport) resolvePeer(deviceID string) (peer.AddrInfo, error) {
	profile, ok := t.registry.Get(deviceID)
	if !ok {
		return peer.AddrInfo{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	addr, err := multiaddr.NewMultiaddr(profile.ServerURL)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("device %s: invalid server_url %q: %w", deviceID, profile.ServerURL, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("device %s: %w", deviceID, err)
	}
	return *info, nil
}

// Send implements Transport by opening a stream to the device, writing
// the task frame, and blocking for the reply frame or ctx expiring.
func (t *LibP2PTransport) Send(ctx context.Context, deviceID string, taskID string, payload map[string]any) (any, error) {
	info, err := t.resolvePeer(deviceID)
	if err != nil {
		return nil, err
	}
	if err := t.host.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("dial device %s: %w", deviceID, err)
	}

	stream, err := t.host.NewStream(ctx, info.ID, TaskAssignmentProtocol)
	if err != nil {
		return nil, fmt.Errorf("open stream to device %s: %w", deviceID, err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	enc := json.NewEncoder(stream)
	if err := enc.Encode(taskRequestFrame{TaskID: taskID, Payload: payload}); err != nil {
		return nil, fmt.Errorf("write task frame to device %s: %w", deviceID, err)
	}
	if cw, ok := stream.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}

	var reply taskReplyFrame
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&reply); err != nil {
		return nil, fmt.Errorf("read reply frame from device %s: %w", deviceID, err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("device %s reported: %s", deviceID, reply.Error)
	}
	return reply.Result, nil
}
