package device

import "context"

// Transport is the message-oriented medium AssignTaskToDevice dispatches
// over. It is deliberately narrow: the wire encoding of the payload and
// reply is out of scope here, and left to the concrete implementation
// (transport_libp2p.go for production, transport_fake.go for tests).
type Transport interface {
	// Send delivers payload to deviceID and blocks until a reply arrives
	// or ctx is done. A Transport implementation owns its own retry
	// policy, if any; AssignTaskToDevice does not retry.
	Send(ctx context.Context, deviceID string, taskID string, payload map[string]any) (any, error)
}
