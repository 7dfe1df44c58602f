package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorion/orion/pkg/eventbus"
)

func newTestManager(t *testing.T) (*Manager, *Registry, *FakeTransport, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(8)
	t.Cleanup(bus.Close)
	registry := NewRegistry(bus)
	transport := NewFakeTransport()
	return NewManager(registry, transport, nil), registry, transport, bus
}

func TestRegisterAndConnectPublishesDeviceConnected(t *testing.T) {
	mgr, _, _, bus := newTestManager(t)
	ctx := context.Background()

	var received []eventbus.EventType
	done := make(chan struct{}, 4)
	bus.Subscribe(eventbus.ObserverFunc(func(_ context.Context, e eventbus.Event) {
		received = append(received, e.Type)
		done <- struct{}{}
	}), eventbus.EventDeviceConnected)

	require.True(t, mgr.RegisterDevice(ctx, "dev1", "/ip4/127.0.0.1/tcp/4001", "linux", []string{"gpu"}, nil))
	require.NoError(t, mgr.Connect(ctx, "dev1"))

	<-done
	<-done
	assert.Contains(t, received, eventbus.EventDeviceConnected)
}

func TestAssignTaskToDeviceRoutesThroughTransport(t *testing.T) {
	mgr, _, transport, _ := newTestManager(t)
	ctx := context.Background()
	require.True(t, mgr.RegisterDevice(ctx, "dev1", "/ip4/127.0.0.1/tcp/4001", "linux", nil, nil))
	require.NoError(t, mgr.Connect(ctx, "dev1"))

	result, err := mgr.AssignTaskToDevice(ctx, "task-1", "dev1", map[string]any{"k": "v"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", result.Status)
	assert.Equal(t, []string{"task-1"}, transport.Calls())
}

func TestAssignTaskToDeviceWrapsFailureAsDeviceError(t *testing.T) {
	mgr, _, transport, _ := newTestManager(t)
	ctx := context.Background()
	require.True(t, mgr.RegisterDevice(ctx, "dev1", "/ip4/127.0.0.1/tcp/4001", "linux", nil, nil))
	require.NoError(t, mgr.Connect(ctx, "dev1"))
	transport.FailTask("task-1", "device refused task")

	_, err := mgr.AssignTaskToDevice(ctx, "task-1", "dev1", nil, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceError)
}

func TestAssignTaskToDeviceOnUnconnectedDeviceFails(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	ctx := context.Background()
	require.True(t, mgr.RegisterDevice(ctx, "dev1", "/ip4/127.0.0.1/tcp/4001", "linux", nil, nil))
	// never connected: stays in CONNECTING

	_, err := mgr.AssignTaskToDevice(ctx, "task-1", "dev1", nil, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceError)
}

func TestCheckMissedHeartbeatsDisconnectsAfterTwoMisses(t *testing.T) {
	mgr, registry, _, _ := newTestManager(t)
	ctx := context.Background()
	require.True(t, mgr.RegisterDevice(ctx, "dev1", "/ip4/127.0.0.1/tcp/4001", "linux", nil, nil))
	require.NoError(t, mgr.Connect(ctx, "dev1"))

	profile, _ := registry.Get("dev1")
	profile.LastHeartbeat = time.Now().Add(-time.Hour)
	registry.mu.Lock()
	registry.devices["dev1"].LastHeartbeat = profile.LastHeartbeat
	registry.mu.Unlock()

	mgr.CheckMissedHeartbeats(ctx, time.Millisecond)
	after, _ := registry.Get("dev1")
	assert.Equal(t, StatusConnected, after.Status, "one miss shouldn't disconnect yet")

	mgr.CheckMissedHeartbeats(ctx, time.Millisecond)
	after, _ = registry.Get("dev1")
	assert.Equal(t, StatusDisconnected, after.Status)
}

func TestUnknownDeviceAssignmentFails(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	_, err := mgr.AssignTaskToDevice(context.Background(), "task-1", "ghost", nil, time.Second)
	require.True(t, errors.Is(err, ErrUnknownDevice))
}

func TestStartHeartbeatLoopDisconnectsStaleDevice(t *testing.T) {
	mgr, registry, _, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.True(t, mgr.RegisterDevice(ctx, "dev1", "/ip4/127.0.0.1/tcp/4001", "linux", nil, nil))
	require.NoError(t, mgr.Connect(ctx, "dev1"))

	registry.mu.Lock()
	registry.devices["dev1"].LastHeartbeat = time.Now().Add(-time.Hour)
	registry.mu.Unlock()

	loopDone := make(chan struct{})
	go func() {
		mgr.StartHeartbeatLoop(ctx, time.Millisecond)
		close(loopDone)
	}()

	require.Eventually(t, func() bool {
		p, _ := registry.Get("dev1")
		return p.Status == StatusDisconnected
	}, time.Second, time.Millisecond)

	cancel()
	<-loopDone
}
