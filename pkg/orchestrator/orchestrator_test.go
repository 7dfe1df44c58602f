package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorion/orion/pkg/assignment"
	"github.com/taskorion/orion/pkg/barrier"
	"github.com/taskorion/orion/pkg/device"
	"github.com/taskorion/orion/pkg/eventbus"
	"github.com/taskorion/orion/pkg/orion"
)

func newHarness(t *testing.T, numDevices int) (*Orchestrator, *device.Registry, *device.FakeTransport, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(32)
	t.Cleanup(bus.Close)
	registry := device.NewRegistry(bus)
	transport := device.NewFakeTransport()
	mgr := device.NewManager(registry, transport, nil)

	ctx := context.Background()
	for i := 0; i < numDevices; i++ {
		id := string(rune('a' + i))
		require.True(t, mgr.RegisterDevice(ctx, "dev-"+id, "/ip4/127.0.0.1/tcp/4001", "linux", nil, nil))
		require.NoError(t, mgr.Connect(ctx, "dev-"+id))
	}

	cfg := Config{MaxConcurrentTasks: 8, TaskTimeout: 2 * time.Second, CriticalTaskTimeout: 5 * time.Second, IdlePollInterval: 5 * time.Millisecond}
	return New(mgr, bus, nil, cfg, nil), registry, transport, bus
}

type eventCollector struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (c *eventCollector) snapshot() []eventbus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]eventbus.Event(nil), c.events...)
}

func collectEvents(bus *eventbus.Bus, types ...eventbus.EventType) (*eventCollector, func()) {
	c := &eventCollector{}
	sub := bus.Subscribe(eventbus.ObserverFunc(func(_ context.Context, e eventbus.Event) {
		c.mu.Lock()
		c.events = append(c.events, e)
		c.mu.Unlock()
	}), types...)
	return c, sub.Unsubscribe
}

func TestOrchestrateLinearChainAllSucceed(t *testing.T) {
	orch, _, _, bus := newHarness(t, 3)
	events, unsubscribe := collectEvents(bus, eventbus.EventOrionStarted, eventbus.EventTaskStarted,
		eventbus.EventTaskCompleted, eventbus.EventOrionCompleted)
	defer unsubscribe()

	o := orion.New("linear")
	require.NoError(t, o.AddTask(&orion.TaskStar{TaskID: "t1"}))
	require.NoError(t, o.AddTask(&orion.TaskStar{TaskID: "t2"}))
	require.NoError(t, o.AddTask(&orion.TaskStar{TaskID: "t3"}))
	require.NoError(t, o.AddDependency(&orion.TaskStarLine{FromTaskID: "t1", ToTaskID: "t2", DependencyType: orion.DependencySuccessOnly}))
	require.NoError(t, o.AddDependency(&orion.TaskStarLine{FromTaskID: "t2", ToTaskID: "t3", DependencyType: orion.DependencySuccessOnly}))

	summary, err := orch.Orchestrate(context.Background(), o, Options{Strategy: assignment.RoundRobin{}})
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, summary.Result)
	assert.Equal(t, 3, summary.Statistics.Completed)
	assert.Equal(t, 0, summary.Statistics.Failed)

	time.Sleep(20 * time.Millisecond)
	var orionCompletedSeen bool
	for _, e := range events.snapshot() {
		if e.Type == eventbus.EventOrionCompleted {
			orionCompletedSeen = true
		}
	}
	assert.True(t, orionCompletedSeen)
}

func TestOrionStatusReportsTaskIDsByCategory(t *testing.T) {
	orch, _, transport, _ := newHarness(t, 2)
	transport.FailTask("t2", "device rejected task")

	o := orion.New("status-check")
	require.NoError(t, o.AddTask(&orion.TaskStar{TaskID: "t1"}))
	require.NoError(t, o.AddTask(&orion.TaskStar{TaskID: "t2"}))

	summary, err := orch.Orchestrate(context.Background(), o, Options{Strategy: assignment.RoundRobin{}})
	require.NoError(t, err)
	assert.Equal(t, ResultPartiallyFailed, summary.Result)

	snap := orch.OrionStatus(o)
	assert.Equal(t, o.OrionID, snap.OrionID)
	assert.Empty(t, snap.ReadyTaskIDs)
	assert.Empty(t, snap.RunningTaskIDs)
	assert.ElementsMatch(t, []string{"t1"}, snap.CompletedTaskIDs)
	assert.ElementsMatch(t, []string{"t2"}, snap.FailedTaskIDs)
}

func TestOrchestrateDiamondWithOneFailure(t *testing.T) {
	orch, _, transport, _ := newHarness(t, 2)
	transport.FailTask("a", "boom")

	o := orion.New("diamond")
	for _, id := range []string{"root", "a", "b", "join"} {
		require.NoError(t, o.AddTask(&orion.TaskStar{TaskID: id}))
	}
	require.NoError(t, o.AddDependency(&orion.TaskStarLine{FromTaskID: "root", ToTaskID: "a", DependencyType: orion.DependencySuccessOnly}))
	require.NoError(t, o.AddDependency(&orion.TaskStarLine{FromTaskID: "root", ToTaskID: "b", DependencyType: orion.DependencySuccessOnly}))
	require.NoError(t, o.AddDependency(&orion.TaskStarLine{FromTaskID: "a", ToTaskID: "join", DependencyType: orion.DependencySuccessOnly}))
	require.NoError(t, o.AddDependency(&orion.TaskStarLine{FromTaskID: "b", ToTaskID: "join", DependencyType: orion.DependencySuccessOnly}))

	summary, err := orch.Orchestrate(context.Background(), o, Options{Strategy: assignment.RoundRobin{}})
	require.NoError(t, err)
	assert.Equal(t, ResultPartiallyFailed, summary.Result)
	assert.Equal(t, 2, summary.Statistics.Completed)
	assert.Equal(t, 1, summary.Statistics.Failed)
	assert.Equal(t, 1, summary.Statistics.Pending, "join must never run")
}

func TestCancelExecutionStopsBeforeOrionCompleted(t *testing.T) {
	orch, _, transport, bus := newHarness(t, 5)

	block := make(chan struct{})
	transport.SetDefaultHandler(func(deviceID, taskID string, _ map[string]any) (any, error) {
		<-block
		return "done", nil
	})

	o := orion.New("fanout")
	for i := 0; i < 5; i++ {
		id := string(rune('1' + i))
		require.NoError(t, o.AddTask(&orion.TaskStar{TaskID: "t" + id}))
	}

	events, unsubscribe := collectEvents(bus, eventbus.EventTaskStarted, eventbus.EventOrionCompleted)
	defer unsubscribe()

	done := make(chan Summary, 1)
	go func() {
		summary, _ := orch.Orchestrate(context.Background(), o, Options{Strategy: assignment.RoundRobin{}})
		done <- summary
	}()

	require.Eventually(t, func() bool {
		return len(events.snapshot()) >= 3
	}, time.Second, 2*time.Millisecond)

	require.True(t, orch.CancelExecution(o.OrionID))
	close(block)

	summary := <-done
	assert.Equal(t, ResultCancelled, summary.Result)
	for _, e := range events.snapshot() {
		assert.NotEqual(t, eventbus.EventOrionCompleted, e.Type)
	}
}

func TestOrchestrateFailsUnassignedTaskWithNoDevicesAndNoStrategy(t *testing.T) {
	orch, _, _, _ := newHarness(t, 0)
	o := orion.New("unassigned")
	require.NoError(t, o.AddTask(&orion.TaskStar{TaskID: "t1"}))

	_, err := orch.Orchestrate(context.Background(), o, Options{})
	require.ErrorIs(t, err, ErrUnassignedTask)
}

func TestOrchestrateRejectsCyclicDAG(t *testing.T) {
	orch, _, _, _ := newHarness(t, 1)
	o := orion.New("cyclic")
	require.NoError(t, o.AddTask(&orion.TaskStar{TaskID: "a"}))
	require.NoError(t, o.AddTask(&orion.TaskStar{TaskID: "b"}))
	o.Dependencies["d1"] = &orion.TaskStarLine{DependencyID: "d1", FromTaskID: "a", ToTaskID: "b", DependencyType: orion.DependencyUnconditional}
	o.Dependencies["d2"] = &orion.TaskStarLine{DependencyID: "d2", FromTaskID: "b", ToTaskID: "a", DependencyType: orion.DependencyUnconditional}

	_, err := orch.Orchestrate(context.Background(), o, Options{Strategy: assignment.RoundRobin{}})
	require.ErrorIs(t, err, orion.ErrInvalidDAG)
}

// newHarnessWithSync is like newHarness but wires a barrier.Synchronizer
// onto the bus, the way pkg/session does for a live agent.
func newHarnessWithSync(t *testing.T, numDevices int, modificationTimeout time.Duration) (*Orchestrator, *device.FakeTransport, *barrier.Synchronizer, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(32)
	t.Cleanup(bus.Close)
	registry := device.NewRegistry(bus)
	transport := device.NewFakeTransport()
	mgr := device.NewManager(registry, transport, nil)

	ctx := context.Background()
	for i := 0; i < numDevices; i++ {
		id := string(rune('a' + i))
		require.True(t, mgr.RegisterDevice(ctx, "dev-"+id, "/ip4/127.0.0.1/tcp/4001", "linux", nil, nil))
		require.NoError(t, mgr.Connect(ctx, "dev-"+id))
	}

	barrierSync := barrier.New(modificationTimeout, nil)
	bus.Subscribe(barrierSync, eventbus.EventTaskCompleted, eventbus.EventTaskFailed,
		eventbus.EventOrionStarted, eventbus.EventOrionModified)

	cfg := Config{MaxConcurrentTasks: 8, TaskTimeout: 2 * time.Second, CriticalTaskTimeout: 5 * time.Second, IdlePollInterval: 5 * time.Millisecond}
	return New(mgr, bus, barrierSync, cfg, nil), transport, barrierSync, bus
}

// TestOrchestrateAppliesDynamicallyAddedTask covers spec scenario C: the
// agent appends a follow-on task in response to TASK_COMPLETED and
// releases the barrier with ORION_MODIFIED; the orchestrator must pick
// up the new task on its next loop iteration instead of completing
// early once the tasks it started with are done.
//
// A "hold" task keeps the Orion incomplete until the injected
// ORION_MODIFIED has reached the synchronizer. While a worker runs, the
// loop waits for a worker result rather than polling, so the iteration
// that merges the edit and schedules t2 comes either after t1's barrier
// is released or, at the latest, after "hold" finishes; either way the
// loop cannot complete without seeing t2.
func TestOrchestrateAppliesDynamicallyAddedTask(t *testing.T) {
	orch, transport, barrierSync, bus := newHarnessWithSync(t, 3, 2*time.Second)

	hold := make(chan struct{})
	transport.SetTaskHandler("hold", func(_, _ string, _ map[string]any) (any, error) {
		<-hold
		return "released", nil
	})

	o := orion.New("grows")
	require.NoError(t, o.AddTask(&orion.TaskStar{TaskID: "t1"}))
	require.NoError(t, o.AddTask(&orion.TaskStar{TaskID: "hold"}))

	events, unsubscribe := collectEvents(bus, eventbus.EventTaskCompleted)
	defer unsubscribe()

	var releaseCount int32
	bus.Subscribe(eventbus.ObserverFunc(func(_ context.Context, e eventbus.Event) {
		current := barrierSync.CurrentOrion()
		if current == nil {
			return
		}
		if e.TaskID == "t1" && current.TaskByID("t2") == nil {
			next := current.Clone()
			_ = next.AddTask(&orion.TaskStar{TaskID: "t2", TargetDeviceID: "dev-a"})
			_ = next.AddDependency(&orion.TaskStarLine{
				FromTaskID: "t1", ToTaskID: "t2", DependencyType: orion.DependencySuccessOnly,
			})
			bus.Publish(eventbus.NewEvent(eventbus.EventOrionModified, o.OrionID, map[string]any{
				"new_orion":  next,
				"on_task_id": []string{"t1"},
			}))
			atomic.AddInt32(&releaseCount, 1)
			return
		}
		bus.Publish(eventbus.NewEvent(eventbus.EventOrionModified, o.OrionID, map[string]any{
			"on_task_id": []string{e.TaskID},
		}))
	}), eventbus.EventTaskCompleted)

	type outcome struct {
		summary Summary
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		summary, err := orch.Orchestrate(context.Background(), o, Options{Strategy: assignment.RoundRobin{}})
		done <- outcome{summary, err}
	}()

	require.Eventually(t, func() bool {
		current := barrierSync.CurrentOrion()
		return current != nil && current.TaskByID("t2") != nil
	}, 2*time.Second, 5*time.Millisecond, "the edit adding t2 must reach the synchronizer")
	close(hold)

	require.Eventually(t, func() bool {
		for _, e := range events.snapshot() {
			if e.TaskID == "t2" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "task t2 must run after being appended dynamically")

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, ResultCompleted, out.summary.Result)
	assert.Equal(t, 3, out.summary.Statistics.Completed)
	assert.EqualValues(t, 1, atomic.LoadInt32(&releaseCount), "barrier must be released with a new task exactly once")
}

// TestOrchestrateResumesAfterBarrierTimeoutWhenAgentAbsent covers spec
// scenario E: with the synchronizer wired but no agent ever publishing
// ORION_MODIFIED, the barrier must time out, get cleared, and let the
// orchestrator resume to completion rather than hang forever.
func TestOrchestrateResumesAfterBarrierTimeoutWhenAgentAbsent(t *testing.T) {
	orch, _, _, _ := newHarnessWithSync(t, 1, 20*time.Millisecond)

	o := orion.New("orphaned")
	require.NoError(t, o.AddTask(&orion.TaskStar{TaskID: "t1"}))

	summary, err := orch.Orchestrate(context.Background(), o, Options{Strategy: assignment.RoundRobin{}})
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, summary.Result)
	assert.Equal(t, 1, summary.Statistics.Completed)
}
