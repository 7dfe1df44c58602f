package barrier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorion/orion/pkg/eventbus"
	"github.com/taskorion/orion/pkg/orion"
)

func TestWaitForPendingModificationsReturnsTrueWhenEmpty(t *testing.T) {
	s := New(time.Second, nil)
	assert.True(t, s.WaitForPendingModifications(context.Background()))
}

func TestTaskCompletedRegistersBarrierReleasedByOrionModified(t *testing.T) {
	s := New(5*time.Second, nil)
	ctx := context.Background()

	s.Handle(ctx, eventbus.Event{Type: eventbus.EventTaskCompleted, TaskID: "t1"})

	done := make(chan bool, 1)
	go func() { done <- s.WaitForPendingModifications(ctx) }()

	time.Sleep(10 * time.Millisecond)
	s.Handle(ctx, eventbus.Event{
		Type: eventbus.EventOrionModified,
		Data: map[string]any{"on_task_id": []string{"t1"}},
	})

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after barrier release")
	}
}

func TestWaitForPendingModificationsTimesOutAndClears(t *testing.T) {
	s := New(20*time.Millisecond, nil)
	s.Handle(context.Background(), eventbus.Event{Type: eventbus.EventTaskFailed, TaskID: "stuck"})

	ok := s.WaitForPendingModifications(context.Background())
	assert.False(t, ok)

	s.mu.Lock()
	pendingCount := len(s.pending)
	s.mu.Unlock()
	assert.Zero(t, pendingCount, "timeout must clear the pending map")
}

func TestMergeAndSyncCopiesMoreAdvancedExecutionStatusOnly(t *testing.T) {
	s := New(time.Second, nil)

	agentView := orion.New("agent")
	require.NoError(t, agentView.AddTask(&orion.TaskStar{TaskID: "t1", Status: orion.TaskPending}))
	require.NoError(t, agentView.AddTask(&orion.TaskStar{TaskID: "t2", Status: orion.TaskPending}))
	s.currentOrion = agentView

	execView := orion.New("exec")
	require.NoError(t, execView.AddTask(&orion.TaskStar{TaskID: "t1", Status: orion.TaskCompleted, Result: "done"}))
	require.NoError(t, execView.AddTask(&orion.TaskStar{TaskID: "t2", Status: orion.TaskPending}))

	merged := s.MergeAndSyncOrionStates(execView)
	assert.Equal(t, orion.TaskCompleted, merged.Tasks["t1"].Status)
	assert.Equal(t, "done", merged.Tasks["t1"].Result)
	assert.Equal(t, orion.TaskPending, merged.Tasks["t2"].Status)
}

func TestMergeAndSyncNeverCopiesBackwards(t *testing.T) {
	s := New(time.Second, nil)

	agentView := orion.New("agent")
	require.NoError(t, agentView.AddTask(&orion.TaskStar{TaskID: "t1", Status: orion.TaskCompleted, Result: "agent-result"}))
	s.currentOrion = agentView

	execView := orion.New("exec")
	require.NoError(t, execView.AddTask(&orion.TaskStar{TaskID: "t1", Status: orion.TaskRunning}))

	merged := s.MergeAndSyncOrionStates(execView)
	assert.Equal(t, orion.TaskCompleted, merged.Tasks["t1"].Status)
	assert.Equal(t, "agent-result", merged.Tasks["t1"].Result)
}

func TestStatisticsCountsRegistrationsReleasesAndTimeouts(t *testing.T) {
	s := New(20*time.Millisecond, nil)
	ctx := context.Background()

	s.Handle(ctx, eventbus.Event{Type: eventbus.EventTaskCompleted, TaskID: "t1"})
	s.Handle(ctx, eventbus.Event{
		Type: eventbus.EventOrionModified,
		Data: map[string]any{"on_task_id": []string{"t1"}},
	})

	s.Handle(ctx, eventbus.Event{Type: eventbus.EventTaskFailed, TaskID: "stuck"})
	s.WaitForPendingModifications(ctx)

	stats := s.Statistics()
	assert.Equal(t, 2, stats.TotalModifications)
	assert.Equal(t, 1, stats.CompletedModifications)
	assert.Equal(t, 1, stats.TimeoutModifications)
}

func TestMergeAndSyncIsIdempotent(t *testing.T) {
	s := New(time.Second, nil)
	agentView := orion.New("agent")
	require.NoError(t, agentView.AddTask(&orion.TaskStar{TaskID: "t1", Status: orion.TaskPending}))
	s.currentOrion = agentView

	execView := orion.New("exec")
	require.NoError(t, execView.AddTask(&orion.TaskStar{TaskID: "t1", Status: orion.TaskCompleted, Result: "r"}))

	first := s.MergeAndSyncOrionStates(execView)
	second := s.MergeAndSyncOrionStates(execView)
	assert.Equal(t, first.Tasks["t1"].Status, second.Tasks["t1"].Status)
	assert.Equal(t, first.Tasks["t1"].Result, second.Tasks["t1"].Result)
	assert.Equal(t, first.State, second.State)
}
