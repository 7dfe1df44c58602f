package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorion/orion/pkg/agent"
	"github.com/taskorion/orion/pkg/barrier"
	"github.com/taskorion/orion/pkg/device"
	"github.com/taskorion/orion/pkg/eventbus"
	"github.com/taskorion/orion/pkg/oracle"
	"github.com/taskorion/orion/pkg/orchestrator"
	"github.com/taskorion/orion/pkg/orion"
)

type stubDevices struct{}

func (stubDevices) GetAllDevices(connectedOnly bool) map[string]device.Profile { return nil }

type stubOrchestrator struct {
	summary orchestrator.Summary
	block   chan struct{}
}

func (s *stubOrchestrator) Orchestrate(ctx context.Context, o *orion.Orion, opts orchestrator.Options) (orchestrator.Summary, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return orchestrator.Summary{Result: orchestrator.ResultCancelled}, nil
		}
	}
	return s.summary, nil
}

func (s *stubOrchestrator) CancelExecution(orionID string) bool { return true }

func newTestOrion(name string) *orion.Orion {
	o := orion.New(name)
	_ = o.AddTask(&orion.TaskStar{TaskID: "t1"})
	return o
}

func TestSessionStartRunsToFinishAndReports(t *testing.T) {
	o := newTestOrion("r1")
	oc := oracle.NewStaticOracle(oracle.Script{Orion: o, Verdict: oracle.VerdictDone})
	orch := &stubOrchestrator{summary: orchestrator.Summary{
		Result:     orchestrator.ResultCompleted,
		Statistics: orion.Statistics{Completed: 1},
	}}
	ag := agent.New(oc, orch, stubDevices{}, nil, agent.Config{}, nil)
	sess := New(ag, nil, nil, nil)

	require.NoError(t, sess.Start(context.Background(), "do the thing"))
	sess.Wait(context.Background())

	report := sess.FinalReport()
	assert.Equal(t, agent.StateFinish, report.FinalState)
	assert.Equal(t, 1, report.Statistics.Completed)
	assert.NoError(t, report.Err)
}

func TestSessionStartRejectsConcurrentStart(t *testing.T) {
	o := newTestOrion("r1")
	oc := oracle.NewStaticOracle(oracle.Script{Orion: o, Verdict: oracle.VerdictDone})
	orch := &stubOrchestrator{block: make(chan struct{})}
	ag := agent.New(oc, orch, stubDevices{}, nil, agent.Config{}, nil)
	sess := New(ag, nil, nil, nil)

	require.NoError(t, sess.Start(context.Background(), "first"))
	err := sess.Start(context.Background(), "second")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(orch.block)
	sess.Wait(context.Background())
}

func TestSessionForceStopCancelsRunningRequest(t *testing.T) {
	o := newTestOrion("r1")
	oc := oracle.NewStaticOracle(oracle.Script{Orion: o, Verdict: oracle.VerdictDone})
	orch := &stubOrchestrator{block: make(chan struct{})}
	ag := agent.New(oc, orch, stubDevices{}, nil, agent.Config{}, nil)
	sess := New(ag, nil, nil, nil)

	require.NoError(t, sess.Start(context.Background(), "do the thing"))
	sess.ForceStop()
	sess.Wait(context.Background())

	report := sess.FinalReport()
	assert.Equal(t, agent.StateFail, report.FinalState)
}

func TestSessionResetRefusesWhileRunning(t *testing.T) {
	o := newTestOrion("r1")
	oc := oracle.NewStaticOracle(oracle.Script{Orion: o, Verdict: oracle.VerdictDone})
	orch := &stubOrchestrator{block: make(chan struct{})}
	ag := agent.New(oc, orch, stubDevices{}, nil, agent.Config{}, nil)
	sess := New(ag, nil, nil, nil)

	require.NoError(t, sess.Start(context.Background(), "do the thing"))
	assert.ErrorIs(t, sess.Reset(), ErrStillRunning)

	close(orch.block)
	sess.Wait(context.Background())
	assert.NoError(t, sess.Reset())
}

func TestSessionSubscribesSynchronizerOnceOnFirstStart(t *testing.T) {
	bus := eventbus.New(8)
	defer bus.Close()
	sync := barrier.New(time.Second, nil)

	o := newTestOrion("r1")
	oc := oracle.NewStaticOracle(oracle.Script{Orion: o, Verdict: oracle.VerdictDone})
	orch := &stubOrchestrator{summary: orchestrator.Summary{Result: orchestrator.ResultCompleted}}
	ag := agent.New(oc, orch, stubDevices{}, bus, agent.Config{}, nil)
	sess := New(ag, sync, bus, nil)

	require.NoError(t, sess.Start(context.Background(), "do the thing"))
	sess.Wait(context.Background())
	first := sess.syncSub
	require.NotNil(t, first)

	require.NoError(t, sess.Reset())
	require.NoError(t, sess.Start(context.Background(), "do the thing again"))
	sess.Wait(context.Background())
	assert.Same(t, first, sess.syncSub)

	sess.Close()
}
