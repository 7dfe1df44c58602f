// Package session is the glue component: it owns one Agent (and,
// through it, one Orchestrator) for the lifetime of a single user
// request, wires the Modification Synchronizer onto the event bus, and
// exposes force-stop/reset/reporting to whatever drives it (a CLI
// command, a test, an API handler). Its lifecycle shape — a cancellable
// context handed to a background goroutine, signalled to stop, waited
// on — generalizes the teacher's main.go signal-handling and graceful
// shutdown from "one process" to "one request".
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/taskorion/orion/pkg/agent"
	"github.com/taskorion/orion/pkg/barrier"
	"github.com/taskorion/orion/pkg/eventbus"
	"github.com/taskorion/orion/pkg/orion"
)

// Report is the user-visible summary of the most recently finished (or
// stopped) request: final FSM state, round count, and the statistics
// (including critical-path length) of the last orchestration summary, or
// of the last Orion when no orchestration returned a summary.
type Report struct {
	FinalState         agent.State
	Rounds             int
	Statistics         orion.Statistics
	CriticalPathLength int
	Err                error
}

// Session drives exactly one user request at a time through its Agent.
type Session struct {
	ag   *agent.Agent
	sync *barrier.Synchronizer
	bus  *eventbus.Bus
	log  *slog.Logger

	mu      sync.Mutex
	syncSub eventbus.Subscription
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
	result  agent.Result
}

// New builds a Session. sync may be nil (no barrier: every loop
// iteration's merge becomes a no-op, per the Orchestrator's contract).
func New(ag *agent.Agent, sync *barrier.Synchronizer, bus *eventbus.Bus, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{ag: ag, sync: sync, bus: bus, log: log}
}

// Start begins one request: it subscribes the synchronizer to the bus
// (first call only) and runs the agent's FSM in the background. Start
// returns as soon as the request is launched, not when it finishes —
// use Wait or FinalReport to observe completion, and ForceStop to
// cancel it early.
func (sess *Session) Start(ctx context.Context, request string) error {
	sess.mu.Lock()
	if sess.running {
		sess.mu.Unlock()
		return ErrAlreadyRunning
	}
	if sess.sync != nil && sess.bus != nil && sess.syncSub == nil {
		sess.syncSub = sess.bus.Subscribe(sess.sync,
			eventbus.EventTaskCompleted, eventbus.EventTaskFailed,
			eventbus.EventOrionStarted, eventbus.EventOrionModified)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sess.cancel = cancel
	sess.running = true
	done := make(chan struct{})
	sess.done = done
	sess.mu.Unlock()

	go func() {
		defer close(done)
		result := sess.ag.Run(runCtx, request)

		sess.mu.Lock()
		sess.result = result
		sess.running = false
		sess.mu.Unlock()

		if result.Err != nil {
			sess.log.Warn("session: request ended", "final_state", result.FinalState, "rounds", result.Rounds, "error", result.Err)
		} else {
			sess.log.Info("session: request ended", "final_state", result.FinalState, "rounds", result.Rounds)
		}
	}()

	return nil
}

// ForceStop cancels the in-flight request, if any. Idempotent: calling
// it twice, or calling it with nothing running, is a no-op.
func (sess *Session) ForceStop() {
	sess.mu.Lock()
	cancel := sess.cancel
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current request reaches FINISH/FAIL, or ctx is
// done, whichever comes first. It returns immediately if no request has
// ever been started.
func (sess *Session) Wait(ctx context.Context) {
	sess.mu.Lock()
	done := sess.done
	sess.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Reset discards the last request's result so the Session is ready to
// Start a fresh one. It refuses while a request is still running.
func (sess *Session) Reset() error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.running {
		return ErrStillRunning
	}
	sess.result = agent.Result{}
	sess.cancel = nil
	sess.done = nil
	return nil
}

// FinalReport summarizes the most recently finished (or stopped)
// request. Safe to call at any time, including while a request is still
// running (it then reports the previous request's outcome, if any).
func (sess *Session) FinalReport() Report {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	r := sess.result
	report := Report{FinalState: r.FinalState, Rounds: r.Rounds, Err: r.Err}
	if r.LastSummary.Result != "" {
		report.Statistics = r.LastSummary.Statistics
	} else if r.LastOrion != nil {
		report.Statistics = r.LastOrion.Statistics()
	}
	report.CriticalPathLength = report.Statistics.CriticalPathLength
	return report
}

// Close unsubscribes the synchronizer from the event bus. Call once
// when the Session's owner is shutting down for good; a Session is not
// usable afterward.
func (sess *Session) Close() {
	sess.mu.Lock()
	sub := sess.syncSub
	sess.syncSub = nil
	sess.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}
