// Package agent implements the Planning Agent: a finite state machine
// {START, MONITOR, FINISH, FAIL} that consults a planning oracle to
// build and amend an Orion, and drives the Orchestrator through to
// completion across as many planning rounds as the oracle calls for.
// Its Run loop generalizes the teacher's ctrlscan-agent Orchestrator —
// same trigger-channel-plus-select shape, here reacting to task
// completion events instead of a poll ticker.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskorion/orion/pkg/device"
	"github.com/taskorion/orion/pkg/eventbus"
	"github.com/taskorion/orion/pkg/oracle"
	"github.com/taskorion/orion/pkg/orchestrator"
	"github.com/taskorion/orion/pkg/orion"
)

// State is one node of the agent's finite state machine.
type State string

const (
	StateStart   State = "START"
	StateMonitor State = "MONITOR"
	StateFinish  State = "FINISH"
	StateFail    State = "FAIL"
)

// DefaultMaxSteps is the MAX_STEP cap applied when Config.MaxSteps is
// left at zero.
const DefaultMaxSteps = 500

// maxConsecutiveOracleErrors bounds how many back-to-back EditOrion
// failures MONITOR tolerates within one round before escalating to
// FAIL, per "repeated oracle errors within one round escalate to FAIL".
const maxConsecutiveOracleErrors = 3

// Orchestrator is the subset of *orchestrator.Orchestrator the agent
// drives. Narrowed to an interface so tests can substitute a double.
type Orchestrator interface {
	Orchestrate(ctx context.Context, o *orion.Orion, opts orchestrator.Options) (orchestrator.Summary, error)
	CancelExecution(orionID string) bool
}

// DeviceSnapshotter is the subset of *device.Manager the agent needs to
// hand the oracle a fleet snapshot.
type DeviceSnapshotter interface {
	GetAllDevices(connectedOnly bool) map[string]device.Profile
}

// Config controls per-task default timeouts and the session's
// termination guarantees.
type Config struct {
	MaxSteps            int
	DefaultTaskTimeout  time.Duration
	CriticalTaskTimeout time.Duration
	OrchestratorOptions orchestrator.Options
}

// Result is Run's final report.
type Result struct {
	FinalState  State
	Rounds      int
	LastOrion   *orion.Orion
	LastSummary orchestrator.Summary
	Err         error
}

// Agent drives one planning session end to end.
type Agent struct {
	oracle  oracle.PlanningOracle
	orch    Orchestrator
	devices DeviceSnapshotter
	bus     *eventbus.Bus
	cfg     Config
	log     *slog.Logger
}

// New builds an Agent. bus may be nil only if orch never publishes
// events the agent needs to observe (tests only); in production it is
// always the same bus the Orchestrator publishes to.
func New(planningOracle oracle.PlanningOracle, orch Orchestrator, devices DeviceSnapshotter, bus *eventbus.Bus, cfg Config, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	return &Agent{oracle: planningOracle, orch: orch, devices: devices, bus: bus, cfg: cfg, log: log}
}

// session holds per-Run mutable state threaded through the FSM
// handlers. A fresh session is not kept across Run calls.
type session struct {
	request      string
	current      *orion.Orion
	rounds       int
	steps        int
	oracleErrors int
	orchDone     chan orchestrateOutcome
	lastSummary  orchestrator.Summary
	failErr      error
	observer     *OrionProgressObserver
}

type orchestrateOutcome struct {
	summary orchestrator.Summary
	err     error
}

// Run drives the FSM from START until it reaches FINISH or FAIL, or ctx
// is cancelled. request is the free-text user intent handed to the
// oracle for the first round.
func (a *Agent) Run(ctx context.Context, request string) Result {
	s := &session{request: request}
	if a.bus != nil {
		s.observer = NewOrionProgressObserver(32)
		sub := a.bus.Subscribe(s.observer, SubscribedTypes()...)
		defer sub.Unsubscribe()
	}
	state := StateStart

	for {
		switch state {
		case StateStart:
			state = a.handleStart(ctx, s)
		case StateMonitor:
			state = a.handleMonitor(ctx, s)
		case StateFinish, StateFail:
			return Result{FinalState: state, Rounds: s.rounds, LastOrion: s.current, LastSummary: s.lastSummary, Err: s.failErr}
		}
	}
}

// handleStart builds a fresh Orion for this round from the oracle and
// spawns orchestration as a background task, per the "called once per
// round" contract.
func (a *Agent) handleStart(ctx context.Context, s *session) State {
	s.rounds++
	snapshot := a.devices.GetAllDevices(true)

	newOrion, err := a.oracle.CreateOrion(ctx, s.request, snapshot)
	if err != nil {
		s.failErr = fmt.Errorf("%w: %v", ErrOracleFailure, err)
		a.log.Error("agent: oracle failed to create orion", "error", err)
		return StateFail
	}

	a.applyDefaultTimeouts(newOrion)
	s.current = newOrion
	s.oracleErrors = 0

	if s.observer != nil {
		s.observer.Watch(newOrion.OrionID)
	}

	done := make(chan orchestrateOutcome, 1)
	s.orchDone = done
	go func(o *orion.Orion) {
		summary, err := a.orch.Orchestrate(ctx, o, a.cfg.OrchestratorOptions)
		done <- orchestrateOutcome{summary: summary, err: err}
	}(newOrion)

	return StateMonitor
}

func (a *Agent) applyDefaultTimeouts(o *orion.Orion) {
	for _, t := range o.Tasks {
		if t.Timeout > 0 {
			continue
		}
		if t.Priority == orion.PriorityCritical {
			t.Timeout = a.cfg.CriticalTaskTimeout
		} else {
			t.Timeout = a.cfg.DefaultTaskTimeout
		}
	}
}

// handleMonitor runs exactly one MONITOR iteration: await one event (or
// the orchestrator finishing on its own), react, and return the next
// state. Staying in MONITOR is signalled by returning StateMonitor.
func (a *Agent) handleMonitor(ctx context.Context, s *session) State {
	s.steps++
	if s.steps > a.cfg.MaxSteps {
		s.failErr = ErrMaxStepsExceeded
		a.log.Warn("agent: max monitor steps exceeded", "steps", s.steps)
		return StateFail
	}

	var queue <-chan eventbus.Event
	if s.observer != nil {
		queue = s.observer.Queue()
	}

	select {
	case <-ctx.Done():
		a.cancelOrchestration(s)
		s.failErr = ctx.Err()
		return StateFail

	case out := <-s.orchDone:
		// The orchestrator reached a terminal state without the agent
		// ever observing ORION_COMPLETED on the bus (e.g. no bus wired,
		// or the event raced the channel close). Treat it the same as
		// having observed the event.
		s.lastSummary = out.summary
		return a.handleOrionFinished(ctx, s, out)

	case event, ok := <-queue:
		if !ok {
			return StateMonitor
		}
		return a.handleEvent(ctx, s, event)
	}
}

func (a *Agent) handleEvent(ctx context.Context, s *session, event eventbus.Event) State {
	if s.current == nil || event.OrionID != s.current.OrionID {
		// A stale event from a prior round, delivered after Watch moved
		// on to this round's orion id but before the observer's inbox
		// had drained it.
		return StateMonitor
	}
	switch event.Type {
	case eventbus.EventTaskCompleted, eventbus.EventTaskFailed:
		a.processEditing(ctx, s, event)
		if s.failErr != nil {
			return StateFail
		}
		return StateMonitor

	case eventbus.EventOrionFailed:
		// Wait for Orchestrate's own return so LastSummary is populated.
		out := <-s.orchDone
		s.lastSummary = out.summary
		s.failErr = out.err
		return StateFail

	case eventbus.EventOrionCompleted:
		out := <-s.orchDone
		s.lastSummary = out.summary
		return a.handleOrionFinished(ctx, s, out)

	default:
		return StateMonitor
	}
}

func (a *Agent) handleOrionFinished(ctx context.Context, s *session, out orchestrateOutcome) State {
	if out.err != nil {
		s.failErr = out.err
		return StateFail
	}
	if out.summary.Result != orchestrator.ResultCompleted {
		// PARTIALLY_FAILED, FAILED or CANCELLED: the oracle still gets a
		// chance to judge intent against whatever completed successfully,
		// but a CANCELLED round always means an external stop request —
		// honor it as FAIL rather than starting a new round.
		if out.summary.Result == orchestrator.ResultCancelled {
			s.failErr = nil
			return StateFail
		}
	}

	verdict, err := a.oracle.IsDone(ctx, s.current, s.request)
	if err != nil {
		s.failErr = fmt.Errorf("%w: %v", ErrOracleFailure, err)
		return StateFail
	}

	switch verdict {
	case oracle.VerdictDone:
		return StateFinish
	case oracle.VerdictFail:
		s.failErr = fmt.Errorf("%w: oracle returned FAIL verdict", ErrOracleFailure)
		return StateFail
	default: // VerdictContinue
		s.request = augmentRequest(s.request, out.summary)
		return StateStart
	}
}

func augmentRequest(request string, summary orchestrator.Summary) string {
	return fmt.Sprintf("%s\n\n(continuing: round completed with %d task(s) done, %d failed)",
		request, summary.Statistics.Completed, summary.Statistics.Failed)
}

// processEditing consults the oracle with the triggering task's outcome
// and applies any resulting structural edits, publishing ORION_MODIFIED
// to release the synchronizer's barrier for this task.
func (a *Agent) processEditing(ctx context.Context, s *session, event eventbus.Event) {
	task := s.current.TaskByID(event.TaskID)
	if task == nil {
		return
	}

	te := oracle.TaskEvent{
		TaskID:  event.TaskID,
		Success: event.Type == eventbus.EventTaskCompleted,
		Result:  task.Result,
		Error:   task.Error,
	}

	snapshot := a.devices.GetAllDevices(true)
	edits, err := a.oracle.EditOrion(ctx, s.current, te, snapshot)
	if err != nil {
		s.oracleErrors++
		a.log.Warn("agent: oracle edit failed, skipping this round's edit", "task_id", event.TaskID, "error", err)
		if s.oracleErrors >= maxConsecutiveOracleErrors {
			s.failErr = fmt.Errorf("%w: %d consecutive edit failures", ErrOracleFailure, s.oracleErrors)
		}
		return
	}
	s.oracleErrors = 0

	oldOrion := s.current.Clone()
	if len(edits.Ops) > 0 {
		a.applyEdits(s.current, edits)
		a.applyDefaultTimeouts(s.current)
	}

	if a.bus != nil {
		a.bus.Publish(eventbus.NewEvent(eventbus.EventOrionModified, s.current.OrionID, map[string]any{
			"old_orion":  oldOrion,
			"new_orion":  s.current,
			"on_task_id": []string{event.TaskID},
		}))
	}
}

func (a *Agent) applyEdits(o *orion.Orion, edits oracle.EditScript) {
	for _, op := range edits.Ops {
		var err error
		switch op.Kind {
		case "add_task":
			if op.Task != nil {
				err = o.AddTask(op.Task)
			}
		case "add_dependency":
			if op.Dependency != nil {
				err = o.AddDependency(op.Dependency)
			}
		case "remove_task":
			err = o.RemoveTask(op.RemoveTaskID)
		default:
			a.log.Warn("agent: unknown edit op kind", "kind", op.Kind)
			continue
		}
		if err != nil {
			a.log.Warn("agent: edit op rejected", "kind", op.Kind, "error", err)
		}
	}
}

// cancelOrchestration stops the background orchestration task. It is
// safe to call when none is active or it already finished.
func (a *Agent) cancelOrchestration(s *session) {
	if s.current == nil {
		return
	}
	a.orch.CancelExecution(s.current.OrionID)
}
