// Package orchestrator drives one Orion's DAG to completion: resolving
// device assignments, walking ready tasks through concurrent workers,
// and reconciling with the Modification Synchronizer every loop
// iteration. Its worker-pool shape generalizes the teacher's
// IntelligentScheduler (fine-grained locking, a running-tasks map, a
// FIRST_COMPLETED wait over workers) from a single ML-ranked node pick
// to a DAG-walking ready-task loop; Orchestrate's phase split
// (validateAndPrepare/startExecution/runExecutionLoop/finalizeExecution)
// follows the original TaskOrionOrchestrator.orchestrate_orion's own
// _validate_and_prepare_orion/_start_orion_execution/_run_execution_loop/
// _finalize_orion_execution decomposition.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskorion/orion/pkg/assignment"
	"github.com/taskorion/orion/pkg/device"
	"github.com/taskorion/orion/pkg/eventbus"
	"github.com/taskorion/orion/pkg/orion"
)

// DeviceManager is the subset of *device.Manager the orchestrator needs,
// narrowed to an interface so tests can substitute a double.
type DeviceManager interface {
	GetConnectedDevices() []string
	GetAllDevices(connectedOnly bool) map[string]device.Profile
	AssignTaskToDevice(ctx context.Context, taskID, deviceID string, payload map[string]any, timeout time.Duration) (device.AssignResult, error)
}

// Synchronizer is the subset of *barrier.Synchronizer the orchestrator
// needs. A nil Synchronizer makes WaitForPendingModifications and
// MergeAndSyncOrionStates no-ops, per spec "(no-op if synchronizer
// absent)".
type Synchronizer interface {
	WaitForPendingModifications(ctx context.Context) bool
	MergeAndSyncOrionStates(orchestratorOrion *orion.Orion) *orion.Orion
}

// Config holds the orchestrator's timing knobs.
type Config struct {
	MaxConcurrentTasks  int
	TaskTimeout         time.Duration
	CriticalTaskTimeout time.Duration
	IdlePollInterval    time.Duration
}

// Result is the terminal disposition of one orchestrate call.
type Result string

const (
	ResultCompleted       Result = "COMPLETED"
	ResultPartiallyFailed Result = "PARTIALLY_FAILED"
	ResultFailed          Result = "FAILED"
	ResultCancelled       Result = "CANCELLED"
)

// Summary is returned by Orchestrate on every exit path.
type Summary struct {
	OrionID          string
	Result           Result
	Statistics       orion.Statistics
	CompletedTaskIDs []string
	FailedTaskIDs    []string
	CancelledTaskIDs []string
}

// Options configures one orchestrate call.
type Options struct {
	// DeviceAssignments are explicit task_id -> device_id preferences;
	// they always override Strategy for the tasks they name.
	DeviceAssignments map[string]string
	// Strategy picks devices for any ready task DeviceAssignments
	// doesn't cover. If nil and a task lacks both a preference and an
	// existing TargetDeviceID, Orchestrate fails with ErrUnassignedTask.
	Strategy assignment.Strategy
	Metadata map[string]any
}

// Orchestrator drives exactly one Orion at a time.
type Orchestrator struct {
	deviceManager DeviceManager
	bus           *eventbus.Bus
	sync          Synchronizer
	cfg           Config
	log           *slog.Logger

	mu           sync.Mutex
	activeOrion  string
	activeCancel context.CancelFunc
}

// New builds an Orchestrator. sync may be nil.
func New(deviceManager DeviceManager, bus *eventbus.Bus, sync Synchronizer, cfg Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 16
	}
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = 100 * time.Millisecond
	}
	return &Orchestrator{deviceManager: deviceManager, bus: bus, sync: sync, cfg: cfg, log: log}
}

func (orch *Orchestrator) publish(eventType eventbus.EventType, orionID, taskID string, data map[string]any) {
	if orch.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	ev := eventbus.NewEvent(eventType, orionID, data)
	ev.OrionID = orionID
	ev.TaskID = taskID
	orch.bus.Publish(ev)
}

// GetAvailableDevices returns the ids of every connected device.
func (orch *Orchestrator) GetAvailableDevices() []string {
	return orch.deviceManager.GetConnectedDevices()
}

// Snapshot is a richer, introspection-oriented view of one Orion's
// current progress than Statistics alone, grounded on the original
// OrionManager.get_orion_status: per-status task id lists alongside the
// aggregate counts, so a caller (a status command, a dashboard poll)
// doesn't have to re-walk the Orion itself.
type Snapshot struct {
	OrionID          string
	Name             string
	State            orion.OrionState
	Statistics       orion.Statistics
	ReadyTaskIDs     []string
	RunningTaskIDs   []string
	CompletedTaskIDs []string
	FailedTaskIDs    []string
}

// OrionStatus returns a Snapshot of o's current progress.
func (orch *Orchestrator) OrionStatus(o *orion.Orion) Snapshot {
	snap := Snapshot{OrionID: o.OrionID, Name: o.Name, State: o.State, Statistics: o.Statistics()}
	for _, t := range o.ReadyTasks() {
		snap.ReadyTaskIDs = append(snap.ReadyTaskIDs, t.TaskID)
	}
	for _, t := range o.RunningTasks() {
		snap.RunningTaskIDs = append(snap.RunningTaskIDs, t.TaskID)
	}
	for _, t := range o.CompletedTasks() {
		snap.CompletedTaskIDs = append(snap.CompletedTaskIDs, t.TaskID)
	}
	for _, t := range o.FailedTasks() {
		snap.FailedTaskIDs = append(snap.FailedTaskIDs, t.TaskID)
	}
	return snap
}

// CancelExecution requests cancellation of the orion currently being
// orchestrated. It is idempotent: calling it twice, or calling it when
// no orchestration is active (or a different orionID is active), both
// return false.
func (orch *Orchestrator) CancelExecution(orionID string) bool {
	orch.mu.Lock()
	defer orch.mu.Unlock()
	if orch.activeOrion != orionID || orch.activeCancel == nil {
		return false
	}
	orch.activeCancel()
	orch.activeCancel = nil
	return true
}

func (orch *Orchestrator) resolveAssignments(o *orion.Orion, opts Options) error {
	ready := make([]*orion.TaskStar, 0, len(o.Tasks))
	for _, t := range o.Tasks {
		if t.TargetDeviceID == "" {
			ready = append(ready, t)
		}
	}
	if len(ready) == 0 {
		return orch.verifyLiveAssignments(o)
	}

	devices := orch.deviceManager.GetAllDevices(true)
	if len(opts.DeviceAssignments) == 0 && opts.Strategy == nil {
		return fmt.Errorf("%w: %d task(s) lack a target device", ErrUnassignedTask, len(ready))
	}
	var assigned map[string]string
	if opts.Strategy == nil {
		// Preferences only: a task they don't name stays unassigned.
		assigned = make(map[string]string, len(ready))
		for _, t := range ready {
			if deviceID, ok := opts.DeviceAssignments[t.TaskID]; ok {
				assigned[t.TaskID] = deviceID
			}
		}
	} else {
		var err error
		if assigned, err = assignment.Resolve(opts.Strategy, ready, devices, opts.DeviceAssignments); err != nil {
			return err
		}
	}
	for _, t := range ready {
		deviceID, ok := assigned[t.TaskID]
		if !ok {
			return fmt.Errorf("%w: task %s", ErrUnassignedTask, t.TaskID)
		}
		t.TargetDeviceID = deviceID
	}
	return orch.verifyLiveAssignments(o)
}

func (orch *Orchestrator) verifyLiveAssignments(o *orion.Orion) error {
	connected := make(map[string]bool)
	for _, id := range orch.deviceManager.GetConnectedDevices() {
		connected[id] = true
	}
	for _, t := range o.Tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if t.TargetDeviceID == "" || !connected[t.TargetDeviceID] {
			return fmt.Errorf("%w: task %s has no live device assignment", ErrUnassignedTask, t.TaskID)
		}
	}
	return nil
}

type workerOutcome struct {
	taskID string
	task   *orion.TaskStar
}

// Orchestrate validates o's DAG, resolves device assignments, then
// drives the ready-task execution loop to completion or cancellation.
// It is split into named phases (validateAndPrepare, startExecution,
// runExecutionLoop, finalizeExecution, plus a deferred cleanupActive)
// mirroring the original orchestrator's own
// validate/start/run-loop/finalize/cleanup decomposition; the original's
// separate exception-handling phase has no counterpart here since Go's
// error returns replace its try/except-driven control flow.
func (orch *Orchestrator) Orchestrate(ctx context.Context, o *orion.Orion, opts Options) (Summary, error) {
	if err := orch.validateAndPrepare(o, opts); err != nil {
		return Summary{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	orch.mu.Lock()
	orch.activeOrion = o.OrionID
	orch.activeCancel = cancel
	orch.mu.Unlock()
	defer orch.cleanupActive(o.OrionID, cancel)

	orch.startExecution(o)
	final, cancelled := orch.runExecutionLoop(runCtx, o)
	return orch.finalizeExecution(final, cancelled), nil
}

// validateAndPrepare checks o's DAG for structural errors and resolves
// every task's device assignment before any execution begins.
func (orch *Orchestrator) validateAndPrepare(o *orion.Orion, opts Options) error {
	if err := o.ValidateDAG(); err != nil {
		return err
	}
	return orch.resolveAssignments(o, opts)
}

// cleanupActive releases the active-orion slot and cancels runCtx. It
// runs deferred, the same way the original orchestrator's finally block
// always calls _cleanup_orion regardless of how the run loop exited.
func (orch *Orchestrator) cleanupActive(orionID string, cancel context.CancelFunc) {
	orch.mu.Lock()
	if orch.activeOrion == orionID {
		orch.activeOrion = ""
		orch.activeCancel = nil
	}
	orch.mu.Unlock()
	cancel()
}

// startExecution marks o's execution start time and publishes
// ORION_STARTED.
func (orch *Orchestrator) startExecution(o *orion.Orion) {
	o.StartExecution()
	orch.publish(eventbus.EventOrionStarted, o.OrionID, "", map[string]any{"orion": o})
}

// runExecutionLoop drives ready tasks through worker goroutines until o
// is complete, permanently stuck, or runCtx is done, returning the Orion
// it ended on (the Synchronizer's merged view once a merge has replaced
// o) and whether the loop exited due to cancellation. The barrier wait + merge runs at
// the top of every iteration, before the completeness check, so a
// structural edit the agent makes in response to the completion just
// reaped (e.g. appending a follow-on task) is folded in before the
// orchestrator decides whether to stop.
func (orch *Orchestrator) runExecutionLoop(runCtx context.Context, o *orion.Orion) (*orion.Orion, bool) {
	scheduled := make(map[string]context.CancelFunc)
	results := make(chan workerOutcome, orch.cfg.MaxConcurrentTasks)
	var wg sync.WaitGroup
	cancelled := false

	for {
		select {
		case <-runCtx.Done():
			cancelled = true
		default:
		}
		if cancelled {
			break
		}

		if orch.sync != nil {
			orch.sync.WaitForPendingModifications(runCtx)
			o = orch.sync.MergeAndSyncOrionStates(o)
		}
		if o.IsComplete() {
			break
		}

		ready := o.ReadyTasks()
		for _, t := range ready {
			if _, already := scheduled[t.TaskID]; already {
				continue
			}
			if len(scheduled) >= orch.cfg.MaxConcurrentTasks {
				break
			}
			taskCtx, taskCancel := context.WithCancel(runCtx)
			scheduled[t.TaskID] = taskCancel
			wg.Add(1)
			go func(task *orion.TaskStar, orionSnapshot *orion.Orion) {
				defer wg.Done()
				orch.runWorker(taskCtx, orionSnapshot, task)
				results <- workerOutcome{taskID: task.TaskID, task: task}
			}(t, o)
		}

		if len(scheduled) == 0 {
			// Nothing ready and nothing running: either the Synchronizer
			// will eventually surface a structural edit, or the Orion is
			// permanently stuck (a failed predecessor blocks every
			// remaining task). Distinguish the two via UpdateState.
			if state := o.UpdateState(); state == orion.OrionPartiallyFailed || state == orion.OrionFailed {
				break
			}
			select {
			case <-runCtx.Done():
				cancelled = true
			case <-time.After(orch.cfg.IdlePollInterval):
			}
			continue
		}

		select {
		case outcome := <-results:
			if cancelFn, ok := scheduled[outcome.taskID]; ok {
				cancelFn()
				delete(scheduled, outcome.taskID)
			}
			// The worker recorded its result on the Orion it started with;
			// carry it over if a merge has since replaced that view.
			if cur := o.TaskByID(outcome.taskID); cur != nil && cur != outcome.task &&
				(outcome.task.Status == orion.TaskCompleted || outcome.task.Status == orion.TaskFailed) {
				o.MarkTaskCompleted(cur.TaskID, outcome.task.Status == orion.TaskCompleted, outcome.task.Result, outcome.task.Error)
			}
		case <-runCtx.Done():
			cancelled = true
		}
	}

	for _, cancelFn := range scheduled {
		cancelFn()
	}
	wg.Wait()
	return o, cancelled
}

// finalizeExecution settles o's terminal state and builds its Summary.
// It publishes ORION_COMPLETED for a COMPLETED result and ORION_FAILED
// for a FAILED one; a PARTIALLY_FAILED or cancelled run publishes
// neither.
func (orch *Orchestrator) finalizeExecution(o *orion.Orion, cancelled bool) Summary {
	if cancelled {
		for _, t := range o.Tasks {
			if !t.Status.IsTerminal() {
				t.Cancel()
			}
		}
		o.UpdateState()
		summary := buildSummary(o, ResultCancelled)
		orch.log.Info("orchestration cancelled", "orion_id", o.OrionID)
		return summary
	}

	o.CompleteExecution()
	state := o.UpdateState()

	var result Result
	switch state {
	case orion.OrionCompleted:
		result = ResultCompleted
	case orion.OrionPartiallyFailed:
		result = ResultPartiallyFailed
	default:
		result = ResultFailed
	}

	summary := buildSummary(o, result)
	if result == ResultCompleted {
		orch.publish(eventbus.EventOrionCompleted, o.OrionID, "", map[string]any{"statistics": summary.Statistics})
	} else if result == ResultFailed {
		orch.publish(eventbus.EventOrionFailed, o.OrionID, "", map[string]any{"statistics": summary.Statistics})
	}
	return summary
}

func buildSummary(o *orion.Orion, result Result) Summary {
	summary := Summary{OrionID: o.OrionID, Result: result, Statistics: o.Statistics()}
	for _, t := range o.CompletedTasks() {
		summary.CompletedTaskIDs = append(summary.CompletedTaskIDs, t.TaskID)
	}
	for _, t := range o.FailedTasks() {
		summary.FailedTaskIDs = append(summary.FailedTaskIDs, t.TaskID)
	}
	for _, t := range o.Tasks {
		if t.Status == orion.TaskCancelled {
			summary.CancelledTaskIDs = append(summary.CancelledTaskIDs, t.TaskID)
		}
	}
	return summary
}

// runWorker executes exactly one ready task: dispatch to its device,
// apply the result to o, and publish TASK_STARTED/TASK_COMPLETED or
// TASK_FAILED. If ctx is cancelled externally, the task is marked
// CANCELLED instead and no failure event is published, per the
// cooperative-cancellation contract.
func (orch *Orchestrator) runWorker(ctx context.Context, o *orion.Orion, task *orion.TaskStar) {
	orch.publish(eventbus.EventTaskStarted, o.OrionID, task.TaskID, map[string]any{"status": string(orion.TaskRunning)})
	_ = task.StartExecution()

	timeout := task.Timeout
	if timeout <= 0 {
		if task.Priority == orion.PriorityCritical {
			timeout = orch.cfg.CriticalTaskTimeout
		} else {
			timeout = orch.cfg.TaskTimeout
		}
	}

	assignResult, err := orch.deviceManager.AssignTaskToDevice(ctx, task.TaskID, task.TargetDeviceID, task.TaskData, timeout)

	if ctx.Err() != nil {
		task.Cancel()
		return
	}

	success := err == nil && assignResult.Status == "COMPLETED"
	var errMsg string
	if !success {
		if err != nil {
			errMsg = err.Error()
		} else {
			errMsg = assignResult.Error
		}
	}

	newlyReady, applied := o.MarkTaskCompleted(task.TaskID, success, assignResult.Result, errMsg)
	if !applied {
		return
	}

	if success {
		orch.publish(eventbus.EventTaskCompleted, o.OrionID, task.TaskID, map[string]any{
			"orion_id":          o.OrionID,
			"newly_ready_tasks": newlyReady,
		})
	} else {
		orch.publish(eventbus.EventTaskFailed, o.OrionID, task.TaskID, map[string]any{
			"orion_id":          o.OrionID,
			"newly_ready_tasks": newlyReady,
			"error":             errMsg,
		})
	}
}

// ExecuteSingleTask runs one task outside of any DAG, through the same
// device-dispatch path runWorker uses, and returns its AssignResult
// directly rather than mutating an Orion.
func (orch *Orchestrator) ExecuteSingleTask(ctx context.Context, task *orion.TaskStar, targetDeviceID string) (device.AssignResult, error) {
	if targetDeviceID != "" {
		task.TargetDeviceID = targetDeviceID
	}
	if task.TargetDeviceID == "" {
		return device.AssignResult{}, fmt.Errorf("%w: task %s", ErrUnassignedTask, task.TaskID)
	}
	_ = task.StartExecution()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = orch.cfg.TaskTimeout
	}
	result, err := orch.deviceManager.AssignTaskToDevice(ctx, task.TaskID, task.TargetDeviceID, task.TaskData, timeout)
	if err != nil {
		task.CompleteWithFailure(err.Error())
		return result, err
	}
	if result.Status == "COMPLETED" {
		task.CompleteWithSuccess(result.Result)
	} else {
		task.CompleteWithFailure(result.Error)
	}
	return result, nil
}
