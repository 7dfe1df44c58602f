package orion

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Orion is the DAG value for one planning round: tasks keyed by id and
// the dependency edges between them, plus overall state and timing.
type Orion struct {
	OrionID string
	Name    string
	State   OrionState

	Tasks        map[string]*TaskStar
	Dependencies map[string]*TaskStarLine

	CreatedAt          time.Time
	UpdatedAt          time.Time
	ExecutionStartTime *time.Time
	ExecutionEndTime   *time.Time
}

// New creates an empty Orion ready for tasks to be added.
func New(name string) *Orion {
	now := time.Now()
	return &Orion{
		OrionID:      uuid.NewString(),
		Name:         name,
		State:        OrionCreated,
		Tasks:        make(map[string]*TaskStar),
		Dependencies: make(map[string]*TaskStarLine),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (o *Orion) touch() { o.UpdatedAt = time.Now() }

// AddTask inserts a new task into the Orion. If t.TaskID is empty, one is
// generated. If t.Status is empty, it defaults to PENDING.
func (o *Orion) AddTask(t *TaskStar) error {
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}
	if _, exists := o.Tasks[t.TaskID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.TaskID)
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	o.Tasks[t.TaskID] = t
	o.touch()
	return nil
}

// RemoveTask removes a non-terminal task and every dependency edge that
// touches it. Per the ownership rules, structural edits (including
// removal) are only valid for tasks that have not reached a terminal
// status.
func (o *Orion) RemoveTask(taskID string) error {
	task, ok := o.Tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTaskTerminal, taskID)
	}
	delete(o.Tasks, taskID)
	for id, dep := range o.Dependencies {
		if dep.FromTaskID == taskID || dep.ToTaskID == taskID {
			delete(o.Dependencies, id)
		}
	}
	o.touch()
	return nil
}

// TaskByID returns the task with the given id, or nil.
func (o *Orion) TaskByID(taskID string) *TaskStar {
	return o.Tasks[taskID]
}

// incomingEdges returns every dependency edge whose ToTaskID is taskID.
func (o *Orion) incomingEdges(taskID string) []*TaskStarLine {
	var edges []*TaskStarLine
	for _, dep := range o.Dependencies {
		if dep.ToTaskID == taskID {
			edges = append(edges, dep)
		}
	}
	return edges
}

// IsSatisfied reports whether dep's predecessor has reached a terminal
// state consistent with dep's DependencyType.
func (o *Orion) IsSatisfied(dep *TaskStarLine) bool {
	pred, ok := o.Tasks[dep.FromTaskID]
	if !ok {
		return false
	}
	return dep.DependencyType.satisfiedBy(pred.Status)
}

// ReadyTasks returns every task whose status is PENDING and whose
// incoming edges are all satisfied. This is a pure point-in-time query;
// it does not claim or mark anything. The caller (the orchestrator) is
// responsible for de-duplicating against tasks it already has running.
func (o *Orion) ReadyTasks() []*TaskStar {
	var ready []*TaskStar
	for _, t := range o.Tasks {
		if t.Status != TaskPending {
			continue
		}
		satisfied := true
		for _, dep := range o.incomingEdges(t.TaskID) {
			if !o.IsSatisfied(dep) {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, t)
		}
	}
	return ready
}

func (o *Orion) tasksWithStatus(status TaskStatus) []*TaskStar {
	var out []*TaskStar
	for _, t := range o.Tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// RunningTasks returns every task currently RUNNING.
func (o *Orion) RunningTasks() []*TaskStar { return o.tasksWithStatus(TaskRunning) }

// CompletedTasks returns every task that reached COMPLETED.
func (o *Orion) CompletedTasks() []*TaskStar { return o.tasksWithStatus(TaskCompleted) }

// FailedTasks returns every task that reached FAILED.
func (o *Orion) FailedTasks() []*TaskStar { return o.tasksWithStatus(TaskFailed) }

// IsComplete reports whether every task has reached a terminal status.
func (o *Orion) IsComplete() bool {
	for _, t := range o.Tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// isBlocked reports whether taskID can never become ready: one of its
// incoming edges comes from a predecessor that has already reached a
// terminal status not satisfying that edge. Edges are immutable once
// added, so a terminal, unsatisfying predecessor blocks the successor
// permanently.
func (o *Orion) isBlocked(taskID string) bool {
	for _, dep := range o.incomingEdges(taskID) {
		pred, ok := o.Tasks[dep.FromTaskID]
		if !ok {
			continue
		}
		if pred.Status.IsTerminal() && !dep.DependencyType.satisfiedBy(pred.Status) {
			return true
		}
	}
	return false
}

// canStillProgress reports whether any non-terminal task could still
// reach COMPLETED: a RUNNING task obviously can, and a PENDING or
// WAITING_DEPENDENCY task can unless it is permanently blocked.
func (o *Orion) canStillProgress() bool {
	for _, t := range o.Tasks {
		switch t.Status {
		case TaskRunning:
			return true
		case TaskPending, TaskWaitingDependency:
			if !o.isBlocked(t.TaskID) {
				return true
			}
		}
	}
	return false
}

// UpdateState recomputes o.State per the §3 invariant 4 and returns it.
func (o *Orion) UpdateState() OrionState {
	if len(o.Tasks) == 0 {
		o.State = OrionCreated
		return o.State
	}

	allCompleted := true
	anyFailed := false
	anyRunningOrWaiting := false
	for _, t := range o.Tasks {
		switch t.Status {
		case TaskCompleted:
		case TaskFailed:
			anyFailed = true
			allCompleted = false
		case TaskCancelled:
			allCompleted = false
		case TaskRunning, TaskWaitingDependency:
			anyRunningOrWaiting = true
			allCompleted = false
		default: // PENDING
			allCompleted = false
		}
	}

	switch {
	case allCompleted:
		o.State = OrionCompleted
	case anyFailed && !o.canStillProgress():
		if o.hasAnyCompleted() {
			o.State = OrionPartiallyFailed
		} else {
			o.State = OrionFailed
		}
	case anyRunningOrWaiting:
		o.State = OrionExecuting
	case o.ExecutionStartTime != nil:
		o.State = OrionReady
	default:
		o.State = OrionCreated
	}
	return o.State
}

func (o *Orion) hasAnyCompleted() bool {
	for _, t := range o.Tasks {
		if t.Status == TaskCompleted {
			return true
		}
	}
	return false
}

// StartExecution records the Orion-level execution start time.
func (o *Orion) StartExecution() {
	if o.ExecutionStartTime == nil {
		now := time.Now()
		o.ExecutionStartTime = &now
	}
	o.touch()
}

// CompleteExecution records the Orion-level execution end time.
func (o *Orion) CompleteExecution() {
	if o.ExecutionEndTime == nil {
		now := time.Now()
		o.ExecutionEndTime = &now
	}
	o.touch()
}

// Clone performs a deep copy of the Orion, used by the modification
// synchronizer's merge path so neither side observes the other's
// in-progress mutation.
func (o *Orion) Clone() *Orion {
	clone := &Orion{
		OrionID:      o.OrionID,
		Name:         o.Name,
		State:        o.State,
		Tasks:        make(map[string]*TaskStar, len(o.Tasks)),
		Dependencies: make(map[string]*TaskStarLine, len(o.Dependencies)),
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
	if o.ExecutionStartTime != nil {
		t := *o.ExecutionStartTime
		clone.ExecutionStartTime = &t
	}
	if o.ExecutionEndTime != nil {
		t := *o.ExecutionEndTime
		clone.ExecutionEndTime = &t
	}
	for id, t := range o.Tasks {
		cp := *t
		if t.ExecutionStartTime != nil {
			st := *t.ExecutionStartTime
			cp.ExecutionStartTime = &st
		}
		if t.ExecutionEndTime != nil {
			et := *t.ExecutionEndTime
			cp.ExecutionEndTime = &et
		}
		cp.Tips = append([]string(nil), t.Tips...)
		cp.TaskData = copyMap(t.TaskData)
		cp.Metadata = copyMap(t.Metadata)
		clone.Tasks[id] = &cp
	}
	for id, dep := range o.Dependencies {
		cp := *dep
		clone.Dependencies[id] = &cp
	}
	return clone
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
