package orion

import (
	"fmt"
	"time"
)

// transition applies next if it doesn't move the task's status
// backwards per §3.5; otherwise it returns ErrBackwardTransition without
// mutating anything.
func (t *TaskStar) transition(next TaskStatus) error {
	if !t.Status.Advances(next) {
		return fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, t.Status, next)
	}
	t.Status = next
	return nil
}

// StartExecution moves the task to RUNNING and records its start time.
func (t *TaskStar) StartExecution() error {
	if err := t.transition(TaskRunning); err != nil {
		return err
	}
	now := time.Now()
	t.ExecutionStartTime = &now
	return nil
}

// CompleteWithSuccess moves the task to COMPLETED and records its result.
// Calling this on an already-terminal task is a no-op that reports
// ok=false rather than an error, so the second of two racing completions
// is harmless.
func (t *TaskStar) CompleteWithSuccess(result any) (ok bool) {
	if t.Status.IsTerminal() {
		return false
	}
	_ = t.transition(TaskCompleted)
	t.Result = result
	t.stampEnd()
	return true
}

// CompleteWithFailure moves the task to FAILED and records the error.
func (t *TaskStar) CompleteWithFailure(errMsg string) (ok bool) {
	if t.Status.IsTerminal() {
		return false
	}
	_ = t.transition(TaskFailed)
	t.Error = errMsg
	t.stampEnd()
	return true
}

// Cancel moves the task to CANCELLED. Cancellation never overwrites an
// already-terminal status.
func (t *TaskStar) Cancel() (ok bool) {
	if t.Status.IsTerminal() {
		return false
	}
	_ = t.transition(TaskCancelled)
	t.stampEnd()
	return true
}

func (t *TaskStar) stampEnd() {
	if t.ExecutionEndTime == nil {
		now := time.Now()
		t.ExecutionEndTime = &now
	}
}

// MarkTaskCompleted is the Orion-level entry point a worker or the
// synchronizer's merge calls after a task reaches a terminal state. It
// returns the task ids newly made ready by this transition (for the
// TASK_COMPLETED/TASK_FAILED event's newly_ready_tasks field) and false
// if the task was already terminal, in which case the call is a no-op.
func (o *Orion) MarkTaskCompleted(taskID string, success bool, result any, errMsg string) (newlyReady []string, applied bool) {
	task, ok := o.Tasks[taskID]
	if !ok || task.Status.IsTerminal() {
		return nil, false
	}

	beforeReady := readySet(o)
	if success {
		task.CompleteWithSuccess(result)
	} else {
		task.CompleteWithFailure(errMsg)
	}
	o.touch()
	afterReady := readySet(o)

	for id := range afterReady {
		if !beforeReady[id] {
			newlyReady = append(newlyReady, id)
		}
	}
	return newlyReady, true
}

func readySet(o *Orion) map[string]bool {
	set := make(map[string]bool)
	for _, t := range o.ReadyTasks() {
		set[t.TaskID] = true
	}
	return set
}
