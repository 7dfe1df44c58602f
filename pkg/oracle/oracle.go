// Package oracle defines the Planning Oracle interface the agent's
// state machine consults for graph construction and editing — an LLM
// abstraction kept deliberately opaque to the rest of the system, the
// way the teacher's consensus engine is consumed behind an interface
// with a mock implementation for tests.
package oracle

import (
	"context"
	"errors"

	"github.com/taskorion/orion/pkg/device"
	"github.com/taskorion/orion/pkg/orion"
)

// ErrOracle wraps any failure the oracle reports: a failed CreateOrion,
// an unparsable EditScript, or IsDone unable to reach a verdict.
var ErrOracle = errors.New("oracle: planning oracle error")

// IsDoneVerdict is the agent's signal for whether the user's original
// intent has been satisfied.
type IsDoneVerdict string

const (
	VerdictDone     IsDoneVerdict = "DONE"
	VerdictContinue IsDoneVerdict = "CONTINUE"
	VerdictFail     IsDoneVerdict = "FAIL"
)

// EditOp is one structural change to an Orion: add a task, add a
// dependency, or remove a task.
type EditOp struct {
	Kind         string // "add_task", "add_dependency", "remove_task"
	Task         *orion.TaskStar
	Dependency   *orion.TaskStarLine
	RemoveTaskID string
}

// EditScript is the set of structural edits the agent applies to the
// current Orion in response to a task-completion event.
type EditScript struct {
	Ops []EditOp
}

// TaskEvent carries the information process_editing needs about the
// task completion that triggered an oracle consultation.
type TaskEvent struct {
	TaskID  string
	Success bool
	Result  any
	Error   string
}

// PlanningOracle is consulted with suspension permitted (it may call
// out to a real LLM) and must be idempotent from the agent's
// perspective: the agent never retries a call.
type PlanningOracle interface {
	// CreateOrion builds an initial Orion from a free-text request and a
	// snapshot of the current device fleet.
	CreateOrion(ctx context.Context, request string, deviceInfo map[string]device.Profile) (*orion.Orion, error)
	// EditOrion proposes structural edits in response to a task
	// completion event.
	EditOrion(ctx context.Context, current *orion.Orion, event TaskEvent, deviceInfo map[string]device.Profile) (EditScript, error)
	// IsDone judges whether request's intent has been satisfied by
	// current's final state.
	IsDone(ctx context.Context, current *orion.Orion, request string) (IsDoneVerdict, error)
}
