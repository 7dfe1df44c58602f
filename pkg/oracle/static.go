package oracle

import (
	"context"

	"github.com/taskorion/orion/pkg/device"
	"github.com/taskorion/orion/pkg/orion"
)

// Script is one scripted planning round for StaticOracle: the Orion to
// hand back on CreateOrion, any edits to apply keyed by the
// trigger task id, and the final verdict.
type Script struct {
	Orion   *orion.Orion
	Edits   map[string]EditScript
	Verdict IsDoneVerdict
}

// StaticOracle is a deterministic PlanningOracle driven by a fixed
// Script, the way the teacher's MockConsensusEngine stands in for a
// real consensus backend in tests and demos.
type StaticOracle struct {
	script Script
}

// NewStaticOracle builds a StaticOracle that always returns script.
func NewStaticOracle(script Script) *StaticOracle {
	if script.Edits == nil {
		script.Edits = map[string]EditScript{}
	}
	return &StaticOracle{script: script}
}

func (o *StaticOracle) CreateOrion(ctx context.Context, request string, deviceInfo map[string]device.Profile) (*orion.Orion, error) {
	return o.script.Orion, nil
}

func (o *StaticOracle) EditOrion(ctx context.Context, current *orion.Orion, event TaskEvent, deviceInfo map[string]device.Profile) (EditScript, error) {
	return o.script.Edits[event.TaskID], nil
}

func (o *StaticOracle) IsDone(ctx context.Context, current *orion.Orion, request string) (IsDoneVerdict, error) {
	if o.script.Verdict == "" {
		return VerdictDone, nil
	}
	return o.script.Verdict, nil
}
