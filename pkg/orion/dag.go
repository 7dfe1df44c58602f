package orion

import (
	"fmt"

	"github.com/google/uuid"
)

// AddDependency adds an edge, rejecting it if either endpoint doesn't
// exist in this Orion or if adding it would introduce a cycle. The
// cycle check adds the edge tentatively, runs the standard
// white/grey/black DFS cycle detection over the whole graph, and
// removes the edge again if a cycle is found.
func (o *Orion) AddDependency(dep *TaskStarLine) error {
	if dep.DependencyID == "" {
		dep.DependencyID = uuid.NewString()
	}
	if _, ok := o.Tasks[dep.FromTaskID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, dep.FromTaskID)
	}
	if _, ok := o.Tasks[dep.ToTaskID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, dep.ToTaskID)
	}
	for _, existing := range o.Dependencies {
		if existing.FromTaskID == dep.FromTaskID && existing.ToTaskID == dep.ToTaskID &&
			existing.DependencyType == dep.DependencyType {
			return fmt.Errorf("%w: %s -> %s", ErrDuplicateDependency, dep.FromTaskID, dep.ToTaskID)
		}
	}

	o.Dependencies[dep.DependencyID] = dep
	if o.hasCycle() {
		delete(o.Dependencies, dep.DependencyID)
		return fmt.Errorf("%w: %s -> %s", ErrCycle, dep.FromTaskID, dep.ToTaskID)
	}
	o.touch()
	return nil
}

// RemoveDependency removes an edge by id.
func (o *Orion) RemoveDependency(dependencyID string) error {
	if _, ok := o.Dependencies[dependencyID]; !ok {
		return fmt.Errorf("orion: unknown dependency id: %s", dependencyID)
	}
	delete(o.Dependencies, dependencyID)
	o.touch()
	return nil
}

type dfsColor int

const (
	white dfsColor = iota
	grey
	black
)

// hasCycle runs a DFS over the current edge set and reports whether the
// graph (tasks, dependencies) contains a cycle.
func (o *Orion) hasCycle() bool {
	adjacency := make(map[string][]string, len(o.Tasks))
	for _, dep := range o.Dependencies {
		adjacency[dep.FromTaskID] = append(adjacency[dep.FromTaskID], dep.ToTaskID)
	}

	color := make(map[string]dfsColor, len(o.Tasks))
	var visit func(node string) bool
	visit = func(node string) bool {
		color[node] = grey
		for _, next := range adjacency[node] {
			switch color[next] {
			case grey:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for id := range o.Tasks {
		if color[id] == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// ValidateDAG checks invariants 1 and 2 of §3: the graph is acyclic, and
// every edge's endpoints refer to tasks that exist. It returns a nil
// error when valid, or a wrapped ErrInvalidDAG describing every problem
// found.
func (o *Orion) ValidateDAG() error {
	var problems []string

	for id, dep := range o.Dependencies {
		if _, ok := o.Tasks[dep.FromTaskID]; !ok {
			problems = append(problems, fmt.Sprintf("dependency %s: unknown from_task_id %s", id, dep.FromTaskID))
		}
		if _, ok := o.Tasks[dep.ToTaskID]; !ok {
			problems = append(problems, fmt.Sprintf("dependency %s: unknown to_task_id %s", id, dep.ToTaskID))
		}
	}
	if len(problems) == 0 && o.hasCycle() {
		problems = append(problems, "dependency graph contains a cycle")
	}
	if len(o.Tasks) == 0 {
		problems = append(problems, "orion has no tasks")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidDAG, problems)
	}
	return nil
}
