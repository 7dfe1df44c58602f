package orion

// Statistics summarizes the per-task counts and the critical path
// length used in the user-visible failure report.
type Statistics struct {
	Total              int
	Pending            int
	WaitingDependency  int
	Running            int
	Completed          int
	Failed             int
	Cancelled          int
	CriticalPathLength int
}

// Statistics computes the current per-status counts and the critical
// path length: the number of COMPLETED tasks on the longest chain of
// satisfied dependency edges.
func (o *Orion) Statistics() Statistics {
	var s Statistics
	s.Total = len(o.Tasks)
	for _, t := range o.Tasks {
		switch t.Status {
		case TaskPending:
			s.Pending++
		case TaskWaitingDependency:
			s.WaitingDependency++
		case TaskRunning:
			s.Running++
		case TaskCompleted:
			s.Completed++
		case TaskFailed:
			s.Failed++
		case TaskCancelled:
			s.Cancelled++
		}
	}
	s.CriticalPathLength = o.criticalPathLength()
	return s
}

// criticalPathLength computes, via memoized DFS, how many COMPLETED
// tasks lie on the longest chain of satisfied edges — i.e. how many
// sequential task completions were needed on the longest dependency
// chain that actually finished. A lone completed task counts 1.
func (o *Orion) criticalPathLength() int {
	predecessors := make(map[string][]*TaskStarLine)
	for _, dep := range o.Dependencies {
		predecessors[dep.ToTaskID] = append(predecessors[dep.ToTaskID], dep)
	}

	memo := make(map[string]int)
	var depth func(taskID string, visiting map[string]bool) int
	depth = func(taskID string, visiting map[string]bool) int {
		if v, ok := memo[taskID]; ok {
			return v
		}
		task, ok := o.Tasks[taskID]
		if !ok || task.Status != TaskCompleted {
			memo[taskID] = 0
			return 0
		}
		if visiting[taskID] {
			// Defensive: ValidateDAG should already forbid cycles.
			return 0
		}
		visiting[taskID] = true

		best := 1
		for _, dep := range predecessors[taskID] {
			if !o.IsSatisfied(dep) {
				continue
			}
			if d := depth(dep.FromTaskID, visiting); d+1 > best {
				best = d + 1
			}
		}
		delete(visiting, taskID)
		memo[taskID] = best
		return best
	}

	longest := 0
	for id, t := range o.Tasks {
		if t.Status != TaskCompleted {
			continue
		}
		if d := depth(id, map[string]bool{}); d > longest {
			longest = d
		}
	}
	return longest
}
