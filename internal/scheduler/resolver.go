package scheduler

import (
	"sort"

	"github.com/stray/manyworlds/internal/graph"
)

// RefreshBlockedStates recomputes blocked bookkeeping for every task
// currently pending or blocked. A task with no unmet hard dependencies
// returns to pending with its blocked fields cleared; otherwise it is
// blocked, with blocked_by listing the unmet predecessors and the
// reason marking whether any of them already failed or was stopped.
// Tasks in any other status are left alone.
func RefreshBlockedStates(g *graph.Graph, tasks map[string]*TaskState) {
	for _, task := range g.Tasks {
		st := tasks[task.ID]
		if st == nil {
			continue
		}
		if st.Status != TaskPending && st.Status != TaskBlocked {
			continue
		}

		var unmet []string
		failedPred := false
		for _, dep := range g.HardDependenciesOf(task.ID) {
			depState := tasks[dep]
			if depState != nil && depState.Status == TaskDone {
				continue
			}
			unmet = append(unmet, dep)
			if depState != nil && (depState.Status == TaskFailed || depState.Status == TaskStopped) {
				failedPred = true
			}
		}

		if len(unmet) == 0 {
			st.Status = TaskPending
			st.BlockedBy = nil
			st.BlockedReason = BlockedNone
			continue
		}

		st.Status = TaskBlocked
		st.BlockedBy = unmet
		if failedPred {
			st.BlockedReason = BlockedOnFailedDep
		} else {
			st.BlockedReason = BlockedOnDependency
		}
	}
}

// SelectRunnable picks the task IDs to dispatch this pass: pending
// tasks whose hard dependencies are all done, ordered by priority
// descending with ties broken by task ID. A non-parallelizable
// candidate demands exclusivity: nothing is dispatched while anything
// runs, and once the run is idle it is dispatched alone, slot count
// notwithstanding.
func SelectRunnable(g *graph.Graph, tasks map[string]*TaskState, maxSlots int) []string {
	if maxSlots <= 0 {
		return nil
	}

	type candidate struct {
		id             string
		priority       int
		parallelizable bool
	}

	anyRunning := false
	var candidates []candidate
	for _, task := range g.Tasks {
		st := tasks[task.ID]
		if st == nil {
			continue
		}
		if st.Status == TaskRunning {
			anyRunning = true
			continue
		}
		if st.Status != TaskPending {
			continue
		}

		ready := true
		for _, dep := range g.HardDependenciesOf(task.ID) {
			depState := tasks[dep]
			if depState == nil || depState.Status != TaskDone {
				ready = false
				break
			}
		}
		if ready {
			candidates = append(candidates, candidate{task.ID, task.Priority, task.Parallelizable})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].id < candidates[j].id
	})

	exclusive := false
	for _, c := range candidates {
		if !c.parallelizable {
			exclusive = true
			break
		}
	}
	if exclusive {
		if anyRunning {
			return nil
		}
		for _, c := range candidates {
			if !c.parallelizable {
				return []string{c.id}
			}
		}
	}

	if len(candidates) > maxSlots {
		candidates = candidates[:maxSlots]
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids
}
