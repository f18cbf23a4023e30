package scheduler

import (
	"github.com/ChuLiYu/indexplane/pkg/types"
)

// NodeDiff is the difference between what a node runs and what it should
// run, counted per (index, source).
type NodeDiff struct {
	ToStart   []types.IndexingTask
	ToStop    []types.IndexingTask
	Unchanged []types.IndexingTask
}

// Empty reports whether the node already runs as many pipelines of every
// source as desired.
func (d NodeDiff) Empty() bool {
	return len(d.ToStart) == 0 && len(d.ToStop) == 0
}

// Diff compares two task lists as multisets keyed by TaskKey: pipeline
// uids, shards and params are ignored. For each key, tasks present on both
// sides are unchanged (the desired version is reported, preferring tasks
// whose pipeline uid already runs), extra desired tasks must be started and
// extra current tasks stopped.
func Diff(current, desired []types.IndexingTask) NodeDiff {
	currentByKey := groupByKey(current)
	desiredByKey := groupByKey(desired)

	var diff NodeDiff
	for _, key := range orderedKeys(current, desired) {
		cur := currentByKey[key]
		want := desiredByKey[key]

		running := make(map[types.PipelineUID]bool, len(cur))
		for _, task := range cur {
			running[task.PipelineUID] = true
		}
		// Desired tasks already running come first.
		ordered := make([]types.IndexingTask, 0, len(want))
		for _, task := range want {
			if running[task.PipelineUID] {
				ordered = append(ordered, task)
			}
		}
		for _, task := range want {
			if !running[task.PipelineUID] {
				ordered = append(ordered, task)
			}
		}

		kept := min(len(cur), len(ordered))
		diff.Unchanged = append(diff.Unchanged, ordered[:kept]...)
		diff.ToStart = append(diff.ToStart, ordered[kept:]...)

		if len(cur) > kept {
			wanted := make(map[types.PipelineUID]bool, len(want))
			for _, task := range want {
				wanted[task.PipelineUID] = true
			}
			// Stop the tasks that are not wanted first.
			stop := len(cur) - kept
			for _, task := range cur {
				if stop > 0 && !wanted[task.PipelineUID] {
					diff.ToStop = append(diff.ToStop, task)
					stop--
				}
			}
			for _, task := range cur {
				if stop > 0 && wanted[task.PipelineUID] {
					diff.ToStop = append(diff.ToStop, task)
					stop--
				}
			}
		}
	}
	return diff
}

// DiffPlans diffs every node present in either plan.
func DiffPlans(current, desired PhysicalPlan) map[types.NodeID]NodeDiff {
	diffs := make(map[types.NodeID]NodeDiff)
	for node := range current.Tasks {
		diffs[node] = Diff(current.Tasks[node], desired.Tasks[node])
	}
	for node := range desired.Tasks {
		if _, done := diffs[node]; !done {
			diffs[node] = Diff(current.Tasks[node], desired.Tasks[node])
		}
	}
	return diffs
}

func groupByKey(tasks []types.IndexingTask) map[types.TaskKey][]types.IndexingTask {
	groups := make(map[types.TaskKey][]types.IndexingTask)
	for _, task := range tasks {
		groups[task.Key()] = append(groups[task.Key()], task)
	}
	return groups
}

// orderedKeys returns every key in order of first appearance.
func orderedKeys(lists ...[]types.IndexingTask) []types.TaskKey {
	seen := make(map[types.TaskKey]bool)
	var keys []types.TaskKey
	for _, tasks := range lists {
		for _, task := range tasks {
			if !seen[task.Key()] {
				seen[task.Key()] = true
				keys = append(keys, task.Key())
			}
		}
	}
	return keys
}
