package scheduler

import (
	"reflect"
	"slices"
	"sort"

	"github.com/ChuLiYu/indexplane/pkg/types"
)

// PhysicalPlan is the assignment of indexing tasks to nodes.
type PhysicalPlan struct {
	Tasks map[types.NodeID][]types.IndexingTask `json:"tasks"`
	// Loads is the expected CPU usage of each node under the plan.
	Loads map[types.NodeID]types.CPUCapacity `json:"loads"`
	// Unassigned holds tasks that could not be placed because no node is
	// available.
	Unassigned []types.IndexingTask `json:"unassigned,omitempty"`
	// Overcommitted lists nodes whose expected load exceeds their capacity.
	Overcommitted []types.NodeID `json:"overcommitted,omitempty"`
}

// NewPhysicalPlan returns an empty plan.
func NewPhysicalPlan() PhysicalPlan {
	return PhysicalPlan{
		Tasks: make(map[types.NodeID][]types.IndexingTask),
		Loads: make(map[types.NodeID]types.CPUCapacity),
	}
}

// TasksFor returns a copy of the tasks assigned to node.
func (p PhysicalPlan) TasksFor(node types.NodeID) []types.IndexingTask {
	tasks := p.Tasks[node]
	out := make([]types.IndexingTask, len(tasks))
	for i, task := range tasks {
		out[i] = task.Clone()
	}
	return out
}

// Load returns the expected load of node.
func (p PhysicalPlan) Load(node types.NodeID) types.CPUCapacity {
	return p.Loads[node]
}

// Nodes returns the nodes of the plan, sorted.
func (p PhysicalPlan) Nodes() []types.NodeID {
	nodes := make([]types.NodeID, 0, len(p.Tasks))
	for node := range p.Tasks {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	return nodes
}

// NumPipelines returns the number of assigned pipelines.
func (p PhysicalPlan) NumPipelines() int {
	n := 0
	for _, tasks := range p.Tasks {
		n += len(tasks)
	}
	return n
}

// IsOvercommitted reports whether node was given more than its capacity.
func (p PhysicalPlan) IsOvercommitted(node types.NodeID) bool {
	return slices.Contains(p.Overcommitted, node)
}

// Clone returns a plan that shares no slices or maps with p.
func (p PhysicalPlan) Clone() PhysicalPlan {
	clone := NewPhysicalPlan()
	for node := range p.Tasks {
		clone.Tasks[node] = p.TasksFor(node)
	}
	for node, load := range p.Loads {
		clone.Loads[node] = load
	}
	for _, task := range p.Unassigned {
		clone.Unassigned = append(clone.Unassigned, task.Clone())
	}
	clone.Overcommitted = slices.Clone(p.Overcommitted)
	return clone
}

// SameTasks reports whether two task lists are identical, pipeline uids,
// shards and params included, regardless of order.
func SameTasks(a, b []types.IndexingTask) bool {
	if len(a) != len(b) {
		return false
	}
	index := make(map[types.PipelineUID]types.IndexingTask, len(a))
	for _, task := range a {
		index[task.PipelineUID] = task
	}
	for _, task := range b {
		other, ok := index[task.PipelineUID]
		if !ok || !sameTask(task, other) {
			return false
		}
	}
	return true
}

func sameTask(a, b types.IndexingTask) bool {
	if a.IndexUID != b.IndexUID || a.SourceID != b.SourceID || a.PipelineUID != b.PipelineUID || a.SourceType != b.SourceType {
		return false
	}
	return slices.Equal(a.ShardIDs, b.ShardIDs) && sameParams(a.Params, b.Params)
}

func sameParams(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func sortTasks(tasks []types.IndexingTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.IndexUID != b.IndexUID {
			return a.IndexUID < b.IndexUID
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.PipelineUID < b.PipelineUID
	})
}
