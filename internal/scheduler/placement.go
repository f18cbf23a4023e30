// Package scheduler turns the set of sources to index and the set of live
// indexer nodes into a physical plan, and diffs plans.
//
// Placement is deterministic for a given input, pipeline uids aside:
//  1. Pipelines already running on a surviving node stay there, with their
//     pipeline uid, as long as the node has capacity left for them.
//  2. Every other pipeline goes to the node with the most free capacity,
//     ties broken by node id. When nothing fits, the pipeline is placed
//     anyway and the node is reported as overcommitted.
//  3. Without nodes, every pipeline is unassigned.
//  4. Shards of a source are dealt round-robin to its pipelines.
package scheduler

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/ChuLiYu/indexplane/pkg/types"
)

// Planner builds physical plans. The zero value is not usable, use
// NewPlanner.
type Planner struct {
	newPipelineUID func() types.PipelineUID
}

// NewPlanner returns a planner generating random pipeline uids.
func NewPlanner() *Planner {
	return &Planner{newPipelineUID: types.NewPipelineUID}
}

// BuildPhysicalPlan places sources on nodes with a default planner.
// previous may be nil.
func BuildPhysicalPlan(sources []SourceSpec, nodes []NodeSpec, previous *PhysicalPlan) (PhysicalPlan, error) {
	return NewPlanner().Build(sources, nodes, previous)
}

type nodeState struct {
	spec NodeSpec
	load int64
}

func (n *nodeState) free() int64 {
	return int64(n.spec.Capacity) - n.load
}

// placement is one pipeline of a source; node is empty when unassigned.
type placement struct {
	node types.NodeID
	uid  types.PipelineUID
}

// Build places sources on nodes, keeping previous placements where
// possible. It fails only when a source carries params that cannot be
// represented as JSON.
func (p *Planner) Build(sources []SourceSpec, nodes []NodeSpec, previous *PhysicalPlan) (PhysicalPlan, error) {
	plan := NewPhysicalPlan()

	states := make(map[types.NodeID]*nodeState, len(nodes))
	nodeIDs := make([]types.NodeID, 0, len(nodes))
	for _, node := range nodes {
		if _, dup := states[node.NodeID]; dup {
			continue
		}
		states[node.NodeID] = &nodeState{spec: node}
		nodeIDs = append(nodeIDs, node.NodeID)
		plan.Tasks[node.NodeID] = []types.IndexingTask{}
	}
	slices.Sort(nodeIDs)

	sorted := slices.Clone(sources)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].SourceUID, sorted[j].SourceUID
		if a.IndexUID != b.IndexUID {
			return a.IndexUID < b.IndexUID
		}
		return a.SourceID < b.SourceID
	})

	placements := make(map[types.SourceUID][]placement, len(sorted))

	// Pass 1: keep what already runs.
	if previous != nil {
		for _, source := range sorted {
			load := int64(source.EffectiveLoad())
			key := types.TaskKey{IndexUID: source.SourceUID.IndexUID, SourceID: source.SourceUID.SourceID}
			for _, nodeID := range nodeIDs {
				state := states[nodeID]
				for _, task := range previous.Tasks[nodeID] {
					if len(placements[source.SourceUID]) >= source.NumPipelines {
						break
					}
					if task.Key() != key || task.SourceType != source.SourceType || task.PipelineUID == "" {
						continue
					}
					if state.free() < load {
						continue
					}
					state.load += load
					placements[source.SourceUID] = append(placements[source.SourceUID], placement{node: nodeID, uid: task.PipelineUID})
				}
			}
		}
	}

	// Pass 2: place the rest.
	overcommitted := make(map[types.NodeID]struct{})
	for _, source := range sorted {
		load := int64(source.EffectiveLoad())
		reusable := previousUnassigned(previous, source)
		for len(placements[source.SourceUID]) < source.NumPipelines {
			if len(nodeIDs) == 0 {
				uid := p.newPipelineUID()
				if len(reusable) > 0 {
					uid, reusable = reusable[0], reusable[1:]
				}
				placements[source.SourceUID] = append(placements[source.SourceUID], placement{uid: uid})
				continue
			}

			best := states[nodeIDs[0]]
			for _, nodeID := range nodeIDs[1:] {
				if candidate := states[nodeID]; candidate.free() > best.free() {
					best = candidate
				}
			}
			if best.free() < load {
				overcommitted[best.spec.NodeID] = struct{}{}
			}
			best.load += load
			placements[source.SourceUID] = append(placements[source.SourceUID], placement{node: best.spec.NodeID, uid: p.newPipelineUID()})
		}
	}

	for _, source := range sorted {
		pipelines := placements[source.SourceUID]
		if len(pipelines) == 0 {
			continue
		}
		// Shards are dealt in pipeline uid order so that a rebuild with the
		// same pipelines yields the same shard sets.
		slices.SortStableFunc(pipelines, func(a, b placement) int {
			return strings.Compare(string(a.uid), string(b.uid))
		})
		params, err := types.NormalizeParams(source.Params)
		if err != nil {
			return PhysicalPlan{}, fmt.Errorf("source %s: %w", source.SourceUID, err)
		}

		shards := make([][]types.ShardID, len(pipelines))
		for i, shard := range source.ShardIDs {
			shards[i%len(pipelines)] = append(shards[i%len(pipelines)], shard)
		}

		for i, pl := range pipelines {
			task, err := types.NewIndexingTask(source.SourceUID, pl.uid, source.SourceType, shards[i], params)
			if err != nil {
				return PhysicalPlan{}, fmt.Errorf("source %s: %w", source.SourceUID, err)
			}
			if pl.node == "" {
				plan.Unassigned = append(plan.Unassigned, task)
				continue
			}
			plan.Tasks[pl.node] = append(plan.Tasks[pl.node], task)
		}
	}

	for nodeID, state := range states {
		sortTasks(plan.Tasks[nodeID])
		plan.Loads[nodeID] = clampLoad(state.load)
	}
	for nodeID := range overcommitted {
		plan.Overcommitted = append(plan.Overcommitted, nodeID)
	}
	slices.Sort(plan.Overcommitted)

	return plan, nil
}

func previousUnassigned(previous *PhysicalPlan, source SourceSpec) []types.PipelineUID {
	if previous == nil {
		return nil
	}
	var uids []types.PipelineUID
	for _, task := range previous.Unassigned {
		if task.SourceUID() == source.SourceUID && task.SourceType == source.SourceType && task.PipelineUID != "" {
			uids = append(uids, task.PipelineUID)
		}
	}
	return uids
}

func clampLoad(load int64) types.CPUCapacity {
	if load > math.MaxUint32 {
		return types.CPUCapacity(math.MaxUint32)
	}
	return types.CPUCapacity(load)
}
