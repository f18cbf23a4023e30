package node

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/ChuLiYu/indexplane/internal/indexing"
	"github.com/ChuLiYu/indexplane/pkg/types"
)

// PositionsView gives pipelines the position they resume from.
type PositionsView interface {
	Positions(source types.SourceUID) map[types.ShardID]types.Position
}

// PipelineStatus is a snapshot of one running pipeline.
type PipelineStatus struct {
	ID       types.IndexingPipelineID `json:"pipeline_id"`
	Task     types.IndexingTask       `json:"task"`
	Metrics  types.PipelineMetrics    `json:"metrics"`
	ShardIDs []types.ShardID          `json:"shard_ids,omitempty"`
}

// IndexingService owns the pipelines of a node. It is not safe for
// concurrent use: Node serializes every call through a mailbox.
type IndexingService struct {
	nodeID    types.NodeID
	ctx       context.Context
	sources   map[string]SourceFactory
	publisher Publisher
	positions PositionsView
	pipelines map[types.PipelineUID]*Pipeline
	log       *slog.Logger
}

// NewIndexingService creates the service. Pipelines run until ctx is done
// or they are stopped by a plan. positions may be nil.
func NewIndexingService(ctx context.Context, nodeID types.NodeID, sources map[string]SourceFactory, publisher Publisher, positions PositionsView) *IndexingService {
	if sources == nil {
		sources = DefaultSources()
	}
	return &IndexingService{
		nodeID:    nodeID,
		ctx:       ctx,
		sources:   sources,
		publisher: publisher,
		positions: positions,
		pipelines: make(map[types.PipelineUID]*Pipeline),
		log:       slog.With("component", "indexing_service", "node_id", nodeID),
	}
}

// ApplyPlan converges the running pipelines to exactly tasks: pipelines
// whose uid is not listed are stopped, listed uids that do not run are
// started, the others keep running and pick up their new shard set.
// The plan is validated as a whole before anything changes.
//
// known carries positions sent along with the plan. Pipelines resume
// each shard from the furthest of known and the local positions view.
func (s *IndexingService) ApplyPlan(tasks []types.IndexingTask, known []types.ShardPositionsUpdate) error {
	desired := make(map[types.PipelineUID]types.IndexingTask, len(tasks))
	for _, task := range tasks {
		uid, err := task.RequirePipelineUID()
		if err != nil {
			return indexing.NewInternal(err.Error())
		}
		if _, dup := desired[uid]; dup {
			return indexing.NewInternal(fmt.Sprintf("pipeline uid `%s` is used by more than one task", uid))
		}
		if _, ok := s.sources[task.SourceType]; !ok {
			return indexing.NewUnimplemented(fmt.Sprintf("source type `%s` is not supported by node `%s`", task.SourceType, s.nodeID))
		}
		desired[uid] = task
	}

	stopped := 0
	for uid, pipeline := range s.pipelines {
		task, keep := desired[uid]
		if keep && task.Key() == pipeline.Task().Key() && task.SourceType == pipeline.Task().SourceType {
			continue
		}
		pipeline.Stop()
		delete(s.pipelines, uid)
		stopped++
	}

	started, updated := 0, 0
	var startErr error
	for _, task := range tasks {
		start := s.startPositions(task.SourceUID(), known)
		if pipeline, ok := s.pipelines[task.PipelineUID]; ok {
			pipeline.Update(task, start)
			updated++
			continue
		}
		reader, err := s.sources[task.SourceType](task, start)
		if err != nil {
			s.log.Error("failed to start pipeline", "pipeline", task.String(), "pipeline_uid", task.PipelineUID, "error", err)
			if startErr == nil {
				startErr = indexing.NewInternal(fmt.Sprintf("failed to start pipeline `%s`: %v", task.PipelineUID, err))
			}
			continue
		}
		s.pipelines[task.PipelineUID] = startPipeline(s.ctx, s.nodeID, task, reader, s.publisher)
		started++
	}

	s.log.Info("indexing plan applied", "started", started, "stopped", stopped, "updated", updated, "running", len(s.pipelines))
	return startErr
}

// startPositions merges the positions of source from the local view and
// from known, keeping the furthest position of every shard.
func (s *IndexingService) startPositions(source types.SourceUID, known []types.ShardPositionsUpdate) map[types.ShardID]types.Position {
	start := make(map[types.ShardID]types.Position)
	if s.positions != nil {
		for shard, position := range s.positions.Positions(source) {
			start[shard] = position
		}
	}
	for _, update := range known {
		if update.SourceUID != source {
			continue
		}
		for _, sp := range update.UpdatedShardPositions {
			start[sp.ShardID] = start[sp.ShardID].Max(sp.Position)
		}
	}
	return start
}

// Pipelines returns the status of every running pipeline, sorted by id.
func (s *IndexingService) Pipelines() []PipelineStatus {
	out := make([]PipelineStatus, 0, len(s.pipelines))
	for _, pipeline := range s.pipelines {
		task := pipeline.Task()
		out = append(out, PipelineStatus{
			ID:       pipeline.ID(),
			Task:     task,
			Metrics:  pipeline.Metrics(),
			ShardIDs: slices.Clone(task.ShardIDs),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ID, out[j].ID
		if a.IndexUID != b.IndexUID {
			return a.IndexUID < b.IndexUID
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.PipelineUID < b.PipelineUID
	})
	return out
}

// Shutdown stops every pipeline.
func (s *IndexingService) Shutdown() {
	for uid, pipeline := range s.pipelines {
		pipeline.Stop()
		delete(s.pipelines, uid)
	}
}
