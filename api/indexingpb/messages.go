// Package indexingpb holds the wire messages and gRPC service descriptors
// of the indexing service and of the control plane. Descriptors are written
// by hand and messages travel as JSON (see CodecName).
package indexingpb

import (
	"github.com/ChuLiYu/indexplane/pkg/types"
)

// ApplyIndexingPlanRequest asks a node to run exactly Tasks. ShardPositions
// holds the last known positions of the tasks' sources; pipelines resume
// from them.
type ApplyIndexingPlanRequest struct {
	NodeID         types.NodeID                 `json:"node_id"`
	Tasks          []types.IndexingTask         `json:"indexing_tasks"`
	ShardPositions []types.ShardPositionsUpdate `json:"shard_positions,omitempty"`
}

// RegisterNodeRequest announces an indexer node to the control plane.
type RegisterNodeRequest struct {
	NodeID   types.NodeID      `json:"node_id"`
	Address  string            `json:"address"`
	Capacity types.CPUCapacity `json:"cpu_capacity"`
}

// PipelineReport describes one running pipeline in a heartbeat.
type PipelineReport struct {
	PipelineID types.IndexingPipelineID `json:"pipeline_id"`
	Metrics    types.PipelineMetrics    `json:"metrics"`
	ShardIDs   []types.ShardID          `json:"shard_ids,omitempty"`
}

// HeartbeatRequest renews the lease of a node and carries what the node
// observed since its previous heartbeat.
type HeartbeatRequest struct {
	NodeID    types.NodeID                 `json:"node_id"`
	Address   string                       `json:"address"`
	Capacity  types.CPUCapacity            `json:"cpu_capacity"`
	Pipelines []PipelineReport             `json:"pipelines,omitempty"`
	Positions []types.ShardPositionsUpdate `json:"shard_positions,omitempty"`
}

// HeartbeatResponse tells the node whether the control plane knows it.
// An unknown node must register again.
type HeartbeatResponse struct {
	Known bool `json:"known"`
}
