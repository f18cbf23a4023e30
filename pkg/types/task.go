package types

import (
	"errors"
	"fmt"
	"slices"

	"google.golang.org/protobuf/types/known/structpb"
)

// ErrMissingPipelineUID is returned when a task that crossed a process
// boundary does not carry its pipeline instantiation identifier.
var ErrMissingPipelineUID = errors.New("indexing task is missing its pipeline uid")

// IndexingPipelineID is the full identity of one running pipeline instance.
// Two ids are equal only when all four fields match.
type IndexingPipelineID struct {
	NodeID      NodeID      `json:"node_id"`
	IndexUID    IndexUID    `json:"index_uid"`
	SourceID    SourceID    `json:"source_id"`
	PipelineUID PipelineUID `json:"pipeline_uid"`
}

// String only shows the index and source, for human readable grouping.
func (id IndexingPipelineID) String() string {
	return fmt.Sprintf("%s:%s", id.IndexUID, id.SourceID)
}

// SourceUID returns the source the pipeline indexes.
func (id IndexingPipelineID) SourceUID() SourceUID {
	return SourceUID{IndexUID: id.IndexUID, SourceID: id.SourceID}
}

// IndexingTask is the unit of scheduling: run source SourceID of index
// IndexUID as pipeline instance PipelineUID.
type IndexingTask struct {
	IndexUID    IndexUID       `json:"index_uid"`
	SourceID    SourceID       `json:"source_id"`
	PipelineUID PipelineUID    `json:"pipeline_uid"`
	SourceType  string         `json:"source_type"`
	ShardIDs    []ShardID      `json:"shard_ids,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// TaskKey is the logical identity of a task: which source of which index
// it works on. Pipeline uid, shards and params are deliberately left out,
// so two instantiations of the same work share a key.
type TaskKey struct {
	IndexUID IndexUID
	SourceID SourceID
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%s:%s", k.IndexUID, k.SourceID)
}

// NewIndexingTask builds a task and normalises its params to JSON
// compatible values.
func NewIndexingTask(source SourceUID, pipelineUID PipelineUID, sourceType string, shardIDs []ShardID, params map[string]any) (IndexingTask, error) {
	if pipelineUID == "" {
		return IndexingTask{}, ErrMissingPipelineUID
	}
	normalized, err := NormalizeParams(params)
	if err != nil {
		return IndexingTask{}, err
	}
	return IndexingTask{
		IndexUID:    source.IndexUID,
		SourceID:    source.SourceID,
		PipelineUID: pipelineUID,
		SourceType:  sourceType,
		ShardIDs:    slices.Clone(shardIDs),
		Params:      normalized,
	}, nil
}

// NormalizeParams round-trips params through a protobuf Struct. Values
// that have no JSON representation are rejected.
func NormalizeParams(params map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	st, err := structpb.NewStruct(params)
	if err != nil {
		return nil, fmt.Errorf("invalid task params: %w", err)
	}
	return st.AsMap(), nil
}

// Key returns the (index, source) identity used to group tasks.
func (t IndexingTask) Key() TaskKey {
	return TaskKey{IndexUID: t.IndexUID, SourceID: t.SourceID}
}

// SourceUID returns the source the task indexes.
func (t IndexingTask) SourceUID() SourceUID {
	return SourceUID{IndexUID: t.IndexUID, SourceID: t.SourceID}
}

// RequirePipelineUID returns the pipeline uid, or ErrMissingPipelineUID for
// tasks decoded from a peer that omitted it.
func (t IndexingTask) RequirePipelineUID() (PipelineUID, error) {
	if t.PipelineUID == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingPipelineUID, t)
	}
	return t.PipelineUID, nil
}

// PipelineID returns the id of the pipeline running this task on node.
func (t IndexingTask) PipelineID(node NodeID) IndexingPipelineID {
	return IndexingPipelineID{
		NodeID:      node,
		IndexUID:    t.IndexUID,
		SourceID:    t.SourceID,
		PipelineUID: t.PipelineUID,
	}
}

// Clone returns a copy that does not share its shard list or top-level
// params map with t.
func (t IndexingTask) Clone() IndexingTask {
	clone := t
	clone.ShardIDs = slices.Clone(t.ShardIDs)
	if t.Params != nil {
		clone.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			clone.Params[k] = v
		}
	}
	return clone
}

func (t IndexingTask) String() string {
	return fmt.Sprintf("%s:%s", t.IndexUID, t.SourceID)
}
