// Package types defines the value types exchanged between the indexing
// control plane, the indexer nodes and shard position subscribers.
//
// Every type in this package is a plain value: copies are independent and
// nothing here owns a goroutine, a lock or a file.
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeID identifies an indexer node in the cluster.
type NodeID string

// IndexUID identifies an index (name plus incarnation).
type IndexUID string

// SourceID identifies a source inside an index.
type SourceID string

// ShardID identifies a partition of a source's input stream.
type ShardID string

// PipelineUID distinguishes successive or parallel instantiations of the
// same logical pipeline.
type PipelineUID string

// NewPipelineUID generates a fresh pipeline instantiation identifier.
func NewPipelineUID() PipelineUID {
	return PipelineUID(uuid.NewString())
}

// SourceUID is the (index, source) pair a shard belongs to.
type SourceUID struct {
	IndexUID IndexUID `json:"index_uid" yaml:"index_uid"`
	SourceID SourceID `json:"source_id" yaml:"source_id"`
}

func (s SourceUID) String() string {
	return fmt.Sprintf("%s:%s", s.IndexUID, s.SourceID)
}
