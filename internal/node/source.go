// ============================================================================
// Indexplane Node - Source Readers
// ============================================================================
//
// Package: internal/node
// File: source.go
// Function: Produce batches for pipelines and report how far each shard got
//
// Built-in source types:
//   synthetic  Generates documents at a rate limited by golang.org/x/time/rate,
//              advancing one shard per batch, round-robin.
//              Params: docs_per_sec, batch_docs, doc_bytes, mcpu, shard_docs
//   void       Never produces anything. Useful to reserve capacity.
//
// Any other source type is rejected with an Unimplemented error.
//
// ============================================================================

package node

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/indexplane/pkg/types"
)

const (
	SourceTypeSynthetic = "synthetic"
	SourceTypeVoid      = "void"
)

// Batch is what a source produced in one read.
type Batch struct {
	Positions []types.ShardPosition // shards that moved, with their new position
	NumDocs   uint64
	NumBytes  uint64
}

// SourceReader feeds one pipeline.
type SourceReader interface {
	// ReadBatch blocks until a batch is ready or ctx is done.
	ReadBatch(ctx context.Context) (Batch, error)
	// AssignShards replaces the shard set. Shards already assigned keep
	// their position; newly assigned shards resume from start unless the
	// reader already went further.
	AssignShards(shards []types.ShardID, start map[types.ShardID]types.Position)
	// Load is the CPU the reader is expected to use.
	Load() types.CPUCapacity
}

// SourceFactory builds the reader of task. start holds the last known
// position of the source's shards.
type SourceFactory func(task types.IndexingTask, start map[types.ShardID]types.Position) (SourceReader, error)

// DefaultSources returns the built-in source factories.
func DefaultSources() map[string]SourceFactory {
	return map[string]SourceFactory{
		SourceTypeSynthetic: newSyntheticSource,
		SourceTypeVoid:      newVoidSource,
	}
}

// ============================================================================
// synthetic
// ============================================================================

type syntheticSource struct {
	limiter   *rate.Limiter
	batchDocs int
	docBytes  uint64
	load      types.CPUCapacity
	shardDocs uint64 // 0 means unbounded

	mu      sync.Mutex
	shards  []types.ShardID
	offsets map[types.ShardID]uint64
	eof     map[types.ShardID]bool
	next    int
}

func newSyntheticSource(task types.IndexingTask, start map[types.ShardID]types.Position) (SourceReader, error) {
	docsPerSec, err := floatParam(task.Params, "docs_per_sec", 1000)
	if err != nil {
		return nil, err
	}
	batchDocs, err := floatParam(task.Params, "batch_docs", 100)
	if err != nil {
		return nil, err
	}
	docBytes, err := floatParam(task.Params, "doc_bytes", 1000)
	if err != nil {
		return nil, err
	}
	mcpu, err := floatParam(task.Params, "mcpu", 1000)
	if err != nil {
		return nil, err
	}
	shardDocs, err := floatParam(task.Params, "shard_docs", 0)
	if err != nil {
		return nil, err
	}
	if docsPerSec <= 0 || batchDocs < 1 {
		return nil, fmt.Errorf("synthetic source %s: docs_per_sec and batch_docs must be positive", task)
	}
	if docBytes < 0 || mcpu < 0 || shardDocs < 0 {
		return nil, fmt.Errorf("synthetic source %s: doc_bytes, mcpu and shard_docs cannot be negative", task)
	}

	s := &syntheticSource{
		limiter:   rate.NewLimiter(rate.Limit(docsPerSec), int(batchDocs)),
		batchDocs: int(batchDocs),
		docBytes:  uint64(docBytes),
		load:      types.MCPU(uint32(min(mcpu, math.MaxUint32))),
		shardDocs: uint64(shardDocs),
		offsets:   make(map[types.ShardID]uint64),
		eof:       make(map[types.ShardID]bool),
	}
	s.AssignShards(task.ShardIDs, start)
	return s, nil
}

func (s *syntheticSource) AssignShards(shards []types.ShardID, start map[types.ShardID]types.Position) {
	sorted := slices.Clone(shards)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	sorted = slices.Compact(sorted)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, shard := range sorted {
		if slices.Contains(s.shards, shard) {
			continue
		}
		// Another pipeline may have moved the shard since we last owned it.
		position, ok := start[shard]
		switch {
		case !ok:
		case position.IsEOF():
			s.eof[shard] = true
		default:
			if offset, ok := position.Offset(); ok && offset > s.offsets[shard] {
				s.offsets[shard] = offset
			}
		}
	}
	s.shards = sorted
	s.next = 0
}

func (s *syntheticSource) Load() types.CPUCapacity {
	return s.load
}

func (s *syntheticSource) ReadBatch(ctx context.Context) (Batch, error) {
	if err := s.limiter.WaitN(ctx, s.batchDocs); err != nil {
		if ctx.Err() != nil {
			return Batch{}, ctx.Err()
		}
		return Batch{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Pick the next shard that still has documents.
	for i := 0; i < len(s.shards); i++ {
		shard := s.shards[(s.next+i)%len(s.shards)]
		if s.eof[shard] {
			continue
		}
		s.next = (s.next + i + 1) % len(s.shards)

		docs := uint64(s.batchDocs)
		offset := s.offsets[shard] + docs
		position := types.PositionOffset(offset)
		if s.shardDocs > 0 && offset >= s.shardDocs {
			// A resumed offset can already be past the end of the shard.
			docs = s.shardDocs - min(s.offsets[shard], s.shardDocs)
			offset = max(s.offsets[shard], s.shardDocs)
			position = types.PositionEOF
			s.eof[shard] = true
		}
		s.offsets[shard] = offset

		return Batch{
			Positions: []types.ShardPosition{{ShardID: shard, Position: position}},
			NumDocs:   docs,
			NumBytes:  docs * s.docBytes,
		}, nil
	}
	return Batch{}, nil
}

// ============================================================================
// void
// ============================================================================

type voidSource struct{}

func newVoidSource(types.IndexingTask, map[types.ShardID]types.Position) (SourceReader, error) {
	return voidSource{}, nil
}

func (voidSource) ReadBatch(ctx context.Context) (Batch, error) {
	<-ctx.Done()
	return Batch{}, ctx.Err()
}

func (voidSource) AssignShards([]types.ShardID, map[types.ShardID]types.Position) {}

func (voidSource) Load() types.CPUCapacity {
	return types.ZeroCPU()
}

// floatParam reads a numeric param. Normalised params hold float64 values;
// ints are accepted for params set by hand.
func floatParam(params map[string]any, name string, fallback float64) (float64, error) {
	raw, ok := params[name]
	if !ok {
		return fallback, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("param %q: expected a number, got %T", name, raw)
	}
}
