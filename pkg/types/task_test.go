package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSource() SourceUID {
	return SourceUID{IndexUID: "logs:01", SourceID: "kafka"}
}

func TestIndexingPipelineIDDisplay(t *testing.T) {
	first := IndexingPipelineID{NodeID: "node-1", IndexUID: "logs:01", SourceID: "kafka", PipelineUID: "p1"}
	second := IndexingPipelineID{NodeID: "node-2", IndexUID: "logs:01", SourceID: "kafka", PipelineUID: "p2"}

	assert.Equal(t, "logs:01:kafka", first.String())
	assert.Equal(t, first.String(), second.String())
	assert.NotEqual(t, first, second)

	// Full identity is used as a map key.
	ids := map[IndexingPipelineID]int{first: 1, second: 2}
	assert.Len(t, ids, 2)
	assert.Equal(t, testSource(), first.SourceUID())
}

func TestIndexingTaskKeyIgnoresInstantiation(t *testing.T) {
	first, err := NewIndexingTask(testSource(), "pipeline-a", "synthetic", []ShardID{"1"}, nil)
	require.NoError(t, err)
	second, err := NewIndexingTask(testSource(), "pipeline-b", "void", []ShardID{"2", "3"}, map[string]any{"rate": 10})
	require.NoError(t, err)

	assert.Equal(t, first.Key(), second.Key())
	assert.Equal(t, first.String(), second.String())

	grouped := map[TaskKey][]IndexingTask{}
	grouped[first.Key()] = append(grouped[first.Key()], first)
	grouped[second.Key()] = append(grouped[second.Key()], second)
	assert.Len(t, grouped, 1)
	assert.Len(t, grouped[first.Key()], 2)
}

func TestIndexingTaskKeyDiffersBySourceOrIndex(t *testing.T) {
	base, err := NewIndexingTask(testSource(), "p", "synthetic", nil, nil)
	require.NoError(t, err)

	otherSource := base
	otherSource.SourceID = "kinesis"
	otherIndex := base
	otherIndex.IndexUID = "metrics:01"

	assert.NotEqual(t, base.Key(), otherSource.Key())
	assert.NotEqual(t, base.Key(), otherIndex.Key())
}

func TestRequirePipelineUID(t *testing.T) {
	task := IndexingTask{IndexUID: "logs:01", SourceID: "kafka"}
	_, err := task.RequirePipelineUID()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingPipelineUID))

	task.PipelineUID = "p1"
	uid, err := task.RequirePipelineUID()
	require.NoError(t, err)
	assert.Equal(t, PipelineUID("p1"), uid)

	_, err = NewIndexingTask(testSource(), "", "synthetic", nil, nil)
	assert.ErrorIs(t, err, ErrMissingPipelineUID)
}

func TestNewIndexingTaskNormalizesParams(t *testing.T) {
	task, err := NewIndexingTask(testSource(), "p", "synthetic", nil, map[string]any{
		"docs_per_sec": 100,
		"topic":        "events",
	})
	require.NoError(t, err)
	// Numbers come back as float64, like any JSON decoded value.
	assert.Equal(t, float64(100), task.Params["docs_per_sec"])
	assert.Equal(t, "events", task.Params["topic"])

	_, err = NewIndexingTask(testSource(), "p", "synthetic", nil, map[string]any{
		"callback": func() {},
	})
	assert.Error(t, err)
}

func TestIndexingTaskClone(t *testing.T) {
	task, err := NewIndexingTask(testSource(), "p", "synthetic", []ShardID{"1"}, map[string]any{"a": "b"})
	require.NoError(t, err)

	clone := task.Clone()
	clone.ShardIDs[0] = "2"
	clone.Params["a"] = "c"

	assert.Equal(t, ShardID("1"), task.ShardIDs[0])
	assert.Equal(t, "b", task.Params["a"])

	id := task.PipelineID("node-1")
	assert.Equal(t, NodeID("node-1"), id.NodeID)
	assert.Equal(t, PipelineUID("p"), id.PipelineUID)
}

func TestNewPipelineUIDIsUnique(t *testing.T) {
	seen := make(map[PipelineUID]struct{})
	for i := 0; i < 100; i++ {
		uid := NewPipelineUID()
		_, dup := seen[uid]
		require.False(t, dup)
		seen[uid] = struct{}{}
	}
}
