package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/indexplane/api/indexingpb"
	"github.com/ChuLiYu/indexplane/internal/scheduler"
	"github.com/ChuLiYu/indexplane/pkg/types"
)

func newTestRegistry(lease time.Duration) (*Registry, *time.Time) {
	r := NewRegistry(lease)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestRegistryLifecycle(t *testing.T) {
	r, now := newTestRegistry(10 * time.Second)

	assert.False(t, r.Heartbeat(&indexingpb.HeartbeatRequest{NodeID: "node-1"}), "unknown node must register first")

	assert.True(t, r.Register(&indexingpb.RegisterNodeRequest{NodeID: "node-1", Address: "a:1", Capacity: types.MCPU(4000)}))
	assert.False(t, r.Register(&indexingpb.RegisterNodeRequest{NodeID: "node-1", Address: "a:2", Capacity: types.MCPU(8000)}))

	info, ok := r.Get("node-1")
	require.True(t, ok)
	assert.Equal(t, "a:2", info.Address)
	assert.Equal(t, types.MCPU(8000), info.Capacity)
	assert.Equal(t, now.Add(10*time.Second), info.ExpiresAt)

	*now = now.Add(8 * time.Second)
	assert.True(t, r.Heartbeat(&indexingpb.HeartbeatRequest{NodeID: "node-1"}))
	assert.Empty(t, r.Expire())

	*now = now.Add(8 * time.Second)
	assert.Empty(t, r.Expire(), "heartbeat renewed the lease")

	*now = now.Add(3 * time.Second)
	assert.Equal(t, []types.NodeID{"node-1"}, r.Expire())
	assert.Equal(t, 0, r.Len())
	_, ok = r.Get("node-1")
	assert.False(t, ok)
}

func TestRegistryHeartbeatKeepsCapacityWhenOmitted(t *testing.T) {
	r, _ := newTestRegistry(time.Second)
	r.Register(&indexingpb.RegisterNodeRequest{NodeID: "node-1", Address: "a:1", Capacity: types.MCPU(4000)})

	r.Heartbeat(&indexingpb.HeartbeatRequest{NodeID: "node-1"})
	info, _ := r.Get("node-1")
	assert.Equal(t, types.MCPU(4000), info.Capacity)
	assert.Equal(t, "a:1", info.Address)

	r.Heartbeat(&indexingpb.HeartbeatRequest{NodeID: "node-1", Capacity: types.MCPU(2000)})
	info, _ = r.Get("node-1")
	assert.Equal(t, types.MCPU(2000), info.Capacity)
}

func TestRegistryViews(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	r.Register(&indexingpb.RegisterNodeRequest{NodeID: "node-2", Capacity: types.MCPU(2000)})
	r.Register(&indexingpb.RegisterNodeRequest{NodeID: "node-1", Capacity: types.MCPU(1000)})

	assert.Equal(t, []scheduler.NodeSpec{
		{NodeID: "node-1", Capacity: types.MCPU(1000)},
		{NodeID: "node-2", Capacity: types.MCPU(2000)},
	}, r.NodeSpecs())

	source := types.SourceUID{IndexUID: "wiki", SourceID: "kafka"}
	task := types.IndexingTask{IndexUID: source.IndexUID, SourceID: source.SourceID, PipelineUID: "p1"}
	r.Heartbeat(&indexingpb.HeartbeatRequest{NodeID: "node-1", Pipelines: []indexingpb.PipelineReport{
		{PipelineID: task.PipelineID("node-1"), Metrics: types.PipelineMetrics{CPULoad: types.MCPU(700)}},
	}})
	r.Heartbeat(&indexingpb.HeartbeatRequest{NodeID: "node-2", Pipelines: []indexingpb.PipelineReport{
		{PipelineID: task.PipelineID("node-2"), Metrics: types.PipelineMetrics{CPULoad: types.MCPU(900)}},
	}})

	measured := r.MeasuredMetrics()
	require.Len(t, measured[source], 2)

	// Returned copies do not alias registry state
	nodes := r.Nodes()
	nodes[0].Pipelines[0].Metrics.CPULoad = 0
	info, _ := r.Get("node-1")
	assert.Equal(t, types.MCPU(700), info.Pipelines[0].Metrics.CPULoad)
}
