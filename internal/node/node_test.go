package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/indexplane/api/indexingpb"
	"github.com/ChuLiYu/indexplane/internal/eventbus"
	"github.com/ChuLiYu/indexplane/internal/indexing"
	"github.com/ChuLiYu/indexplane/pkg/types"
)

// fakeControlPlane records what nodes tell it.
type fakeControlPlane struct {
	mu            sync.Mutex
	registrations int
	heartbeats    []*indexingpb.HeartbeatRequest
	known         bool
	failHeartbeat bool
}

func (f *fakeControlPlane) RegisterNode(_ context.Context, req *indexingpb.RegisterNodeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations++
	f.known = true
	return nil
}

func (f *fakeControlPlane) Heartbeat(_ context.Context, req *indexingpb.HeartbeatRequest) (*indexingpb.HeartbeatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHeartbeat {
		return nil, errors.New("control plane down")
	}
	f.heartbeats = append(f.heartbeats, req)
	return &indexingpb.HeartbeatResponse{Known: f.known}, nil
}

func (f *fakeControlPlane) positionsSeen() map[types.ShardID]types.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[types.ShardID]types.Position)
	for _, hb := range f.heartbeats {
		for _, update := range hb.Positions {
			for _, sp := range update.UpdatedShardPositions {
				seen[sp.ShardID] = sp.Position
			}
		}
	}
	return seen
}

func fastTask(uid types.PipelineUID, shards ...types.ShardID) types.IndexingTask {
	return types.IndexingTask{
		IndexUID:    "wiki:01",
		SourceID:    "synthetic",
		PipelineUID: uid,
		SourceType:  SourceTypeSynthetic,
		ShardIDs:    shards,
		Params:      map[string]any{"docs_per_sec": float64(100000), "batch_docs": float64(100)},
	}
}

// positionsMap is a PositionsView over a single source.
type positionsMap struct {
	mu     sync.Mutex
	shards map[types.ShardID]types.Position
}

func (p *positionsMap) Positions(types.SourceUID) map[types.ShardID]types.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[types.ShardID]types.Position, len(p.shards))
	for shard, position := range p.shards {
		out[shard] = position
	}
	return out
}

func (p *positionsMap) set(shard types.ShardID, position types.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shards[shard] = position
}

// firstPositions records the first position published for every shard.
type firstPositions struct {
	mu     sync.Mutex
	shards map[types.ShardID]types.Position
}

func watchFirstPositions(t *testing.T, broker *eventbus.Broker[types.ShardPositionsUpdate]) *firstPositions {
	t.Helper()
	first := &firstPositions{shards: make(map[types.ShardID]types.Position)}
	sub := broker.Subscribe("first-positions", func(u types.ShardPositionsUpdate) {
		first.mu.Lock()
		defer first.mu.Unlock()
		for _, sp := range u.UpdatedShardPositions {
			if _, seen := first.shards[sp.ShardID]; !seen {
				first.shards[sp.ShardID] = sp.Position
			}
		}
	})
	t.Cleanup(sub.Cancel)
	return first
}

func (f *firstPositions) get(shard types.ShardID) (types.Position, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	position, ok := f.shards[shard]
	return position, ok
}

func startNode(t *testing.T, control ControlPlaneClient) (*Node, *eventbus.Broker[types.ShardPositionsUpdate]) {
	t.Helper()
	return startNodeWith(t, control, Options{})
}

func startNodeWith(t *testing.T, control ControlPlaneClient, opts Options) (*Node, *eventbus.Broker[types.ShardPositionsUpdate]) {
	t.Helper()
	broker := eventbus.NewBroker[types.ShardPositionsUpdate]("test", 0)
	n := New(Config{
		NodeID:            "node-1",
		ListenAddr:        "127.0.0.1:0",
		Capacity:          types.MCPU(8000),
		HeartbeatInterval: 10 * time.Millisecond,
	}, control, broker, opts)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() {
		n.Stop()
		broker.Close()
	})
	return n, broker
}

func TestApplyIndexingPlanConverges(t *testing.T) {
	n, _ := startNode(t, nil)
	ctx := context.Background()

	plan := []types.IndexingTask{fastTask("p1", "0"), fastTask("p2", "1")}
	require.NoError(t, n.ApplyIndexingPlan(ctx, &indexingpb.ApplyIndexingPlanRequest{NodeID: "node-1", Tasks: plan}))

	pipelines, err := n.Pipelines(ctx)
	require.NoError(t, err)
	require.Len(t, pipelines, 2)
	assert.Equal(t, types.PipelineUID("p1"), pipelines[0].ID.PipelineUID)
	assert.Equal(t, types.NodeID("node-1"), pipelines[0].ID.NodeID)

	// Same uid, new shards: the pipeline keeps running with the new shard set
	running := n.service.pipelines["p1"]
	plan = []types.IndexingTask{fastTask("p1", "0", "1"), fastTask("p3", "2")}
	require.NoError(t, n.ApplyIndexingPlan(ctx, &indexingpb.ApplyIndexingPlanRequest{Tasks: plan}))

	pipelines, err = n.Pipelines(ctx)
	require.NoError(t, err)
	require.Len(t, pipelines, 2)
	assert.Equal(t, []types.ShardID{"0", "1"}, pipelines[0].ShardIDs)
	assert.Equal(t, types.PipelineUID("p3"), pipelines[1].ID.PipelineUID)

	// Applying the same plan again changes nothing
	require.NoError(t, n.ApplyIndexingPlan(ctx, &indexingpb.ApplyIndexingPlanRequest{Tasks: plan}))
	pipelines, err = n.Pipelines(ctx)
	require.NoError(t, err)
	assert.Len(t, pipelines, 2)

	// Empty plan stops everything
	require.NoError(t, n.ApplyIndexingPlan(ctx, &indexingpb.ApplyIndexingPlanRequest{}))
	pipelines, err = n.Pipelines(ctx)
	require.NoError(t, err)
	assert.Empty(t, pipelines)

	select {
	case <-running.done:
	default:
		t.Fatal("stopped pipeline is still running")
	}
}

func TestApplyIndexingPlanErrors(t *testing.T) {
	n, _ := startNode(t, nil)
	ctx := context.Background()

	require.NoError(t, n.ApplyIndexingPlan(ctx, &indexingpb.ApplyIndexingPlanRequest{Tasks: []types.IndexingTask{fastTask("p1")}}))

	kafka := fastTask("p2")
	kafka.SourceType = "kafka"

	testCases := []struct {
		name string
		req  *indexingpb.ApplyIndexingPlanRequest
		kind indexing.Kind
	}{
		{"unsupported source type", &indexingpb.ApplyIndexingPlanRequest{Tasks: []types.IndexingTask{kafka}}, indexing.KindUnimplemented},
		{"missing pipeline uid", &indexingpb.ApplyIndexingPlanRequest{Tasks: []types.IndexingTask{fastTask("")}}, indexing.KindInternal},
		{"duplicate pipeline uid", &indexingpb.ApplyIndexingPlanRequest{Tasks: []types.IndexingTask{fastTask("p1"), fastTask("p1")}}, indexing.KindInternal},
		{"wrong node", &indexingpb.ApplyIndexingPlanRequest{NodeID: "node-9"}, indexing.KindInternal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := n.ApplyIndexingPlan(ctx, tc.req)
			var indexingErr *indexing.Error
			require.True(t, errors.As(err, &indexingErr), "got %v", err)
			assert.Equal(t, tc.kind, indexingErr.Kind)
		})
	}

	// Rejected plans leave the running pipelines untouched
	pipelines, err := n.Pipelines(ctx)
	require.NoError(t, err)
	require.Len(t, pipelines, 1)
	assert.Equal(t, types.PipelineUID("p1"), pipelines[0].ID.PipelineUID)
}

func TestApplyIndexingPlanOnStoppedNode(t *testing.T) {
	n := New(Config{NodeID: "node-1"}, nil, nil, Options{})
	err := n.ApplyIndexingPlan(context.Background(), &indexingpb.ApplyIndexingPlanRequest{})
	assert.ErrorIs(t, err, indexing.ErrUnavailable)

	require.NoError(t, n.Start(context.Background()))
	n.Stop()

	err = n.ApplyIndexingPlan(context.Background(), &indexingpb.ApplyIndexingPlanRequest{})
	assert.ErrorIs(t, err, indexing.ErrUnavailable)
	assert.Equal(t, "service unavailable: request could not be delivered to actor", err.Error())
}

func TestPipelinesPublishPositions(t *testing.T) {
	n, broker := startNode(t, nil)

	updates := make(chan types.ShardPositionsUpdate, 16)
	sub := broker.Subscribe("test", func(u types.ShardPositionsUpdate) {
		select {
		case updates <- u:
		default:
		}
	})
	defer sub.Cancel()

	require.NoError(t, n.ApplyIndexingPlan(context.Background(), &indexingpb.ApplyIndexingPlanRequest{
		Tasks: []types.IndexingTask{fastTask("p1", "0")},
	}))

	select {
	case u := <-updates:
		assert.Equal(t, types.SourceUID{IndexUID: "wiki:01", SourceID: "synthetic"}, u.SourceUID)
		require.Len(t, u.UpdatedShardPositions, 1)
		assert.Equal(t, types.ShardID("0"), u.UpdatedShardPositions[0].ShardID)
	case <-time.After(2 * time.Second):
		t.Fatal("no shard positions published")
	}
}

func TestReassignedShardResumesFromCurrentPositions(t *testing.T) {
	view := &positionsMap{shards: map[types.ShardID]types.Position{"2": types.PositionOffset(5000)}}
	n, broker := startNodeWith(t, nil, Options{Positions: view})
	first := watchFirstPositions(t, broker)
	ctx := context.Background()

	require.NoError(t, n.ApplyIndexingPlan(ctx, &indexingpb.ApplyIndexingPlanRequest{
		Tasks: []types.IndexingTask{fastTask("p1", "1")},
	}))

	// Shard 2 keeps advancing on another pipeline, then moves to p1.
	view.set("2", types.PositionOffset(9000))
	require.NoError(t, n.ApplyIndexingPlan(ctx, &indexingpb.ApplyIndexingPlanRequest{
		Tasks: []types.IndexingTask{fastTask("p1", "1", "2")},
	}))

	require.Eventually(t, func() bool {
		_, ok := first.get("2")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	position, _ := first.get("2")
	assert.Equal(t, types.PositionOffset(9100), position, "Shard 2 should resume from 9000, not from the position p1 started with")
}

func TestApplyIndexingPlanResumesFromShippedPositions(t *testing.T) {
	// No local view: a remote node only knows what the plan carries.
	n, broker := startNode(t, nil)
	first := watchFirstPositions(t, broker)
	ctx := context.Background()
	source := types.SourceUID{IndexUID: "wiki:01", SourceID: "synthetic"}

	require.NoError(t, n.ApplyIndexingPlan(ctx, &indexingpb.ApplyIndexingPlanRequest{
		Tasks: []types.IndexingTask{fastTask("p1", "0")},
		ShardPositions: []types.ShardPositionsUpdate{{
			SourceUID:             source,
			UpdatedShardPositions: []types.ShardPosition{{ShardID: "0", Position: types.PositionOffset(7000)}},
		}, {
			SourceUID:             types.SourceUID{IndexUID: "other", SourceID: "synthetic"},
			UpdatedShardPositions: []types.ShardPosition{{ShardID: "1", Position: types.PositionEOF}},
		}},
	}))
	require.NoError(t, n.ApplyIndexingPlan(ctx, &indexingpb.ApplyIndexingPlanRequest{
		Tasks: []types.IndexingTask{fastTask("p1", "0", "1")},
		ShardPositions: []types.ShardPositionsUpdate{{
			SourceUID:             source,
			UpdatedShardPositions: []types.ShardPosition{{ShardID: "1", Position: types.PositionOffset(3000)}},
		}},
	}))

	require.Eventually(t, func() bool {
		_, ok0 := first.get("0")
		_, ok1 := first.get("1")
		return ok0 && ok1
	}, 2*time.Second, 5*time.Millisecond)
	position, _ := first.get("0")
	assert.Equal(t, types.PositionOffset(7100), position)
	position, _ = first.get("1")
	assert.Equal(t, types.PositionOffset(3100), position, "Positions of another source must not leak into this one")
}

func TestStartPositionsKeepsFurthest(t *testing.T) {
	source := types.SourceUID{IndexUID: "wiki:01", SourceID: "synthetic"}
	view := &positionsMap{shards: map[types.ShardID]types.Position{
		"a": types.PositionOffset(500),
		"b": types.PositionOffset(100),
		"c": types.PositionEOF,
	}}
	svc := NewIndexingService(context.Background(), "node-1", nil, nil, view)

	start := svc.startPositions(source, []types.ShardPositionsUpdate{{
		SourceUID: source,
		UpdatedShardPositions: []types.ShardPosition{
			{ShardID: "a", Position: types.PositionOffset(200)},
			{ShardID: "b", Position: types.PositionOffset(300)},
			{ShardID: "c", Position: types.PositionOffset(1)},
			{ShardID: "d", Position: types.PositionOffset(42)},
		},
	}})

	assert.Equal(t, map[types.ShardID]types.Position{
		"a": types.PositionOffset(500),
		"b": types.PositionOffset(300),
		"c": types.PositionEOF,
		"d": types.PositionOffset(42),
	}, start)
	assert.Equal(t, types.PositionOffset(100), view.Positions(source)["b"], "The view must not be modified")
}

func TestHeartbeatReportsPipelinesAndPositions(t *testing.T) {
	control := &fakeControlPlane{}
	n, _ := startNode(t, control)

	require.NoError(t, n.ApplyIndexingPlan(context.Background(), &indexingpb.ApplyIndexingPlanRequest{
		Tasks: []types.IndexingTask{fastTask("p1", "0")},
	}))

	require.Eventually(t, func() bool {
		_, ok := control.positionsSeen()["0"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	control.mu.Lock()
	defer control.mu.Unlock()
	assert.Equal(t, 1, control.registrations)
	last := control.heartbeats[len(control.heartbeats)-1]
	assert.Equal(t, types.NodeID("node-1"), last.NodeID)
	assert.Equal(t, types.MCPU(8000), last.Capacity)
	require.Len(t, last.Pipelines, 1)
	assert.Equal(t, types.PipelineUID("p1"), last.Pipelines[0].PipelineID.PipelineUID)
}

func TestHeartbeatRegistersAgainWhenUnknown(t *testing.T) {
	control := &fakeControlPlane{}
	startNode(t, control)

	require.Eventually(t, func() bool {
		control.mu.Lock()
		defer control.mu.Unlock()
		return len(control.heartbeats) > 0
	}, time.Second, 5*time.Millisecond)

	control.mu.Lock()
	control.known = false
	control.mu.Unlock()

	require.Eventually(t, func() bool {
		control.mu.Lock()
		defer control.mu.Unlock()
		return control.registrations >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestFailedHeartbeatKeepsPositions(t *testing.T) {
	n := New(Config{NodeID: "node-1"}, &fakeControlPlane{}, nil, Options{})
	source := types.SourceUID{IndexUID: "idx", SourceID: "src"}

	n.collect(types.ShardPositionsUpdate{SourceUID: source, UpdatedShardPositions: []types.ShardPosition{{ShardID: "a", Position: types.PositionOffset(1)}}})
	drained := n.drainPending()
	require.Len(t, drained, 1)

	// A newer position arrives while the heartbeat is in flight
	n.collect(types.ShardPositionsUpdate{SourceUID: source, UpdatedShardPositions: []types.ShardPosition{{ShardID: "a", Position: types.PositionOffset(2)}}})
	n.restorePending(drained)

	again := n.drainPending()
	require.Len(t, again, 1)
	assert.Equal(t, types.PositionOffset(2), again[0].UpdatedShardPositions[0].Position)
}
