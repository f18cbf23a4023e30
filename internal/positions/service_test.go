package positions

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ChuLiYu/indexplane/internal/eventbus"
	"github.com/ChuLiYu/indexplane/pkg/types"
)

var testSource = types.SourceUID{IndexUID: "wiki:01", SourceID: "kafka"}

func update(source types.SourceUID, positions ...any) types.ShardPositionsUpdate {
	u := types.ShardPositionsUpdate{SourceUID: source}
	for i := 0; i < len(positions); i += 2 {
		u.UpdatedShardPositions = append(u.UpdatedShardPositions, types.ShardPosition{
			ShardID:  types.ShardID(positions[i].(string)),
			Position: types.PositionOffset(uint64(positions[i+1].(int))),
		})
	}
	return u
}

func testConfig(t *testing.T) Config {
	dir := t.TempDir()
	return Config{
		WALPath:      filepath.Join(dir, "positions.wal"),
		SnapshotPath: filepath.Join(dir, "positions.json"),
	}
}

type countingRecorder struct{ shards atomic.Int64 }

func (r *countingRecorder) RecordPositionsUpdate(shards int) { r.shards.Add(int64(shards)) }

func TestApplyIsLastWriteWinsPerShard(t *testing.T) {
	recorder := &countingRecorder{}
	svc, err := Open(Config{}, recorder)
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Apply(update(testSource, "A", 5, "B", 9)))
	require.NoError(t, svc.Apply(update(testSource, "A", 7)))

	assert.Equal(t, map[types.ShardID]types.Position{
		"A": types.PositionOffset(7),
		"B": types.PositionOffset(9),
	}, svc.Positions(testSource))
	assert.Equal(t, int64(3), recorder.shards.Load())

	// Empty updates change nothing
	require.NoError(t, svc.Apply(types.ShardPositionsUpdate{SourceUID: testSource}))
	assert.Len(t, svc.Positions(testSource), 2)
	assert.Empty(t, svc.Positions(types.SourceUID{IndexUID: "other", SourceID: "src"}))
}

func TestPositionsAreCopies(t *testing.T) {
	svc, err := Open(Config{}, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Apply(update(testSource, "A", 1)))

	got := svc.Positions(testSource)
	got["A"] = types.PositionEOF
	all := svc.All()
	all[testSource]["A"] = types.PositionEOF

	assert.Equal(t, types.PositionOffset(1), svc.Positions(testSource)["A"])
}

func TestRecoveryFromWAL(t *testing.T) {
	cfg := testConfig(t)

	svc, err := Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Apply(update(testSource, "A", 5, "B", 9)))
	require.NoError(t, svc.Apply(update(testSource, "A", 7)))
	require.NoError(t, svc.Close())

	recovered, err := Open(cfg, nil)
	require.NoError(t, err)
	defer recovered.Close()

	assert.Equal(t, map[types.ShardID]types.Position{
		"A": types.PositionOffset(7),
		"B": types.PositionOffset(9),
	}, recovered.Positions(testSource))
}

func TestRecoveryFromSnapshotAndWAL(t *testing.T) {
	cfg := testConfig(t)

	svc, err := Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Apply(update(testSource, "A", 5, "B", 9)))
	require.NoError(t, svc.Snapshot())
	require.NoError(t, svc.Apply(update(testSource, "B", 11)))
	require.NoError(t, svc.Close())

	expected := map[types.SourceUID]map[types.ShardID]types.Position{
		testSource: {"A": types.PositionOffset(5), "B": types.PositionOffset(11)},
	}

	persisted, err := ReadPersisted(cfg)
	require.NoError(t, err)
	assert.Equal(t, expected, persisted)

	recovered, err := Open(cfg, nil)
	require.NoError(t, err)
	defer recovered.Close()
	assert.Equal(t, expected, recovered.All())
}

func TestAttachToBroker(t *testing.T) {
	broker := eventbus.NewBroker[types.ShardPositionsUpdate]("positions", 0)
	svc, err := Open(Config{}, nil)
	require.NoError(t, err)
	svc.Attach(broker)

	broker.Publish(update(testSource, "A", 1))
	broker.Publish(update(testSource, "A", 2))
	broker.Publish(update(testSource, "B", 3))
	require.NoError(t, svc.Close())

	assert.Equal(t, map[types.ShardID]types.Position{
		"A": types.PositionOffset(2),
		"B": types.PositionOffset(3),
	}, svc.Positions(testSource))
}

func TestRunTakesFinalSnapshot(t *testing.T) {
	cfg := testConfig(t)
	cfg.SnapshotInterval = time.Hour

	svc, err := Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Apply(update(testSource, "A", 1)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	require.NoError(t, svc.Close())

	persisted, err := ReadPersisted(Config{SnapshotPath: cfg.SnapshotPath})
	require.NoError(t, err)
	assert.Equal(t, types.PositionOffset(1), persisted[testSource]["A"])
}

// Applying a sequence of updates yields, for every shard, the position of
// the last update that listed it.
func TestApplyMatchesLastWriter(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		svc, err := Open(Config{}, nil)
		require.NoError(t, err)

		expected := make(map[types.ShardID]types.Position)
		shardGen := rapid.SampledFrom([]string{"s0", "s1", "s2", "s3"})
		n := rapid.IntRange(1, 20).Draw(t, "updates")
		for i := 0; i < n; i++ {
			u := types.ShardPositionsUpdate{SourceUID: testSource}
			m := rapid.IntRange(0, 4).Draw(t, "shards")
			for j := 0; j < m; j++ {
				shard := types.ShardID(shardGen.Draw(t, "shard"))
				position := types.PositionOffset(rapid.Uint64Range(0, 1000).Draw(t, "offset"))
				u.UpdatedShardPositions = append(u.UpdatedShardPositions, types.ShardPosition{ShardID: shard, Position: position})
				expected[shard] = position
			}
			require.NoError(t, svc.Apply(u))
		}

		got := svc.Positions(testSource)
		assert.Equal(t, expected, got)
	})
}
