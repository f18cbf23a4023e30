package node

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/indexplane/pkg/types"
)

const (
	readErrorBackoff  = time.Second
	throughputWindow  = 10 * time.Second
	maxThroughputMBps = 65535
)

// Publisher receives the shard positions observed by pipelines.
type Publisher interface {
	Publish(update types.ShardPositionsUpdate)
}

// Pipeline runs one indexing task: it reads batches from its source and
// publishes the shards each batch moved.
type Pipeline struct {
	id        types.IndexingPipelineID
	reader    SourceReader
	publisher Publisher
	log       *slog.Logger

	mu          sync.Mutex
	task        types.IndexingTask
	windowStart time.Time
	windowBytes uint64
	throughput  uint16

	cancel context.CancelFunc
	done   chan struct{}
}

// startPipeline starts the pipeline goroutine. It stops when ctx is done
// or Stop is called.
func startPipeline(ctx context.Context, nodeID types.NodeID, task types.IndexingTask, reader SourceReader, publisher Publisher) *Pipeline {
	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		id:          task.PipelineID(nodeID),
		reader:      reader,
		publisher:   publisher,
		task:        task.Clone(),
		windowStart: time.Now(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	p.log = slog.With("component", "pipeline", "pipeline", p.id.String(), "pipeline_uid", task.PipelineUID)
	go p.run(ctx)
	return p
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)
	p.log.Info("pipeline started")

	for {
		batch, err := p.reader.ReadBatch(ctx)
		if ctx.Err() != nil {
			p.log.Info("pipeline stopped")
			return
		}
		if err != nil {
			p.log.Warn("source read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(readErrorBackoff):
			}
			continue
		}

		p.recordBytes(batch.NumBytes)
		if len(batch.Positions) > 0 {
			p.publisher.Publish(types.ShardPositionsUpdate{
				SourceUID:             p.id.SourceUID(),
				UpdatedShardPositions: batch.Positions,
			})
		}
	}
}

func (p *Pipeline) recordBytes(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.windowBytes += n
	elapsed := time.Since(p.windowStart)
	if elapsed < throughputWindow {
		return
	}
	mbps := float64(p.windowBytes) / 1e6 / elapsed.Seconds()
	p.throughput = uint16(min(mbps, maxThroughputMBps))
	p.windowStart = time.Now()
	p.windowBytes = 0
}

// ID returns the pipeline identity.
func (p *Pipeline) ID() types.IndexingPipelineID {
	return p.id
}

// Task returns the task the pipeline currently runs.
func (p *Pipeline) Task() types.IndexingTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.task.Clone()
}

// Update applies a new version of the same task. Only the shard set and
// params bookkeeping change. Shards the pipeline did not own resume from
// start.
func (p *Pipeline) Update(task types.IndexingTask, start map[types.ShardID]types.Position) {
	p.mu.Lock()
	changed := !slices.Equal(p.task.ShardIDs, task.ShardIDs)
	p.task = task.Clone()
	p.mu.Unlock()

	if changed {
		p.reader.AssignShards(task.ShardIDs, start)
		p.log.Info("pipeline shards updated", "shards", len(task.ShardIDs))
	}
}

// Metrics returns the pipeline's current metrics.
func (p *Pipeline) Metrics() types.PipelineMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return types.PipelineMetrics{
		CPULoad:            p.reader.Load(),
		ThroughputMBPerSec: p.throughput,
	}
}

// Stop cancels the pipeline and waits for it to exit.
func (p *Pipeline) Stop() {
	p.cancel()
	<-p.done
}
