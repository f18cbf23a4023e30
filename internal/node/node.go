// ============================================================================
// Indexplane Node - Indexer Node Runtime
// ============================================================================
//
// Package: internal/node
// File: node.go
// Function: Host the indexing service behind a mailbox and keep the control
//           plane informed through heartbeats
//
// How it works:
//   ┌──────────────────────── Node ─────────────────────────┐
//   │ ApplyIndexingPlan ──Ask──> mailbox ──> IndexingService │
//   │                                          │ pipelines   │
//   │                                          ↓             │
//   │ heartbeat loop <── pending positions <── broker        │
//   └───────────────────────────────────────────────────────┘
//           │ RegisterNode / Heartbeat
//           ↓
//     ControlPlaneClient (in-process controller or gRPC)
//
// Error Handling:
//   Every failure leaving ApplyIndexingPlan is an *indexing.Error:
//   - mailbox closed or full → Unavailable
//   - handler panic          → Internal
//   - caller deadline        → Timeout
//
// Heartbeats:
//   - The node registers first and retries every interval until it succeeds
//   - Each heartbeat carries pipeline metrics and the shard positions
//     observed since the previous successful heartbeat
//   - A failed heartbeat keeps its positions for the next one
//   - A heartbeat answered with known=false triggers a new registration
//
// ============================================================================

package node

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/indexplane/api/indexingpb"
	"github.com/ChuLiYu/indexplane/internal/eventbus"
	"github.com/ChuLiYu/indexplane/internal/indexing"
	"github.com/ChuLiYu/indexplane/internal/mailbox"
	"github.com/ChuLiYu/indexplane/pkg/types"
)

// Config configures an indexer node.
type Config struct {
	NodeID            types.NodeID      `yaml:"id"`
	ListenAddr        string            `yaml:"listen_addr"`
	AdvertiseAddr     string            `yaml:"advertise_addr"`
	Capacity          types.CPUCapacity `yaml:"cpu_capacity"`
	ControlPlaneAddr  string            `yaml:"control_plane_addr"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration     `yaml:"heartbeat_timeout"`
	MailboxCapacity   int               `yaml:"mailbox_capacity"`
}

// ControlPlaneClient is how a node talks to the control plane.
type ControlPlaneClient interface {
	RegisterNode(ctx context.Context, req *indexingpb.RegisterNodeRequest) error
	Heartbeat(ctx context.Context, req *indexingpb.HeartbeatRequest) (*indexingpb.HeartbeatResponse, error)
}

// Recorder receives node level measurements.
type Recorder interface {
	RecordHeartbeat(ok bool)
	RecordRunningPipelines(n int)
}

// Options are the optional collaborators of a node.
type Options struct {
	Sources   map[string]SourceFactory // defaults to DefaultSources()
	Positions PositionsView            // where pipelines resume from
	Recorder  Recorder
}

type requestKind int

const (
	applyPlanRequest requestKind = iota
	listPipelinesRequest
	shutdownRequest
)

type request struct {
	kind      requestKind
	tasks     []types.IndexingTask
	positions []types.ShardPositionsUpdate
}

type reply struct {
	pipelines []PipelineStatus
}

// Node is an indexer node.
type Node struct {
	cfg      Config
	control  ControlPlaneClient
	broker   *eventbus.Broker[types.ShardPositionsUpdate]
	opts     Options
	log      *slog.Logger
	mailbox  *mailbox.Mailbox[request, reply]
	service  *IndexingService
	sub      *eventbus.Subscription[types.ShardPositionsUpdate]
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	pendingMu sync.Mutex
	pending   map[types.SourceUID]map[types.ShardID]types.Position
}

// New creates a node. control may be nil for a node that is driven
// directly. Pipelines publish their positions on broker.
func New(cfg Config, control ControlPlaneClient, broker *eventbus.Broker[types.ShardPositionsUpdate], opts Options) *Node {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = cfg.HeartbeatInterval
	}
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = 32
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.ListenAddr
	}
	if broker == nil {
		broker = eventbus.NewBroker[types.ShardPositionsUpdate]("node-"+string(cfg.NodeID), 0)
	}
	return &Node{
		cfg:     cfg,
		control: control,
		broker:  broker,
		opts:    opts,
		log:     slog.With("component", "node", "node_id", cfg.NodeID),
		pending: make(map[types.SourceUID]map[types.ShardID]types.Position),
	}
}

// ID returns the node id.
func (n *Node) ID() types.NodeID {
	return n.cfg.NodeID
}

// Start starts the indexing service and the heartbeat loop.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.service = NewIndexingService(ctx, n.cfg.NodeID, n.opts.Sources, n.broker, n.opts.Positions)
	n.mailbox = mailbox.New("indexing-service", n.cfg.MailboxCapacity, n.handle)
	if err := n.mailbox.Start(); err != nil {
		cancel()
		return fmt.Errorf("start indexing service: %w", err)
	}
	if n.control != nil {
		n.sub = n.broker.Subscribe("heartbeat", n.collect)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.heartbeatLoop(ctx)
		}()
	}

	n.log.Info("node started", "capacity", n.cfg.Capacity, "address", n.cfg.AdvertiseAddr)
	return nil
}

// Stop stops the heartbeat loop and every pipeline.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		n.wg.Wait()
		if n.mailbox != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := n.mailbox.Ask(ctx, request{kind: shutdownRequest}); err != nil {
				n.log.Warn("indexing service shutdown failed", "error", err)
			}
			cancel()
			n.mailbox.Stop()
		}
		if n.sub != nil {
			n.sub.Cancel()
		}
		n.log.Info("node stopped")
	})
}

func (n *Node) handle(_ context.Context, req request) (reply, error) {
	switch req.kind {
	case applyPlanRequest:
		err := n.service.ApplyPlan(req.tasks, req.positions)
		if n.opts.Recorder != nil {
			n.opts.Recorder.RecordRunningPipelines(len(n.service.pipelines))
		}
		return reply{}, err
	case listPipelinesRequest:
		return reply{pipelines: n.service.Pipelines()}, nil
	case shutdownRequest:
		n.service.Shutdown()
		return reply{}, nil
	default:
		return reply{}, indexing.NewInternal(fmt.Sprintf("unknown request kind %d", req.kind))
	}
}

// ApplyIndexingPlan converges the node to req.Tasks. Errors are
// *indexing.Error values.
func (n *Node) ApplyIndexingPlan(ctx context.Context, req *indexingpb.ApplyIndexingPlanRequest) error {
	if req.NodeID != "" && req.NodeID != n.cfg.NodeID {
		return indexing.NewInternal(fmt.Sprintf("plan for node `%s` sent to node `%s`", req.NodeID, n.cfg.NodeID))
	}
	if n.mailbox == nil {
		return indexing.NewUnavailable("node is not started")
	}
	if _, err := n.mailbox.Ask(ctx, request{kind: applyPlanRequest, tasks: req.Tasks, positions: req.ShardPositions}); err != nil {
		return indexing.FromError(err)
	}
	return nil
}

// Pipelines returns the status of the running pipelines.
func (n *Node) Pipelines(ctx context.Context) ([]PipelineStatus, error) {
	if n.mailbox == nil {
		return nil, indexing.NewUnavailable("node is not started")
	}
	r, err := n.mailbox.Ask(ctx, request{kind: listPipelinesRequest})
	if err != nil {
		return nil, indexing.FromError(err)
	}
	return r.pipelines, nil
}

// ============================================================================
// Heartbeats
// ============================================================================

func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	registered := n.register(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !registered {
			registered = n.register(ctx)
			continue
		}
		known, err := n.heartbeat(ctx)
		if n.opts.Recorder != nil {
			n.opts.Recorder.RecordHeartbeat(err == nil)
		}
		switch {
		case err != nil:
			if ctx.Err() == nil {
				n.log.Warn("heartbeat failed", "error", err)
			}
		case !known:
			n.log.Warn("control plane lost track of node, registering again")
			registered = n.register(ctx)
		}
	}
}

func (n *Node) register(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.HeartbeatTimeout)
	defer cancel()

	err := n.control.RegisterNode(ctx, &indexingpb.RegisterNodeRequest{
		NodeID:   n.cfg.NodeID,
		Address:  n.cfg.AdvertiseAddr,
		Capacity: n.cfg.Capacity,
	})
	if err != nil {
		n.log.Warn("node registration failed", "error", err)
		return false
	}
	n.log.Info("node registered with control plane")
	return true
}

func (n *Node) heartbeat(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.HeartbeatTimeout)
	defer cancel()

	pipelines, err := n.Pipelines(ctx)
	if err != nil {
		return false, err
	}
	reports := make([]indexingpb.PipelineReport, 0, len(pipelines))
	for _, p := range pipelines {
		reports = append(reports, indexingpb.PipelineReport{PipelineID: p.ID, Metrics: p.Metrics, ShardIDs: p.ShardIDs})
	}

	positions := n.drainPending()
	resp, err := n.control.Heartbeat(ctx, &indexingpb.HeartbeatRequest{
		NodeID:    n.cfg.NodeID,
		Address:   n.cfg.AdvertiseAddr,
		Capacity:  n.cfg.Capacity,
		Pipelines: reports,
		Positions: positions,
	})
	if err != nil {
		n.restorePending(positions)
		return false, err
	}
	return resp.Known, nil
}

// collect merges a local update into the positions not yet reported.
func (n *Node) collect(update types.ShardPositionsUpdate) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()

	shards, ok := n.pending[update.SourceUID]
	if !ok {
		shards = make(map[types.ShardID]types.Position)
		n.pending[update.SourceUID] = shards
	}
	for _, sp := range update.UpdatedShardPositions {
		shards[sp.ShardID] = sp.Position
	}
}

func (n *Node) drainPending() []types.ShardPositionsUpdate {
	n.pendingMu.Lock()
	pending := n.pending
	n.pending = make(map[types.SourceUID]map[types.ShardID]types.Position)
	n.pendingMu.Unlock()

	updates := make([]types.ShardPositionsUpdate, 0, len(pending))
	for source, shards := range pending {
		update := types.ShardPositionsUpdate{SourceUID: source}
		for shard, position := range shards {
			update.UpdatedShardPositions = append(update.UpdatedShardPositions, types.ShardPosition{ShardID: shard, Position: position})
		}
		sort.Slice(update.UpdatedShardPositions, func(i, j int) bool {
			return update.UpdatedShardPositions[i].ShardID < update.UpdatedShardPositions[j].ShardID
		})
		updates = append(updates, update)
	}
	sort.Slice(updates, func(i, j int) bool {
		return updates[i].SourceUID.String() < updates[j].SourceUID.String()
	})
	return updates
}

// restorePending puts back positions a failed heartbeat did not deliver,
// unless a newer position was collected in the meantime.
func (n *Node) restorePending(updates []types.ShardPositionsUpdate) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()

	for _, update := range updates {
		shards, ok := n.pending[update.SourceUID]
		if !ok {
			shards = make(map[types.ShardID]types.Position)
			n.pending[update.SourceUID] = shards
		}
		for _, sp := range update.UpdatedShardPositions {
			if _, newer := shards[sp.ShardID]; !newer {
				shards[sp.ShardID] = sp.Position
			}
		}
	}
}
