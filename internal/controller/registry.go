package controller

import (
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/indexplane/api/indexingpb"
	"github.com/ChuLiYu/indexplane/internal/scheduler"
	"github.com/ChuLiYu/indexplane/pkg/types"
)

// NodeInfo is what the control plane knows about one indexer node.
type NodeInfo struct {
	NodeID       types.NodeID                `json:"node_id"`
	Address      string                      `json:"address"`
	Capacity     types.CPUCapacity           `json:"cpu_capacity"`
	Pipelines    []indexingpb.PipelineReport `json:"pipelines,omitempty"`
	RegisteredAt time.Time                   `json:"registered_at"`
	LastSeen     time.Time                   `json:"last_seen"`
	ExpiresAt    time.Time                   `json:"expires_at"`
}

// Registry tracks live indexer nodes. A node stays alive while it renews
// its lease with heartbeats.
type Registry struct {
	mu    sync.RWMutex
	nodes map[types.NodeID]*NodeInfo
	lease time.Duration
	now   func() time.Time
}

// NewRegistry creates a registry granting leases of the given duration.
func NewRegistry(lease time.Duration) *Registry {
	return &Registry{
		nodes: make(map[types.NodeID]*NodeInfo),
		lease: lease,
		now:   time.Now,
	}
}

// Register adds or refreshes a node. It reports whether the node is new.
func (r *Registry) Register(req *indexingpb.RegisterNodeRequest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	info, known := r.nodes[req.NodeID]
	if !known {
		info = &NodeInfo{NodeID: req.NodeID, RegisteredAt: now}
		r.nodes[req.NodeID] = info
	}
	info.Address = req.Address
	info.Capacity = req.Capacity
	info.LastSeen = now
	info.ExpiresAt = now.Add(r.lease)
	return !known
}

// Heartbeat renews the lease of a registered node and records its
// pipelines. It returns false for a node the registry does not know,
// which must register again.
func (r *Registry) Heartbeat(req *indexingpb.HeartbeatRequest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, known := r.nodes[req.NodeID]
	if !known {
		return false
	}
	now := r.now()
	if req.Address != "" {
		info.Address = req.Address
	}
	if req.Capacity != types.ZeroCPU() {
		info.Capacity = req.Capacity
	}
	info.Pipelines = slices.Clone(req.Pipelines)
	info.LastSeen = now
	info.ExpiresAt = now.Add(r.lease)
	return true
}

// Expire removes nodes whose lease ran out and returns them, sorted.
func (r *Registry) Expire() []types.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var expired []types.NodeID
	for id, info := range r.nodes {
		if now.After(info.ExpiresAt) {
			delete(r.nodes, id)
			expired = append(expired, id)
		}
	}
	slices.Sort(expired)
	return expired
}

// Get returns a copy of one node.
func (r *Registry) Get(id types.NodeID) (NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}
	out := *info
	out.Pipelines = slices.Clone(info.Pipelines)
	return out, true
}

// Nodes returns a copy of every live node, sorted by id.
func (r *Registry) Nodes() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NodeInfo, 0, len(r.nodes))
	for _, info := range r.nodes {
		node := *info
		node.Pipelines = slices.Clone(info.Pipelines)
		out = append(out, node)
	}
	slices.SortFunc(out, func(a, b NodeInfo) int {
		switch {
		case a.NodeID < b.NodeID:
			return -1
		case a.NodeID > b.NodeID:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of live nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// NodeSpecs returns the placement view of the live nodes.
func (r *Registry) NodeSpecs() []scheduler.NodeSpec {
	nodes := r.Nodes()
	specs := make([]scheduler.NodeSpec, 0, len(nodes))
	for _, node := range nodes {
		specs = append(specs, scheduler.NodeSpec{NodeID: node.NodeID, Capacity: node.Capacity})
	}
	return specs
}

// MeasuredMetrics groups the pipeline metrics reported by live nodes by
// source.
func (r *Registry) MeasuredMetrics() map[types.SourceUID][]types.PipelineMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	measured := make(map[types.SourceUID][]types.PipelineMetrics)
	for _, info := range r.nodes {
		for _, p := range info.Pipelines {
			source := p.PipelineID.SourceUID()
			measured[source] = append(measured[source], p.Metrics)
		}
	}
	return measured
}
