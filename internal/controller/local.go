package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChuLiYu/indexplane/api/indexingpb"
	"github.com/ChuLiYu/indexplane/internal/indexing"
)

// PlanApplier is the node side of the apply-plan boundary.
type PlanApplier interface {
	ApplyIndexingPlan(ctx context.Context, req *indexingpb.ApplyIndexingPlanRequest) error
}

// LocalNodes is a NodeClient for nodes running in the control plane
// process, looked up by their advertised address. Plans for other
// addresses go to the fallback client, if any.
type LocalNodes struct {
	mu       sync.RWMutex
	nodes    map[string]PlanApplier
	fallback NodeClient
}

// NewLocalNodes returns an empty set of in-process nodes.
func NewLocalNodes() *LocalNodes {
	return &LocalNodes{nodes: make(map[string]PlanApplier)}
}

// Add makes node reachable at address.
func (l *LocalNodes) Add(address string, node PlanApplier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[address] = node
}

// SetFallback sends plans for unknown addresses to client.
func (l *LocalNodes) SetFallback(client NodeClient) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fallback = client
}

// Remove makes address unreachable.
func (l *LocalNodes) Remove(address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.nodes, address)
}

// ApplyIndexingPlan implements NodeClient.
func (l *LocalNodes) ApplyIndexingPlan(ctx context.Context, address string, req *indexingpb.ApplyIndexingPlanRequest) error {
	l.mu.RLock()
	node, ok := l.nodes[address]
	fallback := l.fallback
	l.mu.RUnlock()
	if !ok {
		if fallback != nil {
			return fallback.ApplyIndexingPlan(ctx, address, req)
		}
		return indexing.NewUnavailable(fmt.Sprintf("no node listening on `%s`", address))
	}
	return node.ApplyIndexingPlan(ctx, req)
}
