package server

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/indexplane/api/indexingpb"
	"github.com/ChuLiYu/indexplane/internal/controller"
	"github.com/ChuLiYu/indexplane/internal/indexing"
	"github.com/ChuLiYu/indexplane/internal/node"
)

var (
	_ controller.NodeClient   = (*GrpcNodeClient)(nil)
	_ node.ControlPlaneClient = (*GrpcControlPlaneClient)(nil)
)

// GrpcNodeClient sends indexing plans to nodes over gRPC. One connection
// is kept per node address.
type GrpcNodeClient struct {
	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	dialOpts []grpc.DialOption
}

// NewGrpcNodeClient creates a client. Without options connections are
// plaintext.
func NewGrpcNodeClient(opts ...grpc.DialOption) *GrpcNodeClient {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GrpcNodeClient{
		conns:    make(map[string]*grpc.ClientConn),
		dialOpts: opts,
	}
}

func (c *GrpcNodeClient) conn(address string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[address]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(address, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial node %s: %w", address, err)
	}
	c.conns[address] = conn
	return conn, nil
}

// ApplyIndexingPlan implements controller.NodeClient. Errors are
// *indexing.Error values.
func (c *GrpcNodeClient) ApplyIndexingPlan(ctx context.Context, address string, req *indexingpb.ApplyIndexingPlanRequest) error {
	conn, err := c.conn(address)
	if err != nil {
		return indexing.NewUnavailable(err.Error())
	}
	if _, err := indexingpb.NewIndexingServiceClient(conn).ApplyIndexingPlan(ctx, req); err != nil {
		return indexing.FromStatus(err)
	}
	return nil
}

// Forget closes the connection to address, if any.
func (c *GrpcNodeClient) Forget(address string) {
	c.mu.Lock()
	conn, ok := c.conns[address]
	delete(c.conns, address)
	c.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
}

// Close closes every connection.
func (c *GrpcNodeClient) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*grpc.ClientConn)
	c.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GrpcControlPlaneClient lets a node register with a remote control plane.
type GrpcControlPlaneClient struct {
	client indexingpb.ControlPlaneServiceClient
	conn   *grpc.ClientConn
}

// DialControlPlane creates a client for the control plane at address.
// Without options the connection is plaintext.
func DialControlPlane(address string, opts ...grpc.DialOption) (*GrpcControlPlaneClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial control plane %s: %w", address, err)
	}
	return &GrpcControlPlaneClient{client: indexingpb.NewControlPlaneServiceClient(conn), conn: conn}, nil
}

// RegisterNode implements node.ControlPlaneClient.
func (c *GrpcControlPlaneClient) RegisterNode(ctx context.Context, req *indexingpb.RegisterNodeRequest) error {
	if _, err := c.client.RegisterNode(ctx, req); err != nil {
		return indexing.FromStatus(err)
	}
	return nil
}

// Heartbeat implements node.ControlPlaneClient.
func (c *GrpcControlPlaneClient) Heartbeat(ctx context.Context, req *indexingpb.HeartbeatRequest) (*indexingpb.HeartbeatResponse, error) {
	resp, err := c.client.Heartbeat(ctx, req)
	if err != nil {
		return nil, indexing.FromStatus(err)
	}
	return resp, nil
}

// Close closes the connection.
func (c *GrpcControlPlaneClient) Close() error {
	return c.conn.Close()
}
