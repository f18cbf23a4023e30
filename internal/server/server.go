// Package server exposes the indexing and control-plane services over gRPC
// and provides the matching clients.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/ChuLiYu/indexplane/api/indexingpb"
	"github.com/ChuLiYu/indexplane/internal/indexing"
)

var log = slog.Default().With("component", "grpc_server")

// PlanApplier is the node operation served by the indexing service.
type PlanApplier interface {
	ApplyIndexingPlan(ctx context.Context, req *indexingpb.ApplyIndexingPlanRequest) error
}

// ControlPlane is the control-plane side of node registration.
type ControlPlane interface {
	RegisterNode(ctx context.Context, req *indexingpb.RegisterNodeRequest) error
	Heartbeat(ctx context.Context, req *indexingpb.HeartbeatRequest) (*indexingpb.HeartbeatResponse, error)
}

// IndexingServer serves ApplyIndexingPlan for one node.
type IndexingServer struct {
	indexingpb.UnimplementedIndexingServiceServer
	node PlanApplier
}

// NewIndexingServer wraps node.
func NewIndexingServer(node PlanApplier) *IndexingServer {
	return &IndexingServer{node: node}
}

// ApplyIndexingPlan implements indexingpb.IndexingServiceServer.
func (s *IndexingServer) ApplyIndexingPlan(ctx context.Context, req *indexingpb.ApplyIndexingPlanRequest) (*emptypb.Empty, error) {
	if err := s.node.ApplyIndexingPlan(ctx, req); err != nil {
		return nil, indexing.ToStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// ControlPlaneServer serves node registration and heartbeats.
type ControlPlaneServer struct {
	indexingpb.UnimplementedControlPlaneServiceServer
	control ControlPlane
}

// NewControlPlaneServer wraps control.
func NewControlPlaneServer(control ControlPlane) *ControlPlaneServer {
	return &ControlPlaneServer{control: control}
}

// RegisterNode implements indexingpb.ControlPlaneServiceServer.
func (s *ControlPlaneServer) RegisterNode(ctx context.Context, req *indexingpb.RegisterNodeRequest) (*emptypb.Empty, error) {
	if err := s.control.RegisterNode(ctx, req); err != nil {
		return nil, indexing.ToStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Heartbeat implements indexingpb.ControlPlaneServiceServer.
func (s *ControlPlaneServer) Heartbeat(ctx context.Context, req *indexingpb.HeartbeatRequest) (*indexingpb.HeartbeatResponse, error) {
	resp, err := s.control.Heartbeat(ctx, req)
	if err != nil {
		return nil, indexing.ToStatus(err)
	}
	return resp, nil
}

// Server is a gRPC server with health checking, request logging and panic
// recovery.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New creates a server. Services are added with RegisterIndexing and
// RegisterControlPlane before Serve.
func New(opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(loggingInterceptor, recoveryInterceptor),
	}, opts...)
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// RegisterIndexing serves the indexing service backed by node.
func (s *Server) RegisterIndexing(node PlanApplier) {
	indexingpb.RegisterIndexingServiceServer(s.grpc, NewIndexingServer(node))
	s.health.SetServingStatus(indexingpb.IndexingServiceName, healthpb.HealthCheckResponse_SERVING)
}

// RegisterControlPlane serves the control-plane service backed by control.
func (s *Server) RegisterControlPlane(control ControlPlane) {
	indexingpb.RegisterControlPlaneServiceServer(s.grpc, NewControlPlaneServer(control))
	s.health.SetServingStatus(indexingpb.ControlPlaneServiceName, healthpb.HealthCheckResponse_SERVING)
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	log.Info("gRPC server listening", "address", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop drains in-flight requests, or cuts them when ctx ends first.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}

func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	if code == codes.OK {
		log.Debug("rpc handled", "method", info.FullMethod, "duration", time.Since(start))
	} else {
		log.Warn("rpc failed", "method", info.FullMethod, "duration", time.Since(start), "code", code.String(), "error", err)
	}
	return resp, err
}

func recoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("rpc handler panicked", "method", info.FullMethod, "panic", p, "stack", string(debug.Stack()))
			err = status.Error(codes.Internal, fmt.Sprintf("panic in %s", info.FullMethod))
		}
	}()
	return handler(ctx, req)
}
