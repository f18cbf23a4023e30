package indexingpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

const _ = grpc.SupportPackageIsVersion7

const (
	// IndexingServiceName is the gRPC service name of the indexing service.
	IndexingServiceName = "indexplane.indexing.IndexingService"
	// ApplyIndexingPlanFullMethod is the gRPC method of ApplyIndexingPlan.
	ApplyIndexingPlanFullMethod = "/" + IndexingServiceName + "/ApplyIndexingPlan"
	// ApplyIndexingPlanRPCName names the operation in metrics and logs.
	ApplyIndexingPlanRPCName = "apply_indexing_plan"
)

// IndexingServiceClient is the client API of the indexing service.
type IndexingServiceClient interface {
	ApplyIndexingPlan(ctx context.Context, in *ApplyIndexingPlanRequest, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type indexingServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewIndexingServiceClient(cc grpc.ClientConnInterface) IndexingServiceClient {
	return &indexingServiceClient{cc}
}

func (c *indexingServiceClient) ApplyIndexingPlan(ctx context.Context, in *ApplyIndexingPlanRequest, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	err := c.cc.Invoke(ctx, ApplyIndexingPlanFullMethod, in, out, append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IndexingServiceServer is the server API of the indexing service.
type IndexingServiceServer interface {
	ApplyIndexingPlan(context.Context, *ApplyIndexingPlanRequest) (*emptypb.Empty, error)
}

// UnimplementedIndexingServiceServer can be embedded for forward compatibility.
type UnimplementedIndexingServiceServer struct{}

func (UnimplementedIndexingServiceServer) ApplyIndexingPlan(context.Context, *ApplyIndexingPlanRequest) (*emptypb.Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ApplyIndexingPlan not implemented")
}

func RegisterIndexingServiceServer(s grpc.ServiceRegistrar, srv IndexingServiceServer) {
	s.RegisterService(&indexingServiceDesc, srv)
}

func applyIndexingPlanHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ApplyIndexingPlanRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IndexingServiceServer).ApplyIndexingPlan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ApplyIndexingPlanFullMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IndexingServiceServer).ApplyIndexingPlan(ctx, req.(*ApplyIndexingPlanRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var indexingServiceDesc = grpc.ServiceDesc{
	ServiceName: IndexingServiceName,
	HandlerType: (*IndexingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ApplyIndexingPlan",
			Handler:    applyIndexingPlanHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "indexing.proto",
}
