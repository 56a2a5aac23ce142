package coordinator

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service implemented by coordinators.
const ServiceName = "mindist.coordinator.v1.Coordinator"

const (
	methodRegister       = "Register"
	methodNextStructures = "NextStructures"
	methodSubmitResult   = "SubmitResult"
	methodPing           = "Ping"
	methodDeregister     = "Deregister"
)

// Request and response messages are structpb.Struct values with the same
// field names as the REST protocol:
//
//	Register        {nodeId}                          -> {token, id}
//	NextStructures  {quantity, mode}                  -> {filenames, processingMode}
//	SubmitResult    {filename, result, processingTime} -> {success, isNewMinDistance}
//	Ping            {filenames}                        -> {}
//	Deregister      {}                                 -> {}
//
// Every call except Register carries the access token in the
// "x-access-token" metadata key. An unknown token fails with
// codes.PermissionDenied.
type Server interface {
	Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	NextStructures(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SubmitResult(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Ping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Deregister(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterServer attaches srv to a gRPC server.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unaryHandler(name string, call func(Server, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(Server), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(Server), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(methodRegister, Server.Register),
		unaryHandler(methodNextStructures, Server.NextStructures),
		unaryHandler(methodSubmitResult, Server.SubmitResult),
		unaryHandler(methodPing, Server.Ping),
		unaryHandler(methodDeregister, Server.Deregister),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mindist/coordinator/v1/coordinator.proto",
}
