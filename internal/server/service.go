package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "toolplane.v1.ToolPlane"

const (
	invokeMethod    = "/" + ServiceName + "/Invoke"
	listToolsMethod = "/" + ServiceName + "/ListTools"
)

// ToolPlaneService is the server API. Messages are structpb.Struct so the
// tool surface can change without regenerating stubs.
//
// Invoke takes {"tool": string, "arguments": object} and returns
// {"result": value}. ListTools takes an optional {"prefix": string} and
// returns {"tools": [...]}.
type ToolPlaneService interface {
	Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListTools(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes ToolPlaneService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolPlaneService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: unaryHandler(invokeMethod, ToolPlaneService.Invoke)},
		{MethodName: "ListTools", Handler: unaryHandler(listToolsMethod, ToolPlaneService.ListTools)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "toolplane/v1/toolplane.proto",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv ToolPlaneService) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryMethod func(ToolPlaneService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, m unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return m(srv.(ToolPlaneService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return m(srv.(ToolPlaneService), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client calls a remote ToolPlaneService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Invoke(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, invokeMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListTools(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, listToolsMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
