package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Admin is described by hand with well-known request and response types,
// so it needs no generated code.
const AdminServiceName = "roomrelay.admin.v1.Admin"

const (
	listRoomsMethod = "/" + AdminServiceName + "/ListRooms"
	statsMethod     = "/" + AdminServiceName + "/Stats"
	kickMethod      = "/" + AdminServiceName + "/Kick"
)

type AdminServer interface {
	// ListRooms returns {"rooms": {"<room>": members}, "total": connections}.
	ListRooms(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Stats returns relay counters.
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Kick closes the connection named by the "id" field.
	Kick(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ListRooms",
			Handler: unaryHandler(listRoomsMethod, func() interface{} { return new(emptypb.Empty) },
				func(srv AdminServer, ctx context.Context, req interface{}) (interface{}, error) {
					return srv.ListRooms(ctx, req.(*emptypb.Empty))
				}),
		},
		{
			MethodName: "Stats",
			Handler: unaryHandler(statsMethod, func() interface{} { return new(emptypb.Empty) },
				func(srv AdminServer, ctx context.Context, req interface{}) (interface{}, error) {
					return srv.Stats(ctx, req.(*emptypb.Empty))
				}),
		},
		{
			MethodName: "Kick",
			Handler: unaryHandler(kickMethod, func() interface{} { return new(structpb.Struct) },
				func(srv AdminServer, ctx context.Context, req interface{}) (interface{}, error) {
					return srv.Kick(ctx, req.(*structpb.Struct))
				}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "roomrelay/admin.proto",
}

type adminCall func(srv AdminServer, ctx context.Context, req interface{}) (interface{}, error)

func unaryHandler(fullMethod string, newReq func() interface{}, call adminCall) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AdminServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(AdminServer), ctx, req)
		}
		return interceptor(ctx, in, info, handler)
	}
}

// AdminClient calls the Admin service over cc.
type AdminClient struct {
	cc grpc.ClientConnInterface
}

func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

func (c *AdminClient) ListRooms(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, listRoomsMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) Stats(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, statsMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdminClient) Kick(ctx context.Context, id string, opts ...grpc.CallOption) (bool, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"id": id})
	if err != nil {
		return false, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, kickMethod, in, out, opts...); err != nil {
		return false, err
	}
	return out.GetFields()["removed"].GetBoolValue(), nil
}
