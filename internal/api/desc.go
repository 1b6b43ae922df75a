// Package api is the daemon control plane: a gRPC service served on the profile's unix socket.
// Requests and responses are protobuf well-known types; records travel as structpb.Struct in
// the JSON shape of the store types.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "wppsync.v1.Inbox"

// InboxServer is the server side of wppsync.v1.Inbox.
type InboxServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListChats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RefreshChats(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ListMessages(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	OpenChat(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	CloseChat(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListDevices(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	CreateDevice(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ConnectDevice(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	DisconnectDevice(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	DeleteDevice(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	SelectDevice(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	WatchEvents(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv InboxServer) {
	s.RegisterService(&ServiceDesc, srv)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InboxServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", newEmpty, InboxServer.GetStatus),
		unary("ListChats", newEmpty, InboxServer.ListChats),
		unary("RefreshChats", newEmpty, InboxServer.RefreshChats),
		unary("ListMessages", newString, InboxServer.ListMessages),
		unary("OpenChat", newString, InboxServer.OpenChat),
		unary("CloseChat", newEmpty, InboxServer.CloseChat),
		unary("SendText", newStruct, InboxServer.SendText),
		unary("ListDevices", newEmpty, InboxServer.ListDevices),
		unary("CreateDevice", newString, InboxServer.CreateDevice),
		unary("ConnectDevice", newString, InboxServer.ConnectDevice),
		unary("DisconnectDevice", newString, InboxServer.DisconnectDevice),
		unary("DeleteDevice", newString, InboxServer.DeleteDevice),
		unary("SelectDevice", newString, InboxServer.SelectDevice),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
}

func newEmpty() *emptypb.Empty           { return new(emptypb.Empty) }
func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }
func newStruct() *structpb.Struct        { return new(structpb.Struct) }

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary builds the method descriptor the protoc plugin would generate for name.
func unary[Req, Resp proto.Message](name string, newReq func() Req, call func(InboxServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(InboxServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(InboxServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(InboxServer).WatchEvents(in, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
}
