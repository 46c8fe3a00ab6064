package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Sync"

// Method names of the Sync service.
const (
	MethodGetStatus         = "GetStatus"
	MethodListConversations = "ListConversations"
	MethodListMessages      = "ListMessages"
	MethodLoadMore          = "LoadMore"
	MethodSetCurrent        = "SetCurrent"
	MethodSend              = "Send"
	MethodMarkRead          = "MarkRead"
	MethodStartTyping       = "StartTyping"
	MethodStopTyping        = "StopTyping"
	MethodConnect           = "Connect"
	MethodDisconnect        = "Disconnect"
	MethodWatchEvents       = "WatchEvents"
)

// FullMethod returns the path used on the wire for method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// SyncServer is the server API for the Sync service. Requests and responses
// are structpb.Struct messages.
type SyncServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadMore(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetCurrent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryFunc func(SyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(SyncServer)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SyncServer).WatchEvents(in, stream)
}

// ServiceDesc describes the Sync service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, SyncServer.GetStatus),
		unary(MethodListConversations, SyncServer.ListConversations),
		unary(MethodListMessages, SyncServer.ListMessages),
		unary(MethodLoadMore, SyncServer.LoadMore),
		unary(MethodSetCurrent, SyncServer.SetCurrent),
		unary(MethodSend, SyncServer.Send),
		unary(MethodMarkRead, SyncServer.MarkRead),
		unary(MethodStartTyping, SyncServer.StartTyping),
		unary(MethodStopTyping, SyncServer.StopTyping),
		unary(MethodConnect, SyncServer.Connect),
		unary(MethodDisconnect, SyncServer.Disconnect),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/sync.proto",
}

// RegisterSyncServer registers srv on s.
func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}
