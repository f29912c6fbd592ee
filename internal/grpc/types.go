package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"snowbiome/server/internal/session"
)

// ServiceName is the fully qualified observer service name.
const ServiceName = "snowbiome.v1.SessionService"

const (
	listSessionsMethod = "/" + ServiceName + "/ListSessions"
	watchSessionMethod = "/" + ServiceName + "/WatchSession"
)

// EncodingMetadataKey carries the compressor name in the WatchSession header.
const EncodingMetadataKey = "x-snowbiome-encoding"

// SessionDirectory is the part of the session manager the service reads.
type SessionDirectory interface {
	List() []session.Summary
	Get(id string) (*session.SessionState, error)
}

// SessionServiceServer is implemented by Service. The messages are
// well-known types so no generated code is required:
//
//	ListSessions(Empty) returns (Struct{sessions: [...]})
//	WatchSession(Struct{sessionId, compression, rateHz}) returns (stream BytesValue)
type SessionServiceServer interface {
	ListSessions(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	WatchSession(*structpb.Struct, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
}

func listSessionsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServiceServer).ListSessions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listSessionsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SessionServiceServer).ListSessions(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func watchSessionHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SessionServiceServer).WatchSession(in, &grpc.GenericServerStream[structpb.Struct, wrapperspb.BytesValue]{ServerStream: stream})
}

// SessionServiceDesc describes the observer service for grpc.Server.RegisterService.
var SessionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListSessions", Handler: listSessionsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchSession", Handler: watchSessionHandler, ServerStreams: true},
	},
	Metadata: "snowbiome/v1/session.proto",
}

// Register attaches the service to a gRPC server.
func Register(server grpc.ServiceRegistrar, svc SessionServiceServer) {
	server.RegisterService(&SessionServiceDesc, svc)
}

// WatchRequest is the decoded WatchSession argument.
type WatchRequest struct {
	SessionID   string
	Compression string
	RateHz      float64
}

// Struct encodes the request for the wire.
func (r WatchRequest) Struct() (*structpb.Struct, error) {
	fields := map[string]interface{}{"sessionId": r.SessionID}
	if r.Compression != "" {
		fields["compression"] = r.Compression
	}
	if r.RateHz > 0 {
		fields["rateHz"] = r.RateHz
	}
	return structpb.NewStruct(fields)
}

// ParseWatchRequest reads a WatchSession argument. Unknown fields are ignored.
func ParseWatchRequest(in *structpb.Struct) WatchRequest {
	var req WatchRequest
	if in == nil {
		return req
	}
	fields := in.GetFields()
	req.SessionID = fields["sessionId"].GetStringValue()
	req.Compression = fields["compression"].GetStringValue()
	req.RateHz = fields["rateHz"].GetNumberValue()
	return req
}
