package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Fully-qualified method names of the backend contract.
const (
	BackendServiceName = "knighthero.Backend"
	MethodInvoke       = "/knighthero.Backend/Invoke"
	MethodInvokeStream = "/knighthero.Backend/InvokeStream"
	// HandleMessage is the conventional backend method business envelopes
	// are forwarded with.
	HandleMessage = "HandleMessage"
)

// BackendServer is implemented by logic/chat/fight services (and by the
// simulator in cmd/backendsim).
type BackendServer interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
	InvokeStream(stream BackendInvokeStream) error
}

// BackendInvokeStream is the server view of the bidi stream.
type BackendInvokeStream interface {
	Send(*Response) error
	Recv() (*Request, error)
	grpc.ServerStream
}

type backendInvokeStream struct {
	grpc.ServerStream
}

func (s *backendInvokeStream) Send(resp *Response) error {
	return s.ServerStream.SendMsg(resp)
}

func (s *backendInvokeStream) Recv() (*Request, error) {
	req := new(Request)
	if err := s.ServerStream.RecvMsg(req); err != nil {
		return nil, err
	}
	return req, nil
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BackendServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodInvoke}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BackendServer).Invoke(ctx, req.(*Request))
	}
	return interceptor(ctx, in, info, handler)
}

func invokeStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(BackendServer).InvokeStream(&backendInvokeStream{ServerStream: stream})
}

// BackendServiceDesc is the hand-built service descriptor. The wire format
// is the envelope codec, so no protoc output is involved.
var BackendServiceDesc = grpc.ServiceDesc{
	ServiceName: BackendServiceName,
	HandlerType: (*BackendServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "InvokeStream",
			Handler:       invokeStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// RegisterBackendServer attaches a BackendServer implementation to a gRPC
// server.
func RegisterBackendServer(s grpc.ServiceRegistrar, srv BackendServer) {
	s.RegisterService(&BackendServiceDesc, srv)
}

var invokeStreamDesc = &grpc.StreamDesc{
	StreamName:    "InvokeStream",
	ServerStreams: true,
	ClientStreams: true,
}
