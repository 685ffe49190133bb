package transport

import "google.golang.org/grpc"

const (
	serviceName    = "raftcore.Transport"
	streamFullName = "/" + serviceName + "/Stream"
)

// serviceDesc is a hand-rolled grpc.ServiceDesc for the single bidi
// streaming method this package needs. No .proto/protoc toolchain is
// available here, so the descriptor is authored directly against
// grpc-go's public registration API instead (see DESIGN.md).
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*streamHandlerOwner)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandlerFunc,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "raftcore/transport.proto",
}

// streamHandlerOwner is the HandlerType grpc.ServiceDesc requires; the
// concrete value registered is always a *server.
type streamHandlerOwner interface {
	serve(stream grpc.ServerStream) error
}

func streamHandlerFunc(srv interface{}, stream grpc.ServerStream) error {
	return srv.(streamHandlerOwner).serve(stream)
}
