// Package transport carries append-entries requests between participants over gRPC. The service is described by hand
// and its messages use Codec, so no protoc step is needed.
package transport

import (
	"context"

	"google.golang.org/grpc"

	"replog/internal/replog"
)

const (
	serviceName         = "replog.Replication"
	appendEntriesMethod = "/" + serviceName + "/AppendEntries"
)

// ReplicationServer is implemented by the receiving side of the replication service.
type ReplicationServer interface {
	AppendEntries(ctx context.Context, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error)
}

func appendEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(replog.AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).AppendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: appendEntriesMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicationServer).AppendEntries(ctx, req.(*replog.AppendEntriesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var replicationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ReplicationServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "AppendEntries",
			Handler:    appendEntriesHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "replog/replication",
}

// RegisterReplicationServer registers srv on s.
func RegisterReplicationServer(s grpc.ServiceRegistrar, srv ReplicationServer) {
	s.RegisterService(&replicationServiceDesc, srv)
}
