package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Wire messages for the Autodep child<->job-exec supervisor service (§6,
// §9 "a preloaded library intercepting libc calls"). This package's
// autodep.Tracer (component C) uses ptrace, which observes the traced
// child directly and needs no RPC of its own; this service exists for the
// LD_AUDIT/LD_PRELOAD alternative §9 explicitly allows, where the audited
// process itself reports accesses back to the supervisor over a socket
// instead of being traced.

type reportAccessRequest struct {
	File    string
	IsWrite bool
}

type reportAccessReply struct{}

// AutodepServer is the server side of this service. No type in this
// repository implements it and nothing registers it; the ptrace path does
// not use it.
type AutodepServer interface {
	ReportAccess(ctx context.Context, req *reportAccessRequest) (*reportAccessReply, error)
}

func autodepReportAccessHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(reportAccessRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AutodepServer).ReportAccess(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/gomake.Autodep/ReportAccess"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AutodepServer).ReportAccess(ctx, req.(*reportAccessRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var autodepServiceDesc = grpc.ServiceDesc{
	ServiceName: "gomake.Autodep",
	HandlerType: (*AutodepServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReportAccess", Handler: autodepReportAccessHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gomake/autodep.proto",
}

// RegisterAutodepServer registers srv on s under the gob codec (§6).
func RegisterAutodepServer(s *grpc.Server, srv AutodepServer) {
	s.RegisterService(&autodepServiceDesc, srv)
}

// AutodepClient is a preload-mechanism child's view of the service; unused
// by the ptrace path (internal/autodep.Tracer calls its cache directly).
type AutodepClient struct {
	cc *grpc.ClientConn
}

func NewAutodepClient(cc *grpc.ClientConn) *AutodepClient {
	return &AutodepClient{cc: cc}
}

func (c *AutodepClient) ReportAccess(ctx context.Context, file string, isWrite bool) error {
	out := new(reportAccessReply)
	req := &reportAccessRequest{File: file, IsWrite: isWrite}
	return c.cc.Invoke(ctx, "/gomake.Autodep/ReportAccess", req, out, grpc.CallContentSubtype(codecName))
}
