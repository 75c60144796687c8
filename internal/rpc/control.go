package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Wire messages for the Server control<->Job service (§6): the engine's
// control-plane listener lets an out-of-process client (cmd/gomaked's own
// CLI front door, or a future admin tool) kill a Req or query its status
// without going through the Job<->Engine channel used by job-exec itself.

type killRequest struct {
	ReqID uint64
}

type killReply struct {
	Zombied bool
}

type statusRequest struct {
	ReqID uint64
}

type statusReply struct {
	Level       int32 // makestate.Level of the Req's synthetic job
	RunningJobs uint32
}

// ControlServer is implemented by internal/engine and exposes the
// Server<->Job control plane (§6).
type ControlServer interface {
	Kill(ctx context.Context, req *killRequest) (*killReply, error)
	Status(ctx context.Context, req *statusRequest) (*statusReply, error)
}

func controlKillHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(killRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Kill(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/gomake.Control/Kill"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Kill(ctx, req.(*killRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func controlStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(statusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/gomake.Control/Status"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Status(ctx, req.(*statusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: "gomake.Control",
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Kill", Handler: controlKillHandler},
		{MethodName: "Status", Handler: controlStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gomake/control.proto",
}

// RegisterControlServer registers srv on s under the gob codec (§6).
func RegisterControlServer(s *grpc.Server, srv ControlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

// ControlClient is the CLI-side view of the control plane.
type ControlClient struct {
	cc *grpc.ClientConn
}

func NewControlClient(cc *grpc.ClientConn) *ControlClient {
	return &ControlClient{cc: cc}
}

func (c *ControlClient) Kill(ctx context.Context, reqID uint64) (bool, error) {
	out := new(killReply)
	err := c.cc.Invoke(ctx, "/gomake.Control/Kill", &killRequest{ReqID: reqID}, out, grpc.CallContentSubtype(codecName))
	if err != nil {
		return false, err
	}
	return out.Zombied, nil
}

func (c *ControlClient) Status(ctx context.Context, reqID uint64) (level int32, runningJobs uint32, err error) {
	out := new(statusReply)
	err = c.cc.Invoke(ctx, "/gomake.Control/Status", &statusRequest{ReqID: reqID}, out, grpc.CallContentSubtype(codecName))
	if err != nil {
		return 0, 0, err
	}
	return out.Level, out.RunningJobs, nil
}
