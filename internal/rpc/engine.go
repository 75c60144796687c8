package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/gomake/gomake/internal/jobexec"
)

// Wire messages for the Job<->Engine service (§6). Every field is a plain
// exported Go value so gobCodec can round-trip it without a schema.

// startRequest identifies which spawned job is connecting. The field is
// named Port for wire-format parity with §6's "Start(port)" (a reverse-dial
// port in the original design); since this transport is a single long-lived
// duplex gRPC connection rather than a reverse-dial model, cmd/gomake-job
// instead carries its GOMAKE_SMALL_ID value here, which internal/engine
// resolves back to a jobID via backend.Scheduler.Lookup.
type startRequest struct {
	Port int
}

// The remaining Job<->Engine requests all carry SmallID too: since this is
// one shared duplex connection serving every spawned job, each call must
// identify which job it belongs to the same way Start's repurposed Port
// field does.

type chkDepsRequest struct {
	SmallID uint32
	Files   []string
}

type chkDepsReply struct {
	Status jobexec.UpToDate
}

type depInfosRequest struct {
	SmallID uint32
	Files   []string
}

type depInfosReply struct {
	Infos []jobexec.DepInfoReply
}

type liveOutRequest struct {
	SmallID uint32
	Text    []byte
}

type liveOutReply struct{}

type endRequest struct {
	SmallID    uint32
	Digest     jobexec.JobDigest
	TmpDir     string
	DynamicEnv []string
}

type endReply struct{}

// EngineServer is the server side of the Job<->Engine RPC (§6), implemented
// by internal/engine and registered on the gomaked control-plane listener.
type EngineServer interface {
	Start(ctx context.Context, req *startRequest) (*jobexec.StartReply, error)
	ChkDeps(ctx context.Context, req *chkDepsRequest) (*chkDepsReply, error)
	DepInfos(ctx context.Context, req *depInfosRequest) (*depInfosReply, error)
	LiveOut(ctx context.Context, req *liveOutRequest) (*liveOutReply, error)
	End(ctx context.Context, req *endRequest) (*endReply, error)
}

func engineStartHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(startRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).Start(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/gomake.Engine/Start"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EngineServer).Start(ctx, req.(*startRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func engineChkDepsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(chkDepsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).ChkDeps(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/gomake.Engine/ChkDeps"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EngineServer).ChkDeps(ctx, req.(*chkDepsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func engineDepInfosHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(depInfosRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).DepInfos(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/gomake.Engine/DepInfos"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EngineServer).DepInfos(ctx, req.(*depInfosRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func engineLiveOutHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(liveOutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).LiveOut(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/gomake.Engine/LiveOut"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EngineServer).LiveOut(ctx, req.(*liveOutRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func engineEndHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(endRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).End(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/gomake.Engine/End"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EngineServer).End(ctx, req.(*endRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var engineServiceDesc = grpc.ServiceDesc{
	ServiceName: "gomake.Engine",
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Start", Handler: engineStartHandler},
		{MethodName: "ChkDeps", Handler: engineChkDepsHandler},
		{MethodName: "DepInfos", Handler: engineDepInfosHandler},
		{MethodName: "LiveOut", Handler: engineLiveOutHandler},
		{MethodName: "End", Handler: engineEndHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gomake/engine.proto",
}

// RegisterEngineServer registers srv on s under the gob codec (§6).
func RegisterEngineServer(s *grpc.Server, srv EngineServer) {
	s.RegisterService(&engineServiceDesc, srv)
}

// engineClient is the gRPC transport's implementation of
// jobexec.EngineClient, used by cmd/gomake-job. It carries its own
// small_id (learned from GOMAKE_SMALL_ID) and stamps every request with it
// so the engine's single shared listener can route each call to the right
// job.
type engineClient struct {
	cc      *grpc.ClientConn
	smallID uint32
}

// NewEngineClient dials the job-exec supervisor's view of the Job<->Engine
// RPC over cc, identifying this process's calls by smallID.
func NewEngineClient(cc *grpc.ClientConn, smallID uint32) jobexec.EngineClient {
	return &engineClient{cc: cc, smallID: smallID}
}

func (c *engineClient) invoke(ctx context.Context, method string, in, out interface{}) error {
	return c.cc.Invoke(ctx, method, in, out, grpc.CallContentSubtype(codecName))
}

func (c *engineClient) Start(ctx context.Context, port int) (jobexec.StartReply, error) {
	out := new(jobexec.StartReply)
	if err := c.invoke(ctx, "/gomake.Engine/Start", &startRequest{Port: port}, out); err != nil {
		return jobexec.StartReply{}, err
	}
	return *out, nil
}

func (c *engineClient) ChkDeps(ctx context.Context, files []string) (jobexec.UpToDate, error) {
	out := new(chkDepsReply)
	req := &chkDepsRequest{SmallID: c.smallID, Files: files}
	if err := c.invoke(ctx, "/gomake.Engine/ChkDeps", req, out); err != nil {
		return jobexec.UpToDateMaybe, err
	}
	return out.Status, nil
}

func (c *engineClient) DepInfos(ctx context.Context, files []string) ([]jobexec.DepInfoReply, error) {
	out := new(depInfosReply)
	req := &depInfosRequest{SmallID: c.smallID, Files: files}
	if err := c.invoke(ctx, "/gomake.Engine/DepInfos", req, out); err != nil {
		return nil, err
	}
	return out.Infos, nil
}

func (c *engineClient) LiveOut(ctx context.Context, text []byte) error {
	out := new(liveOutReply)
	req := &liveOutRequest{SmallID: c.smallID, Text: text}
	return c.invoke(ctx, "/gomake.Engine/LiveOut", req, out)
}

func (c *engineClient) End(ctx context.Context, digest jobexec.JobDigest, tmpDir string, dynamicEnv []string) error {
	out := new(endReply)
	req := &endRequest{SmallID: c.smallID, Digest: digest, TmpDir: tmpDir, DynamicEnv: dynamicEnv}
	return c.invoke(ctx, "/gomake.Engine/End", req, out)
}
