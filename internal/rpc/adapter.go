package rpc

import (
	"context"

	"github.com/gomake/gomake/internal/engine"
	"github.com/gomake/gomake/internal/jobexec"
)

// EngineAdapter adapts an *engine.Engine's plain-Go method set onto the
// gob-wire EngineServer interface, translating the unexported request/
// reply structs at this package's boundary so internal/engine itself never
// needs to import anything RPC-shaped.
type EngineAdapter struct {
	Engine *engine.Engine
}

func (a EngineAdapter) Start(ctx context.Context, req *startRequest) (*jobexec.StartReply, error) {
	reply, err := a.Engine.Start(ctx, req.Port)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

func (a EngineAdapter) ChkDeps(ctx context.Context, req *chkDepsRequest) (*chkDepsReply, error) {
	status, err := a.Engine.ChkDeps(ctx, req.Files)
	if err != nil {
		return nil, err
	}
	return &chkDepsReply{Status: status}, nil
}

func (a EngineAdapter) DepInfos(ctx context.Context, req *depInfosRequest) (*depInfosReply, error) {
	infos, err := a.Engine.DepInfos(ctx, req.Files)
	if err != nil {
		return nil, err
	}
	return &depInfosReply{Infos: infos}, nil
}

func (a EngineAdapter) LiveOut(ctx context.Context, req *liveOutRequest) (*liveOutReply, error) {
	if err := a.Engine.LiveOut(ctx, int(req.SmallID), req.Text); err != nil {
		return nil, err
	}
	return &liveOutReply{}, nil
}

func (a EngineAdapter) End(ctx context.Context, req *endRequest) (*endReply, error) {
	if err := a.Engine.End(ctx, int(req.SmallID), req.Digest, req.TmpDir, req.DynamicEnv); err != nil {
		return nil, err
	}
	return &endReply{}, nil
}

// ControlAdapter adapts *engine.Engine to ControlServer the same way.
type ControlAdapter struct {
	Engine *engine.Engine
}

func (a ControlAdapter) Kill(ctx context.Context, req *killRequest) (*killReply, error) {
	zombied, err := a.Engine.Kill(ctx, req.ReqID)
	if err != nil {
		return nil, err
	}
	return &killReply{Zombied: zombied}, nil
}

func (a ControlAdapter) Status(ctx context.Context, req *statusRequest) (*statusReply, error) {
	level, running, err := a.Engine.Status(ctx, req.ReqID)
	if err != nil {
		return nil, err
	}
	return &statusReply{Level: level, RunningJobs: running}, nil
}
