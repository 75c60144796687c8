package jobexec

import (
	"context"
	"os/exec"
	"time"

	"golang.org/x/xerrors"

	"github.com/gomake/gomake/internal/autodep"
	"github.com/gomake/gomake/internal/sandbox"
)

// StartReply is everything the engine hands back for one job run (§4.E
// step 1, §6 wire formats "StartReply").
type StartReply struct {
	SeqID, JobID uint64
	SmallID      uint32

	Cmd  []string
	Env  []string
	Cwd  string

	AutodepMethod string
	Roots         autodep.Roots
	Sandbox       sandbox.Spec
	WashActions   []sandbox.FileAction

	Targets     []string
	StaticDeps  []string
	NoCrc       map[string]bool

	Stdin, Stdout string // file paths, empty for inherited
	Timeout       time.Duration
	CacheKey      string
	KeepTmp       bool
}

// EngineClient is the supervisor's view of the Job<->Engine RPC (§6): it
// receives the concrete implementation from internal/rpc, kept as an
// interface here so this package has no transport dependency.
type EngineClient interface {
	Start(ctx context.Context, port int) (StartReply, error)
	ChkDeps(ctx context.Context, files []string) (UpToDate, error)
	DepInfos(ctx context.Context, files []string) ([]DepInfoReply, error)
	LiveOut(ctx context.Context, text []byte) error
	End(ctx context.Context, digest JobDigest, tmpDir string, dynamicEnv []string) error
}

type UpToDate int

const (
	UpToDateYes UpToDate = iota
	UpToDateNo
	UpToDateMaybe
)

type DepInfoReply struct {
	Buildable bool
	FP        string
}

// Supervisor runs the §4.E lifecycle for exactly one job.
type Supervisor struct {
	client   EngineClient
	resolver *autodep.Resolver
	cache    *autodep.Cache
	dirGuard *sandbox.DirGuard
}

func NewSupervisor(client EngineClient, dirGuard *sandbox.DirGuard) *Supervisor {
	return &Supervisor{client: client, dirGuard: dirGuard}
}

// Run performs the full §4.E sequence: Start, wash, sandbox, spawn,
// collect, digest, End.
func (s *Supervisor) Run(ctx context.Context, port int) error {
	reply, err := s.client.Start(ctx, port)
	if err != nil {
		return xerrors.Errorf("jobexec: start: %w", err)
	}

	if err := sandbox.Wash(reply.WashActions, s.dirGuard, ""); err != nil {
		return xerrors.Errorf("jobexec: wash: %w", err)
	}

	assembly, err := sandbox.Build(reply.Sandbox)
	if err != nil {
		return xerrors.Errorf("jobexec: sandbox build: %w", err)
	}
	defer sandbox.Cleanup(assembly, reply.Sandbox.TmpPhysical, reply.KeepTmp)

	s.resolver = autodep.NewResolver(reply.Roots)
	s.cache = autodep.NewCache()

	runCtx := ctx
	var cancel context.CancelFunc
	if reply.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, reply.Timeout)
		defer cancel()
	}

	start := time.Now()
	success, stats, err := s.spawnAndTrace(runCtx, reply, assembly)
	wall := time.Since(start)
	if err != nil && success {
		success = false
	}

	targetSet := make(map[string]bool, len(reply.Targets))
	for _, t := range reply.Targets {
		targetSet[t] = true
	}
	declaredDeps := make(map[string]bool, len(reply.StaticDeps))
	for _, d := range reply.StaticDeps {
		declaredDeps[d] = true
	}

	digest, derr := BuildDigest(ctx, s.cache.Reports(), targetSet, !success, reply.NoCrc)
	if derr != nil {
		return xerrors.Errorf("jobexec: digest: %w", derr)
	}
	digest.Errors = DetectIllegalPatterns(s.cache.Reports(), declaredDeps, nil, targetSet)
	digest.UserCPUMS = stats.userCPUMS
	digest.WallMS = uint64(wall.Milliseconds())
	digest.MaxRSSKB = stats.maxRSSKB

	return s.client.End(ctx, digest, reply.Sandbox.TmpPhysical, nil)
}

type runStats struct {
	userCPUMS uint64
	maxRSSKB  uint64
}

// spawnAndTrace performs §4.E steps 3-5: enter the sandbox, spawn the
// command, collect access reports via the autodep tracer.
func (s *Supervisor) spawnAndTrace(ctx context.Context, reply StartReply, assembly *sandbox.Assembly) (success bool, stats runStats, err error) {
	if len(reply.Cmd) == 0 {
		return false, stats, xerrors.New("jobexec: empty command")
	}
	cmd := exec.CommandContext(ctx, reply.Cmd[0], reply.Cmd[1:]...)
	cmd.Env = reply.Env
	cmd.Dir = reply.Cwd

	tracer := autodep.NewTracer(s.resolver, s.cache)
	runErr := tracer.Run(cmd, func(op *autodep.Operation) {})

	if cmd.ProcessState != nil {
		stats.userCPUMS = uint64(cmd.ProcessState.UserTime().Milliseconds())
	}
	if runErr != nil {
		return false, stats, nil // a non-zero exit is a normal, reportable job failure
	}
	return true, stats, nil
}
