package backend

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/xerrors"
)

// Local spawns jobs as child processes of the engine's job-exec launcher
// (§4.G "Local: jobs are spawned as child processes of the engine's
// job-exec-launcher, constrained by aggregate resource counters").
type Local struct {
	// JobExecPath is the job-exec-launcher binary (cmd/gomake-job).
	JobExecPath string

	mu   sync.Mutex
	cmds map[uint64]*exec.Cmd // jobID -> running process
}

func NewLocal(jobExecPath string) *Local {
	return &Local{JobExecPath: jobExecPath, cmds: make(map[uint64]*exec.Cmd)}
}

// Spawn builds the job-exec argv ("acquire_cmd_line", §4.G step 2) and
// starts it as a child process. The job-exec process connects back to the
// engine over the Job<->Engine RPC on its own, so Spawn only needs to get
// it running.
func (l *Local) Spawn(ctx context.Context, entry *SpawnedEntry) error {
	args := append([]string{}, entry.Req.Cmd...)
	cmd := exec.CommandContext(ctx, l.JobExecPath, args...)
	cmd.Dir = entry.Req.Cwd
	cmd.Env = append(append([]string{}, entry.Req.Env...), smallIDEnv(entry.SmallID))
	cmd.Stdout = os.Stderr // job-exec owns its own stdout/stderr plumbing per-job
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return xerrors.Errorf("backend: local spawn: %w", err)
	}
	l.mu.Lock()
	l.cmds[entry.Req.JobID] = cmd
	l.mu.Unlock()
	go func() {
		_ = cmd.Wait()
		l.mu.Lock()
		delete(l.cmds, entry.Req.JobID)
		l.mu.Unlock()
	}()
	return nil
}

// Alive reports whether the local process is still running. A local job
// that exited without ever delivering End is the classic EarlyLost/
// LateLost case the heartbeat thread exists to catch.
func (l *Local) Alive(ctx context.Context, entry *SpawnedEntry) (bool, error) {
	l.mu.Lock()
	cmd, ok := l.cmds[entry.Req.JobID]
	l.mu.Unlock()
	if !ok {
		return false, nil
	}
	return cmd.ProcessState == nil, nil
}

// Kill sends SIGHUP to a started local job (§5 "sends SIGHUP ... to
// started jobs").
func (l *Local) Kill(ctx context.Context, entry *SpawnedEntry) error {
	l.mu.Lock()
	cmd, ok := l.cmds[entry.Req.JobID]
	l.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGHUP)
}

// Reprioritize is a no-op locally: the OS scheduler, not this backend,
// decides process scheduling order once spawned, and queued-but-not-yet-
// spawned jobs are already reordered in the shared priority queue.
func (l *Local) Reprioritize(jobID uint64, pressure int32) {}

func smallIDEnv(id uint32) string {
	return "GOMAKE_SMALL_ID=" + strconv.FormatUint(uint64(id), 10)
}
