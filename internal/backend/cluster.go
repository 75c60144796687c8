package backend

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/xerrors"
)

// Cluster submits jobs to an external scheduler and tracks them by an
// opaque external id (§4.G "Cluster (slurm-class): jobs are submitted to
// an external scheduler and tracked by an opaque external id; a separate
// thread polls or listens for completion and pushes end events back to the
// engine"). The concrete scheduler is reached via three shell-out hooks so
// this type stays usable against slurm, a grid-engine clone, or a test
// double without a compiled dependency on any one scheduler's client
// library.
type Cluster struct {
	// SubmitCmd receives the job's argv on its own argv tail and must
	// print the scheduler's external job id to stdout.
	SubmitCmd []string
	// StatusCmd receives the external id as its last argument and must
	// exit 0 with "RUNNING"/"PENDING" on stdout while the job is live.
	StatusCmd []string
	// CancelCmd receives the external id as its last argument.
	CancelCmd []string

	mu    sync.Mutex
	extID map[uint64]string // jobID -> external id
}

func NewCluster(submitCmd, statusCmd, cancelCmd []string) *Cluster {
	return &Cluster{
		SubmitCmd: submitCmd,
		StatusCmd: statusCmd,
		CancelCmd: cancelCmd,
		extID:     make(map[uint64]string),
	}
}

// Spawn submits the job and records the scheduler's external id on the
// entry (§4.G step 3).
func (c *Cluster) Spawn(ctx context.Context, entry *SpawnedEntry) error {
	if len(c.SubmitCmd) == 0 {
		return xerrors.New("backend: cluster: no submit command configured")
	}
	args := append(append([]string{}, c.SubmitCmd[1:]...), entry.Req.Cmd...)
	cmd := exec.CommandContext(ctx, c.SubmitCmd[0], args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return xerrors.Errorf("backend: cluster submit: %w", err)
	}
	id := strings.TrimSpace(out.String())
	if id == "" {
		return xerrors.New("backend: cluster submit: empty external id")
	}
	c.mu.Lock()
	c.extID[entry.Req.JobID] = id
	c.mu.Unlock()
	entry.ExternalID = id
	return nil
}

// Alive polls the scheduler's status command (§4.G "a separate thread
// polls or listens for completion").
func (c *Cluster) Alive(ctx context.Context, entry *SpawnedEntry) (bool, error) {
	if len(c.StatusCmd) == 0 {
		return true, nil
	}
	id := entry.ExternalID
	if id == "" {
		return false, nil
	}
	args := append(append([]string{}, c.StatusCmd[1:]...), id)
	cmd := exec.CommandContext(ctx, c.StatusCmd[0], args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return false, nil // scheduler no longer knows about this id: treat as gone
	}
	status := strings.ToUpper(strings.TrimSpace(out.String()))
	return strings.Contains(status, "RUNNING") || strings.Contains(status, "PENDING"), nil
}

// Kill issues a cluster-cancel (§5 "sends SIGHUP (or cluster-cancel) to
// started jobs").
func (c *Cluster) Kill(ctx context.Context, entry *SpawnedEntry) error {
	if len(c.CancelCmd) == 0 || entry.ExternalID == "" {
		return nil
	}
	args := append(append([]string{}, c.CancelCmd[1:]...), entry.ExternalID)
	return exec.CommandContext(ctx, c.CancelCmd[0], args...).Run()
}

// Reprioritize is a best-effort no-op: most slurm-class schedulers expose
// priority adjustment only to administrators, so this backend only
// reorders its own queued-but-unsubmitted entries (handled by Scheduler
// itself before this is even called).
func (c *Cluster) Reprioritize(jobID uint64, pressure int32) {}

// pollInterval is how often the engine should invoke Scheduler.Heartbeat
// against a Cluster sub-backend; cluster status calls are comparatively
// expensive network round trips, so this is coarser than a local backend
// would need.
const pollInterval = 5 * time.Second
