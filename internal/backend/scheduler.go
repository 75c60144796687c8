package backend

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"container/heap"

	"github.com/mattn/go-isatty"
)

// isTerminal controls the optional status line refresh, same gate distri's
// own batch scheduler uses before emitting cursor-control sequences.
var isTerminal = isatty.IsTerminal(os.Stdout.Fd())

// Scheduler is the shared submit/launch/heartbeat machinery used by both
// the Local and Cluster sub-backends (§4.G "Two sub-backends share a
// common structure").
type Scheduler struct {
	sub   SubBackend
	pool  *Pool
	cb    EngineCallbacks

	mu       sync.Mutex
	pq       priorityQueue
	spawned  map[uint64]*SpawnedEntry // jobID -> entry
	bySmall  map[uint32]uint64        // smallID -> jobID, reverse of spawned
	smallIDs map[uint32]bool
	nextSmall uint32
	generation uint64

	zombieReqs map[uint64]bool

	statusMu sync.Mutex
	status   []string
}

func NewScheduler(sub SubBackend, pool *Pool, cb EngineCallbacks) *Scheduler {
	s := &Scheduler{
		sub:        sub,
		pool:       pool,
		cb:         cb,
		spawned:    make(map[uint64]*SpawnedEntry),
		bySmall:    make(map[uint32]uint64),
		smallIDs:   make(map[uint32]bool),
		zombieReqs: make(map[uint64]bool),
	}
	heap.Init(&s.pq)
	return s
}

// Submit enqueues a job per §4.G step 1.
func (s *Scheduler) Submit(req SubmitRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heap.Push(&s.pq, &queueItem{req: req})
}

// Launch pops as many jobs as resources allow and spawns them (§4.G step
// 2-3: "launch() pops as many jobs as resources allow; for each it calls
// acquire_cmd_line to build the job-exec argv and allocate a small_id").
// The actual Spawn call runs on its own goroutine per job so a slow
// cluster submit never stalls the next job's launch (§5 "per-backend
// worker threads for cluster-API blocking calls").
func (s *Scheduler) Launch(ctx context.Context) {
	var wg sync.WaitGroup
	for {
		entry, ok := s.acquireNext()
		if !ok {
			break
		}
		wg.Add(1)
		go func(e *SpawnedEntry) {
			defer wg.Done()
			s.spawnOne(ctx, e)
		}(entry)
	}
	wg.Wait()
}

// acquireNext pops the highest-priority queued job that current resources
// can satisfy, reserving those resources and allocating a small_id. It
// returns ok=false when the queue is empty or nothing fits.
func (s *Scheduler) acquireNext() (*SpawnedEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pq.Len() > 0 {
		top := s.pq[0]
		if s.zombieReqs[top.req.ReqID] {
			heap.Pop(&s.pq)
			s.cb.OnEnd(top.req.JobID, EndNotStarted, nil)
			continue
		}
		if !s.pool.TryAcquire(top.req.Rsrcs) {
			return nil, false
		}
		heap.Pop(&s.pq)
		s.generation++
		entry := &SpawnedEntry{
			Generation: s.generation,
			Req:        top.req,
			SmallID:    s.allocateSmallID(),
			InsertedAt: now(),
		}
		s.spawned[top.req.JobID] = entry
		s.bySmall[entry.SmallID] = top.req.JobID
		return entry, true
	}
	return nil, false
}

// allocateSmallID picks the lowest unused small integer, the
// "acquire_cmd_line ... allocate a small_id" step; small ids are reused
// (sandbox.PidOffset keys off them) so callers must release them on End.
func (s *Scheduler) allocateSmallID() uint32 {
	for id := uint32(0); ; id++ {
		if !s.smallIDs[id] {
			s.smallIDs[id] = true
			return id
		}
	}
}

func (s *Scheduler) releaseSmallID(id uint32) {
	s.mu.Lock()
	delete(s.smallIDs, id)
	delete(s.bySmall, id)
	s.mu.Unlock()
}

// Lookup resolves the small_id a job-exec process was launched with back to
// its jobID, the piece cmd/gomake-job's Start RPC needs since the
// transport-level identifying handle it carries is the small_id, not a
// reverse-dial port (see internal/rpc's doc comment on startRequest.Port).
func (s *Scheduler) Lookup(smallID uint32) (jobID uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobID, ok = s.bySmall[smallID]
	return jobID, ok
}

func (s *Scheduler) spawnOne(ctx context.Context, entry *SpawnedEntry) {
	s.updateStatus(entry.SmallID, fmt.Sprintf("spawning job %d", entry.Req.JobID))
	if err := s.sub.Spawn(ctx, entry); err != nil {
		s.endJob(entry, EndEarlyLost, err)
		return
	}
	s.updateStatus(entry.SmallID, fmt.Sprintf("running job %d", entry.Req.JobID))
}

// ReportStart is called once the Job<->Engine RPC delivers a Start message
// (§4.G step 4): it records the start time and, per §5's deferred-report
// thread, the engine decides separately whether to surface it to the user
// after a short delay so very short jobs stay invisible.
func (s *Scheduler) ReportStart(jobID uint64) {
	s.mu.Lock()
	entry, ok := s.spawned[jobID]
	if ok {
		entry.Started = true
		entry.StartedAt = now()
	}
	s.mu.Unlock()
	if ok {
		s.cb.OnReportStart(jobID, entry.SmallID)
	}
}

// End is called on receipt of the job-exec End RPC (§4.G step 5): release
// resources, free the small id, and notify the engine.
func (s *Scheduler) End(jobID uint64, ok bool, exitErr error) {
	s.mu.Lock()
	entry, found := s.spawned[jobID]
	s.mu.Unlock()
	if !found {
		return
	}
	status := EndOk
	if !ok {
		status = EndErr
	}
	s.endJob(entry, status, exitErr)
}

func (s *Scheduler) endJob(entry *SpawnedEntry, status EndStatus, exitErr error) {
	s.mu.Lock()
	delete(s.spawned, entry.Req.JobID)
	s.mu.Unlock()
	s.releaseSmallID(entry.SmallID)
	s.pool.Release(entry.Req.Rsrcs)
	if entry.Req.NRetries > 0 && (status == EndEarlyLost || status == EndLateLost) {
		retry := entry.Req
		retry.NRetries--
		s.Submit(retry)
		return
	}
	s.cb.OnEnd(entry.Req.JobID, status, exitErr)
}

// Kill marks a Req zombie (§4.G "Kill: killing a Req marks the Req
// zombie..."): queued jobs for that req become NotStarted as they would
// otherwise be popped, and already-spawned jobs for it are signalled.
func (s *Scheduler) Kill(ctx context.Context, reqID uint64) {
	s.mu.Lock()
	s.zombieReqs[reqID] = true
	var toKill []*SpawnedEntry
	for _, e := range s.spawned {
		if e.Req.ReqID == reqID {
			toKill = append(toKill, e)
		}
	}
	s.mu.Unlock()
	for _, e := range toKill {
		_ = s.sub.Kill(ctx, e)
	}
}

// Reprioritize implements §4.H's "notify all sub-backends to reprioritize"
// when the ETA drifts more than 10% from the last report.
func (s *Scheduler) Reprioritize(jobID uint64, pressure int32) {
	s.mu.Lock()
	for _, it := range s.pq {
		if it.req.JobID == jobID {
			it.req.Pressure = pressure
			heap.Fix(&s.pq, it.index)
			break
		}
	}
	s.mu.Unlock()
	s.sub.Reprioritize(jobID, pressure)
}

// Heartbeat walks the spawned table once, probing liveness on every entry
// old enough to have plausibly started (§4.G "a dedicated thread walks the
// spawned table, skipping recently-inserted entries, and asks each
// sub-backend for liveness").
func (s *Scheduler) Heartbeat(ctx context.Context) {
	s.mu.Lock()
	entries := make([]*SpawnedEntry, 0, len(s.spawned))
	for _, e := range s.spawned {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	cutoff := now().Add(-HeartbeatGracePeriod)
	for _, e := range entries {
		if e.InsertedAt.After(cutoff) {
			continue // too new: give it one more grace period before probing
		}
		alive, err := s.sub.Alive(ctx, e)
		if err == nil && alive {
			continue
		}
		status := EndEarlyLost
		if e.Started {
			status = EndLateLost
		}
		s.endJob(e, status, err)
	}
}

// RunHeartbeat loops Heartbeat on interval until ctx is cancelled; intended
// to run on its own goroutine (§5 "a heartbeat thread that periodically
// walks the backend's spawned table").
func (s *Scheduler) RunHeartbeat(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Heartbeat(ctx)
		}
	}
}

func (s *Scheduler) updateStatus(idx uint32, line string) {
	if !isTerminal {
		return
	}
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	for uint32(len(s.status)) <= idx {
		s.status = append(s.status, "")
	}
	s.status[idx] = line
}

// now is a swappable clock, kept as a var so tests can freeze time without
// touching the production path (mirrors autodep's opNow pattern).
var now = time.Now
