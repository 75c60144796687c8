package backend

import (
	"context"
	"sync"
	"testing"
)

type fakeSub struct {
	mu       sync.Mutex
	spawned  []uint64
	alive    map[uint64]bool
	killed   []uint64
	reprio   map[uint64]int32
	spawnErr error
}

func newFakeSub() *fakeSub {
	return &fakeSub{alive: make(map[uint64]bool), reprio: make(map[uint64]int32)}
}

func (f *fakeSub) Spawn(ctx context.Context, entry *SpawnedEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return f.spawnErr
	}
	f.spawned = append(f.spawned, entry.Req.JobID)
	return nil
}

func (f *fakeSub) Alive(ctx context.Context, entry *SpawnedEntry) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[entry.Req.JobID], nil
}

func (f *fakeSub) Kill(ctx context.Context, entry *SpawnedEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, entry.Req.JobID)
	return nil
}

func (f *fakeSub) Reprioritize(jobID uint64, pressure int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reprio[jobID] = pressure
}

type fakeCallbacks struct {
	mu      sync.Mutex
	started []uint64
	ended   []EndStatus
}

func (c *fakeCallbacks) OnReportStart(jobID uint64, smallID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, jobID)
}

func (c *fakeCallbacks) OnEnd(jobID uint64, status EndStatus, exitErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = append(c.ended, status)
}

func TestSchedulerLaunchRespectsResources(t *testing.T) {
	sub := newFakeSub()
	pool := NewPool(1, 1024, 1024)
	cb := &fakeCallbacks{}
	s := NewScheduler(sub, pool, cb)

	s.Submit(SubmitRequest{JobID: 1, Rsrcs: Resources{CPU: 1}})
	s.Submit(SubmitRequest{JobID: 2, Rsrcs: Resources{CPU: 1}})
	s.Launch(context.Background())

	sub.mu.Lock()
	n := len(sub.spawned)
	sub.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one job spawned under a 1-cpu pool, got %d", n)
	}
}

func TestSchedulerPriorityOrdering(t *testing.T) {
	sub := newFakeSub()
	pool := NewPool(1, 1024, 1024)
	cb := &fakeCallbacks{}
	s := NewScheduler(sub, pool, cb)

	s.Submit(SubmitRequest{JobID: 1, Pressure: 1, Rsrcs: Resources{CPU: 1}})
	s.Submit(SubmitRequest{JobID: 2, Pressure: 5, Rsrcs: Resources{CPU: 1}})
	s.Launch(context.Background())

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.spawned) != 1 || sub.spawned[0] != 2 {
		t.Fatalf("expected job 2 (higher pressure) to launch first, got %v", sub.spawned)
	}
}

func TestSchedulerEndReleasesResources(t *testing.T) {
	sub := newFakeSub()
	pool := NewPool(1, 1024, 1024)
	cb := &fakeCallbacks{}
	s := NewScheduler(sub, pool, cb)

	s.Submit(SubmitRequest{JobID: 1, Rsrcs: Resources{CPU: 1}})
	s.Launch(context.Background())
	s.End(1, true, nil)

	if pool.CPU != 1 {
		t.Fatalf("expected cpu released back to pool, got %d", pool.CPU)
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.ended) != 1 || cb.ended[0] != EndOk {
		t.Fatalf("expected one EndOk callback, got %v", cb.ended)
	}
}

func TestSchedulerHeartbeatSkipsRecentEntries(t *testing.T) {
	sub := newFakeSub()
	pool := NewPool(1, 1024, 1024)
	cb := &fakeCallbacks{}
	s := NewScheduler(sub, pool, cb)

	s.Submit(SubmitRequest{JobID: 1, Rsrcs: Resources{CPU: 1}})
	s.Launch(context.Background())
	// sub.alive defaults to false, but the entry was just inserted so the
	// heartbeat must skip it rather than immediately declaring it lost.
	s.Heartbeat(context.Background())

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.ended) != 0 {
		t.Fatalf("expected no End yet for a freshly-spawned entry, got %v", cb.ended)
	}
}

func TestSchedulerHeartbeatEndsLostJob(t *testing.T) {
	sub := newFakeSub()
	pool := NewPool(1, 1024, 1024)
	cb := &fakeCallbacks{}
	s := NewScheduler(sub, pool, cb)

	s.Submit(SubmitRequest{JobID: 1, Rsrcs: Resources{CPU: 1}})
	s.Launch(context.Background())

	s.mu.Lock()
	for _, e := range s.spawned {
		e.InsertedAt = e.InsertedAt.Add(-HeartbeatGracePeriod * 2)
	}
	s.mu.Unlock()

	s.Heartbeat(context.Background())

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.ended) != 1 || cb.ended[0] != EndEarlyLost {
		t.Fatalf("expected EndEarlyLost for an entry the sub-backend reports dead, got %v", cb.ended)
	}
}

func TestSchedulerKillMarksZombieAndSignals(t *testing.T) {
	sub := newFakeSub()
	pool := NewPool(2, 1024, 1024)
	cb := &fakeCallbacks{}
	s := NewScheduler(sub, pool, cb)

	s.Submit(SubmitRequest{JobID: 1, ReqID: 42, Rsrcs: Resources{CPU: 1}})
	s.Launch(context.Background())
	s.Kill(context.Background(), 42)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.killed) != 1 || sub.killed[0] != 1 {
		t.Fatalf("expected job 1 to be signalled on kill, got %v", sub.killed)
	}

	// a second submit for the same (now zombie) req must come back as
	// NotStarted rather than ever spawning.
	s.Submit(SubmitRequest{JobID: 2, ReqID: 42, Rsrcs: Resources{CPU: 1}})
	s.Launch(context.Background())
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.ended) == 0 || cb.ended[len(cb.ended)-1] != EndNotStarted {
		t.Fatalf("expected EndNotStarted for a zombie req's queued job, got %v", cb.ended)
	}
}

func TestPoolTryAcquireRejectsOverCommit(t *testing.T) {
	p := NewPool(1, 1, 1)
	if p.TryAcquire(Resources{CPU: 2}) {
		t.Fatalf("expected TryAcquire to reject a request exceeding pool capacity")
	}
	if !p.TryAcquire(Resources{CPU: 1, MemMB: 1, TmpMB: 1}) {
		t.Fatalf("expected TryAcquire to accept an exact-fit request")
	}
}
