package makestate

import "testing"

func TestWalkAllOkNoRun(t *testing.T) {
	ri := &ReqInfo{Action: ActionStatus}
	deps := []DepInfo{
		{Ready: true},
		{Ready: true},
	}
	res, status := Walk(ri, deps)
	if res != WalkDone || status != RunOk {
		t.Fatalf("got %v, %v", res, status)
	}
	if Decide(ri) {
		t.Fatalf("expected no run needed when all deps ok and action < Run")
	}
}

func TestWalkModifiedDepBelowDiskRestarts(t *testing.T) {
	ri := &ReqInfo{Action: ActionStatus}
	deps := []DepInfo{{Ready: true, Modified: true}}
	res, _ := Walk(ri, deps)
	if res != WalkRestart {
		t.Fatalf("expected WalkRestart, got %v", res)
	}
	if ri.Action != ActionDisk {
		t.Fatalf("expected action promoted to Disk, got %v", ri.Action)
	}
	if ri.DepLvl != 0 {
		t.Fatalf("expected dep_lvl rewound to 0, got %d", ri.DepLvl)
	}
}

func TestWalkModifiedDepAtDiskPromotesRun(t *testing.T) {
	ri := &ReqInfo{Action: ActionDisk}
	deps := []DepInfo{{Ready: true, Modified: true}}
	res, _ := Walk(ri, deps)
	if res != WalkDone {
		t.Fatalf("expected WalkDone, got %v", res)
	}
	if ri.Action != ActionRun {
		t.Fatalf("expected action promoted to Run, got %v", ri.Action)
	}
	if !Decide(ri) {
		t.Fatalf("expected run needed")
	}
}

func TestWalkWaitingRegistersWatcher(t *testing.T) {
	ri := &ReqInfo{Action: ActionStatus}
	deps := []DepInfo{{Ready: false, Waiting: true}}
	res, _ := Walk(ri, deps)
	if res != WalkWaiting {
		t.Fatalf("expected WalkWaiting, got %v", res)
	}
	if ri.DepLvl != 0 {
		t.Fatalf("expected dep_lvl to stay at the waiting chunk, got %d", ri.DepLvl)
	}
}

func TestWalkMissingStaticDep(t *testing.T) {
	ri := &ReqInfo{Action: ActionStatus}
	deps := []DepInfo{{Static: true, Missing: true}}
	res, status := Walk(ri, deps)
	if res != WalkRunStatus || status != RunMissingStatic {
		t.Fatalf("got %v, %v", res, status)
	}
}

func TestWalkStaticDepErrorNeverMasked(t *testing.T) {
	// A static dep in error, followed in the same parallel chunk by a
	// modified dep, must still surface DepErr (§4.F step 2 parenthetical:
	// "except for static deps whose errors are never masked").
	ri := &ReqInfo{Action: ActionStatus}
	deps := []DepInfo{
		{Static: true, ErrSub: true, Parallel: false},
		{Modified: true, Parallel: true},
	}
	res, status := Walk(ri, deps)
	if res != WalkRunStatus || status != RunDepErr {
		t.Fatalf("got %v, %v, want WalkRunStatus/RunDepErr", res, status)
	}
}

func TestWalkParallelChunkBothErrorsSurface(t *testing.T) {
	// Scenario 5 from the spec's testable properties: three parallel deps,
	// first errors, second modifies, third errors too — both errors must be
	// reported, not masked by the second dep's modification.
	ri := &ReqInfo{Action: ActionStatus}
	deps := []DepInfo{
		{ErrSub: true, Parallel: false},
		{Modified: true, Parallel: true},
		{ErrSub: true, Parallel: true},
	}
	res, status := Walk(ri, deps)
	if res != WalkRunStatus || status != RunDepErr {
		t.Fatalf("got %v, %v, want chunk error surfaced despite modif in same chunk", res, status)
	}
}

func TestWalkIgnoreErrorDepDoesNotFailChunk(t *testing.T) {
	ri := &ReqInfo{Action: ActionStatus}
	deps := []DepInfo{{ErrSub: true, IgnoreError: true, Ready: true}}
	res, _ := Walk(ri, deps)
	if res != WalkDone {
		t.Fatalf("expected WalkDone when the only error is ignore_error, got %v", res)
	}
}

func TestWalkCriticalDepDropsFollowingNonStatic(t *testing.T) {
	ri := &ReqInfo{Action: ActionDisk}
	deps := []DepInfo{
		{Modified: true, Critical: true, Parallel: false},
		{Modified: true, Parallel: false}, // should be dropped
		{Static: true, Parallel: false},   // static deps survive the drop
	}
	res, _ := Walk(ri, deps)
	if res != WalkDone {
		t.Fatalf("expected WalkDone, got %v", res)
	}
	if ri.DepLvl != len(deps) {
		t.Fatalf("expected full walk to complete, dep_lvl=%d", ri.DepLvl)
	}
}

func TestAddReasonKeepsStrongest(t *testing.T) {
	ri := &ReqInfo{}
	ri.AddReason(ReasonCmd)
	ri.AddReason(ReasonNew)
	if ri.Reason != ReasonCmd {
		t.Fatalf("expected ReasonCmd to remain the strongest, got %v", ri.Reason)
	}
	ri.AddReason(ReasonDepErr)
	if ri.Reason != ReasonDepErr {
		t.Fatalf("expected ReasonDepErr to win, got %v", ri.Reason)
	}
}

func TestWatcherGraphDetectsCycle(t *testing.T) {
	w := NewWatcherGraph()
	w.Watch(1, 2, "jobA", "jobB")
	w.Watch(2, 3, "jobB", "jobC")
	if _, ok := w.DetectCycle(); ok {
		t.Fatalf("expected no cycle yet")
	}
	w.Watch(3, 1, "jobC", "jobA")
	report, ok := w.DetectCycle()
	if !ok {
		t.Fatalf("expected a cycle to be detected")
	}
	if report == "" {
		t.Fatalf("expected a non-empty cycle report")
	}
}
