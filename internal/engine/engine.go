// Package engine implements component I: the single-threaded event loop
// that owns the node/job graph and is the only goroutine allowed to touch
// it (§4.I, §5 "single writer"). Every other component reaches the graph
// only by posting a closure onto Engine's queue and, for RPC handlers,
// blocking for its reply - exactly the "marshalled through this queue"
// discipline §5 describes for backend-thread callbacks.
//
// Engine wires together match (B), config (rule loading), makestate (F),
// backend (G) and jobexec's wire contract around the persistent store (A),
// plus the optional cache (J) and the Req controller (H) that owns
// per-build reporting. internal/rpc adapts Engine's plain-Go methods onto
// the gob-wire EngineServer/ControlServer interfaces; Engine itself has no
// transport dependency.
package engine

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/xerrors"

	"github.com/gomake/gomake/internal/autodep"
	"github.com/gomake/gomake/internal/backend"
	"github.com/gomake/gomake/internal/cache"
	"github.com/gomake/gomake/internal/config"
	"github.com/gomake/gomake/internal/fingerprint"
	"github.com/gomake/gomake/internal/jobexec"
	"github.com/gomake/gomake/internal/makestate"
	"github.com/gomake/gomake/internal/match"
	"github.com/gomake/gomake/internal/oninterrupt"
	"github.com/gomake/gomake/internal/req"
	"github.com/gomake/gomake/internal/sandbox"
	"github.com/gomake/gomake/internal/store"
	"github.com/gomake/gomake/internal/trace"
)

// ClosureKind tags an EngineClosure per §4.I's three closure families:
// Global events (interrupt, rule reload), per-Req events (open/close/kill)
// and per-Job events (everything the backend and job-exec RPCs report).
type ClosureKind int

const (
	KindGlobal ClosureKind = iota
	KindReq
	KindJob
)

// EngineClosure is one unit of work posted to Engine's queue. Run executes
// on the engine goroutine only.
type EngineClosure struct {
	Kind ClosureKind
	Run  func(e *Engine)
}

type jobReqKey struct {
	JobID uint64
	ReqID req.ID
}

// Config bundles Engine's dependencies, all supplied by cmd/gomaked.
type Config struct {
	AdminDir string
	RepoRoot string
	Store    *store.Store
	Loader   config.Loader
	Cache    *cache.Cache // nil disables component J
	Logger   *log.Logger
}

// Engine is the component I event loop.
type Engine struct {
	adminDir string
	repoRoot string
	store    *store.Store
	loader   config.Loader
	cache    *cache.Cache
	log      *log.Logger

	rules    []config.Rule
	ruleByID map[store.RuleID]config.Rule
	index    *match.Index

	scheds   map[string]*backend.Scheduler // backend name -> scheduler
	jobSched map[uint64]string             // jobID -> backend name
	jobReq   map[uint64]req.ID             // jobID -> owning Req
	ruleJob  map[store.RuleID]uint64       // rule -> its (single, shared) job, simplification §9
	running  map[req.ID]uint32             // reqID -> currently spawned job count

	resumers map[uint64][]jobReqKey // producer jobID -> (watcher job, req) pairs to resume on End

	reqInfo map[jobReqKey]*makestate.ReqInfo
	reqs    map[req.ID]*req.Req
	nextReq req.ID

	listenAddr string

	queue chan EngineClosure
}

// New builds an Engine and loads its initial rule set. It registers an
// interrupt handler that zombies every open Req (§5 Cancellation), per
// review of §4.I/§5.
func New(cfg Config) (*Engine, error) {
	e := &Engine{
		adminDir: cfg.AdminDir,
		repoRoot: cfg.RepoRoot,
		store:    cfg.Store,
		loader:   cfg.Loader,
		cache:    cfg.Cache,
		log:      cfg.Logger,

		ruleByID: make(map[store.RuleID]config.Rule),
		scheds:   make(map[string]*backend.Scheduler),
		jobSched: make(map[uint64]string),
		jobReq:   make(map[uint64]req.ID),
		ruleJob:  make(map[store.RuleID]uint64),
		running:  make(map[req.ID]uint32),
		resumers: make(map[uint64][]jobReqKey),
		reqInfo:  make(map[jobReqKey]*makestate.ReqInfo),
		reqs:     make(map[req.ID]*req.Req),
		queue:    make(chan EngineClosure, 256),
	}
	if e.log == nil {
		e.log = log.Default()
	}
	if err := e.reloadRules(); err != nil {
		return nil, err
	}
	oninterrupt.Register(e.zombieAllReqs)
	return e, nil
}

// AddBackend registers a named sub-backend scheduler (§4.G "local" or
// "cluster"), callable once per name before Run starts.
func (e *Engine) AddBackend(name string, sched *backend.Scheduler) {
	e.scheds[name] = sched
}

// SetListenAddr records the address job-exec processes dial back to, used
// to build each spawned job's launcher argv.
func (e *Engine) SetListenAddr(addr string) { e.listenAddr = addr }

// Run drains the closure queue until ctx is cancelled; this loop is the
// entire single-writer discipline §4.I/§5 describe.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-e.queue:
			c.Run(e)
		}
	}
}

func (e *Engine) enqueue(kind ClosureKind, f func(e *Engine)) {
	e.queue <- EngineClosure{Kind: kind, Run: f}
}

// call posts f and blocks until it has run on the engine goroutine, used by
// every RPC handler since graph reads must happen on that single goroutine.
func (e *Engine) call(kind ClosureKind, f func(e *Engine)) {
	done := make(chan struct{})
	e.queue <- EngineClosure{Kind: kind, Run: func(en *Engine) {
		f(en)
		close(done)
	}}
	<-done
}

func (e *Engine) zombieAllReqs() {
	e.enqueue(KindGlobal, func(en *Engine) {
		for _, r := range en.reqs {
			r.MarkZombie()
		}
		for _, s := range en.scheds {
			for id, r := range en.reqs {
				s.Kill(context.Background(), uint64(id))
				_ = r
			}
		}
	})
}

// reloadRules implements the config/match half of §4.B: load every rule,
// compile a fresh match.Index, then bump match_gen so every node's cached
// candidate list is invalidated (§4.A).
func (e *Engine) reloadRules() error {
	rules, err := e.loader.Load()
	if err != nil {
		return xerrors.Errorf("engine: load rules: %w", err)
	}
	e.rules = rules
	e.ruleByID = make(map[store.RuleID]config.Rule, len(rules))
	var targets []match.RuleTarget
	for _, r := range rules {
		rid := store.RuleID(r.ID)
		e.ruleByID[rid] = r
		for i, t := range r.Targets {
			targets = append(targets, match.RuleTarget{
				Rule: rid, RuleName: r.Name, TargetIndex: uint32(i),
				Pattern: t, Priority: r.Priority, IsAnti: r.IsAnti,
			})
		}
	}
	e.index = match.Compile(targets)
	e.store.BumpMatchGen()
	return nil
}

func (e *Engine) riFor(jobID uint64, reqID req.ID) *makestate.ReqInfo {
	k := jobReqKey{jobID, reqID}
	ri, ok := e.reqInfo[k]
	if !ok {
		ri = &makestate.ReqInfo{}
		e.reqInfo[k] = ri
	}
	return ri
}

func (e *Engine) jobName(jobID uint64) string {
	rec, err := e.store.Job(store.JobID(jobID))
	if err != nil {
		return fmt.Sprintf("job#%d", jobID)
	}
	if rec.Special != store.SpecialStepNone {
		return fmt.Sprintf("req-synthetic#%d", jobID)
	}
	if rule, ok := e.ruleByID[store.RuleID(rec.RuleID)]; ok {
		return rule.Name
	}
	return fmt.Sprintf("rule#%d", rec.RuleID)
}

// OpenReq implements §4.H step 1: allocate a Req id, create its synthetic
// job with Opts.Targets as static deps, and kick off make() on it.
func (e *Engine) OpenReq(opts req.Options) (req.ID, error) {
	var id req.ID
	var rerr error
	e.call(KindReq, func(en *Engine) {
		id, rerr = en.handleOpenReq(opts)
	})
	return id, rerr
}

func (e *Engine) handleOpenReq(opts req.Options) (req.ID, error) {
	e.nextReq++
	id := e.nextReq

	jobID, err := e.store.NewJob(0, store.SpecialStepIdle)
	if err != nil {
		return 0, err
	}
	var deps []store.DepRecord
	for _, t := range opts.Targets {
		nid, err := e.store.InternNode(t)
		if err != nil {
			return 0, err
		}
		deps = append(deps, store.DepRecord{Node: nid, Flags: store.DepStatic | store.DepRequired | store.DepTop})
	}
	start, count, err := e.store.AppendDeps(deps)
	if err != nil {
		return 0, err
	}
	if err := e.store.PutJob(store.JobID(jobID), store.JobRecord{Special: store.SpecialStepIdle, DepsStart: start, DepsCount: count}); err != nil {
		return 0, err
	}

	sink, err := req.OpenFileAuditSink(e.adminDir, time.Now())
	if err != nil {
		return 0, err
	}
	r := req.New(id, uint64(jobID), opts, sink)
	e.reqs[id] = r
	e.jobReq[uint64(jobID)] = id

	e.startMake(uint64(jobID), id)
	return id, nil
}

// CloseReq renders the final summary and cycle report for a Req and closes
// its audit sink (§4.H step 5).
func (e *Engine) CloseReq(id req.ID) (summary, cycle string, err error) {
	e.call(KindReq, func(en *Engine) {
		r, ok := en.reqs[id]
		if !ok {
			err = xerrors.Errorf("engine: no such req %d", id)
			return
		}
		summary = r.Summary()
		trace.ReqSpan(fmt.Sprintf("%d", id), r.Opened)
		cycle, err = r.CloseAndCycleReport(nil)
		delete(en.reqs, id)
	})
	return summary, cycle, err
}

// startMake drives §4.F's Walk/Decide for the (jobID, reqID) pair,
// recursively make()-ing each dep's producer and suspending (registering a
// watcher + a resumer) on the first one still pending.
func (e *Engine) startMake(jobID uint64, reqID req.ID) {
	r := e.reqs[reqID]
	ri := e.riFor(jobID, reqID)

	rec, err := e.store.Job(store.JobID(jobID))
	if err != nil {
		e.log.Printf("engine: make: load job %d: %v", jobID, err)
		return
	}
	depRecs, err := e.store.Deps(rec.DepsStart, rec.DepsCount)
	if err != nil {
		e.log.Printf("engine: make: load deps for job %d: %v", jobID, err)
		return
	}

	deps := make([]makestate.DepInfo, len(depRecs))
	for i, d := range depRecs {
		di := makestate.DepInfo{
			Static:      d.Flags.Has(store.DepStatic),
			Required:    d.Flags.Has(store.DepRequired),
			Critical:    d.Flags.Has(store.DepCritical),
			Essential:   d.Flags.Has(store.DepEssential),
			IgnoreError: d.Flags.Has(store.DepIgnoreError),
			Parallel:    d.Flags.Has(store.DepParallel),
		}
		sub, err := e.analyzeDep(d.Node, jobID, reqID, r)
		if err != nil {
			e.log.Printf("engine: make: analyze dep of job %d: %v", jobID, err)
			return
		}
		di.Ready, di.Waiting, di.ErrSub, di.Modified, di.Missing = sub.Ready, sub.Waiting, sub.ErrSub, sub.Modified, sub.Missing
		deps[i] = di
	}

	result, runStatus := makestate.Walk(ri, deps)
	switch result {
	case makestate.WalkWaiting:
		return // a resumer was already registered by analyzeDep
	case makestate.WalkRestart:
		e.startMake(jobID, reqID)
	case makestate.WalkRunStatus:
		e.finishJob(jobID, reqID, false, runStatus)
	case makestate.WalkDone:
		if !makestate.Decide(ri) {
			if r != nil {
				r.Record(req.CategoryUpToDate, e.jobName(jobID))
			}
			e.finishJob(jobID, reqID, true, makestate.RunOk)
			return
		}
		e.submitJob(jobID, reqID)
	}
}

// depVerdict is analyzeDep's per-dep result, kept separate from
// makestate.DepInfo so analyzeDep doesn't need to also fill in the
// structural flags the caller already has from the DepRecord.
type depVerdict struct {
	Ready, Waiting, ErrSub, Modified, Missing bool
}

// analyzeDep resolves one dep's producer (§4.B Lookup) and recursively
// make()s it if it has a producing rule, or observes its content directly
// if it's a source node. When the producer is still pending it registers a
// watcher edge (§4.H cycle report) and a resumer so the producer's End
// replays this job's make() (§4.F step 2 "register ourselves as a watcher").
func (e *Engine) analyzeDep(nodeID store.NodeID, forJobID uint64, reqID req.ID, r *req.Req) (depVerdict, error) {
	var v depVerdict
	name, _ := e.store.NodeName(nodeID)
	node, err := e.store.Node(nodeID)
	if err != nil {
		return v, err
	}

	candidates := e.index.Lookup(name)
	if len(candidates) == 0 || node.Flags.Has(store.NodeIsSource) {
		fp, ferr := fingerprint.OfRegularFile(filepath.Join(e.repoRoot, name))
		if ferr != nil {
			return v, ferr
		}
		v.Ready = true
		v.Modified = !fp.Match(node.FP, fingerprint.AccessReg)
		if fp.Tag == fingerprint.TagNone {
			if len(candidates) == 0 {
				v.Missing = true
			}
		}
		node.FP = fp
		node.ContentDate = time.Now().UnixNano()
		if err := e.store.PutNode(nodeID, node); err != nil {
			return v, err
		}
		return v, nil
	}

	best := candidates[0]
	producerJobID, err := e.ensureRuleJob(best.Rule)
	if err != nil {
		return v, err
	}

	pri := e.riFor(producerJobID, reqID)
	if pri.Level < makestate.LevelDone {
		if r != nil {
			r.Watchers().Watch(int64(forJobID), int64(producerJobID), e.jobName(forJobID), e.jobName(producerJobID))
		}
		e.resumers[producerJobID] = append(e.resumers[producerJobID], jobReqKey{forJobID, reqID})
		e.startMake(producerJobID, reqID)
		pri = e.riFor(producerJobID, reqID)
	}
	if pri.Level < makestate.LevelDone {
		v.Waiting = true
		return v, nil
	}
	if r != nil {
		r.Watchers().Unwatch(int64(forJobID), int64(producerJobID))
	}
	v.Ready = true
	v.ErrSub = e.lastRunFailed(producerJobID)
	v.Modified = pri.Action >= makestate.ActionRun
	return v, nil
}

func (e *Engine) lastRunFailed(jobID uint64) bool {
	rec, err := e.store.Job(store.JobID(jobID))
	if err != nil {
		return false
	}
	return rec.Run != store.RunOk
}

// ensureRuleJob returns the (single, shared) job backing ruleID, creating
// it on first mention. One job per rule is a simplification of §3 Job's
// general model (a fresh job per distinct target-set expansion).
func (e *Engine) ensureRuleJob(ruleID store.RuleID) (uint64, error) {
	if id, ok := e.ruleJob[ruleID]; ok {
		return id, nil
	}
	rule, ok := e.ruleByID[ruleID]
	if !ok {
		return 0, xerrors.Errorf("engine: unknown rule %d", ruleID)
	}
	jobID, err := e.store.NewJob(uint64(ruleID), store.SpecialStepNone)
	if err != nil {
		return 0, err
	}
	var deps []store.DepRecord
	for _, d := range rule.StaticDeps {
		nid, err := e.store.InternNode(d.Name)
		if err != nil {
			return 0, err
		}
		deps = append(deps, store.DepRecord{Node: nid, Flags: d.Flags})
	}
	start, count, err := e.store.AppendDeps(deps)
	if err != nil {
		return 0, err
	}
	if err := e.store.PutJob(store.JobID(jobID), store.JobRecord{RuleID: uint64(ruleID), DepsStart: start, DepsCount: count}); err != nil {
		return 0, err
	}
	e.ruleJob[ruleID] = uint64(jobID)
	return uint64(jobID), nil
}

// submitJob implements §4.G step 1: pick the rule's backend, build the
// job-exec launcher argv, and submit+launch through that backend's
// Scheduler.
func (e *Engine) submitJob(jobID uint64, reqID req.ID) {
	rec, err := e.store.Job(store.JobID(jobID))
	if err != nil {
		e.log.Printf("engine: submit: load job %d: %v", jobID, err)
		return
	}
	rule, ok := e.ruleByID[store.RuleID(rec.RuleID)]
	if !ok {
		e.log.Printf("engine: submit: job %d has unknown rule %d", jobID, rec.RuleID)
		return
	}
	backendName := rule.Resources.Backend
	if backendName == "" {
		backendName = "local"
	}
	sched, ok := e.scheds[backendName]
	if !ok {
		e.log.Printf("engine: submit: no %q backend configured, job %d stalls", backendName, jobID)
		return
	}

	ri := e.riFor(jobID, reqID)
	ri.Level = makestate.LevelQueued
	e.jobSched[jobID] = backendName
	e.jobReq[jobID] = reqID
	e.running[reqID]++

	var pressure int32
	var eta time.Time
	if r := e.reqs[reqID]; r != nil {
		pressure = r.Pressure()
		eta, _ = r.UpdateETA(0)
	}

	sched.Submit(backend.SubmitRequest{
		JobID:    jobID,
		ReqID:    uint64(reqID),
		Pressure: pressure,
		ReqETA:   eta,
		Rsrcs:    backend.Resources{CPU: rule.Resources.CPU, MemMB: rule.Resources.MemMB, TmpMB: rule.Resources.TmpMB},
		Cmd:      []string{"-connect", e.listenAddr},
		Env:      os.Environ(),
		Cwd:      e.repoRoot,
		NRetries: int(store.DefaultMaxRetries),
	})
	trace.JobTransition(e.jobName(jobID), 0, "Queued")
	sched.Launch(context.Background())
}

// finishJob records a job's outcome in the Req's summary (§4.H step 5),
// persists its Run status, resumes anything that registered a resumer
// against it, and - if it's itself the top-level synthetic Req job - notes
// the Req as finished.
func (e *Engine) finishJob(jobID uint64, reqID req.ID, ok bool, runStatus makestate.RunStatus) {
	rec, err := e.store.Job(store.JobID(jobID))
	if err == nil {
		switch runStatus {
		case makestate.RunOk:
			rec.Run = store.RunOk
		case makestate.RunDepErr:
			rec.Run = store.RunDepErr
		case makestate.RunMissingStatic:
			rec.Run = store.RunMissingStatic
		default:
			rec.Run = store.RunErr
		}
		_ = e.store.PutJob(store.JobID(jobID), rec)
	}

	if r := e.reqs[reqID]; r != nil {
		name := e.jobName(jobID)
		switch {
		case !ok && runStatus == makestate.RunMissingStatic:
			r.Record(req.CategoryUnreachable, name)
		case !ok:
			r.Record(req.CategoryFailed, name)
		default:
			r.Record(req.CategoryDone, name)
		}
		if jobID == r.JobID {
			r.Audit("ok", "build finished")
		}
	}

	resumers := e.resumers[jobID]
	delete(e.resumers, jobID)
	for _, rk := range resumers {
		e.startMake(rk.JobID, rk.ReqID)
	}
}

// findJobBySmallID resolves a spawned process's small_id back to its jobID
// by asking every configured backend (small ids aren't scoped per-backend
// in this implementation, so the first match wins).
func (e *Engine) findJobBySmallID(smallID uint32) (uint64, bool) {
	for _, s := range e.scheds {
		if id, ok := s.Lookup(smallID); ok {
			return id, true
		}
	}
	return 0, false
}

// --- rpc.EngineServer (§6 Job<->Engine) -----------------------------------

// Start answers a job-exec process's opening RPC with everything it needs
// to run the job (§4.E step 1, §6 "StartReply").
func (e *Engine) Start(ctx context.Context, smallID int) (jobexec.StartReply, error) {
	var reply jobexec.StartReply
	var rerr error
	e.call(KindJob, func(en *Engine) {
		reply, rerr = en.handleStart(uint32(smallID))
	})
	return reply, rerr
}

func (e *Engine) handleStart(smallID uint32) (jobexec.StartReply, error) {
	jobID, ok := e.findJobBySmallID(smallID)
	if !ok {
		return jobexec.StartReply{}, xerrors.Errorf("engine: no spawned job for small_id %d", smallID)
	}
	rec, err := e.store.Job(store.JobID(jobID))
	if err != nil {
		return jobexec.StartReply{}, err
	}
	rule, ok := e.ruleByID[store.RuleID(rec.RuleID)]
	if !ok {
		return jobexec.StartReply{}, xerrors.Errorf("engine: job %d has unknown rule %d", jobID, rec.RuleID)
	}

	tmpPhysical := filepath.Join(e.adminDir, "tmp", fmt.Sprintf("%d", jobID))
	if err := os.MkdirAll(tmpPhysical, 0755); err != nil {
		return jobexec.StartReply{}, xerrors.Errorf("engine: job tmp dir: %w", err)
	}

	staticDeps := make([]string, len(rule.StaticDeps))
	for i, d := range rule.StaticDeps {
		staticDeps[i] = d.Name
	}

	var views []sandbox.View
	for _, v := range rule.Views {
		views = append(views, sandbox.View{
			Path: v.Path, Kind: viewKind(v.Kind), Src: v.Src, TmpfsSizeMB: v.TmpfsSizeMB,
		})
	}

	var wash []sandbox.FileAction
	for _, t := range rule.Targets {
		abs := filepath.Join(e.repoRoot, t)
		wash = append(wash, sandbox.FileAction{Kind: sandbox.ActionMkdir, Path: filepath.Dir(abs)})
		wash = append(wash, sandbox.FileAction{Kind: sandbox.ActionUnlink, Path: abs})
	}

	reply := jobexec.StartReply{
		JobID:   jobID,
		SmallID: smallID,
		Cmd:     []string{"/bin/sh", "-c", rule.Cmd},
		Env:     os.Environ(),
		Cwd:     rule.Cwd,

		AutodepMethod: rule.AutodepMethod,
		Roots: autodep.Roots{
			RepoRoot:    e.repoRoot,
			TmpPhysical: tmpPhysical,
			TmpView:     "/tmp",
			AdminDir:    e.adminDir,
		},
		Sandbox: sandbox.Spec{
			ChrootDir:   rule.ChrootDir,
			TmpView:     "/tmp",
			TmpPhysical: tmpPhysical,
			Views:       views,
			Cwd:         rule.Cwd,
			SmallID:     smallID,
		},
		WashActions: wash,

		Targets:    rule.Targets,
		StaticDeps: staticDeps,

		Timeout: rule.Timeout,
		KeepTmp: rule.KeepTmp,
	}

	if e.cache != nil && rule.Cacheable {
		reply.CacheKey = e.cacheKeyFor(rec, rule).String()
	}
	return reply, nil
}

func viewKind(k string) sandbox.ViewKind {
	switch k {
	case "overlay":
		return sandbox.ViewOverlay
	case "tmpfs":
		return sandbox.ViewTmpfs
	case "fuse":
		return sandbox.ViewFuse
	case "image":
		return sandbox.ViewImage
	default:
		return sandbox.ViewBind
	}
}

func (e *Engine) cacheKeyFor(rec store.JobRecord, rule config.Rule) cache.Key {
	staticNames := make([]string, len(rule.StaticDeps))
	for i, d := range rule.StaticDeps {
		staticNames[i] = d.Name
	}
	cmdFP := fingerprint.OfCmd(rule.Cmd, staticNames, rule.Targets)
	depsFP := e.depsFingerprint(rec)
	targetsFP := sha256Strings(rule.Targets)
	return cache.KeyFor(cmdFP, depsFP, targetsFP)
}

func (e *Engine) depsFingerprint(rec store.JobRecord) [32]byte {
	deps, err := e.store.Deps(rec.DepsStart, rec.DepsCount)
	if err != nil {
		return [32]byte{}
	}
	h := sha256.New()
	for _, d := range deps {
		h.Write(d.FP.Hash[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func sha256Strings(ss []string) [32]byte {
	h := sha256.New()
	for _, s := range ss {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ChkDeps answers a dynamic-dep up-to-date query (§4.E ChkDeps) against the
// store's current node fingerprints, without involving make() - the job is
// asking about files it just read, not requesting they be built.
func (e *Engine) ChkDeps(ctx context.Context, files []string) (jobexec.UpToDate, error) {
	var status jobexec.UpToDate
	e.call(KindJob, func(en *Engine) {
		status = en.handleChkDeps(files)
	})
	return status, nil
}

func (e *Engine) handleChkDeps(files []string) jobexec.UpToDate {
	status := jobexec.UpToDateYes
	for _, f := range files {
		nid, ok := e.store.LookupNode(f)
		if !ok {
			status = jobexec.UpToDateMaybe
			continue
		}
		node, err := e.store.Node(nid)
		if err != nil {
			status = jobexec.UpToDateMaybe
			continue
		}
		fp, err := fingerprint.OfRegularFile(filepath.Join(e.repoRoot, f))
		if err != nil {
			status = jobexec.UpToDateMaybe
			continue
		}
		if !fp.Match(node.FP, fingerprint.AccessReg) {
			return jobexec.UpToDateNo
		}
	}
	return status
}

// DepInfos answers §4.E DepInfos: for each file, whether some rule could
// ever produce it and its currently-known fingerprint.
func (e *Engine) DepInfos(ctx context.Context, files []string) ([]jobexec.DepInfoReply, error) {
	var out []jobexec.DepInfoReply
	e.call(KindJob, func(en *Engine) {
		out = en.handleDepInfos(files)
	})
	return out, nil
}

func (e *Engine) handleDepInfos(files []string) []jobexec.DepInfoReply {
	out := make([]jobexec.DepInfoReply, len(files))
	for i, f := range files {
		buildable := len(e.index.Lookup(f)) > 0
		fpStr := "unknown"
		if nid, ok := e.store.LookupNode(f); ok {
			if node, err := e.store.Node(nid); err == nil {
				fpStr = node.FP.String()
				buildable = buildable || node.Flags.Has(store.NodeIsSource)
			}
		}
		out[i] = jobexec.DepInfoReply{Buildable: buildable, FP: fpStr}
	}
	return out
}

// LiveOut forwards a job's live output line to its owning Req's audit sink
// (§4.E LiveOut, §4.H step 2).
func (e *Engine) LiveOut(ctx context.Context, smallID int, text []byte) error {
	e.call(KindJob, func(en *Engine) {
		jobID, ok := en.findJobBySmallID(uint32(smallID))
		if !ok {
			return
		}
		reqID, ok := en.jobReq[jobID]
		if !ok {
			return
		}
		if r := en.reqs[reqID]; r != nil {
			r.Audit("", string(text))
		}
	})
	return nil
}

// End implements §4.E step 6 and §4.G step 5: commit the job's digest to
// the store, optionally populate the cache, release the backend slot, and
// let the resulting OnEnd callback drive re-entry into make() (§4.F step
// 4).
func (e *Engine) End(ctx context.Context, smallID int, digest jobexec.JobDigest, tmpDir string, dynamicEnv []string) error {
	var backendName string
	var jobID uint64
	e.call(KindJob, func(en *Engine) {
		var ok bool
		jobID, ok = en.findJobBySmallID(uint32(smallID))
		if !ok {
			return
		}
		backendName = en.jobSched[jobID]
		en.commitDigest(jobID, digest)
	})
	if backendName == "" {
		return xerrors.Errorf("engine: end: no spawned job for small_id %d", smallID)
	}
	if sched, ok := e.scheds[backendName]; ok {
		sched.End(jobID, digest.Success, firstErr(digest))
	}
	return nil
}

func firstErr(d jobexec.JobDigest) error {
	if d.Success || len(d.Errors) == 0 {
		return nil
	}
	return xerrors.Errorf("jobexec: %s", d.Errors[0])
}

// commitDigest persists target fingerprints and the job's rule/resource
// generations, and uploads a clean success to the cache (§4.J "post-run,
// the engine uploads the digest and artifacts when the job was a clean
// success").
func (e *Engine) commitDigest(jobID uint64, digest jobexec.JobDigest) {
	rec, err := e.store.Job(store.JobID(jobID))
	if err != nil {
		e.log.Printf("engine: end: load job %d: %v", jobID, err)
		return
	}
	rule, ok := e.ruleByID[store.RuleID(rec.RuleID)]
	if !ok {
		return
	}

	var tgts []store.TargetRecord
	files := make(map[string][]byte)
	for _, t := range digest.Targets {
		nid, err := e.store.InternNode(t.File)
		if err != nil {
			continue
		}
		flags := store.TargetWritten
		if t.Status == jobexec.TargetUnlinked {
			flags = store.TargetUnlinked
		}
		tgts = append(tgts, store.TargetRecord{Node: nid, Flags: flags, Crc: t.Crc})
		node, err := e.store.Node(nid)
		if err == nil {
			node.FP = t.Crc
			node.ContentDate = time.Now().UnixNano()
			node.ActualJobID = jobID
			_ = e.store.PutNode(nid, node)
		}
		if e.cache != nil && digest.Success {
			if b, err := os.ReadFile(filepath.Join(e.repoRoot, t.File)); err == nil {
				files[t.File] = b
			}
		}
	}
	start, count, err := e.store.AppendTargets(tgts)
	if err == nil {
		rec.TargetsStart, rec.TargetsCount = start, count
	}
	rec.ExecGen++
	if digest.Success {
		rec.LastRun = store.LastRunOk
	} else {
		rec.LastRun = store.LastRunErr
	}
	_ = e.store.PutJob(store.JobID(jobID), rec)

	if e.cache != nil && rule.Cacheable && digest.Success {
		key := e.cacheKeyFor(rec, rule)
		if err := e.cache.Store(key, digest, files); err != nil {
			e.log.Printf("engine: cache store for job %d: %v", jobID, err)
		}
	}
}

// --- backend.EngineCallbacks -----------------------------------------------

// OnReportStart implements §4.G step 4: a job's Start arrived, so the walk
// for it advances to LevelExec.
func (e *Engine) OnReportStart(jobID uint64, smallID uint32) {
	e.enqueue(KindJob, func(en *Engine) {
		reqID, ok := en.jobReq[jobID]
		if !ok {
			return
		}
		ri := en.riFor(jobID, reqID)
		ri.Level = makestate.LevelExec
		trace.JobTransition(en.jobName(jobID), smallID, "Exec")
	})
}

// OnEnd implements §4.G step 5 / §4.F step 4: the backend has a terminal
// status for the job (normal End, or EarlyLost/LateLost/NotStarted), so
// re-enter make() for it and wake anything waiting on it.
func (e *Engine) OnEnd(jobID uint64, status backend.EndStatus, exitErr error) {
	e.enqueue(KindJob, func(en *Engine) {
		reqID, ok := en.jobReq[jobID]
		if !ok {
			return
		}
		if en.running[reqID] > 0 {
			en.running[reqID]--
		}
		trace.JobTransition(en.jobName(jobID), 0, "Done")

		ri := en.riFor(jobID, reqID)
		switch status {
		case backend.EndOk:
			makestate.ReEnter(ri)
			en.finishJob(jobID, reqID, true, makestate.RunOk)
		case backend.EndErr:
			makestate.ReEnter(ri)
			en.finishJob(jobID, reqID, false, makestate.RunErr)
		default: // EarlyLost, LateLost, NotStarted: treat as a failed run, retries already exhausted by the scheduler
			ri.Level = makestate.LevelNone
			en.finishJob(jobID, reqID, false, makestate.RunErr)
		}
	})
}

// --- rpc.ControlServer (§6 Server control<->Job) ---------------------------

// Kill marks reqID zombie and asks every backend to stop its jobs (§5
// Cancellation).
func (e *Engine) Kill(ctx context.Context, reqID uint64) (zombied bool, err error) {
	e.call(KindReq, func(en *Engine) {
		r, ok := en.reqs[req.ID(reqID)]
		if !ok {
			return
		}
		r.MarkZombie()
		zombied = true
		for _, s := range en.scheds {
			s.Kill(ctx, reqID)
		}
	})
	return zombied, nil
}

// Status reports a Req's synthetic-job analysis level and currently
// in-flight job count.
func (e *Engine) Status(ctx context.Context, reqID uint64) (level int32, runningJobs uint32, err error) {
	e.call(KindReq, func(en *Engine) {
		r, ok := en.reqs[req.ID(reqID)]
		if !ok {
			return
		}
		ri := en.riFor(r.JobID, req.ID(reqID))
		level = int32(ri.Level)
		runningJobs = en.running[req.ID(reqID)]
	})
	return level, runningJobs, nil
}

