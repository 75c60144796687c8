// Package req implements component H: the Req controller. A Req is opened
// by the CLI side with options and a list of target patterns; internally it
// is backed by a synthetic job whose static deps are those targets (§4.H
// step 1). The controller tracks stats/ETA, streams a live audit log, and
// renders the final summary and cycle report.
package req

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	"github.com/gomake/gomake/internal/makestate"
)

// ID identifies one open Req.
type ID uint64

// Options are the CLI-supplied parameters for opening a Req (§4.H,
// §6 "CLI surface").
type Options struct {
	Targets   []string
	Jobs      int
	LiveOut   bool
	KeepTmp   bool
	Quiet     bool
	Verbose   bool
	ManualOk  bool
	LocalOnly bool
}

// Category buckets a finished job for the final summary (§4.H step 5).
type Category int

const (
	CategoryFailed Category = iota
	CategoryDone
	CategoryRerun
	CategorySteady
	CategoryHit
	CategoryFrozen
	CategorySourceOverride
	CategoryUpToDate
	CategoryClash
	CategoryUnreachable
)

func (c Category) label() string {
	switch c {
	case CategoryFailed:
		return "failed"
	case CategoryDone:
		return "done"
	case CategoryRerun:
		return "rerun"
	case CategorySteady:
		return "steady"
	case CategoryHit:
		return "hit"
	case CategoryFrozen:
		return "frozen"
	case CategorySourceOverride:
		return "source override"
	case CategoryUpToDate:
		return "up to date"
	case CategoryClash:
		return "clash"
	case CategoryUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// summaryOrder fixes the order categories are rendered in (§4.H step 5:
// "failed/done/rerun/steady/hit jobs, frozen jobs, source overrides,
// up-to-date targets, clash nodes, and unreachable rules").
var summaryOrder = []Category{
	CategoryFailed, CategoryDone, CategoryRerun, CategorySteady, CategoryHit,
	CategoryFrozen, CategorySourceOverride, CategoryUpToDate, CategoryClash,
	CategoryUnreachable,
}

// AuditSink is where a Req's live output lines go (§4.H step 2: "all user
// output ... is framed as RPC messages sent on that channel"). The concrete
// transport (an RPC stream, a plain log file) is the caller's choice; Req
// itself only needs Send.
type AuditSink interface {
	Send(line string) error
	Close() error
}

// FileAuditSink appends each line, unchanged, to outputs/<UTC timestamp> and
// maintains the last_output symlink (§6 On-disk layout), the default sink
// used when no interactive RPC stream is attached.
type FileAuditSink struct {
	f   *os.File
	dir string
}

// OpenFileAuditSink creates a new per-Req log file under adminDir/outputs
// and repoints adminDir/outputs/last_output at it.
func OpenFileAuditSink(adminDir string, opened time.Time) (*FileAuditSink, error) {
	dir := filepath.Join(adminDir, "outputs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("req: mkdir %s: %w", dir, err)
	}
	name := opened.UTC().Format("20060102T150405.000000000Z")
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, xerrors.Errorf("req: create %s: %w", path, err)
	}
	link := filepath.Join(dir, "last_output")
	os.Remove(link)
	_ = os.Symlink(name, link) // best-effort: a stale symlink is cosmetic only

	return &FileAuditSink{f: f, dir: dir}, nil
}

func (s *FileAuditSink) Send(line string) error {
	_, err := s.f.WriteString(line + "\n")
	return err
}

func (s *FileAuditSink) Close() error { return s.f.Close() }

// isTerminal gates ANSI coloring the same way distri's batch scheduler
// gates cursor control: only when stdout is a real terminal, not a pipe or
// log file.
var isTerminal = isatty.IsTerminal(os.Stdout.Fd())

const (
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiReset  = "\x1b[0m"
)

func colorize(color, text string) string {
	if !isTerminal {
		return text
	}
	return color + text + ansiReset
}

// stats is the per-Req counters tracked for the ETA/summary (§4.H step 4).
type stats struct {
	stepCounts map[string]int
	reportTime map[string]time.Duration
	categories map[Category][]string
}

func newStats() stats {
	return stats{
		stepCounts: make(map[string]int),
		reportTime: make(map[string]time.Duration),
		categories: make(map[Category][]string),
	}
}

// Req is one open build request (§4.H).
type Req struct {
	ID     ID
	JobID  uint64 // synthetic job whose static deps are Opts.Targets
	Opts   Options
	Opened time.Time

	sink    AuditSink
	watch   *makestate.WatcherGraph
	verbose bool

	mu      sync.Mutex
	st      stats
	zombie  bool
	lastETA time.Time
}

// New opens a Req: allocates the controller state around a synthetic job
// (the caller is responsible for actually creating that job in the store
// and wiring its static deps to Opts.Targets, since only internal/engine
// holds a *store.Store).
func New(id ID, syntheticJobID uint64, opts Options, sink AuditSink) *Req {
	return &Req{
		ID:      id,
		JobID:   syntheticJobID,
		Opts:    opts,
		Opened:  time.Now(),
		sink:    sink,
		watch:   makestate.NewWatcherGraph(),
		verbose: opts.Verbose,
		st:      newStats(),
	}
}

// Watchers exposes the Req's watcher graph so the engine can register
// "job A watches job B" edges as make() suspends on an unready dep (§4.F
// step 2, §4.H cycle report).
func (r *Req) Watchers() *makestate.WatcherGraph { return r.watch }

// Audit emits one user-visible line (§4.H step 2), colored per kind.
func (r *Req) Audit(kind, line string) {
	var colored string
	switch kind {
	case "error":
		colored = colorize(ansiRed, line)
	case "warn":
		colored = colorize(ansiYellow, line)
	case "ok":
		colored = colorize(ansiGreen, line)
	default:
		colored = line
	}
	if r.sink != nil {
		_ = r.sink.Send(colored)
	}
}

// RecordStep folds one report into the per-kind counters and accumulated
// time (§4.H step 4: "per-step counters, per-report-kind counters,
// per-report accumulated time").
func (r *Req) RecordStep(kind string, dur time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.stepCounts[kind]++
	r.st.reportTime[kind] += dur
}

// Record files jobName under cat for the final summary.
func (r *Req) Record(cat Category, jobName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.categories[cat] = append(r.st.categories[cat], jobName)
}

// etaReprioritizeThreshold is the 10% drift that triggers a
// reprioritize-all-sub-backends notification (§4.H ETA).
const etaReprioritizeThreshold = 0.10

// UpdateETA folds a new estimate into the Req's tracked ETA and reports
// whether the drift from the last reported value exceeds the 10%
// threshold, per §4.H: "eta = submitted_eta(Req) + waiting_cost. When the
// difference from the last-reported eta exceeds 10%, notify all
// sub-backends to reprioritize."
func (r *Req) UpdateETA(waitingCost time.Duration) (eta time.Time, shouldReprioritize bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	eta = r.Opened.Add(waitingCost)
	if r.lastETA.IsZero() {
		r.lastETA = eta
		return eta, true
	}
	prev := r.lastETA.Sub(r.Opened)
	cur := eta.Sub(r.Opened)
	if prev <= 0 {
		r.lastETA = eta
		return eta, true
	}
	drift := float64(cur-prev) / float64(prev)
	if drift < 0 {
		drift = -drift
	}
	if drift > etaReprioritizeThreshold {
		r.lastETA = eta
		return eta, true
	}
	return eta, false
}

// Pressure derives a backend scheduling pressure from the Req's current
// ETA: an earlier ETA (a Req closer to done, or opened with a tighter
// deadline) outranks a later one, feeding backend.Scheduler.Reprioritize.
func (r *Req) Pressure() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastETA.IsZero() {
		return 0
	}
	return int32(-r.lastETA.Unix())
}

// MarkZombie implements §5 Cancellation: "killing a Req sets a zombie
// flag; the engine stops issuing new submits for it".
func (r *Req) MarkZombie() {
	r.mu.Lock()
	r.zombie = true
	r.mu.Unlock()
}

func (r *Req) IsZombie() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zombie
}

// Summary renders the final report (§4.H step 5).
func (r *Req) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Req %d: %d target(s)\n", r.ID, len(r.Opts.Targets))
	for _, cat := range summaryOrder {
		names := r.st.categories[cat]
		if len(names) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "  %s (%d):\n", cat.label(), len(names))
		for _, n := range names {
			fmt.Fprintf(&sb, "    %s\n", n)
		}
	}
	for kind, n := range r.st.stepCounts {
		fmt.Fprintf(&sb, "  %s: %d report(s), %s\n", kind, n, r.st.reportTime[kind])
	}
	return sb.String()
}

// UnreachableReport explains why a target can never be built: the shortest
// chain of deps down to a node with no producing rule and no content (§4.H
// step 5 "unreachable rules with an explanation of the shortest distance to
// a missing static dep"). chain is caller-supplied (computed by the engine,
// which owns the node/job graph); an empty chain means the target itself
// has no rule.
func UnreachableReport(target string, chain []string) string {
	if len(chain) == 0 {
		return fmt.Sprintf("%s: unreachable, no rule produces it", target)
	}
	return fmt.Sprintf("%s: unreachable via %s", target, strings.Join(chain, " -> "))
}

// CloseAndCycleReport closes the Req's audit sink and renders a cycle
// report if its watcher graph still has an unresolved cycle at close time
// (§4.H "Cycle report"). Call after the synthetic job's make() has
// returned or been abandoned.
func (r *Req) CloseAndCycleReport(ruleNames map[int64]string) (cycle string, err error) {
	cycle = makestate.CycleReport(r.watch, ruleNames)
	if r.sink != nil {
		err = r.sink.Close()
	}
	return cycle, err
}
