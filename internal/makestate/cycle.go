package makestate

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// WatcherGraph is the watcher relation the engine builds incrementally as
// make() registers "A watches B" edges (§4.F step 2 "register ourselves as
// a watcher"). When a watcher wakes another watcher forming a cycle, the
// Req's post-pass needs to find and print it (§4.F step 5, §4.H "Cycle
// report"); gonum's topological sort already returns the offending node
// sets when the graph isn't a DAG, which is exactly what that post-pass
// needs.
type WatcherGraph struct {
	g      *simple.DirectedGraph
	labels map[int64]string
}

func NewWatcherGraph() *WatcherGraph {
	return &WatcherGraph{g: simple.NewDirectedGraph(), labels: make(map[int64]string)}
}

// Watch records that watcher is waiting on target (an edge watcher -> target
// in the conform_job_tgts / deps chain sense: "walks the conform_job_tgts
// to deps chain", §4.H).
func (w *WatcherGraph) Watch(watcher, target int64, watcherLabel, targetLabel string) {
	w.labels[watcher] = watcherLabel
	w.labels[target] = targetLabel
	if !w.g.HasEdgeFromTo(watcher, target) {
		w.g.SetEdge(w.g.NewEdge(simple.Node(watcher), simple.Node(target)))
	}
}

// Unwatch removes a previously registered edge once the watched entity
// completes and wakes its watcher.
func (w *WatcherGraph) Unwatch(watcher, target int64) {
	w.g.RemoveEdge(watcher, target)
}

// DetectCycle reports the first cycle found, formatted as an arrow chain
// per §4.H ("prints the cycle with an arrow marker"), or ok==false if the
// graph is currently acyclic.
func (w *WatcherGraph) DetectCycle() (report string, ok bool) {
	_, err := topo.Sort(w.g)
	unorderable, isCyclic := err.(topo.Unorderable)
	if !isCyclic || len(unorderable) == 0 {
		return "", false
	}
	cycle := unorderable[0]
	names := make([]string, 0, len(cycle)+1)
	for _, n := range cycle {
		names = append(names, w.labels[n.ID()])
	}
	if len(names) > 0 {
		names = append(names, names[0])
	}
	return strings.Join(names, " -> "), true
}

// CycleReport renders a full human-readable cycle explanation, including a
// suggestion to reprioritize the rules on the cycle, matching §4.H's "walks
// the conform_job_tgts -> deps chain from an undone dep until it revisits a
// node".
func CycleReport(w *WatcherGraph, ruleNames map[int64]string) string {
	chain, ok := w.DetectCycle()
	if !ok {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "dependency cycle detected:\n  %s\n", chain)
	sb.WriteString("consider re-prioritizing one of the rules on this cycle\n")
	return sb.String()
}
