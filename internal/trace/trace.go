// Package trace is a Chrome trace-event JSON sink, adapted from the
// teacher's system-wide CPU/mem trace to record exactly the events §6's
// `trace/<id>` artifact calls for: one event per job Exec/Queued/Done
// transition and per Req open/close.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/edit

var start = time.Now()

var (
	sinkMu sync.Mutex
	sink   io.Writer = ioutil.Discard
)

// Sink writes all following Event()s as a Chrome trace event file into w.
func Sink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sink = w
	// Start the JSON Array Format; the trailing ] is optional, so it's
	// skipped.
	w.Write([]byte{'['})
}

// Enable creates the Req's trace artifact at $TMPDIR/gomake.traces/<id>,
// per §6's `trace/<id>` wire format.
func Enable(reqID string) error {
	fn := filepath.Join(os.TempDir(), "gomake.traces", reqID)
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return err
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	Sink(f)
	return nil
}

type PendingEvent struct {
	Name           string      `json:"name"` // name of the event, as displayed in Trace Viewer
	Categories     string      `json:"cat"`  // event categories (comma-separated)
	Type           string      `json:"ph"`   // event type (single character)
	ClockTimestamp uint64      `json:"ts"`   // tracing clock timestamp (microsecond granularity)
	Duration       uint64      `json:"dur"`
	Pid            uint64      `json:"pid"` // process ID for the process that output this event
	Tid            uint64      `json:"tid"` // thread ID for the thread that output this event
	Args           interface{} `json:"args"`

	start time.Time
}

func (pe *PendingEvent) Done() {
	pe.Duration = uint64(time.Since(pe.start) / time.Microsecond)
	b, err := json.Marshal(pe)
	if err != nil {
		panic(err)
	}
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if _, err := sink.Write(append(b, ',')); err != nil {
		log.Printf("[trace] %v", err)
	}
}

// Event begins a generic trace-event; tid disambiguates concurrent
// job-exec slots (§4.G small_id) the same way distri's batch scheduler
// used worker index as tid.
func Event(name string, tid int) *PendingEvent {
	return &PendingEvent{
		Name:           name,
		Type:           "X",
		ClockTimestamp: uint64(time.Since(start) / time.Microsecond),
		Tid:            uint64(tid),
		start:          time.Now(),
	}
}

// JobTransition records one Queued/Exec/Done transition for a job (§4.I
// Job closures), keyed by the job's engine-assigned small_id as tid so
// concurrent jobs land on distinct trace-viewer swimlanes.
func JobTransition(jobName string, smallID uint32, phase string) {
	ev := Event(fmt.Sprintf("%s:%s", jobName, phase), int(smallID))
	ev.Categories = "job"
	ev.Pid = 1
	ev.Done()
}

// ReqSpan records a Req's open/close as a Chrome trace "complete" event on
// its own pid lane (§4.H Req controller).
func ReqSpan(reqID string, started time.Time) {
	ev := &PendingEvent{
		Name:           "req:" + reqID,
		Type:           "X",
		Categories:     "req",
		ClockTimestamp: uint64(started.Sub(start) / time.Microsecond),
		Pid:            2,
		start:          started,
	}
	ev.Done()
}
