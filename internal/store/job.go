package store

import "encoding/binary"

// JobID references a Job record. Zero means "no job".
type JobID uint64

// NoJob is the zero-value sentinel.
const NoJob JobID = 0

// LastRunStatus is the Job.last-run status enumerated in §3 Job.
type LastRunStatus uint8

const (
	LastRunNew LastRunStatus = iota
	LastRunEarlyErr
	LastRunEarlyLost
	LastRunLateLost
	LastRunKilled
	LastRunChkDeps
	LastRunGarbage
	LastRunOk
	LastRunErr
	LastRunTimeout
)

// RunStatus is the Job.run status enumerated in §3 Job.
type RunStatus uint8

const (
	RunOk RunStatus = iota
	RunDepErr
	RunMissingStatic
	RunErr
)

// SpecialStep distinguishes the synthetic Req pseudo-job and other
// non-rule-backed special jobs (sources, anti-targets) from ordinary jobs,
// per the SUPPLEMENTED FEATURES section of SPEC_FULL.md (grounded on
// original_source/src/lmakeserver/job.x.hh's SpecialStep enum).
type SpecialStep uint8

const (
	SpecialStepNone SpecialStep = iota // an ordinary, rule-backed job
	SpecialStepIdle
	SpecialStepOk
	SpecialStepErr
	SpecialStepLoop // a cycle was detected rooted at this job
)

// JobRecord is the fixed-width on-disk representation of a Job (§3 Job).
// The variable-length static-deps and target lists are stored as
// [start,count) ranges into the deps/_targets tables (§4.A on-disk layout),
// appended once per job generation and never mutated in place - a job that
// reruns with a different dep list gets a fresh range, and the old range is
// simply orphaned (reclaimed only by the explicit graph-collect pass, per
// §3 Lifecycle).
type JobRecord struct {
	RuleID       uint64
	Special      SpecialStep
	DepsStart    uint64
	DepsCount    uint32
	TargetsStart uint64
	TargetsCount uint32
	LastRun      LastRunStatus
	Run          RunStatus
	CmdGen       uint32 // exec_gen snapshot of the rule's cmd_gen at last run (§3 Invariants)
	RsrcsGen     uint32 // exec_gen snapshot of the rule's rsrcs_gen at last run
	ExecGen      uint32 // monotonic counter bumped every time this job actually executes
	BestExecMS   uint64 // best-known exec time in milliseconds, for ETA (§4.H)
	CostPerToken uint64 // per-resource-token cost, for ETA
	NRetries     uint8  // remaining backend retries (SUPPLEMENTED FEATURES)
}

const jobRecLen = 8 + 1 + 8 + 4 + 8 + 4 + 1 + 1 + 4 + 4 + 4 + 8 + 8 + 1

func (r JobRecord) encode() []byte {
	b := make([]byte, jobRecLen)
	i := 0
	binary.BigEndian.PutUint64(b[i:i+8], r.RuleID)
	i += 8
	b[i] = byte(r.Special)
	i++
	binary.BigEndian.PutUint64(b[i:i+8], r.DepsStart)
	i += 8
	binary.BigEndian.PutUint32(b[i:i+4], r.DepsCount)
	i += 4
	binary.BigEndian.PutUint64(b[i:i+8], r.TargetsStart)
	i += 8
	binary.BigEndian.PutUint32(b[i:i+4], r.TargetsCount)
	i += 4
	b[i] = byte(r.LastRun)
	i++
	b[i] = byte(r.Run)
	i++
	binary.BigEndian.PutUint32(b[i:i+4], r.CmdGen)
	i += 4
	binary.BigEndian.PutUint32(b[i:i+4], r.RsrcsGen)
	i += 4
	binary.BigEndian.PutUint32(b[i:i+4], r.ExecGen)
	i += 4
	binary.BigEndian.PutUint64(b[i:i+8], r.BestExecMS)
	i += 8
	binary.BigEndian.PutUint64(b[i:i+8], r.CostPerToken)
	i += 8
	b[i] = r.NRetries
	return b
}

func decodeJob(b []byte) JobRecord {
	var r JobRecord
	i := 0
	r.RuleID = binary.BigEndian.Uint64(b[i : i+8])
	i += 8
	r.Special = SpecialStep(b[i])
	i++
	r.DepsStart = binary.BigEndian.Uint64(b[i : i+8])
	i += 8
	r.DepsCount = binary.BigEndian.Uint32(b[i : i+4])
	i += 4
	r.TargetsStart = binary.BigEndian.Uint64(b[i : i+8])
	i += 8
	r.TargetsCount = binary.BigEndian.Uint32(b[i : i+4])
	i += 4
	r.LastRun = LastRunStatus(b[i])
	i++
	r.Run = RunStatus(b[i])
	i++
	r.CmdGen = binary.BigEndian.Uint32(b[i : i+4])
	i += 4
	r.RsrcsGen = binary.BigEndian.Uint32(b[i : i+4])
	i += 4
	r.ExecGen = binary.BigEndian.Uint32(b[i : i+4])
	i += 4
	r.BestExecMS = binary.BigEndian.Uint64(b[i : i+8])
	i += 8
	r.CostPerToken = binary.BigEndian.Uint64(b[i : i+8])
	i += 8
	r.NRetries = b[i]
	return r
}

// NewJob creates a fresh job record and returns its id (§3 Lifecycle: "Jobs
// are created lazily when a node needs a producer").
func (s *Store) NewJob(ruleID uint64, special SpecialStep) (JobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := JobRecord{RuleID: ruleID, Special: special, LastRun: LastRunNew, NRetries: DefaultMaxRetries}
	idx, err := s.jobs.append(rec.encode())
	if err != nil {
		return 0, err
	}
	return JobID(idx + 1), nil
}

// DefaultMaxRetries bounds backend retries for a job (SUPPLEMENTED
// FEATURES: "n_retries bounded backend retry"), grounded on
// original_source's per-job submit_attrs.n_retries.
const DefaultMaxRetries uint8 = 3

// Job loads a Job record.
func (s *Store) Job(id JobID) (JobRecord, error) {
	buf := make([]byte, jobRecLen)
	if err := s.jobs.readAt(uint64(id)-1, buf); err != nil {
		return JobRecord{}, err
	}
	return decodeJob(buf), nil
}

// PutJob overwrites a job's scalar record (see the note on Store.PutNode).
func (s *Store) PutJob(id JobID, r JobRecord) error {
	return s.jobs.writeAt(uint64(id)-1, r.encode())
}
