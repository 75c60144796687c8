// Package jobexec implements component E: the per-job supervisor process
// that launches the user command under the sandbox (D) with autodep (C)
// collecting access reports, then computes the final digest and reports it
// to the engine (§4.E).
package jobexec

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/gomake/gomake/internal/autodep"
	"github.com/gomake/gomake/internal/fingerprint"
)

// Crc is the dep-side fingerprint confidence state (§4.E step 6, GLOSSARY
// "crc"): a dep observed steady across the job's lifetime is promoted from
// a date-based observation to a content-based one; one that wasn't steady
// stays Unknown.
type Crc int

const (
	CrcNone Crc = iota // file was absent
	CrcContent
	CrcUnknown
)

// TargetDigest is one file the job wrote or matched a target pattern for
// (§4.E step 6).
type TargetDigest struct {
	File   string
	Crc    fingerprint.Fingerprint
	Status TargetStatus
}

type TargetStatus int

const (
	TargetOk TargetStatus = iota
	TargetUnlinked
	TargetNotCrcd // job failed or target isn't to be CRC'd: report Tag only
)

// DepDigest is one file the job merely depended on.
type DepDigest struct {
	File       string
	Crc        Crc
	FP         fingerprint.Fingerprint
	AccessedAt time.Time
}

// JobDigest is the full outcome of a job run, sent to the engine in the
// End message (§4.E step 7, §6 wire formats).
type JobDigest struct {
	Targets    []TargetDigest
	Deps       []DepDigest
	Errors     []string // illegal patterns detected (§4.E step 6)
	Success    bool
	UserCPUMS  uint64
	WallMS     uint64
	MaxRSSKB   uint64
}

// crcWorkers bounds the thread pool used to hash targets in parallel
// (§5 "a bounded-size CRC thread pool inside the job-exec supervisor").
const crcWorkers = 8

// BuildDigest computes the final digest from the accumulated access
// reports and the job's declared target set, per §4.E step 6.
func BuildDigest(ctx context.Context, reports []autodep.FileReport, targetSet map[string]bool, jobFailed bool, noCrc map[string]bool) (JobDigest, error) {
	var digest JobDigest
	sem := semaphore.NewWeighted(crcWorkers)
	g, ctx := errgroup.WithContext(ctx)

	targets := make([]TargetDigest, len(reportsMatchingTargets(reports, targetSet)))
	depsOut := make([]DepDigest, 0, len(reports))

	idx := 0
	for _, r := range reports {
		r := r
		if targetSet[r.File] {
			i := idx
			idx++
			if err := sem.Acquire(ctx, 1); err != nil {
				return JobDigest{}, err
			}
			g.Go(func() error {
				defer sem.Release(1)
				targets[i] = crcTarget(r, jobFailed, noCrc[r.File])
				return nil
			})
			continue
		}
		depsOut = append(depsOut, crcDep(r))
	}
	if err := g.Wait(); err != nil {
		return JobDigest{}, err
	}

	digest.Targets = targets
	digest.Deps = depsOut
	digest.Success = !jobFailed
	return digest, nil
}

func reportsMatchingTargets(reports []autodep.FileReport, targetSet map[string]bool) []autodep.FileReport {
	out := make([]autodep.FileReport, 0, len(targetSet))
	for _, r := range reports {
		if targetSet[r.File] {
			out = append(out, r)
		}
	}
	return out
}

func crcTarget(r autodep.FileReport, jobFailed, skipCrc bool) TargetDigest {
	if r.Unlink {
		return TargetDigest{File: r.File, Status: TargetUnlinked, Crc: fingerprint.Fingerprint{Tag: fingerprint.TagNone}}
	}
	if jobFailed || skipCrc {
		fp, _ := fingerprint.OfRegularFile(r.File)
		return TargetDigest{File: r.File, Status: TargetNotCrcd, Crc: fingerprint.Fingerprint{Tag: fp.Tag}}
	}
	fp, err := fingerprint.OfRegularFile(r.File)
	if err != nil {
		fp = fingerprint.Fingerprint{Tag: fingerprint.TagUnknown}
	}
	return TargetDigest{File: r.File, Status: TargetOk, Crc: fp}
}

// crcDep promotes a dep's date-based observation to content-based when the
// file was steady across the job's lifetime (approximated here by: it
// wasn't written during the run, and its pre-read fingerprint is known).
func crcDep(r autodep.FileReport) DepDigest {
	if r.Write {
		return DepDigest{File: r.File, Crc: CrcUnknown, AccessedAt: r.FirstRead}
	}
	if r.PreReadFP.Tag == fingerprint.TagNone && !r.Accesses.Has(fingerprint.AccessReg) {
		return DepDigest{File: r.File, Crc: CrcUnknown, AccessedAt: r.FirstRead}
	}
	return DepDigest{File: r.File, Crc: CrcContent, FP: r.PreReadFP, AccessedAt: r.FirstRead}
}

// DetectIllegalPatterns implements §4.E step 6's "detect illegal patterns"
// check: a write to a declared dep, a write to a source node, or a missing
// declared static target, each accumulated as a human-readable error line.
func DetectIllegalPatterns(reports []autodep.FileReport, declaredDeps, sourceNodes, staticTargets map[string]bool) []string {
	var errs []string
	seenTarget := make(map[string]bool)
	for _, r := range reports {
		if r.Write && declaredDeps[r.File] {
			errs = append(errs, "job wrote to a declared dependency: "+r.File)
		}
		if r.Write && sourceNodes[r.File] {
			errs = append(errs, "job wrote to a source file: "+r.File)
		}
		if r.Write || staticTargets[r.File] {
			seenTarget[r.File] = true
		}
	}
	for t := range staticTargets {
		if !seenTarget[t] {
			errs = append(errs, "missing static target: "+t)
		}
	}
	return errs
}
