package autodep

import (
	"time"

	"github.com/gomake/gomake/internal/fingerprint"
)

// OpKind enumerates the intercepted syscall families (§4.C "Operations").
type OpKind int

const (
	OpChDir OpKind = iota
	OpChmod
	OpExec
	OpLnk
	OpMkdir
	OpOpen
	OpRead
	OpReadLnk
	OpRename
	OpStat
	OpSymlnk
	OpUnlink
)

// OpenFlags mirrors the subset of open(2) flags the record layer cares
// about for classifying an Open as a read, a write, or both.
type OpenFlags uint8

const (
	OpenRead OpenFlags = 1 << iota
	OpenWrite
	OpenCreate
	OpenTrunc
	OpenAppend
)

// Operation is the two-phase object every intercepted syscall is wrapped
// in: the constructor reports a tentative access and snapshots pre-state;
// Done reports success/failure so the engine can flip the report from
// "maybe" to "confirmed" or "vanished" (§4.C "Operations").
type Operation struct {
	Kind  OpKind
	Path  Path
	Flags OpenFlags // only meaningful for OpOpen

	cache    *Cache
	resolver *Resolver
	real     string
	preFP    fingerprint.Fingerprint
	started  time.Time
	done     bool
}

// NewOperation is the constructor phase: resolves the path, reports the
// tentative access, and captures a pre-state fingerprint when the
// operation's kind can read file identity before the real syscall runs.
func NewOperation(kind OpKind, p Path, flags OpenFlags, resolver *Resolver, cache *Cache) (*Operation, error) {
	res, err := resolver.Solve(p)
	if err != nil {
		return nil, err
	}
	o := &Operation{Kind: kind, Path: p, Flags: flags, cache: cache, resolver: resolver, real: res.Real, started: opNow()}

	if res.Kind != KindRepo && res.Kind != KindDep && res.Kind != KindSrcDirs {
		if IsSimplePath(res.Real) {
			return o, nil // suppressed per §4.C "Simple paths"
		}
	}

	acc := tentativeAccess(kind, flags)
	if acc != 0 {
		cache.Observe(res.Real, acc|res.Accesses, o.started)
	}
	if isReadKind(kind) {
		if fp, err := fingerprint.OfRegularFile(res.Real); err == nil {
			o.preFP = fp
			cache.SetPreReadFP(res.Real, fp)
		}
	}
	return o, nil
}

// Done is the second phase, called after the real syscall completed with
// ok indicating success. Writes and unlinks update the cache accordingly;
// other operations are already fully accounted for by the constructor
// phase (the "maybe" access becomes "confirmed" simply by the fact the
// syscall didn't crash the job — a failed read/stat is still a faithful
// access report of "this path did not exist/was not readable").
func (o *Operation) Done(ok bool) {
	if o.done {
		return
	}
	o.done = true
	switch o.Kind {
	case OpOpen:
		if ok && (o.Flags&OpenWrite != 0) {
			o.cache.ObserveWrite(o.real, opNow())
		}
	case OpUnlink:
		if ok {
			o.cache.ObserveUnlink(o.real)
		}
	case OpRename:
		if ok {
			o.cache.ObserveUnlink(o.real) // source vanished
		}
	}
}

func tentativeAccess(kind OpKind, flags OpenFlags) fingerprint.Access {
	switch kind {
	case OpStat, OpChDir, OpChmod:
		return fingerprint.AccessStat
	case OpReadLnk, OpLnk, OpSymlnk:
		return fingerprint.AccessLnk
	case OpOpen, OpRead, OpExec:
		return fingerprint.AccessReg
	default:
		return 0
	}
}

func isReadKind(kind OpKind) bool {
	switch kind {
	case OpOpen, OpRead, OpExec:
		return true
	default:
		return false
	}
}

// opNow is the only place autodep reads wall-clock time, so tests can swap
// it deterministically.
var opNow = time.Now
