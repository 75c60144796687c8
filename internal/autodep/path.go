// Package autodep implements component C: the object model a job's
// supervisor uses to turn raw filesystytem syscalls (observed via the
// rule's chosen autodep_method — ptrace, LD_AUDIT or LD_PRELOAD, per §9
// design notes) into the uniform Access report stream §4.C describes.
package autodep

import "github.com/gomake/gomake/internal/fingerprint"

// Kind classifies where a resolved path lives relative to the job's view of
// the filesystem (§4.C Solve).
type Kind int

const (
	KindRepo Kind = iota
	KindDep
	KindSrcDirs
	KindRoot
	KindTmp
	KindProc
	KindAdmin
	KindExt
)

func (k Kind) String() string {
	switch k {
	case KindRepo:
		return "Repo"
	case KindDep:
		return "Dep"
	case KindSrcDirs:
		return "SrcDirs"
	case KindRoot:
		return "Root"
	case KindTmp:
		return "Tmp"
	case KindProc:
		return "Proc"
	case KindAdmin:
		return "Admin"
	default:
		return "Ext"
	}
}

// Path is an opaque (dirfd, name) pair: a lazily-stringified path reference,
// cheap to move around the two-phase Operation objects before anyone needs
// its canonical string form (§4.C "Path").
type Path struct {
	Dirfd int    // -1 when name is already absolute or repo-root-relative
	Name  string
}

// Resolution is the outcome of Solve-ing a Path (§4.C "Solve").
type Resolution struct {
	Real      string             // canonical path: repo-relative inside the repo, else absolute
	Kind      Kind
	Accesses  fingerprint.Access // accesses performed while resolving (e.g. Lnk per traversed symlink)
	Followed  []string           // symlinks traversed, reported as Lnk deps
}
