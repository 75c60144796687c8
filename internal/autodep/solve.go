package autodep

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gomake/gomake/internal/fingerprint"
)

// Roots is the policy a Resolver classifies paths against (§4.C Solve:
// "real...relative to the repo root when inside the repo, else absolute",
// plus the Tmp/SrcDirs/Admin/Proc/Ext split).
type Roots struct {
	RepoRoot    string   // absolute
	SrcDirs     []string // absolute, outside the repo but readable (§3 GLOSSARY source dirs)
	TmpPhysical string   // absolute physical backing of the job's private tmp
	TmpView     string   // path the job sees for its tmp, if remapped (§4.C tmp-view mapping)
	AdminDir    string   // the engine's own bookkeeping directory, e.g. ".gomake"
}

// Resolver resolves Paths against a fixed Roots policy for one job run.
// maxSymlinks bounds symlink-traversal loops the same way the kernel does.
type Resolver struct {
	roots       Roots
	maxSymlinks int
}

const defaultMaxSymlinks = 40

func NewResolver(roots Roots) *Resolver {
	return &Resolver{roots: roots, maxSymlinks: defaultMaxSymlinks}
}

// Solve resolves p into a canonical form and classifies it, following
// symlinks and recording each traversal as an Lnk access (§4.C "Solve").
func (r *Resolver) Solve(p Path) (Resolution, error) {
	abs := p.Name
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(r.roots.RepoRoot, abs)
	}
	abs = filepath.Clean(abs)

	var res Resolution
	followed := 0
	for {
		fi, err := os.Lstat(abs)
		if err != nil {
			break // does not exist (yet): classify what we have
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			break
		}
		followed++
		if followed > r.maxSymlinks {
			break
		}
		res.Accesses |= fingerprint.AccessLnk
		target, err := os.Readlink(abs)
		if err != nil {
			break
		}
		res.Followed = append(res.Followed, abs)
		if filepath.IsAbs(target) {
			abs = filepath.Clean(r.remapTmp(target))
		} else {
			abs = filepath.Clean(r.remapTmp(filepath.Join(filepath.Dir(abs), target)))
		}
	}

	res.Kind = r.classify(abs)
	res.Real = r.canonicalize(abs, res.Kind)
	return res, nil
}

// remapTmp implements the §4.C tmp-view mapping: a symlink's content (or a
// /proc/.../cwd read) that points into the physical tmp dir is rewritten to
// the view-visible path before any further resolution.
func (r *Resolver) remapTmp(path string) string {
	if r.roots.TmpView == "" || r.roots.TmpPhysical == "" {
		return path
	}
	if rel, ok := cutPrefix(path, r.roots.TmpPhysical); ok {
		return filepath.Join(r.roots.TmpView, rel)
	}
	return path
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	rest := s[len(prefix):]
	return strings.TrimPrefix(rest, string(filepath.Separator)), true
}

func (r *Resolver) classify(abs string) Kind {
	switch {
	case r.roots.AdminDir != "" && within(abs, r.roots.AdminDir):
		return KindAdmin
	case within(abs, "/proc"):
		return KindProc
	case r.roots.TmpView != "" && within(abs, r.roots.TmpView):
		return KindTmp
	case r.roots.TmpPhysical != "" && within(abs, r.roots.TmpPhysical):
		return KindTmp
	case within(abs, r.roots.RepoRoot):
		return KindRepo
	default:
		for _, sd := range r.roots.SrcDirs {
			if within(abs, sd) {
				return KindSrcDirs
			}
		}
		if abs == "/" {
			return KindRoot
		}
		return KindExt
	}
}

func within(abs, dir string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

func (r *Resolver) canonicalize(abs string, kind Kind) string {
	if kind == KindRepo {
		if rel, err := filepath.Rel(r.roots.RepoRoot, abs); err == nil {
			return rel
		}
	}
	return abs
}

// IsSimplePath reports whether access reports should be suppressed for abs
// because it falls under one of the well-known system prefixes without
// escaping the top directory (§4.C "Simple paths").
func IsSimplePath(abs string) bool {
	if !filepath.IsAbs(abs) {
		return false
	}
	for _, prefix := range simplePrefixes {
		if abs == prefix || strings.HasPrefix(abs, prefix+"/") {
			return !strings.Contains(abs[len(prefix):], "/../")
		}
	}
	return false
}

var simplePrefixes = []string{"/bin", "/dev", "/etc", "/lib", "/lib32", "/lib64", "/sys", "/usr", "/var"}
