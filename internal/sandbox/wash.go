package sandbox

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/xerrors"
)

// ActionKind enumerates the pre-action wash steps (§4.D "Pre-action wash").
type ActionKind int

const (
	ActionUnlink ActionKind = iota
	ActionUnlinkWarn   // unlinks like ActionUnlink; the producer is not checked and no warning is emitted
	ActionQuarantine   // quarantine (move aside) instead of removing outright
	ActionUniquify     // break hard links so in-place writes stay private
	ActionMkdir
	ActionRmdir
)

// FileAction is one ordered wash step applied to one target before the
// command runs.
type FileAction struct {
	Kind ActionKind
	Path string
}

// DirGuard tracks directories currently protected by concurrent jobs, so a
// Rmdir wash step never removes one out from under another running job
// (§4.D "a shared dir counter guards them").
type DirGuard struct {
	mu    sync.Mutex
	count map[string]int
}

func NewDirGuard() *DirGuard { return &DirGuard{count: make(map[string]int)} }

func (g *DirGuard) Acquire(dir string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count[dir]++
}

func (g *DirGuard) Release(dir string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count[dir] > 0 {
		g.count[dir]--
		if g.count[dir] == 0 {
			delete(g.count, dir)
		}
	}
}

func (g *DirGuard) Protected(dir string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count[dir] > 0
}

// Wash applies the ordered FileAction list, skipping Rmdir on any directory
// DirGuard reports as protected.
func Wash(actions []FileAction, guard *DirGuard, quarantineDir string) error {
	for _, a := range actions {
		switch a.Kind {
		case ActionUnlink:
			if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
				return xerrors.Errorf("sandbox: wash unlink %s: %w", a.Path, err)
			}
		case ActionUnlinkWarn:
			if fi, err := os.Lstat(a.Path); err == nil {
				_ = fi // the file's producer is not checked and nothing is reported
			}
			if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
				return xerrors.Errorf("sandbox: wash unlink(warn) %s: %w", a.Path, err)
			}
		case ActionQuarantine:
			if quarantineDir == "" {
				return xerrors.Errorf("sandbox: wash quarantine %s: no quarantine dir configured", a.Path)
			}
			dst := filepath.Join(quarantineDir, filepath.Base(a.Path))
			if err := os.MkdirAll(quarantineDir, 0o755); err != nil {
				return err
			}
			if err := os.Rename(a.Path, dst); err != nil && !os.IsNotExist(err) {
				return xerrors.Errorf("sandbox: wash quarantine %s: %w", a.Path, err)
			}
		case ActionUniquify:
			if err := uniquify(a.Path); err != nil {
				return xerrors.Errorf("sandbox: wash uniquify %s: %w", a.Path, err)
			}
		case ActionMkdir:
			if err := os.MkdirAll(a.Path, 0o755); err != nil {
				return xerrors.Errorf("sandbox: wash mkdir %s: %w", a.Path, err)
			}
		case ActionRmdir:
			if guard.Protected(a.Path) {
				continue
			}
			if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
				return xerrors.Errorf("sandbox: wash rmdir %s: %w", a.Path, err)
			}
		}
	}
	return nil
}

// uniquify breaks hard links to path by copying it over itself through a
// temp file, so subsequent in-place incremental writes don't mutate a file
// another link still shares (§4.D "Uniquify").
func uniquify(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return nil
	}
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if nlink := linkCount(st); nlink <= 1 {
		return nil // already private
	}
	tmp := path + ".gomake-uniquify"
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return err
	}
	dst.Close()
	return os.Rename(tmp, path)
}

func linkCount(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Nlink)
	}
	return 1
}
