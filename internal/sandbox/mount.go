//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/xerrors"
)

// Mounted is one mount point the sandbox created, kept so Cleanup can
// unwind it in reverse order (§4.D "Post-job cleanup").
type Mounted struct {
	Path    string
	Fuse    *FuseMount // non-nil only for Kind == ViewFuse
	LoopDev string     // non-empty only for Kind == ViewImage
}

// Assembly is the live state of one job's sandbox after Build.
type Assembly struct {
	ScratchDir string // empty if the rule needs no chroot (HasChroot() == false)
	Mounts     []Mounted
}

// Build performs §4.D steps 1-3: new namespaces are expected to already be
// active in the calling process (set via exec.Cmd.SysProcAttr.Cloneflags,
// §4.D step 1 — unshare happens at fork time, before this code runs in the
// child); Build only does the mount plumbing that must run inside those
// namespaces.
func Build(spec Spec) (*Assembly, error) {
	a := &Assembly{}
	if !spec.HasChroot() {
		return a, nil
	}

	scratch, err := os.MkdirTemp("", "gomake-sandbox-")
	if err != nil {
		return nil, xerrors.Errorf("sandbox: scratch dir: %w", err)
	}
	a.ScratchDir = scratch

	if spec.ChrootDir != "" {
		entries, err := os.ReadDir(spec.ChrootDir)
		if err != nil {
			return nil, xerrors.Errorf("sandbox: read chroot source %s: %w", spec.ChrootDir, err)
		}
		for _, e := range entries {
			src := filepath.Join(spec.ChrootDir, e.Name())
			dst := filepath.Join(scratch, e.Name())
			if e.IsDir() {
				if err := os.MkdirAll(dst, 0o755); err != nil {
					return nil, err
				}
			} else if err := touch(dst); err != nil {
				return nil, err
			}
			if err := bindMount(src, dst, true); err != nil {
				return nil, xerrors.Errorf("sandbox: bind %s: %w", src, err)
			}
			a.Mounts = append(a.Mounts, Mounted{Path: dst})
		}
	}

	for _, v := range spec.Views {
		dst := filepath.Join(scratch, v.Path)
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return nil, err
		}
		switch v.Kind {
		case ViewBind:
			if len(v.Src) != 1 {
				return nil, xerrors.Errorf("sandbox: bind view %s wants exactly 1 src, got %d", v.Path, len(v.Src))
			}
			if err := bindMount(v.Src[0], dst, false); err != nil {
				return nil, err
			}
		case ViewOverlay:
			if err := overlayMount(v.Src, dst); err != nil {
				return nil, err
			}
		case ViewTmpfs:
			if err := tmpfsMount(dst, v.TmpfsSizeMB); err != nil {
				return nil, err
			}
		case ViewFuse:
			fm, err := mountFuseView(dst, v.Src)
			if err != nil {
				return nil, err
			}
			a.Mounts = append(a.Mounts, Mounted{Path: dst, Fuse: fm})
			continue
		case ViewImage:
			if len(v.Src) != 1 {
				return nil, xerrors.Errorf("sandbox: image view %s wants exactly 1 src, got %d", v.Path, len(v.Src))
			}
			dev, err := mountImageView(dst, v.Src[0], v.ImageFSType)
			if err != nil {
				return nil, err
			}
			a.Mounts = append(a.Mounts, Mounted{Path: dst, LoopDev: dev})
			continue
		}
		a.Mounts = append(a.Mounts, Mounted{Path: dst})
	}

	if spec.TmpView != "" && spec.TmpPhysical != "" {
		dst := filepath.Join(scratch, strings.TrimPrefix(spec.TmpView, string(filepath.Separator)))
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return nil, err
		}
		if err := bindMount(spec.TmpPhysical, dst, false); err != nil {
			return nil, err
		}
		a.Mounts = append(a.Mounts, Mounted{Path: dst})
	}

	return a, nil
}

// Enter performs §4.D step 4: chroot into the assembled scratch directory
// (if any), then chdir into the rule's cwd. Must be called from the child
// process just before exec, since chroot affects the whole process.
func Enter(spec Spec, a *Assembly) error {
	if a.ScratchDir != "" {
		if err := syscall.Chroot(a.ScratchDir); err != nil {
			return xerrors.Errorf("sandbox: chroot %s: %w", a.ScratchDir, err)
		}
	}
	cwd := spec.Cwd
	if cwd == "" {
		cwd = "/"
	}
	if err := syscall.Chdir(cwd); err != nil {
		return xerrors.Errorf("sandbox: chdir %s: %w", cwd, err)
	}
	return nil
}

// Cleanup performs §4.D "Post-job cleanup": unmount every view in reverse
// order, drop FUSE mounts, then remove the scratch tree and (unless
// keepTmp) the private tmp dir.
func Cleanup(a *Assembly, tmpPhysical string, keepTmp bool) error {
	var firstErr error
	for i := len(a.Mounts) - 1; i >= 0; i-- {
		m := a.Mounts[i]
		if m.Fuse != nil {
			if err := m.Fuse.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := syscall.Unmount(m.Path, 0); err != nil && firstErr == nil {
			firstErr = xerrors.Errorf("sandbox: unmount %s: %w", m.Path, err)
		}
		if m.LoopDev != "" {
			if err := detachLoopDevice(m.LoopDev); err != nil && firstErr == nil {
				firstErr = xerrors.Errorf("sandbox: detach %s: %w", m.LoopDev, err)
			}
		}
	}
	if a.ScratchDir != "" {
		if err := os.RemoveAll(a.ScratchDir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if !keepTmp && tmpPhysical != "" {
		if err := os.RemoveAll(tmpPhysical); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func bindMount(src, dst string, readOnly bool) error {
	if err := syscall.Mount(src, dst, "", syscall.MS_BIND, ""); err != nil {
		return err
	}
	if readOnly {
		if err := syscall.Mount("", dst, "", syscall.MS_BIND|syscall.MS_REMOUNT|syscall.MS_RDONLY, ""); err != nil {
			return err
		}
	}
	return nil
}

// overlayMount assembles an overlay of several physical directories with a
// writable upper layer and a work directory (§4.D step 3), matching the
// "overlay" fstype distri's squashfs mount tooling already relies on
// syscall.Mount for (internal/build/mount.go).
func overlayMount(srcs []string, dst string) error {
	if len(srcs) == 0 {
		return xerrors.New("sandbox: overlay view declares no source directories")
	}
	upper := dst + ".upper"
	work := dst + ".work"
	if err := os.MkdirAll(upper, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(work, 0o755); err != nil {
		return err
	}
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", strings.Join(srcs, ":"), upper, work)
	return syscall.Mount("overlay", dst, "overlay", 0, opts)
}

func tmpfsMount(dst string, sizeMB uint32) error {
	opts := ""
	if sizeMB > 0 {
		opts = fmt.Sprintf("size=%dm", sizeMB)
	}
	return syscall.Mount("tmpfs", dst, "tmpfs", 0, opts)
}
