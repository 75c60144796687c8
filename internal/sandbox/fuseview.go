//go:build linux

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"
)

// FuseMount is a writable passthrough FUSE view over one physical directory
// that additionally records every path written through it, readable with
// WriteReports (it does not send them to the engine itself), adapted
// from the fuseutil.FileSystem server wiring in distri's internal/fuse
// package (fuse.Mount + fuseutil.NewFileSystemServer), but backed directly
// by a single real directory instead of a squashfs union.
type FuseMount struct {
	mfs *fuse.MountedFileSystem
	fs  *passthroughFS
}

// mountFuseView mounts dst as a FUSE passthrough of srcs[0] (the first,
// writable source directory). Written paths are collected in fs.written
// and read back by WriteReports.
func mountFuseView(dst string, srcs []string) (*FuseMount, error) {
	if len(srcs) == 0 {
		return nil, xerrors.New("sandbox: fuse view declares no source directory")
	}
	fs := newPassthroughFS(srcs[0])
	server := fuseutil.NewFileSystemServer(fs)
	mfs, err := fuse.Mount(dst, server, &fuse.MountConfig{
		FSName:   "gomake-view",
		ReadOnly: false,
	})
	if err != nil {
		return nil, xerrors.Errorf("sandbox: fuse mount %s: %w", dst, err)
	}
	return &FuseMount{mfs: mfs, fs: fs}, nil
}

// WriteReports returns every file the view observed being written to, as a
// path rooted at the view root (e.g. "/out/a.o").
func (m *FuseMount) WriteReports() []string {
	m.fs.mu.Lock()
	defer m.fs.mu.Unlock()
	out := make([]string, 0, len(m.fs.written))
	for p := range m.fs.written {
		out = append(out, p)
	}
	return out
}

func (m *FuseMount) Close() error {
	if err := syscall.Unmount(m.mfs.Dir(), 0); err != nil {
		return err
	}
	// Join blocks until the server loop has seen the unmount above.
	return m.mfs.Join(context.Background())
}

// passthroughFS implements fuseutil.FileSystem over one real directory
// tree. Inode bookkeeping is a flat path<->id map rather than distri's
// union-of-packages model, since a job's view backs exactly one upper
// directory.
type passthroughFS struct {
	fuseutil.NotImplementedFileSystem

	root string

	mu      sync.Mutex
	nextID  fuseops.InodeID
	paths   map[fuseops.InodeID]string
	ids     map[string]fuseops.InodeID
	handles map[fuseops.HandleID]*os.File
	dirhdls map[fuseops.HandleID][]os.DirEntry
	nextHdl fuseops.HandleID
	written map[string]bool
}

const rootInode = fuseops.RootInodeID

func newPassthroughFS(root string) *passthroughFS {
	fs := &passthroughFS{
		root:    root,
		nextID:  rootInode + 1,
		paths:   map[fuseops.InodeID]string{rootInode: "/"},
		ids:     map[string]fuseops.InodeID{"/": rootInode},
		handles: make(map[fuseops.HandleID]*os.File),
		dirhdls: make(map[fuseops.HandleID][]os.DirEntry),
		written: make(map[string]bool),
	}
	return fs
}

func (fs *passthroughFS) real(p string) string { return filepath.Join(fs.root, p) }

func (fs *passthroughFS) internPath(rel string) fuseops.InodeID {
	if id, ok := fs.ids[rel]; ok {
		return id
	}
	id := fs.nextID
	fs.nextID++
	fs.ids[rel] = id
	fs.paths[id] = rel
	return id
}

func attrsFromStat(fi os.FileInfo) fuseops.InodeAttributes {
	st := fi.Sys().(*syscall.Stat_t)
	return fuseops.InodeAttributes{
		Size:  uint64(fi.Size()),
		Nlink: uint32(st.Nlink),
		Mode:  fi.Mode(),
		Atime: time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Mtime: fi.ModTime(),
		Ctime: time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
		Uid:   st.Uid,
		Gid:   st.Gid,
	}
}

func (fs *passthroughFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	return nil
}

func (fs *passthroughFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	parent, ok := fs.paths[op.Parent]
	if !ok {
		return fuse.ENOENT
	}
	rel := filepath.Join(parent, op.Name)
	fi, err := os.Lstat(fs.real(rel))
	if err != nil {
		return fuse.ENOENT
	}
	id := fs.internPath(rel)
	op.Entry.Child = id
	op.Entry.Attributes = attrsFromStat(fi)
	return nil
}

func (fs *passthroughFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	rel, ok := fs.paths[op.Inode]
	fs.mu.Unlock()
	if !ok {
		return fuse.ENOENT
	}
	fi, err := os.Lstat(fs.real(rel))
	if err != nil {
		return fuse.ENOENT
	}
	op.Attributes = attrsFromStat(fi)
	return nil
}

func (fs *passthroughFS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	fs.mu.Lock()
	rel, ok := fs.paths[op.Inode]
	fs.mu.Unlock()
	if !ok {
		return fuse.ENOENT
	}
	real := fs.real(rel)
	if op.Size != nil {
		if err := os.Truncate(real, int64(*op.Size)); err != nil {
			return err
		}
	}
	if op.Mode != nil {
		if err := os.Chmod(real, *op.Mode); err != nil {
			return err
		}
	}
	fi, err := os.Lstat(real)
	if err != nil {
		return err
	}
	op.Attributes = attrsFromStat(fi)
	return nil
}

func (fs *passthroughFS) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	// Refcounting across Lookup/Forget is not tracked: views are short-lived
	// (one job) and the flat path map is cheap to keep in full for that
	// lifetime.
	return nil
}

func (fs *passthroughFS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	parent := fs.paths[op.Parent]
	rel := filepath.Join(parent, op.Name)
	if err := os.Mkdir(fs.real(rel), op.Mode); err != nil {
		return err
	}
	fi, err := os.Lstat(fs.real(rel))
	if err != nil {
		return err
	}
	op.Entry.Child = fs.internPath(rel)
	op.Entry.Attributes = attrsFromStat(fi)
	return nil
}

func (fs *passthroughFS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	parent := fs.paths[op.Parent]
	rel := filepath.Join(parent, op.Name)
	f, err := os.OpenFile(fs.real(rel), os.O_RDWR|os.O_CREATE|os.O_EXCL, op.Mode)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	op.Entry.Child = fs.internPath(rel)
	op.Entry.Attributes = attrsFromStat(fi)
	op.Handle = fs.nextHdl
	fs.nextHdl++
	fs.handles[op.Handle] = f
	return nil
}

func (fs *passthroughFS) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	parent := fs.paths[op.Parent]
	rel := filepath.Join(parent, op.Name)
	if err := os.Symlink(op.Target, fs.real(rel)); err != nil {
		return err
	}
	fi, err := os.Lstat(fs.real(rel))
	if err != nil {
		return err
	}
	op.Entry.Child = fs.internPath(rel)
	op.Entry.Attributes = attrsFromStat(fi)
	return nil
}

func (fs *passthroughFS) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	fs.mu.Lock()
	rel := fs.paths[op.Inode]
	fs.mu.Unlock()
	target, err := os.Readlink(fs.real(rel))
	if err != nil {
		return err
	}
	op.Target = target
	return nil
}

func (fs *passthroughFS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	fs.mu.Lock()
	parent := fs.paths[op.Parent]
	fs.mu.Unlock()
	return os.Remove(fs.real(filepath.Join(parent, op.Name)))
}

func (fs *passthroughFS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	fs.mu.Lock()
	parent := fs.paths[op.Parent]
	fs.mu.Unlock()
	return os.Remove(fs.real(filepath.Join(parent, op.Name)))
}

func (fs *passthroughFS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	fs.mu.Lock()
	oldParent := fs.paths[op.OldParent]
	newParent := fs.paths[op.NewParent]
	fs.mu.Unlock()
	return os.Rename(
		fs.real(filepath.Join(oldParent, op.OldName)),
		fs.real(filepath.Join(newParent, op.NewName)),
	)
}

func (fs *passthroughFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	return nil
}

func (fs *passthroughFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	rel := fs.paths[op.Inode]
	fs.mu.Unlock()
	entries, err := os.ReadDir(fs.real(rel))
	if err != nil {
		return err
	}
	var n int
	for i := int(op.Offset); i < len(entries); i++ {
		e := entries[i]
		fi, err := e.Info()
		if err != nil {
			continue
		}
		typ := fuseutil.DT_File
		if e.IsDir() {
			typ = fuseutil.DT_Directory
		} else if fi.Mode()&os.ModeSymlink != 0 {
			typ = fuseutil.DT_Link
		}
		written := fuseutil.WriteDirent(op.Dst[n:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fs.internPath(filepath.Join(rel, e.Name())),
			Name:   e.Name(),
			Type:   typ,
		})
		if written == 0 {
			break
		}
		n += written
	}
	op.BytesRead = n
	return nil
}

func (fs *passthroughFS) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

func (fs *passthroughFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rel := fs.paths[op.Inode]
	f, err := os.OpenFile(fs.real(rel), os.O_RDWR, 0)
	if err != nil {
		f, err = os.Open(fs.real(rel))
		if err != nil {
			return err
		}
	}
	op.Handle = fs.nextHdl
	fs.nextHdl++
	fs.handles[op.Handle] = f
	return nil
}

func (fs *passthroughFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	f := fs.handles[op.Handle]
	fs.mu.Unlock()
	if f == nil {
		return fuse.EIO
	}
	n, err := f.ReadAt(op.Dst, op.Offset)
	op.BytesRead = n
	if err != nil && n == 0 {
		return err
	}
	return nil
}

func (fs *passthroughFS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fs.mu.Lock()
	f := fs.handles[op.Handle]
	rel := fs.paths[op.Inode]
	fs.mu.Unlock()
	if f == nil {
		return fuse.EIO
	}
	if _, err := f.WriteAt(op.Data, op.Offset); err != nil {
		return err
	}
	fs.mu.Lock()
	fs.written[rel] = true
	fs.mu.Unlock()
	return nil
}

func (fs *passthroughFS) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	fs.mu.Lock()
	f := fs.handles[op.Handle]
	fs.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Sync()
}

func (fs *passthroughFS) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	fs.mu.Lock()
	f := fs.handles[op.Handle]
	fs.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Sync()
}

func (fs *passthroughFS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f := fs.handles[op.Handle]
	delete(fs.handles, op.Handle)
	if f == nil {
		return nil
	}
	return f.Close()
}

func (fs *passthroughFS) Destroy() {}
