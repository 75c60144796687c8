//go:build linux

package autodep

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Tracer runs a job's command under PTRACE_SYSCALL single-stepping, the
// default autodep_method ("ptrace") of the three §9 design notes allow.
// Each syscall-entry/exit pair relevant to filesystem access is turned into
// an Operation against resolver/cache. LD_AUDIT and LD_PRELOAD variants
// (selected by a rule's autodep_method) are out of scope for this type;
// they report through the same Cache/Resolver pair from a preloaded
// shared object instead, which is why Operation/Cache/Resolver don't
// themselves know which mechanism produced their calls.
type Tracer struct {
	resolver *Resolver
	cache    *Cache
}

func NewTracer(resolver *Resolver, cache *Cache) *Tracer {
	return &Tracer{resolver: resolver, cache: cache}
}

// traced syscall numbers we decode arguments for (amd64 numbering; other
// GOARCH values are supplied by syscall.SysProcAttr's own constants at
// build time via the x/sys/unix package, not hardcoded here beyond these
// names).
var trackedSyscalls = map[uint64]OpKind{
	unix.SYS_OPENAT:  OpOpen,
	unix.SYS_OPEN:    OpOpen,
	unix.SYS_STAT:    OpStat,
	unix.SYS_LSTAT:   OpStat,
	unix.SYS_NEWFSTATAT: OpStat,
	unix.SYS_UNLINK:  OpUnlink,
	unix.SYS_UNLINKAT: OpUnlink,
	unix.SYS_RENAME:  OpRename,
	unix.SYS_RENAMEAT: OpRename,
	unix.SYS_MKDIR:   OpMkdir,
	unix.SYS_MKDIRAT: OpMkdir,
	unix.SYS_SYMLINK: OpSymlnk,
	unix.SYS_SYMLINKAT: OpSymlnk,
	unix.SYS_READLINK: OpReadLnk,
	unix.SYS_READLINKAT: OpReadLnk,
	unix.SYS_CHDIR:   OpChDir,
	unix.SYS_FCHDIR:  OpChDir,
	unix.SYS_CHMOD:   OpChmod,
	unix.SYS_FCHMOD:  OpChmod,
	unix.SYS_EXECVE:  OpExec,
	unix.SYS_EXECVEAT: OpExec,
}

// Run starts cmd under ptrace and traces it to completion, calling report
// for every completed Operation. It blocks until the child exits.
func (t *Tracer) Run(cmd *exec.Cmd, report func(*Operation)) error {
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		return xerrors.Errorf("autodep: start: %w", err)
	}
	pid := cmd.Process.Pid

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return xerrors.Errorf("autodep: initial wait: %w", err)
	}
	unix.PtraceSetOptions(pid, unix.PTRACE_O_TRACESYSGOOD|unix.PTRACE_O_TRACEEXEC|unix.PTRACE_O_TRACECLONE|unix.PTRACE_O_TRACEFORK|unix.PTRACE_O_TRACEVFORK)

	entered := false
	var pendingOp *Operation
	var pendingArg string
	sig := 0

	for {
		if err := unix.PtraceSyscall(pid, sig); err != nil {
			if err == unix.ESRCH {
				break
			}
			return xerrors.Errorf("autodep: ptrace syscall: %w", err)
		}
		sig = 0
		if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
			if err == unix.ECHILD {
				break
			}
			return xerrors.Errorf("autodep: wait: %w", err)
		}
		if ws.Exited() || ws.Signaled() {
			break
		}
		if !ws.Stopped() {
			continue
		}
		if ws.StopSignal() != unix.SIGTRAP|0x80 { // syscall stops carry 0x80 under PTRACE_O_TRACESYSGOOD
			if ws.StopSignal() != unix.SIGTRAP {
				sig = int(ws.StopSignal()) // a real signal destined for the child; re-inject on next PtraceSyscall
			}
			continue
		}

		var regs unix.PtraceRegs
		if err := unix.PtraceGetRegs(pid, &regs); err != nil {
			continue
		}
		sysno := regs.Orig_rax
		kind, tracked := trackedSyscalls[sysno]

		if !entered {
			entered = true
			if tracked {
				if path, flags, ok := decodeSyscallPath(pid, sysno, &regs); ok {
					op, err := NewOperation(kind, Path{Name: path}, flags, t.resolver, t.cache)
					if err == nil {
						pendingOp = op
						pendingArg = path
					}
				}
			}
			continue
		}

		// syscall-exit stop
		entered = false
		if pendingOp != nil {
			ok := int64(regs.Rax) >= 0
			pendingOp.Done(ok)
			if report != nil {
				report(pendingOp)
			}
			pendingOp = nil
			pendingArg = ""
		}
		_ = pendingArg
	}
	return cmd.Wait()
}

// decodeSyscallPath reads the first path-like argument out of the traced
// process's memory via /proc/pid/mem, and derives OpenFlags for openat-
// family calls.
func decodeSyscallPath(pid int, sysno uint64, regs *unix.PtraceRegs) (path string, flags OpenFlags, ok bool) {
	var addr uint64
	switch sysno {
	case unix.SYS_OPENAT, unix.SYS_NEWFSTATAT, unix.SYS_UNLINKAT, unix.SYS_MKDIRAT,
		unix.SYS_READLINKAT, unix.SYS_RENAMEAT:
		addr = regs.Rsi
	default:
		addr = regs.Rdi
	}
	s, err := readCString(pid, addr)
	if err != nil {
		return "", 0, false
	}
	if sysno == unix.SYS_OPENAT || sysno == unix.SYS_OPEN {
		var rawFlags uint64
		if sysno == unix.SYS_OPENAT {
			rawFlags = regs.Rdx
		} else {
			rawFlags = regs.Rsi
		}
		flags = decodeOpenFlags(rawFlags)
	}
	return s, flags, true
}

func decodeOpenFlags(raw uint64) OpenFlags {
	var f OpenFlags
	switch raw & unix.O_ACCMODE {
	case unix.O_RDONLY:
		f |= OpenRead
	case unix.O_WRONLY:
		f |= OpenWrite
	case unix.O_RDWR:
		f |= OpenRead | OpenWrite
	}
	if raw&unix.O_CREAT != 0 {
		f |= OpenCreate
	}
	if raw&unix.O_TRUNC != 0 {
		f |= OpenTrunc
	}
	if raw&unix.O_APPEND != 0 {
		f |= OpenAppend
	}
	return f
}

const maxPathRead = 4096

func readCString(pid int, addr uint64) (string, error) {
	if addr == 0 {
		return "", fmt.Errorf("autodep: null path pointer")
	}
	mem, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer mem.Close()

	buf := make([]byte, maxPathRead)
	n, err := mem.ReadAt(buf, int64(addr))
	if err != nil && n == 0 {
		return "", err
	}
	for i := 0; i < n; i++ {
		if buf[i] == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf[:n]), nil
}
