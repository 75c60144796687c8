//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/s-urbaniak/uevent"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

const loopControlPath = "/dev/loop-control"

// loopReadyTimeout bounds how long mountImageView waits for the kernel to
// announce a freshly attached loop device before giving up.
var loopReadyTimeout = 5 * time.Second

// nextFreeLoopDevice asks the kernel's loop-control device for an unused
// /dev/loopN minor, the same LOOP_CTL_GET_FREE dance losetup(8) performs.
func nextFreeLoopDevice() (string, error) {
	ctrl, err := os.OpenFile(loopControlPath, os.O_RDWR, 0)
	if err != nil {
		return "", xerrors.Errorf("sandbox: open %s: %w", loopControlPath, err)
	}
	defer ctrl.Close()
	nr, _, errno := unix.Syscall(unix.SYS_IOCTL, ctrl.Fd(), unix.LOOP_CTL_GET_FREE, 0)
	if errno != 0 {
		return "", xerrors.Errorf("sandbox: LOOP_CTL_GET_FREE: %w", errno)
	}
	return fmt.Sprintf("/dev/loop%d", nr), nil
}

// waitLoopReady blocks until the kernel announces devName via a "block add"
// uevent instead of polling the device node. distri's own minitrd hits the
// equivalent ordering hazard for device-mapper volumes (the node can exist
// in /dev before the kernel has finished initializing the backing device)
// and solves it the same way: subscribe to the kernel's uevent netlink
// socket and wait for the matching announcement rather than stat() in a
// loop (cmd/minitrd/minitrd.go's devAdd/pollName).
func waitLoopReady(devName string, timeout time.Duration) error {
	r, err := uevent.NewReader()
	if err != nil {
		return xerrors.Errorf("sandbox: uevent reader: %w", err)
	}
	defer r.Close()
	dec := uevent.NewDecoder(r)

	done := make(chan error, 1)
	go func() {
		for {
			ev, err := dec.Decode()
			if err != nil {
				done <- xerrors.Errorf("sandbox: uevent decode: %w", err)
				return
			}
			if ev.Subsystem == "block" && ev.Action == "add" && ev.Vars["DEVNAME"] == devName {
				done <- nil
				return
			}
		}
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return xerrors.Errorf("sandbox: loop device %s not ready after %s", devName, timeout)
	}
}

// mountImageView loop-attaches a read-only image file (e.g. a squashfs
// artifact produced by internal/cache) and mounts it at dst, used for the
// ViewImage view kind (§4.D step 3). Unlike bindMount/overlayMount this
// needs the loop subsystem, so it's the one view kind gated on
// waitLoopReady's uevent wait rather than being immediately mountable.
func mountImageView(dst, imagePath, fstype string) (devPath string, err error) {
	devPath, err = nextFreeLoopDevice()
	if err != nil {
		return "", err
	}
	dev, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		return "", xerrors.Errorf("sandbox: open %s: %w", devPath, err)
	}
	defer dev.Close()

	img, err := os.Open(imagePath)
	if err != nil {
		return "", xerrors.Errorf("sandbox: open image %s: %w", imagePath, err)
	}
	defer img.Close()

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, dev.Fd(), unix.LOOP_SET_FD, img.Fd()); errno != 0 {
		return "", xerrors.Errorf("sandbox: LOOP_SET_FD %s: %w", devPath, errno)
	}

	if err := waitLoopReady(strings.TrimPrefix(devPath, "/dev/"), loopReadyTimeout); err != nil {
		detachLoopDevice(devPath)
		return "", err
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		detachLoopDevice(devPath)
		return "", err
	}
	if fstype == "" {
		fstype = "squashfs"
	}
	if err := syscall.Mount(devPath, dst, fstype, syscall.MS_RDONLY, ""); err != nil {
		detachLoopDevice(devPath)
		return "", xerrors.Errorf("sandbox: mount %s on %s: %w", devPath, dst, err)
	}
	return devPath, nil
}

// detachLoopDevice releases the loop binding created by mountImageView,
// called during Cleanup's reverse-order unwind.
func detachLoopDevice(devPath string) error {
	dev, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer dev.Close()
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, dev.Fd(), unix.LOOP_CLR_FD, 0); errno != 0 {
		return errno
	}
	return nil
}
