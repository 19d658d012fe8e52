//go:build linux

package source

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// AttachLoop binds path to a free loop device and returns the device path
// and an open handle on it. The device is created with autoclear, so it is
// released once the handle is closed and nothing else holds it.
func AttachLoop(path string, readOnly bool) (string, *os.File, error) {
	ctrl, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		return "", nil, errors.Wrap(err, "open loop-control")
	}
	defer ctrl.Close()

	num, _, errno := unix.Syscall(unix.SYS_IOCTL, ctrl.Fd(), unix.LOOP_CTL_GET_FREE, 0)
	if errno != 0 {
		return "", nil, errors.Wrap(errno, "LOOP_CTL_GET_FREE")
	}
	loop := fmt.Sprintf("/dev/loop%d", num)

	mode := os.O_RDWR
	if readOnly {
		mode = os.O_RDONLY
	}
	lf, err := os.OpenFile(loop, mode, 0)
	if err != nil {
		return "", nil, errors.Wrapf(err, "open %s", loop)
	}
	bf, err := os.OpenFile(path, mode, 0)
	if err != nil {
		lf.Close()
		return "", nil, errors.Wrapf(err, "open backing file %s", path)
	}
	defer bf.Close()

	_, _, errno = unix.Syscall(unix.SYS_IOCTL, lf.Fd(), unix.LOOP_SET_FD, bf.Fd())
	if errno != 0 {
		lf.Close()
		return "", nil, errors.Wrap(errno, "LOOP_SET_FD")
	}

	var info unix.LoopInfo64
	info.Flags = unix.LO_FLAGS_AUTOCLEAR
	if readOnly {
		info.Flags |= unix.LO_FLAGS_READ_ONLY
	}
	_, _, errno = unix.Syscall(unix.SYS_IOCTL, lf.Fd(), unix.LOOP_SET_STATUS64, uintptr(unsafe.Pointer(&info)))
	if errno != 0 {
		_, _, _ = unix.Syscall(unix.SYS_IOCTL, lf.Fd(), unix.LOOP_CLR_FD, 0)
		lf.Close()
		return "", nil, errors.Wrap(errno, "LOOP_SET_STATUS64")
	}
	return loop, lf, nil
}
