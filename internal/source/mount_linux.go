//go:build linux

package source

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/u-root/u-root/pkg/mount"
	"golang.org/x/sys/unix"
)

// SyscallMounter mounts with mount(2). Regular files are attached to a loop
// device first, the way mount -o loop would.
type SyscallMounter struct{}

func (SyscallMounter) Mount(_ context.Context, source, target, fstype string, readOnly bool) error {
	var flags uintptr
	if readOnly {
		flags |= unix.MS_RDONLY
	}

	info, err := os.Stat(source)
	if err != nil {
		return errors.Wrapf(err, "stat %s", source)
	}

	dev := source
	if info.Mode().IsRegular() {
		loop, lf, err := AttachLoop(source, readOnly)
		if err != nil {
			return errors.Wrapf(err, "attach %s", source)
		}
		// The mount keeps its own reference; autoclear frees the device on unmount.
		defer lf.Close()
		dev = loop
	}

	if _, err := mount.Mount(dev, target, fstype, "", flags); err != nil {
		return errors.Wrapf(err, "mount %s on %s", dev, target)
	}
	return nil
}

func (SyscallMounter) Unmount(_ context.Context, target string) error {
	if err := mount.Unmount(target, false, false); err != nil {
		return errors.Wrapf(err, "unmount %s", target)
	}
	return nil
}
