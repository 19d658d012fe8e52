package source

import (
	"context"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// Mounter attaches a filesystem to a directory and detaches it again.
type Mounter interface {
	Mount(ctx context.Context, source, target, fstype string, readOnly bool) error
	Unmount(ctx context.Context, target string) error
}

// CommandMounter drives the mount(8) and umount(8) helpers. NFS needs the
// helper because the kernel expects resolved server addresses in the options.
type CommandMounter struct {
	MountPath   string
	UnmountPath string
}

func (m CommandMounter) mountPath() string {
	if m.MountPath == "" {
		return "/bin/mount"
	}
	return m.MountPath
}

func (m CommandMounter) unmountPath() string {
	if m.UnmountPath == "" {
		return "umount"
	}
	return m.UnmountPath
}

func (m CommandMounter) Mount(ctx context.Context, source, target, fstype string, readOnly bool) error {
	var args []string
	if fstype != "" {
		args = append(args, "-t", fstype)
	}
	if readOnly {
		args = append(args, "-o", "ro")
	}
	args = append(args, source, target)

	logrus.Debugf("running %s %s", m.mountPath(), strings.Join(args, " "))
	out, err := exec.CommandContext(ctx, m.mountPath(), args...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "mount %s on %s: %s", source, target, strings.TrimSpace(string(out)))
	}
	return nil
}

func (m CommandMounter) Unmount(ctx context.Context, target string) error {
	out, err := exec.CommandContext(ctx, m.unmountPath(), target).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "umount %s: %s", target, strings.TrimSpace(string(out)))
	}
	return nil
}
