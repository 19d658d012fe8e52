package loader

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xenserver/eliloader/internal/config"
)

// DelegateBootloader is the PV bootloader the VM uses once installed.
const DelegateBootloader = "pygrub"

// updateRounds records that round has run. The counter is removed and, if
// rounds remain, written back incremented. The last round also drops the
// distro key so a template made from the VM is not taken for an install.
func (l *Loader) updateRounds(ctx context.Context, vm string, round, rounds int) error {
	if err := l.Store.RemoveOtherConfig(ctx, vm, config.KeyRound); err != nil {
		return errors.Wrapf(err, "remove %s", config.KeyRound)
	}
	if round != rounds {
		next := strconv.Itoa(round + 1)
		logrus.Debugf("VM %s: next round %s", vm, next)
		return errors.Wrapf(l.Store.AddOtherConfig(ctx, vm, config.KeyRound, next), "set %s", config.KeyRound)
	}
	logrus.Debugf("VM %s: all rounds complete", vm)
	return errors.Wrapf(l.Store.RemoveOtherConfig(ctx, vm, config.KeyDistro), "remove %s", config.KeyDistro)
}

// switchBootloader makes the delegate the VM's bootloader and moves the
// post-install size limits into place.
func (l *Loader) switchBootloader(ctx context.Context, vm string) error {
	logrus.Debugf("switching to %s", DelegateBootloader)
	if err := l.Store.SetBootloader(ctx, vm, DelegateBootloader); err != nil {
		return errors.Wrap(err, "set PV bootloader")
	}
	l.propagatePostinstallLimits(ctx, vm)
	return nil
}

// propagatePostinstallLimits replaces pv-{kernel,ramdisk}-max-size with
// the pv-postinstall-* values when present. Failures are logged and
// otherwise ignored.
func (l *Loader) propagatePostinstallLimits(ctx context.Context, vm string) {
	platform, err := l.Store.Platform(ctx, vm)
	if err != nil {
		logrus.Debugf("read platform of VM %s: %v", vm, err)
		return
	}

	for _, kind := range []string{"kernel", "ramdisk"} {
		from := "pv-postinstall-" + kind + "-max-size"
		to := "pv-" + kind + "-max-size"
		value, ok := platform[from]
		if !ok {
			continue
		}
		err := l.Store.RemovePlatform(ctx, vm, to)
		if err == nil {
			err = l.Store.AddPlatform(ctx, vm, to, value)
		}
		if err == nil {
			err = l.Store.RemovePlatform(ctx, vm, from)
		}
		if err != nil {
			logrus.Debugf("propagate %s: %v", from, err)
		}
	}
}

// tweakBootableDisk marks only the first disk bootable.
func (l *Loader) tweakBootableDisk(ctx context.Context, vm string) error {
	disks, err := l.Store.Disks(ctx, vm)
	if err != nil {
		return errors.Wrapf(err, "list disks of VM %s", vm)
	}
	for _, d := range disks {
		if err := l.Store.SetDiskBootable(ctx, d.Ref, d.UserDevice == "0"); err != nil {
			return errors.Wrapf(err, "set bootable on %s", d.Ref)
		}
	}
	return nil
}
