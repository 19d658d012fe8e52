package loader

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xenserver/eliloader/internal/config"
	"github.com/xenserver/eliloader/internal/distro"
)

// secondBoot picks the installed kernel, makes the delegate the VM's
// bootloader and hands the process over to it.
func (l *Loader) secondBoot(ctx context.Context, inv Invocation, install *config.InstallConfig, h distro.Handler) error {
	override, err := distro.Disambiguate(ctx, h, &distro.SecondEnv{
		Install:  install,
		Image:    inv.Image,
		Delegate: l.Delegate,
	})
	if err != nil {
		return err
	}

	argv := []string{l.Config.Pygrub}
	if override != nil {
		logrus.Debugf("%s: persisting bootloader args %q", h.Distro(), override.BootloaderArgs)
		if err := l.Store.SetBootloaderArgs(ctx, inv.VM, override.BootloaderArgs); err != nil {
			return errors.Wrap(err, "set bootloader args")
		}
		argv = append(argv, override.Args...)
	}
	argv = append(argv, inv.Argv...)

	// There is no later chance to record progress once the delegate runs.
	if err := l.switchBootloader(ctx, inv.VM); err != nil {
		return err
	}
	if err := l.updateRounds(ctx, inv.VM, 2, 2); err != nil {
		return err
	}

	logrus.Debugf("launching %s", l.Config.Pygrub)
	return l.exec(l.Config.Pygrub, argv)
}
