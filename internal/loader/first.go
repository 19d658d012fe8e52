package loader

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/xenserver/eliloader/internal/apierr"
	"github.com/xenserver/eliloader/internal/config"
	"github.com/xenserver/eliloader/internal/distro"
	"github.com/xenserver/eliloader/internal/types"
)

func (l *Loader) firstBoot(ctx context.Context, inv Invocation, install *config.InstallConfig, h distro.Handler, f Fetcher) error {
	repo := install.Repository
	if !types.IsCDROM(repo) && !types.IsNetwork(repo) {
		return apierr.UnsupportedInstallMethod(
			"other-config:%s was not set to an appropriate value, "+
				"and this is required for the selected distribution type.", config.KeyRepository)
	}

	handle, err := l.Resolver.Resolve(ctx, repo, inv.Image)
	if err != nil {
		return err
	}
	defer func() {
		if err := handle.Close(); err != nil {
			logrus.Warnf("release repository %s: %v", repo, err)
		}
	}()

	art, err := h.LocateArtifacts(ctx, &distro.Env{
		Install:      install,
		BaseURL:      handle.BaseURL(),
		Prober:       f,
		Delegate:     l.Delegate,
		DelegatePath: l.Config.Pygrub,
		Argv:         inv.Argv,
	})
	if err != nil {
		return err
	}

	spec, cu, err := l.stage(ctx, f, art, h.PatchRamdisk())
	if err != nil {
		return err
	}
	defer cu.Clean()

	if install.IsCDROM() {
		// Booting from the CD this time, from the first disk next time.
		if err := l.tweakBootableDisk(ctx, inv.VM); err != nil {
			return err
		}
	}

	if h.Rounds() == 1 {
		if err := l.switchBootloader(ctx, inv.VM); err != nil {
			return err
		}
	}

	spec.Args = bootArgs(inv.Args, h.BootArgs(repo), install)
	if _, err := fmt.Fprintln(l.Out, spec.String()); err != nil {
		return errors.Wrap(err, "write boot spec")
	}

	cu.Release()
	return nil
}

// stage brings the artifacts into the boot directory. The returned cleanup
// removes every file it created; the caller releases it once the boot spec
// has been handed over.
func (l *Loader) stage(ctx context.Context, f Fetcher, art distro.Artifacts, patch bool) (types.BootSpec, cleanup.Cleanup, error) {
	spec := types.BootSpec{Kernel: art.Kernel, Ramdisk: art.Ramdisk}
	if art.Local {
		return spec, cleanup.Cleanup{}, nil
	}

	var cu cleanup.Cleanup
	defer cu.Clean()

	kernel, err := l.download(ctx, f, &cu, art.Kernel, "vmlinuz-", l.Limits.KernelBytes())
	if err != nil {
		return spec, cleanup.Cleanup{}, err
	}
	spec.Kernel = kernel

	if art.Ramdisk == "" {
		return spec, cleanup.Make(cu.Release()), nil
	}

	ramdisk, err := l.download(ctx, f, &cu, art.Ramdisk, "ramdisk-", l.Limits.RamdiskBytes())
	if err != nil {
		return spec, cleanup.Cleanup{}, err
	}
	spec.Ramdisk = ramdisk

	if patch && l.Patcher != nil {
		patched, err := l.Patcher.TryPatch(ctx, ramdisk, l.Limits.RamdiskBytes())
		if err != nil {
			return spec, cleanup.Cleanup{}, err
		}
		if patched != "" {
			cu.Add(func() { os.Remove(patched) })
			if err := os.Remove(ramdisk); err != nil {
				logrus.Warnf("remove %s: %v", ramdisk, err)
			}
			spec.Ramdisk = patched
		}
	}

	return spec, cleanup.Make(cu.Release()), nil
}

func (l *Loader) download(ctx context.Context, f Fetcher, cu *cleanup.Cleanup, url, prefix string, limit int64) (string, error) {
	tmp, err := os.CreateTemp(l.Config.BootDir, prefix)
	if err != nil {
		return "", errors.Wrapf(err, "create %s file", prefix)
	}
	path := tmp.Name()
	tmp.Close()
	cu.Add(func() {
		logrus.Debugf("cleaning %s", path)
		os.Remove(path)
	})

	if _, err := f.Fetch(ctx, url, path, limit); err != nil {
		return "", err
	}
	return path, nil
}

// bootArgs assembles the kernel command line: our own arguments, the
// distribution's repository argument, VNC settings and install-args.
func bootArgs(cli, repoArgs string, install *config.InstallConfig) string {
	args := cli + " " + repoArgs
	if install.VNC {
		args += " vnc"
	}
	if install.VNCPasswd != "" {
		args += " vncpassword=" + install.VNCPasswd
	}
	if install.Has(config.KeyArgs) {
		args += " " + install.Args
	}
	return args
}
