package distro

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/xenserver/eliloader/internal/delegate"
	"github.com/xenserver/eliloader/internal/types"
)

// SLES covers SUSE derived installers.
type SLES struct{}

func (SLES) Distro() types.Distro { return types.DistroSLESLike }
func (SLES) Rounds() int { return 2 }
func (SLES) PatchRamdisk() bool { return false }

// xenImages returns the boot directory and Xen kernel and ramdisk names
// for arch.
func (SLES) xenImages(arch string) (dir, kernel, ramdisk string) {
	if arch == "x86_64" {
		return "boot/x86_64/", "vmlinuz-xen", "initrd-xen"
	}
	return "boot/i386/", "vmlinuz-xenpae", "initrd-xenpae"
}

func (s SLES) LocateArtifacts(_ context.Context, env *Env) (Artifacts, error) {
	dir, kernel, ramdisk := s.xenImages(env.Install.Arch)
	return Artifacts{
		Kernel:  env.BaseURL + dir + kernel,
		Ramdisk: env.BaseURL + dir + ramdisk,
	}, nil
}

func (SLES) BootArgs(repo string) string {
	switch {
	case types.IsCDROM(repo):
		// The installer sees the virtual CD as a hard disk.
		return " install=hd"
	case types.IsNetwork(repo) && strings.HasSuffix(repo, "/"):
		return " install=" + repo
	case types.IsNetwork(repo):
		return " install=" + repo + "/"
	}
	return ""
}

// Disambiguate handles installs that leave no menu.lst for the delegate
// by pointing it at the Xen kernel directly.
func (s SLES) Disambiguate(ctx context.Context, env *SecondEnv) (*Override, error) {
	res, err := env.Delegate.Run(ctx, "-q", "-n", env.Image)
	if err != nil {
		return nil, err
	}
	if res.ExitCode > 1 {
		return nil, delegate.Failed(res)
	}
	if res.ExitCode == 0 {
		return nil, nil
	}

	_, kernel, ramdisk := s.xenImages(env.Install.Arch)
	logrus.Debug("SLES_LIKE: pygrub failed, trying again")

	for _, prefix := range []string{"/", "/boot/"} {
		k, i := prefix+kernel, prefix+ramdisk
		logrus.Debugf("SLES_LIKE: trying %s and %s", k, i)

		res, err := env.Delegate.Run(ctx, "-n", "--kernel", k, "--ramdisk", i, env.Image)
		if err != nil {
			return nil, err
		}
		if res.ExitCode > 1 {
			return nil, delegate.Failed(res)
		}
		if res.ExitCode == 0 {
			logrus.Debug("SLES_LIKE: success")
			return &Override{
				Args:           []string{"--kernel", k, "--ramdisk", i},
				BootloaderArgs: "--kernel " + k + " --ramdisk " + i,
			}, nil
		}
	}
	return nil, nil
}
