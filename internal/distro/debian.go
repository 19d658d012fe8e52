package distro

import (
	"context"
	"strings"

	"github.com/xenserver/eliloader/internal/apierr"
	"github.com/xenserver/eliloader/internal/config"
	"github.com/xenserver/eliloader/internal/types"
)

// Debian covers Debian and Ubuntu installers.
type Debian struct{}

func (Debian) Distro() types.Distro { return types.DistroDebianLike }
func (Debian) Rounds() int { return 1 }
func (Debian) PatchRamdisk() bool { return true }
func (Debian) BootArgs(string) string { return "" }

var debianCDDirs = map[string]string{
	"i386":   "install.386/",
	"amd64":  "install.amd/",
	"x86_64": "install.amd/",
}

// LocateArtifacts uses install-arch with its default. debian-release is
// only needed when a network repository does not name a suite itself.
func (Debian) LocateArtifacts(ctx context.Context, env *Env) (Artifacts, error) {
	cfg := env.Install

	if cfg.IsCDROM() {
		dir, ok := debianCDDirs[cfg.Arch]
		if !ok {
			return Artifacts{}, apierr.UnsupportedInstallMethod("Architecture '%s' is not supported.", cfg.Arch)
		}
		for _, sub := range []string{dir + "xen/", dir, "install/"} {
			kernel := env.BaseURL + sub + "vmlinuz"
			if sub == "install/" || env.Prober.Exists(ctx, kernel) {
				return Artifacts{Kernel: kernel, Ramdisk: env.BaseURL + sub + "initrd.gz"}, nil
			}
		}
	}

	base := env.BaseURL
	if _, suite, found := strings.Cut(base, "/dists/"); !found || strings.ReplaceAll(suite, "/", "") == "" {
		if cfg.Release == "" {
			return Artifacts{}, apierr.UnsupportedInstallMethod(
				"other-config:%s was not set to an appropriate value, "+
					"and this is required for the selected distribution type.", config.KeyRelease)
		}
		base += "dists/" + cfg.Release + "/"
	}
	dir := base + "main/installer-" + cfg.Arch + "/current/images/netboot/xen/"
	return Artifacts{Kernel: dir + "vmlinuz", Ramdisk: dir + "initrd.gz"}, nil
}
