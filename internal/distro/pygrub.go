package distro

import (
	"context"
	"strings"

	"github.com/xenserver/eliloader/internal/apierr"
	"github.com/xenserver/eliloader/internal/config"
	"github.com/xenserver/eliloader/internal/types"
)

// Pygrub covers install media that carry their own grub configuration.
// On CD the delegate picks the kernel; on the network the VM names it.
type Pygrub struct{}

func (Pygrub) Distro() types.Distro { return types.DistroPygrub }
func (Pygrub) Rounds() int { return 1 }
func (Pygrub) PatchRamdisk() bool { return false }
func (Pygrub) BootArgs(string) string { return "" }

func (Pygrub) LocateArtifacts(ctx context.Context, env *Env) (Artifacts, error) {
	cfg := env.Install
	if cfg.IsCDROM() {
		res, err := env.Delegate.Run(ctx, env.Argv...)
		if err != nil {
			return Artifacts{}, err
		}
		if res.ExitCode != 0 {
			return Artifacts{}, apierr.InvalidSource("Error %d running %s", res.ExitCode, env.DelegatePath)
		}

		spec, err := types.ParseBootSpec(strings.TrimRight(res.Stdout, "\n"))
		if err != nil {
			return Artifacts{}, err
		}
		kernel, ok := spec["kernel"]
		if !ok {
			return Artifacts{}, apierr.InvalidSource("No kernel in pygrub output")
		}
		return Artifacts{Kernel: kernel, Ramdisk: spec["ramdisk"], Local: true}, nil
	}

	if !cfg.Has(config.KeyKernel) {
		return Artifacts{}, apierr.InvalidSource("install-distro=pygrub requires install-kernel for network boot")
	}
	a := Artifacts{Kernel: env.BaseURL + cfg.Kernel}
	if cfg.Has(config.KeyRamdisk) {
		a.Ramdisk = env.BaseURL + cfg.Ramdisk
	}
	return a, nil
}
