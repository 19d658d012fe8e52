// Package distro holds the per-distribution knowledge of where installer
// kernels live, which arguments they need and how many boot rounds the
// installation takes.
package distro

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/xenserver/eliloader/internal/apierr"
	"github.com/xenserver/eliloader/internal/config"
	"github.com/xenserver/eliloader/internal/delegate"
	"github.com/xenserver/eliloader/internal/types"
)

// Artifacts names the installer kernel and ramdisk. Remote artifacts are
// URLs still to be fetched; local ones are paths already on the host.
type Artifacts struct {
	Kernel  string
	Ramdisk string
	Local   bool
}

// Prober reports whether a URL can be fetched.
type Prober interface {
	Exists(ctx context.Context, url string) bool
}

// Env is what a handler may consult during the first round.
type Env struct {
	Install *config.InstallConfig
	// BaseURL is the repository prefix, ending in "/".
	BaseURL string
	Prober  Prober
	// Delegate runs the standard bootloader for distributions that use it
	// on the install media.
	Delegate     delegate.Runner
	DelegatePath string
	// Argv is the loader's own argument vector without the program name.
	Argv []string
}

// Handler is the per-distribution first round behavior.
type Handler interface {
	Distro() types.Distro
	// Rounds is the number of boots the installation takes.
	Rounds() int
	LocateArtifacts(ctx context.Context, env *Env) (Artifacts, error)
	// BootArgs is the kernel argument telling the installer where the
	// repository is.
	BootArgs(repo string) string
	// PatchRamdisk reports whether fetched ramdisks go through the
	// fixup table.
	PatchRamdisk() bool
}

// SecondEnv is what a handler may consult during the second round.
type SecondEnv struct {
	Install *config.InstallConfig
	// Image is the VM's boot disk.
	Image    string
	Delegate delegate.Runner
}

// Override carries the delegate arguments chosen in the second round.
type Override struct {
	// Args are prepended to the delegate's argument vector.
	Args []string
	// BootloaderArgs is persisted so later boots make the same choice.
	BootloaderArgs string
}

// Disambiguator is implemented by handlers whose installed systems need
// help from the loader before the delegate can boot them.
type Disambiguator interface {
	Disambiguate(ctx context.Context, env *SecondEnv) (*Override, error)
}

// For returns the handler for d.
func For(d types.Distro) (Handler, error) {
	switch d {
	case types.DistroRHLike:
		return RHEL{}, nil
	case types.DistroSLESLike:
		return SLES{}, nil
	case types.DistroDebianLike:
		return Debian{}, nil
	case types.DistroPygrub:
		return Pygrub{}, nil
	}
	return nil, apierr.UnsupportedInstallMethod("Distribution '%s' is not supported.", d)
}

var errNoDisambiguator = errors.New("no second round for this distribution")

// Disambiguate runs the second round logic of h, if it has any.
func Disambiguate(ctx context.Context, h Handler, env *SecondEnv) (*Override, error) {
	d, ok := h.(Disambiguator)
	if !ok {
		return nil, apierr.UnsupportedInstallMethod("%s: %v", h.Distro(), errNoDisambiguator)
	}
	return d.Disambiguate(ctx, env)
}
