package config

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"github.com/xenserver/eliloader/internal/types"
)

// other-config keys read by the loader.
const (
	KeyRepository = "install-repository"
	KeyVNC        = "install-vnc"
	KeyVNCPasswd  = "install-vncpasswd"
	KeyDistro     = "install-distro"
	KeyRound      = "install-round"
	KeyArch       = "install-arch"
	KeyArgs       = "install-args"
	KeyKernel     = "install-kernel"
	KeyRamdisk    = "install-ramdisk"
	KeyProxy      = "install-proxy"
	KeyRelease    = "debian-release"
)

// InstallConfig is a read-only snapshot of the VM's installation metadata.
// Round advancement is written back to the store, never into this value.
type InstallConfig struct {
	Repository string
	VNC        bool
	VNCPasswd  string
	DistroTag  string
	Round      int
	Arch       string
	Args       string
	Kernel     string
	Ramdisk    string
	Proxy      string
	Release    string

	present map[string]bool
}

// ParseInstallConfig builds an InstallConfig from a VM's other-config map.
func ParseInstallConfig(other map[string]string) (*InstallConfig, error) {
	get := func(key, def string) string {
		if v, ok := other[key]; ok {
			return v
		}
		return def
	}

	cfg := &InstallConfig{
		Repository: get(KeyRepository, ""),
		VNC:        lo.Contains([]string{"1", "true"}, get(KeyVNC, "false")),
		VNCPasswd:  get(KeyVNCPasswd, ""),
		DistroTag:  get(KeyDistro, "rhlike"),
		Arch:       get(KeyArch, "i386"),
		Args:       get(KeyArgs, ""),
		Kernel:     get(KeyKernel, ""),
		Ramdisk:    get(KeyRamdisk, ""),
		Proxy:      get(KeyProxy, ""),
		Release:    get(KeyRelease, ""),
		present:    map[string]bool{},
	}
	for k := range other {
		cfg.present[k] = true
	}

	raw := get(KeyRound, "1")
	round, err := strconv.Atoi(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s %q", KeyRound, raw)
	}
	cfg.Round = round

	return cfg, nil
}

// Has reports whether key was set in the VM's other-config, even if empty.
func (c *InstallConfig) Has(key string) bool {
	return c.present[key]
}

// Distro resolves the distro tag.
func (c *InstallConfig) Distro() (types.Distro, error) {
	return types.ParseDistro(c.DistroTag)
}

// IsCDROM reports whether the install repository is the VM's CD drive.
func (c *InstallConfig) IsCDROM() bool {
	return types.IsCDROM(c.Repository)
}
