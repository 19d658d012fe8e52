package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/c2h5oh/datasize"
	"github.com/cockroachdb/errors"
)

// DefaultPath is where the host configuration lives. The file is optional.
const DefaultPath = "/etc/xensource/eliloader.toml"

// Metadata backends.
const (
	BackendXAPI = "xapi"
	BackendBolt = "bolt"
)

// Config is the host-side configuration of the loader.
type Config struct {
	BootDir     string `toml:"boot_dir"`
	FixupDir    string `toml:"fixup_dir"`
	ScratchDir  string `toml:"scratch_dir"`
	Pygrub      string `toml:"pygrub"`
	Debug       bool   `toml:"debug"`
	DebugSwitch string `toml:"debug_switch"`
	Syslog      *bool  `toml:"syslog"`

	// NeverAdvance suppresses every metadata write so round 1 can be
	// replayed against the same VM.
	NeverAdvance bool `toml:"never_advance"`

	Limits   LimitsConfig   `toml:"limits"`
	XAPI     XAPIConfig     `toml:"xapi"`
	Xenstore XenstoreConfig `toml:"xenstore"`
	Metadata MetadataConfig `toml:"metadata"`
}

// LimitsConfig holds the built-in payload limits.
type LimitsConfig struct {
	Kernel  datasize.ByteSize `toml:"kernel"`
	Ramdisk datasize.ByteSize `toml:"ramdisk"`
}

type XAPIConfig struct {
	Socket string `toml:"socket"`
	URL    string `toml:"url"`
}

type XenstoreConfig struct {
	Socket string `toml:"socket"`
}

type MetadataConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the TOML file at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, errors.Wrapf(err, "read config file %s", path)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BootDir == "" {
		cfg.BootDir = "/var/run/xend/boot"
	}
	if cfg.FixupDir == "" {
		cfg.FixupDir = "/opt/xensource/packages/files/guest-installer"
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = "/tmp"
	}
	if cfg.Pygrub == "" {
		cfg.Pygrub = "/usr/bin/pygrub"
	}
	if cfg.DebugSwitch == "" {
		cfg.DebugSwitch = "/var/run/nonpersistent/linux-guest-loader.debug"
	}
	if cfg.Syslog == nil {
		on := true
		cfg.Syslog = &on
	}
	if cfg.Limits.Kernel == 0 {
		cfg.Limits.Kernel = DefaultKernelLimit
	}
	if cfg.Limits.Ramdisk == 0 {
		cfg.Limits.Ramdisk = DefaultRamdiskLimit
	}
	if cfg.XAPI.Socket == "" {
		cfg.XAPI.Socket = "/var/lib/xcp/xapi"
	}
	if cfg.Xenstore.Socket == "" {
		cfg.Xenstore.Socket = "/var/run/xenstored/socket"
	}
	if cfg.Metadata.Backend == "" {
		cfg.Metadata.Backend = BackendXAPI
	}
	if cfg.Metadata.Backend == BackendBolt && cfg.Metadata.Path == "" {
		cfg.Metadata.Path = "/var/lib/eliloader/metadata.db"
	}
}

// Validate checks the configuration for values the loader cannot work with.
func Validate(cfg *Config) error {
	for name, dir := range map[string]string{
		"boot_dir":    cfg.BootDir,
		"fixup_dir":   cfg.FixupDir,
		"scratch_dir": cfg.ScratchDir,
	} {
		if !filepath.IsAbs(dir) {
			return errors.Newf("%s must be an absolute path, got %q", name, dir)
		}
	}
	if !filepath.IsAbs(cfg.Pygrub) {
		return errors.Newf("pygrub must be an absolute path, got %q", cfg.Pygrub)
	}

	switch cfg.Metadata.Backend {
	case BackendXAPI:
	case BackendBolt:
		if !filepath.IsAbs(cfg.Metadata.Path) {
			return errors.Newf("metadata.path must be an absolute path, got %q", cfg.Metadata.Path)
		}
	default:
		return errors.Newf("invalid metadata backend '%s', must be '%s' or '%s'",
			cfg.Metadata.Backend, BackendXAPI, BackendBolt)
	}
	return nil
}

// SyslogEnabled reports whether log output is copied to syslog.
func (c *Config) SyslogEnabled() bool {
	return c.Syslog == nil || *c.Syslog
}

// DebugEnabled reports whether debug logging was requested through the
// config file or the debug switch file.
func (c *Config) DebugEnabled() bool {
	if c.Debug {
		return true
	}
	_, err := os.Stat(c.DebugSwitch)
	return err == nil
}
