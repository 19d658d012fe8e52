// Package metadata is the loader's view of the toolstack's VM records:
// the install keys, platform flags, bootloader selection and disks.
package metadata

import (
	"context"
	"maps"
	"slices"
)

// Disk is a virtual block device attached to a VM.
type Disk struct {
	Ref        string `toml:"ref"`
	UserDevice string `toml:"userdevice"`
	Bootable   bool   `toml:"bootable"`
}

// Store reads and updates VM metadata. All writes are single-key updates;
// adding a key that is already present is an error.
type Store interface {
	OtherConfig(ctx context.Context, vm string) (map[string]string, error)
	AddOtherConfig(ctx context.Context, vm, key, value string) error
	RemoveOtherConfig(ctx context.Context, vm, key string) error

	Platform(ctx context.Context, vm string) (map[string]string, error)
	AddPlatform(ctx context.Context, vm, key, value string) error
	RemovePlatform(ctx context.Context, vm, key string) error

	SetBootloader(ctx context.Context, vm, name string) error
	SetBootloaderArgs(ctx context.Context, vm, args string) error

	Disks(ctx context.Context, vm string) ([]Disk, error)
	SetDiskBootable(ctx context.Context, ref string, bootable bool) error

	Close() error
}

// VM is a complete metadata record, used to seed and inspect the local
// stores.
type VM struct {
	OtherConfig    map[string]string `toml:"other_config"`
	Platform       map[string]string `toml:"platform"`
	Bootloader     string            `toml:"bootloader"`
	BootloaderArgs string            `toml:"bootloader_args"`
	Disks          []Disk            `toml:"disks"`
}

// Clone returns a deep copy of v.
func (v VM) Clone() VM {
	out := v
	out.OtherConfig = maps.Clone(v.OtherConfig)
	out.Platform = maps.Clone(v.Platform)
	out.Disks = slices.Clone(v.Disks)
	if out.OtherConfig == nil {
		out.OtherConfig = map[string]string{}
	}
	if out.Platform == nil {
		out.Platform = map[string]string{}
	}
	return out
}
