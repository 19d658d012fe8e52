package config

import (
	"github.com/c2h5oh/datasize"
)

const (
	DefaultKernelLimit  = 32 * datasize.MB
	DefaultRamdiskLimit = 128 * datasize.MB
)

// Limits caps the size of downloaded and unpacked payloads. It is resolved
// once per invocation and passed to the fetcher and the patch engine.
type Limits struct {
	Kernel  datasize.ByteSize
	Ramdisk datasize.ByteSize
}

// DefaultLimits returns the built-in limits from the host configuration.
func (c *Config) DefaultLimits() Limits {
	return Limits{Kernel: c.Limits.Kernel, Ramdisk: c.Limits.Ramdisk}
}

func (l Limits) KernelBytes() int64  { return int64(l.Kernel.Bytes()) }
func (l Limits) RamdiskBytes() int64 { return int64(l.Ramdisk.Bytes()) }
