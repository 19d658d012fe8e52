package metadata

import (
	"context"

	"github.com/sirupsen/logrus"
)

// NeverAdvance wraps a store so that reads pass through and every write is
// dropped. The VM then stays in its current round and the same boot can be
// replayed.
func NeverAdvance(s Store) Store {
	return neverAdvance{Store: s}
}

type neverAdvance struct {
	Store
}

func (neverAdvance) skip(op string, args ...any) error {
	logrus.WithField("op", op).Debugf("never-advance: skipping write %v", args)
	return nil
}

func (n neverAdvance) AddOtherConfig(_ context.Context, vm, key, value string) error {
	return n.skip("add_to_other_config", vm, key, value)
}

func (n neverAdvance) RemoveOtherConfig(_ context.Context, vm, key string) error {
	return n.skip("remove_from_other_config", vm, key)
}

func (n neverAdvance) AddPlatform(_ context.Context, vm, key, value string) error {
	return n.skip("add_to_platform", vm, key, value)
}

func (n neverAdvance) RemovePlatform(_ context.Context, vm, key string) error {
	return n.skip("remove_from_platform", vm, key)
}

func (n neverAdvance) SetBootloader(_ context.Context, vm, name string) error {
	return n.skip("set_PV_bootloader", vm, name)
}

func (n neverAdvance) SetBootloaderArgs(_ context.Context, vm, args string) error {
	return n.skip("set_PV_bootloader_args", vm, args)
}

func (n neverAdvance) SetDiskBootable(_ context.Context, ref string, bootable bool) error {
	return n.skip("set_bootable", ref, bootable)
}
