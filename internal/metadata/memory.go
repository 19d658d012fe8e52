package metadata

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned for unknown VMs and disks.
var ErrNotFound = errors.New("not found")

// ErrDuplicateKey is returned when adding a key that is already present.
var ErrDuplicateKey = errors.New("duplicate key")

// MemoryStore keeps VM records in memory.
type MemoryStore struct {
	mu  sync.Mutex
	vms map[string]*VM
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vms: map[string]*VM{}}
}

// Put replaces the record for vm.
func (s *MemoryStore) Put(vm string, rec VM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := rec.Clone()
	s.vms[vm] = &c
}

// Get returns a copy of the record for vm.
func (s *MemoryStore) Get(vm string) (VM, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.vms[vm]
	if !ok {
		return VM{}, false
	}
	return rec.Clone(), true
}

func (s *MemoryStore) lookup(vm string) (*VM, error) {
	rec, ok := s.vms[vm]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "VM %s", vm)
	}
	return rec, nil
}

func (s *MemoryStore) read(vm string, pick func(*VM) map[string]string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(vm)
	if err != nil {
		return nil, err
	}
	return maps.Clone(pick(rec)), nil
}

func (s *MemoryStore) update(vm string, fn func(*VM) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(vm)
	if err != nil {
		return err
	}
	return fn(rec)
}

func addKey(m map[string]string, key, value string) error {
	if _, ok := m[key]; ok {
		return errors.Wrapf(ErrDuplicateKey, "%s", key)
	}
	m[key] = value
	return nil
}

func (s *MemoryStore) OtherConfig(_ context.Context, vm string) (map[string]string, error) {
	return s.read(vm, func(v *VM) map[string]string { return v.OtherConfig })
}

func (s *MemoryStore) AddOtherConfig(_ context.Context, vm, key, value string) error {
	return s.update(vm, func(v *VM) error { return addKey(v.OtherConfig, key, value) })
}

func (s *MemoryStore) RemoveOtherConfig(_ context.Context, vm, key string) error {
	return s.update(vm, func(v *VM) error {
		delete(v.OtherConfig, key)
		return nil
	})
}

func (s *MemoryStore) Platform(_ context.Context, vm string) (map[string]string, error) {
	return s.read(vm, func(v *VM) map[string]string { return v.Platform })
}

func (s *MemoryStore) AddPlatform(_ context.Context, vm, key, value string) error {
	return s.update(vm, func(v *VM) error { return addKey(v.Platform, key, value) })
}

func (s *MemoryStore) RemovePlatform(_ context.Context, vm, key string) error {
	return s.update(vm, func(v *VM) error {
		delete(v.Platform, key)
		return nil
	})
}

func (s *MemoryStore) SetBootloader(_ context.Context, vm, name string) error {
	return s.update(vm, func(v *VM) error {
		v.Bootloader = name
		return nil
	})
}

func (s *MemoryStore) SetBootloaderArgs(_ context.Context, vm, args string) error {
	return s.update(vm, func(v *VM) error {
		v.BootloaderArgs = args
		return nil
	})
}

func (s *MemoryStore) Disks(_ context.Context, vm string) ([]Disk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(vm)
	if err != nil {
		return nil, err
	}
	return slices.Clone(rec.Disks), nil
}

func (s *MemoryStore) SetDiskBootable(_ context.Context, ref string, bootable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.vms {
		for i := range rec.Disks {
			if rec.Disks[i].Ref == ref {
				rec.Disks[i].Bootable = bootable
				return nil
			}
		}
	}
	return errors.Wrapf(ErrNotFound, "disk %s", ref)
}

func (s *MemoryStore) Close() error { return nil }
