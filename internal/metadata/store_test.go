package metadata

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVM = "4b7ba5ab-2b93-4d4f-9d1b-41e4d3b0b8b2"

func seedVM() VM {
	return VM{
		OtherConfig: map[string]string{
			"install-repository": "cdrom",
			"install-distro":     "rhlike",
		},
		Platform: map[string]string{"pv-postinstall-kernel-max-size": "67108864"},
		Disks: []Disk{
			{Ref: "OpaqueRef:vbd-0", UserDevice: "0"},
			{Ref: "OpaqueRef:vbd-3", UserDevice: "3", Bootable: true},
		},
	}
}

type seeder interface {
	Store
	seed(t *testing.T, vm string, rec VM)
	snapshot(t *testing.T, vm string) VM
}

type memorySeeder struct{ *MemoryStore }

func (m memorySeeder) seed(_ *testing.T, vm string, rec VM) { m.Put(vm, rec) }
func (m memorySeeder) snapshot(t *testing.T, vm string) VM {
	rec, ok := m.Get(vm)
	require.True(t, ok)
	return rec
}

type boltSeeder struct{ *BoltStore }

func (b boltSeeder) seed(t *testing.T, vm string, rec VM) { require.NoError(t, b.Put(vm, rec)) }
func (b boltSeeder) snapshot(t *testing.T, vm string) VM {
	rec, err := b.Get(vm)
	require.NoError(t, err)
	return rec
}

func stores(t *testing.T) map[string]seeder {
	t.Helper()
	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	return map[string]seeder{
		"memory": memorySeeder{NewMemoryStore()},
		"bolt":   boltSeeder{bolt},
	}
}

func TestStoreOtherConfig(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s.seed(t, testVM, seedVM())

			oc, err := s.OtherConfig(ctx, testVM)
			require.NoError(t, err)
			assert.Equal(t, "cdrom", oc["install-repository"])

			// Returned maps are copies.
			oc["install-repository"] = "changed"
			oc, err = s.OtherConfig(ctx, testVM)
			require.NoError(t, err)
			assert.Equal(t, "cdrom", oc["install-repository"])

			require.NoError(t, s.AddOtherConfig(ctx, testVM, "install-round", "2"))
			err = s.AddOtherConfig(ctx, testVM, "install-round", "3")
			assert.True(t, errors.Is(err, ErrDuplicateKey))

			require.NoError(t, s.RemoveOtherConfig(ctx, testVM, "install-round"))
			require.NoError(t, s.RemoveOtherConfig(ctx, testVM, "install-round"))
			require.NoError(t, s.RemoveOtherConfig(ctx, testVM, "install-distro"))

			oc, err = s.OtherConfig(ctx, testVM)
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"install-repository": "cdrom"}, oc)
		})
	}
}

func TestStorePlatformAndBootloader(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s.seed(t, testVM, seedVM())

			require.NoError(t, s.AddPlatform(ctx, testVM, "pv-kernel-max-size", "67108864"))
			require.NoError(t, s.RemovePlatform(ctx, testVM, "pv-postinstall-kernel-max-size"))
			require.NoError(t, s.SetBootloader(ctx, testVM, "pygrub"))
			require.NoError(t, s.SetBootloaderArgs(ctx, testVM, "--entry 1"))

			rec := s.snapshot(t, testVM)
			assert.Equal(t, map[string]string{"pv-kernel-max-size": "67108864"}, rec.Platform)
			assert.Equal(t, "pygrub", rec.Bootloader)
			assert.Equal(t, "--entry 1", rec.BootloaderArgs)
		})
	}
}

func TestStoreDisks(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s.seed(t, testVM, seedVM())

			disks, err := s.Disks(ctx, testVM)
			require.NoError(t, err)
			require.Len(t, disks, 2)

			for _, d := range disks {
				require.NoError(t, s.SetDiskBootable(ctx, d.Ref, d.UserDevice == "0"))
			}
			disks, err = s.Disks(ctx, testVM)
			require.NoError(t, err)
			assert.Equal(t, []Disk{
				{Ref: "OpaqueRef:vbd-0", UserDevice: "0", Bootable: true},
				{Ref: "OpaqueRef:vbd-3", UserDevice: "3", Bootable: false},
			}, disks)

			err = s.SetDiskBootable(ctx, "OpaqueRef:missing", true)
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestStoreUnknownVM(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.OtherConfig(ctx, testVM)
			assert.True(t, errors.Is(err, ErrNotFound))
			assert.True(t, errors.Is(s.SetBootloader(ctx, testVM, "pygrub"), ErrNotFound))
		})
	}
}

func TestBoltStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.db")
	ctx := context.Background()

	s, err := OpenBolt(path)
	require.NoError(t, err)
	rec := seedVM()
	rec.Disks = append(rec.Disks, Disk{UserDevice: "1"})
	require.NoError(t, s.Put(strings.ToUpper(testVM), rec))
	require.NoError(t, s.AddOtherConfig(ctx, testVM, "install-round", "2"))
	require.NoError(t, s.Close())

	s, err = OpenBolt(path)
	require.NoError(t, err)
	defer s.Close()

	oc, err := s.OtherConfig(ctx, testVM)
	require.NoError(t, err)
	assert.Equal(t, "2", oc["install-round"])

	disks, err := s.Disks(ctx, testVM)
	require.NoError(t, err)
	require.Len(t, disks, 3)
	assert.Equal(t, "1", disks[1].UserDevice)
	assert.True(t, strings.HasPrefix(disks[1].Ref, "OpaqueRef:"))

	// Re-seeding drops the old disks from the index.
	require.NoError(t, s.Put(testVM, VM{}))
	assert.True(t, errors.Is(s.SetDiskBootable(ctx, "OpaqueRef:vbd-0", true), ErrNotFound))

	_, err = s.OtherConfig(ctx, "not-a-uuid")
	assert.Error(t, err)
}

func TestNeverAdvance(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	mem.Put(testVM, seedVM())
	s := NeverAdvance(mem)

	require.NoError(t, s.AddOtherConfig(ctx, testVM, "install-round", "2"))
	require.NoError(t, s.RemoveOtherConfig(ctx, testVM, "install-distro"))
	require.NoError(t, s.AddPlatform(ctx, testVM, "pv-kernel-max-size", "1"))
	require.NoError(t, s.RemovePlatform(ctx, testVM, "pv-postinstall-kernel-max-size"))
	require.NoError(t, s.SetBootloader(ctx, testVM, "pygrub"))
	require.NoError(t, s.SetBootloaderArgs(ctx, testVM, "--entry 1"))
	require.NoError(t, s.SetDiskBootable(ctx, "OpaqueRef:vbd-3", false))

	rec, ok := mem.Get(testVM)
	require.True(t, ok)
	assert.Equal(t, seedVM(), rec)

	// Reads pass through.
	oc, err := s.OtherConfig(ctx, testVM)
	require.NoError(t, err)
	assert.Equal(t, "rhlike", oc["install-distro"])
	disks, err := s.Disks(ctx, testVM)
	require.NoError(t, err)
	assert.Len(t, disks, 2)
}
