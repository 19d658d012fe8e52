package metadata

import (
	"context"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketVMs         = []byte("vms")
	bucketDiskIndex   = []byte("disk-index")
	bucketOtherConfig = []byte("other_config")
	bucketPlatform    = []byte("platform")
	bucketDisks       = []byte("disks")

	keyBootloader     = []byte("bootloader")
	keyBootloaderArgs = []byte("bootloader_args")
	keyUserDevice     = []byte("userdevice")
	keyBootable       = []byte("bootable")
)

// BoltStore keeps VM records in a local bbolt file, keyed by VM uuid. It
// backs offline replays of a boot without a running toolstack.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the store at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open metadata db %s", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketVMs, bucketDiskIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init metadata db")
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func vmKey(vm string) ([]byte, error) {
	id, err := uuid.Parse(vm)
	if err != nil {
		return nil, errors.Wrapf(err, "VM uuid %q", vm)
	}
	return []byte(id.String()), nil
}

func vmBucket(tx *bbolt.Tx, vm string) (*bbolt.Bucket, error) {
	key, err := vmKey(vm)
	if err != nil {
		return nil, err
	}
	b := tx.Bucket(bucketVMs).Bucket(key)
	if b == nil {
		return nil, errors.Wrapf(ErrNotFound, "VM %s", vm)
	}
	return b, nil
}

// Put replaces the record for vm. Disks without a reference get a fresh one.
func (s *BoltStore) Put(vm string, rec VM) error {
	key, err := vmKey(vm)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		vms := tx.Bucket(bucketVMs)
		index := tx.Bucket(bucketDiskIndex)

		if old := vms.Bucket(key); old != nil {
			if disks := old.Bucket(bucketDisks); disks != nil {
				if err := disks.ForEach(func(ref, _ []byte) error { return index.Delete(ref) }); err != nil {
					return err
				}
			}
			if err := vms.DeleteBucket(key); err != nil {
				return err
			}
		}

		b, err := vms.CreateBucket(key)
		if err != nil {
			return err
		}
		if err := b.Put(keyBootloader, []byte(rec.Bootloader)); err != nil {
			return err
		}
		if err := b.Put(keyBootloaderArgs, []byte(rec.BootloaderArgs)); err != nil {
			return err
		}
		if err := putMap(b, bucketOtherConfig, rec.OtherConfig); err != nil {
			return err
		}
		if err := putMap(b, bucketPlatform, rec.Platform); err != nil {
			return err
		}

		disks, err := b.CreateBucket(bucketDisks)
		if err != nil {
			return err
		}
		for _, d := range rec.Disks {
			if d.Ref == "" {
				d.Ref = "OpaqueRef:" + uuid.NewString()
			}
			db, err := disks.CreateBucket([]byte(d.Ref))
			if err != nil {
				return errors.Wrapf(err, "disk %s", d.Ref)
			}
			if err := db.Put(keyUserDevice, []byte(d.UserDevice)); err != nil {
				return err
			}
			if err := db.Put(keyBootable, []byte(strconv.FormatBool(d.Bootable))); err != nil {
				return err
			}
			if err := index.Put([]byte(d.Ref), key); err != nil {
				return err
			}
		}
		return nil
	})
}

func putMap(parent *bbolt.Bucket, name []byte, m map[string]string) error {
	b, err := parent.CreateBucket(name)
	if err != nil {
		return err
	}
	for k, v := range m {
		if err := b.Put([]byte(k), []byte(v)); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the full record for vm.
func (s *BoltStore) Get(vm string) (VM, error) {
	var rec VM
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := vmBucket(tx, vm)
		if err != nil {
			return err
		}
		rec.Bootloader = string(b.Get(keyBootloader))
		rec.BootloaderArgs = string(b.Get(keyBootloaderArgs))
		if rec.OtherConfig, err = readMap(b, bucketOtherConfig); err != nil {
			return err
		}
		if rec.Platform, err = readMap(b, bucketPlatform); err != nil {
			return err
		}
		rec.Disks, err = readDisks(b)
		return err
	})
	return rec, err
}

func readMap(parent *bbolt.Bucket, name []byte) (map[string]string, error) {
	out := map[string]string{}
	b := parent.Bucket(name)
	if b == nil {
		return out, nil
	}
	err := b.ForEach(func(k, v []byte) error {
		out[string(k)] = string(v)
		return nil
	})
	return out, err
}

func readDisks(parent *bbolt.Bucket) ([]Disk, error) {
	var out []Disk
	b := parent.Bucket(bucketDisks)
	if b == nil {
		return out, nil
	}
	err := b.ForEach(func(ref, _ []byte) error {
		db := b.Bucket(ref)
		if db == nil {
			return nil
		}
		bootable, _ := strconv.ParseBool(string(db.Get(keyBootable)))
		out = append(out, Disk{
			Ref:        string(ref),
			UserDevice: string(db.Get(keyUserDevice)),
			Bootable:   bootable,
		})
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UserDevice < out[j].UserDevice })
	return out, err
}

func (s *BoltStore) readMap(vm string, name []byte) (map[string]string, error) {
	var out map[string]string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := vmBucket(tx, vm)
		if err != nil {
			return err
		}
		out, err = readMap(b, name)
		return err
	})
	return out, err
}

func (s *BoltStore) updateVM(vm string, fn func(b *bbolt.Bucket) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := vmBucket(tx, vm)
		if err != nil {
			return err
		}
		return fn(b)
	})
}

func addToMap(parent *bbolt.Bucket, name []byte, key, value string) error {
	b, err := parent.CreateBucketIfNotExists(name)
	if err != nil {
		return err
	}
	if b.Get([]byte(key)) != nil {
		return errors.Wrapf(ErrDuplicateKey, "%s", key)
	}
	return b.Put([]byte(key), []byte(value))
}

func removeFromMap(parent *bbolt.Bucket, name []byte, key string) error {
	b := parent.Bucket(name)
	if b == nil {
		return nil
	}
	return b.Delete([]byte(key))
}

func (s *BoltStore) OtherConfig(_ context.Context, vm string) (map[string]string, error) {
	return s.readMap(vm, bucketOtherConfig)
}

func (s *BoltStore) AddOtherConfig(_ context.Context, vm, key, value string) error {
	return s.updateVM(vm, func(b *bbolt.Bucket) error { return addToMap(b, bucketOtherConfig, key, value) })
}

func (s *BoltStore) RemoveOtherConfig(_ context.Context, vm, key string) error {
	return s.updateVM(vm, func(b *bbolt.Bucket) error { return removeFromMap(b, bucketOtherConfig, key) })
}

func (s *BoltStore) Platform(_ context.Context, vm string) (map[string]string, error) {
	return s.readMap(vm, bucketPlatform)
}

func (s *BoltStore) AddPlatform(_ context.Context, vm, key, value string) error {
	return s.updateVM(vm, func(b *bbolt.Bucket) error { return addToMap(b, bucketPlatform, key, value) })
}

func (s *BoltStore) RemovePlatform(_ context.Context, vm, key string) error {
	return s.updateVM(vm, func(b *bbolt.Bucket) error { return removeFromMap(b, bucketPlatform, key) })
}

func (s *BoltStore) SetBootloader(_ context.Context, vm, name string) error {
	return s.updateVM(vm, func(b *bbolt.Bucket) error { return b.Put(keyBootloader, []byte(name)) })
}

func (s *BoltStore) SetBootloaderArgs(_ context.Context, vm, args string) error {
	return s.updateVM(vm, func(b *bbolt.Bucket) error { return b.Put(keyBootloaderArgs, []byte(args)) })
}

func (s *BoltStore) Disks(_ context.Context, vm string) ([]Disk, error) {
	var out []Disk
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := vmBucket(tx, vm)
		if err != nil {
			return err
		}
		out, err = readDisks(b)
		return err
	})
	return out, err
}

func (s *BoltStore) SetDiskBootable(_ context.Context, ref string, bootable bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		owner := tx.Bucket(bucketDiskIndex).Get([]byte(ref))
		if owner == nil {
			return errors.Wrapf(ErrNotFound, "disk %s", ref)
		}
		b, err := vmBucket(tx, string(owner))
		if err != nil {
			return err
		}
		db := b.Bucket(bucketDisks).Bucket([]byte(ref))
		if db == nil {
			return errors.Wrapf(ErrNotFound, "disk %s", ref)
		}
		return db.Put(keyBootable, []byte(strconv.FormatBool(bootable)))
	})
}
