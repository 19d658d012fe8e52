package testutil

import (
	"os"
	"path"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/iso9660"
	"github.com/samber/lo"
)

// installMediaSize is large enough for the iso9660 metadata plus a few
// small fake payloads.
const installMediaSize = 10 << 20

// CreateInstallCD writes an ISO9660 install medium labelled label to dst.
// tree maps absolute paths on the medium to file contents.
func CreateInstallCD(dst, label string, tree map[string]string) error {
	img, err := diskfs.Create(dst, installMediaSize, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}

	fs, err := img.CreateFilesystem(disk.FilesystemSpec{
		FSType:      filesystem.TypeISO9660,
		VolumeLabel: label,
	})
	if err != nil {
		return errors.Wrap(err, "create iso9660 filesystem")
	}
	cd, ok := fs.(*iso9660.FileSystem)
	if !ok {
		return errors.Newf("unexpected filesystem type %T", fs)
	}

	names := lo.Keys(tree)
	slices.Sort(names)
	made := map[string]bool{"/": true, ".": true}
	for _, name := range names {
		if dir := path.Dir(name); !made[dir] {
			if err := cd.Mkdir(dir); err != nil {
				return errors.Wrapf(err, "mkdir %s", dir)
			}
			made[dir] = true
		}
		f, err := cd.OpenFile(name, os.O_CREATE|os.O_RDWR)
		if err != nil {
			return errors.Wrapf(err, "create %s", name)
		}
		_, err = f.Write([]byte(tree[name]))
		f.Close()
		if err != nil {
			return errors.Wrapf(err, "write %s", name)
		}
	}

	return errors.Wrap(cd.Finalize(iso9660.FinalizeOptions{}), "finalize iso9660 image")
}
