package source

import (
	"github.com/cockroachdb/errors"
	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/filesystem"
)

// ProbeISO checks that the image file at path carries an ISO9660
// filesystem, so a data disk handed over as "cdrom" is rejected before any
// loop device is spent on it.
func ProbeISO(path string) error {
	disk, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return errors.Wrap(err, "open ISO")
	}
	defer disk.Close()

	// ISO images carry no partition table; the filesystem is partition 0.
	fs, err := disk.GetFilesystem(0)
	if err != nil {
		return errors.Wrap(err, "get ISO filesystem")
	}
	if fs.Type() != filesystem.TypeISO9660 {
		return errors.Newf("%s is not an ISO9660 image", path)
	}
	return nil
}
