package initrd

import (
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/cockroachdb/errors"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/sirupsen/logrus"
	"github.com/u-root/u-root/pkg/cpio"
	"golang.org/x/sys/unix"

	"github.com/xenserver/eliloader/internal/apierr"
	"github.com/xenserver/eliloader/internal/source"
)

// decompressTo writes the decompressed content of src to dst, failing once
// more than limit bytes come out.
func decompressTo(src string, dst io.Writer, limit int64) error {
	rc, kind, err := OpenDecompressed(src)
	if err != nil {
		return err
	}
	defer rc.Close()

	n, ok, err := source.CopyLimited(dst, rc, limit)
	logrus.Debugf("  got %d bytes (%s), limit %d bytes", n, compressionName(kind), limit)
	if err != nil {
		return errors.Wrapf(err, "decompress %s", src)
	}
	if !ok {
		return apierr.ResourceTooLarge("Unpacking cpio '%s' exceeds limit of %d bytes", src, limit)
	}
	return nil
}

func compressionName(c Compression) string {
	if c == CompressionNone {
		return "uncompressed"
	}
	return string(c)
}

// unpackArchive extracts the possibly compressed newc archive at src into
// root. The decompressed stream is staged in scratch because the cpio
// reader needs random access.
func unpackArchive(src, root, scratch string, limit int64) error {
	logrus.Debugf("Unpacking cpio '%s' into '%s'", src, root)

	stage, err := os.CreateTemp(scratch, "initrd-stream-")
	if err != nil {
		return errors.Wrap(err, "create staging file")
	}
	defer os.Remove(stage.Name())
	defer stage.Close()

	if err := decompressTo(src, stage, limit); err != nil {
		return err
	}

	x := &extractor{root: root, src: src, limit: limit, budget: limit, links: map[inode]*linkSet{}}
	err = cpio.ForEachRecord(cpio.Newc.Reader(stage), x.extract)
	if err != nil && !errors.Is(err, apierr.ErrResourceTooLarge) {
		return errors.Wrapf(err, "extract %s", src)
	}
	return err
}

// extractor writes cpio records under root, overwriting what is there.
type extractor struct {
	root   string
	src    string
	limit  int64
	budget int64
	links  map[inode]*linkSet
}

// inode identifies the members of a hardlink set.
type inode struct {
	ino, major, minor uint64
}

// linkSet tracks the extracted names of one hardlinked file. newc stores
// the data with one member only (usually the last); the others are empty.
type linkSet struct {
	data    string
	pending []string
}

func (x *extractor) extract(rec cpio.Record) error {
	name := path.Clean("/" + rec.Name)
	if name == "/" {
		return nil
	}

	// The parent is resolved inside root; the last element is not, so an
	// existing symlink is replaced rather than followed.
	parent, err := securejoin.SecureJoin(x.root, path.Dir(name))
	if err != nil {
		return errors.Wrapf(err, "resolve %s", rec.Name)
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return errors.Wrapf(err, "create parent of %s", rec.Name)
	}
	target := filepath.Join(parent, path.Base(name))
	perm := uint32(rec.Mode & 0o7777)

	switch rec.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		if err := replaceNonDir(target); err != nil {
			return err
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return errors.Wrapf(err, "mkdir %s", rec.Name)
		}
	case unix.S_IFREG:
		if err := x.writeRegular(target, rec); err != nil {
			return err
		}
	case unix.S_IFLNK:
		link, err := io.ReadAll(io.NewSectionReader(rec, 0, int64(rec.FileSize)))
		if err != nil {
			return errors.Wrapf(err, "read link %s", rec.Name)
		}
		if err := removeExisting(target); err != nil {
			return err
		}
		if err := os.Symlink(string(link), target); err != nil {
			return errors.Wrapf(err, "symlink %s", rec.Name)
		}
		return x.chown(target, rec)
	case unix.S_IFCHR, unix.S_IFBLK, unix.S_IFIFO:
		if err := removeExisting(target); err != nil {
			return err
		}
		dev := unix.Mkdev(uint32(rec.Rmajor), uint32(rec.Rminor))
		if err := unix.Mknod(target, uint32(rec.Mode), int(dev)); err != nil {
			if errors.Is(err, unix.EPERM) {
				logrus.Debugf("skipping device node %s: %v", rec.Name, err)
				return nil
			}
			return errors.Wrapf(err, "mknod %s", rec.Name)
		}
	default:
		logrus.Debugf("skipping %s with mode %o", rec.Name, rec.Mode)
		return nil
	}

	if err := unix.Chmod(target, perm); err != nil {
		return errors.Wrapf(err, "chmod %s", rec.Name)
	}
	return x.chown(target, rec)
}

// writeRegular extracts a regular file, joining it to its hardlink set when
// the record has more than one link.
func (x *extractor) writeRegular(target string, rec cpio.Record) error {
	if rec.NLink < 2 {
		return x.writeFile(target, rec)
	}

	key := inode{ino: rec.Ino, major: rec.Major, minor: rec.Minor}
	set, ok := x.links[key]
	if !ok {
		set = &linkSet{}
		x.links[key] = set
	}

	switch {
	case rec.FileSize == 0 && set.data != "":
		return x.link(set.data, target, rec.Name)
	case rec.FileSize == 0:
		set.pending = append(set.pending, target)
		return x.writeFile(target, rec)
	}

	if err := x.writeFile(target, rec); err != nil {
		return err
	}
	set.data = target
	for _, p := range set.pending {
		if err := x.link(target, p, rec.Name); err != nil {
			return err
		}
	}
	set.pending = nil
	return nil
}

func (x *extractor) link(oldname, newname, recName string) error {
	if err := removeExisting(newname); err != nil {
		return err
	}
	return errors.Wrapf(os.Link(oldname, newname), "link %s", recName)
}

func (x *extractor) writeFile(target string, rec cpio.Record) error {
	size := int64(rec.FileSize)
	x.budget -= size
	if x.budget < 0 {
		return apierr.ResourceTooLarge("Unpacking cpio '%s' exceeds limit of %d bytes", x.src, x.limit)
	}

	if err := removeExisting(target); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrapf(err, "create %s", rec.Name)
	}
	if _, err := io.Copy(f, io.NewSectionReader(rec, 0, size)); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", rec.Name)
	}
	return errors.Wrapf(f.Close(), "close %s", rec.Name)
}

func (x *extractor) chown(target string, rec cpio.Record) error {
	if os.Geteuid() != 0 {
		return nil
	}
	if err := os.Lchown(target, int(rec.UID), int(rec.GID)); err != nil {
		return errors.Wrapf(err, "chown %s", rec.Name)
	}
	return nil
}

// removeExisting unlinks target unless it is absent. Directories are kept
// and reported as an error, matching cpio -u.
func removeExisting(target string) error {
	info, err := os.Lstat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "stat %s", target)
	}
	if info.IsDir() {
		return errors.Newf("cannot replace directory %s", target)
	}
	return errors.Wrapf(os.Remove(target), "remove %s", target)
}

// replaceNonDir clears the way for a directory at target.
func replaceNonDir(target string) error {
	info, err := os.Lstat(target)
	if err != nil || info.IsDir() {
		return nil
	}
	return errors.Wrapf(os.Remove(target), "remove %s", target)
}

// packArchive writes the tree under root as an uncompressed newc archive
// to out. Parents are emitted before their children.
func packArchive(root string, out io.Writer) error {
	logrus.Debugf("Building initrd from %s", root)

	w := cpio.Newc.Writer(out)
	recorder := cpio.NewRecorder()

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		rec, err := recorder.GetRecord(p)
		if err != nil {
			return errors.Wrapf(err, "record %s", rel)
		}
		rec.Name = filepath.ToSlash(rel)
		werr := w.WriteRecord(rec)
		if c, ok := rec.ReaderAt.(io.Closer); ok {
			c.Close()
		}
		return errors.Wrapf(werr, "write record %s", rel)
	})
	if err != nil {
		return err
	}
	return errors.Wrap(cpio.WriteTrailer(w), "write trailer")
}
