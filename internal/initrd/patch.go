package initrd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/xenserver/eliloader/internal/apierr"
	"github.com/xenserver/eliloader/internal/source"
)

// Patcher applies fixup overlays to vendor ramdisks.
type Patcher struct {
	Table *Table
	// OverlayDir holds the overlay archives named by the rules.
	OverlayDir string
	// BootDir receives the patched ramdisk.
	BootDir string
	// ScratchDir holds the working trees.
	ScratchDir string
	// Mounter loop-mounts ext2 ramdisks.
	Mounter source.Mounter
}

// TryPatch returns the path of a patched copy of the ramdisk at path, or ""
// when no rule matches its checksum. The input file is never modified and
// the caller owns the returned file.
func (p *Patcher) TryPatch(ctx context.Context, path string, limit int64) (string, error) {
	digest, err := Checksum(path)
	if err != nil {
		return "", err
	}
	logrus.Debugf("%s has MD5 %s", path, digest)

	rule, ok := p.Table.Lookup(digest)
	if !ok {
		return "", nil
	}
	logrus.Debugf("Fixup with %s (%s, %s:%d)", rule.Overlay, rule.Kind, rule.Source, rule.Line)

	overlay := filepath.Join(p.OverlayDir, rule.Overlay)
	if info, err := os.Stat(overlay); err != nil || !info.Mode().IsRegular() {
		return "", apierr.SupportPackageMissing("Dom0 does not contain a required file: %s", overlay)
	}

	work, err := os.MkdirTemp(p.ScratchDir, "initrd-fixup-")
	if err != nil {
		return "", errors.Wrap(err, "create working directory")
	}

	out, err := os.CreateTemp(p.BootDir, "tweaked-initrd-")
	if err != nil {
		os.RemoveAll(work)
		return "", errors.Wrap(err, "create patched ramdisk")
	}
	outPath := out.Name()

	cu := cleanup.Make(func() {
		logrus.Debugf("Cleaning '%s' and '%s'", work, outPath)
		os.Remove(outPath)
	})
	defer cu.Clean()

	switch rule.Kind {
	case KindCPIO:
		defer os.RemoveAll(work)
		err = p.patchCPIO(out, path, overlay, work, limit)
	case KindExt2:
		out.Close()
		// The tree lives on the loop mount, so only the empty mount point
		// is removed here.
		defer os.Remove(work)
		err = p.patchExt2(ctx, outPath, path, overlay, work, limit)
	default:
		out.Close()
		os.RemoveAll(work)
		err = errors.Newf("unknown initrd kind %q", rule.Kind)
	}
	if err != nil {
		return "", err
	}

	cu.Release()
	return outPath, nil
}

// patchCPIO unpacks the vendor archive and the overlay into work and packs
// the result into out.
func (p *Patcher) patchCPIO(out *os.File, path, overlay, work string, limit int64) error {
	defer out.Close()

	if err := unpackArchive(path, work, p.ScratchDir, limit); err != nil {
		return err
	}
	if err := unpackArchive(overlay, work, p.ScratchDir, limit); err != nil {
		return err
	}
	if err := packArchive(work, out); err != nil {
		return errors.Wrap(err, "repack initrd")
	}
	return errors.Wrap(out.Close(), "close patched ramdisk")
}

// patchExt2 decompresses the vendor filesystem image into outPath, mounts
// it on work and unpacks the overlay onto it.
func (p *Patcher) patchExt2(ctx context.Context, outPath, path, overlay, work string, limit int64) (err error) {
	logrus.Debugf("Mounting ext2 '%s' on '%s'", path, work)

	dst, err := os.OpenFile(outPath, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s", outPath)
	}
	if err := decompressTo(path, dst, limit); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return errors.Wrapf(err, "close %s", outPath)
	}

	if err := p.Mounter.Mount(ctx, outPath, work, "ext2", false); err != nil {
		return errors.Wrapf(err, "mount ext2 initrd %s", path)
	}
	defer func() {
		if uerr := p.Mounter.Unmount(context.Background(), work); uerr != nil {
			logrus.Warnf("unmount %s: %v", work, uerr)
			if err == nil {
				err = errors.Wrap(uerr, "unmount patched ramdisk")
			}
		}
	}()

	return unpackArchive(overlay, work, p.ScratchDir, limit)
}
