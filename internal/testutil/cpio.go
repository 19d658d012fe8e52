package testutil

import (
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/u-root/u-root/pkg/cpio"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// CreateTestCPIO writes records as a newc archive to path, compressed with
// one of "", "gzip", "lzma", "xz" or "zstd".
func CreateTestCPIO(path, compression string, records ...cpio.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := compressWriter(f, compression)
	if err != nil {
		return err
	}

	rw := cpio.Newc.Writer(w)
	for _, r := range records {
		if err := rw.WriteRecord(r); err != nil {
			return err
		}
	}
	if err := cpio.WriteTrailer(rw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return f.Close()
}

// CompressFile writes data to path compressed with the named format.
func CompressFile(path, compression string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := compressWriter(f, compression)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return f.Close()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func compressWriter(w io.Writer, compression string) (io.WriteCloser, error) {
	switch compression {
	case "gzip":
		return gzip.NewWriter(w), nil
	case "lzma":
		return lzma.NewWriter(w)
	case "xz":
		return xz.NewWriter(w)
	case "zstd":
		return zstd.NewWriter(w)
	default:
		return nopWriteCloser{w}, nil
	}
}

// ReadCPIO returns the records of the uncompressed newc archive at path,
// with regular file and symlink contents read into the map.
func ReadCPIO(path string) (map[string]cpio.Info, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	infos := map[string]cpio.Info{}
	contents := map[string]string{}
	err = cpio.ForEachRecord(cpio.Newc.Reader(f), func(r cpio.Record) error {
		infos[r.Name] = r.Info
		if r.FileSize > 0 {
			data, err := io.ReadAll(io.NewSectionReader(r, 0, int64(r.FileSize)))
			if err != nil {
				return err
			}
			contents[r.Name] = string(data)
		}
		return nil
	})
	return infos, contents, err
}
