package initrd

import (
	"bufio"
	"bytes"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// Compression identifies the stream format wrapping a ramdisk.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionGzip Compression = "gzip"
	CompressionLZMA Compression = "lzma"
	CompressionXZ   Compression = "xz"
	CompressionZstd Compression = "zstd"
)

var magics = []struct {
	prefix []byte
	kind   Compression
}{
	{[]byte{0x1f, 0x8b}, CompressionGzip},
	{[]byte{0x5d, 0x00}, CompressionLZMA},
	{[]byte{0xfd, '7', 'z', 'X', 'Z', 0x00}, CompressionXZ},
	{[]byte{0x28, 0xb5, 0x2f, 0xfd}, CompressionZstd},
}

// DetectCompression sniffs the leading magic bytes of head.
func DetectCompression(head []byte) Compression {
	for _, m := range magics {
		if bytes.HasPrefix(head, m.prefix) {
			return m.kind
		}
	}
	return CompressionNone
}

// OpenDecompressed opens path and returns a reader over its decompressed
// content along with the detected compression.
func OpenDecompressed(path string) (io.ReadCloser, Compression, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, CompressionNone, errors.Wrapf(err, "open %s", path)
	}

	br := bufio.NewReader(file)
	// Peek returns what it has on short files; the error only means fewer
	// than six bytes exist.
	head, _ := br.Peek(6)
	kind := DetectCompression(head)

	var r io.Reader
	var closeFn func()
	switch kind {
	case CompressionGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			file.Close()
			return nil, kind, errors.Wrap(err, "gzip reader")
		}
		r, closeFn = zr, func() { zr.Close() }
	case CompressionLZMA:
		zr, err := lzma.NewReader(br)
		if err != nil {
			file.Close()
			return nil, kind, errors.Wrap(err, "lzma reader")
		}
		r = zr
	case CompressionXZ:
		zr, err := xz.NewReader(br)
		if err != nil {
			file.Close()
			return nil, kind, errors.Wrap(err, "xz reader")
		}
		r = zr
	case CompressionZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			file.Close()
			return nil, kind, errors.Wrap(err, "zstd reader")
		}
		r, closeFn = zr, zr.Close
	default:
		r = br
	}

	return &decompressReader{reader: r, closeFn: closeFn, file: file}, kind, nil
}

// decompressReader closes the decoder and the underlying file together.
type decompressReader struct {
	reader  io.Reader
	closeFn func()
	file    *os.File
}

func (r *decompressReader) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (r *decompressReader) Close() error {
	if r.closeFn != nil {
		r.closeFn()
	}
	return r.file.Close()
}
