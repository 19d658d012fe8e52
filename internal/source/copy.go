package source

import (
	"io"
)

// CopyLimited copies src to dst in copyBlockSize chunks for as long as the
// running total stays within limit. It returns the number of bytes written
// and whether the whole stream fit, i.e. ok is true iff the stream length is
// at most limit. The block that crosses the limit is still written.
func CopyLimited(dst io.Writer, src io.Reader, limit int64) (written int64, ok bool, err error) {
	buf := make([]byte, copyBlockSize)
	for written <= limit {
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, false, werr
			}
			written += int64(n)
		}
		switch rerr {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			return written, written <= limit, nil
		default:
			return written, false, rerr
		}
	}
	return written, false, nil
}
