package source

import (
	"context"
	"io"
	"net"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jlaffaye/ftp"
)

// ftpStream closes the data transfer and then the control connection.
type ftpStream struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (s *ftpStream) Read(p []byte) (int, error) {
	return s.resp.Read(p)
}

func (s *ftpStream) Close() error {
	err := s.resp.Close()
	_ = s.conn.Quit()
	return err
}

func (f *Fetcher) openFTP(ctx context.Context, source string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "parse %s", source)
	}

	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "21")
	}

	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(f.ftpTimeout))
	if err != nil {
		return nil, 0, errors.Wrapf(err, "dial %s", addr)
	}

	user, pass := "anonymous", "anonymous@"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		_ = conn.Quit()
		return nil, 0, errors.Wrapf(err, "login to %s", addr)
	}

	// Paths are relative to the login directory, as in ftp URLs.
	path := strings.TrimPrefix(u.Path, "/")

	size := int64(-1)
	if s, err := conn.FileSize(path); err == nil {
		size = s
	}

	resp, err := conn.Retr(path)
	if err != nil {
		_ = conn.Quit()
		return nil, 0, errors.Wrapf(err, "retrieve %s", path)
	}
	return &ftpStream{resp: resp, conn: conn}, size, nil
}
