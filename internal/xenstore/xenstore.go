// Package xenstore is a minimal client for the xenstored unix socket. It
// only supports the read-only requests the loader needs.
package xenstore

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultSocket is where xenstored listens on the host.
const DefaultSocket = "/var/run/xenstored/socket"

// Message types.
const (
	typeDirectory uint32 = 1
	typeRead      uint32 = 2
	typeError     uint32 = 16
)

const (
	headerSize     = 16
	maxPayloadSize = 4096
	requestTimeout = 5 * time.Second
)

// ErrNotFound is returned when a path does not exist.
var ErrNotFound = errors.New("xenstore path not found")

// Error is an error reply from xenstored, e.g. ENOENT or EACCES.
type Error struct {
	Path  string
	Errno string
}

func (e *Error) Error() string {
	return "xenstore " + e.Path + ": " + e.Errno
}

// Reader is the read-only view of xenstore used to resolve limits.
type Reader interface {
	Read(path string) (string, error)
	Directory(path string) ([]string, error)
}

type header struct {
	Type  uint32
	ReqID uint32
	TxID  uint32
	Len   uint32
}

// Client is a connection to xenstored. Requests are serialized.
type Client struct {
	mu    sync.Mutex
	conn  net.Conn
	reqID uint32
}

// Dial connects to the xenstored socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, requestTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to xenstored at %s", path)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Read returns the value stored at path.
func (c *Client) Read(path string) (string, error) {
	payload, err := c.request(typeRead, path)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// Directory lists the children of path.
func (c *Client) Directory(path string) ([]string, error) {
	payload, err := c.request(typeDirectory, path)
	if err != nil {
		return nil, err
	}
	var entries []string
	for _, e := range bytes.Split(payload, []byte{0}) {
		if len(e) > 0 {
			entries = append(entries, string(e))
		}
	}
	return entries, nil
}

func (c *Client) request(typ uint32, path string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reqID++
	body := append([]byte(path), 0)
	req := header{Type: typ, ReqID: c.reqID, Len: uint32(len(body))}

	if err := c.conn.SetDeadline(time.Now().Add(requestTimeout)); err != nil {
		return nil, errors.Wrap(err, "set xenstore deadline")
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, req); err != nil {
		return nil, err
	}
	buf.Write(body)
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		return nil, errors.Wrapf(err, "write xenstore request for %s", path)
	}

	var resp header
	if err := binary.Read(c.conn, binary.LittleEndian, &resp); err != nil {
		return nil, errors.Wrapf(err, "read xenstore reply for %s", path)
	}
	if resp.Len > maxPayloadSize {
		return nil, errors.Newf("xenstore reply for %s too large: %d bytes", path, resp.Len)
	}
	payload := make([]byte, resp.Len)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return nil, errors.Wrapf(err, "read xenstore reply for %s", path)
	}
	if resp.ReqID != req.ReqID {
		return nil, errors.Newf("xenstore reply id %d does not match request %d", resp.ReqID, req.ReqID)
	}

	if resp.Type == typeError {
		xerr := &Error{Path: path, Errno: strings.TrimRight(string(payload), "\x00")}
		if xerr.Errno == "ENOENT" {
			return nil, errors.Mark(xerr, ErrNotFound)
		}
		return nil, xerr
	}
	if resp.Type != typ {
		return nil, errors.Newf("unexpected xenstore reply type %d for %s", resp.Type, path)
	}
	return payload, nil
}

var _ Reader = (*Client)(nil)
