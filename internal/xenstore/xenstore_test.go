package xenstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenserver/eliloader/internal/config"
)

const testVM = "4b7ba5ab-2b93-4d4f-9d1b-41e4d3b0b8b2"

// tree is an in-memory xenstore. Keys are full paths; directories are
// derived from key prefixes.
type tree map[string]string

func (t tree) Read(path string) (string, error) {
	v, ok := t[path]
	if !ok {
		return "", errors.Mark(&Error{Path: path, Errno: "ENOENT"}, ErrNotFound)
	}
	return v, nil
}

func (t tree) Directory(path string) ([]string, error) {
	seen := map[string]bool{}
	prefix := strings.TrimSuffix(path, "/") + "/"
	for k := range t {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			seen[strings.SplitN(rest, "/", 2)[0]] = true
		}
	}
	if len(seen) == 0 {
		return nil, errors.Mark(&Error{Path: path, Errno: "ENOENT"}, ErrNotFound)
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// serve answers xenstore requests on l from t until the listener closes.
func serve(t *testing.T, l net.Listener, data tree) {
	t.Helper()
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			for {
				var h header
				if err := binary.Read(conn, binary.LittleEndian, &h); err != nil {
					return
				}
				body := make([]byte, h.Len)
				if _, err := io.ReadFull(conn, body); err != nil {
					return
				}
				path := strings.TrimRight(string(body), "\x00")

				var payload []byte
				typ := h.Type
				switch h.Type {
				case typeRead:
					v, err := data.Read(path)
					if err != nil {
						typ, payload = typeError, []byte("ENOENT\x00")
					} else {
						payload = []byte(v)
					}
				case typeDirectory:
					entries, err := data.Directory(path)
					if err != nil {
						typ, payload = typeError, []byte("ENOENT\x00")
					} else {
						for _, e := range entries {
							payload = append(payload, e...)
							payload = append(payload, 0)
						}
					}
				default:
					typ, payload = typeError, []byte("EINVAL\x00")
				}

				var buf bytes.Buffer
				binary.Write(&buf, binary.LittleEndian, header{Type: typ, ReqID: h.ReqID, Len: uint32(len(payload))})
				buf.Write(payload)
				if _, err := conn.Write(buf.Bytes()); err != nil {
					return
				}
			}
		}()
	}
}

func dialTree(t *testing.T, data tree) *Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "socket")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go serve(t, l, data)

	c, err := Dial(path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientRead(t *testing.T) {
	c := dialTree(t, tree{
		"/mh/limits/pv-kernel-max-size": "67108864",
	})

	v, err := c.Read("/mh/limits/pv-kernel-max-size")
	require.NoError(t, err)
	assert.Equal(t, "67108864", v)

	_, err = c.Read("/mh/limits/pv-ramdisk-max-size")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	var xerr *Error
	require.True(t, errors.As(err, &xerr))
	assert.Equal(t, "ENOENT", xerr.Errno)
}

func TestClientDirectory(t *testing.T) {
	c := dialTree(t, tree{
		"/vm/" + testVM + "/domains/7/create-time": "0",
		"/vm/" + testVM + "/domains/9/create-time": "0",
	})

	entries, err := c.Directory("/vm/" + testVM + "/domains")
	require.NoError(t, err)
	assert.Equal(t, []string{"7", "9"}, entries)

	_, err = c.Directory("/vm/unknown/domains")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDialMissingSocket(t *testing.T) {
	_, err := Dial(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to xenstored")
}

func TestResolveLimits(t *testing.T) {
	defaults := config.Limits{Kernel: 32 * datasize.MB, Ramdisk: 128 * datasize.MB}
	domains := "/vm/" + testVM + "/domains/5/create-time"

	tests := []struct {
		name string
		data tree
		vm   string
		want config.Limits
	}{
		{
			name: "defaults",
			data: tree{},
			vm:   testVM,
			want: defaults,
		},
		{
			name: "host overrides",
			data: tree{
				"/mh/limits/pv-kernel-max-size":  "1048576",
				"/mh/limits/pv-ramdisk-max-size": "2097152",
			},
			vm:   testVM,
			want: config.Limits{Kernel: datasize.MB, Ramdisk: 2 * datasize.MB},
		},
		{
			name: "VM overrides host",
			data: tree{
				"/mh/limits/pv-kernel-max-size":               "1048576",
				"/mh/limits/pv-ramdisk-max-size":              "2097152",
				domains:                                       "0",
				"/local/domain/5/platform/pv-kernel-max-size": "4194304",
			},
			vm:   testVM,
			want: config.Limits{Kernel: 4 * datasize.MB, Ramdisk: 2 * datasize.MB},
		},
		{
			name: "malformed values ignored",
			data: tree{
				"/mh/limits/pv-kernel-max-size":                "lots",
				domains:                                        "0",
				"/local/domain/5/platform/pv-ramdisk-max-size": "-1",
			},
			vm:   testVM,
			want: defaults,
		},
		{
			name: "out of range values ignored",
			data: tree{
				"/mh/limits/pv-kernel-max-size":                "18446744073709551615",
				domains:                                        "0",
				"/local/domain/5/platform/pv-ramdisk-max-size": "9223372036854775807",
			},
			vm:   testVM,
			want: defaults,
		},
		{
			name: "no domain keeps host limits",
			data: tree{
				"/mh/limits/pv-kernel-max-size": "1048576",
			},
			vm:   testVM,
			want: config.Limits{Kernel: datasize.MB, Ramdisk: 128 * datasize.MB},
		},
		{
			name: "bad domid keeps host limits",
			data: tree{
				"/vm/" + testVM + "/domains/dom/x":              "0",
				"/local/domain/dom/platform/pv-kernel-max-size": "1",
			},
			vm:   testVM,
			want: defaults,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveLimits(context.Background(), tt.data, tt.vm, defaults)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveLimitsOverSocket(t *testing.T) {
	c := dialTree(t, tree{
		"/mh/limits/pv-ramdisk-max-size":              "268435456",
		"/vm/" + testVM + "/domains/3/create-time":    "0",
		"/local/domain/3/platform/pv-kernel-max-size": "67108864",
	})
	defaults := config.Limits{Kernel: 32 * datasize.MB, Ramdisk: 128 * datasize.MB}

	got := ResolveLimits(context.Background(), c, testVM, defaults)
	assert.Equal(t, config.Limits{Kernel: 64 * datasize.MB, Ramdisk: 256 * datasize.MB}, got)
}
