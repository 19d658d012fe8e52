// Package xapi talks to the local toolstack over XenAPI XML-RPC and exposes
// the VM records the loader reads and updates as a metadata.Store.
package xapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/kolo/xmlrpc"
	"github.com/sirupsen/logrus"

	"github.com/xenserver/eliloader/internal/metadata"
)

// DefaultSocket is the toolstack's local XML-RPC endpoint.
const DefaultSocket = "/var/lib/xcp/xapi"

const (
	statusSuccess = "Success"
	originator    = "eliloader"
)

// Error is a XenAPI call that returned a non-Success status.
type Error struct {
	Method      string
	Description []string
}

func (e *Error) Error() string {
	return "XenAPI " + e.Method + " failed: " + strings.Join(e.Description, " ")
}

// Code is the first element of the error description, e.g. HANDLE_INVALID.
func (e *Error) Code() string {
	if len(e.Description) == 0 {
		return ""
	}
	return e.Description[0]
}

type response[T any] struct {
	Status           string   `xmlrpc:"Status"`
	Value            T        `xmlrpc:"Value"`
	ErrorDescription []string `xmlrpc:"ErrorDescription"`
}

// Client is a logged-in XenAPI session. It is not safe for concurrent use
// apart from the VM reference cache.
type Client struct {
	rpc     *xmlrpc.Client
	session string

	mu   sync.Mutex
	refs map[string]string
}

// Dial logs into the toolstack listening on the unix socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
		DisableKeepAlives: true,
	}
	c, err := Connect(ctx, "http://localhost/", transport)
	if err != nil {
		return nil, errors.Wrapf(err, "xapi socket %s", path)
	}
	return c, nil
}

// Connect logs into the XenAPI endpoint at url. A nil transport uses the
// default HTTP transport.
func Connect(ctx context.Context, url string, transport http.RoundTripper) (*Client, error) {
	rc, err := xmlrpc.NewClient(url, transport)
	if err != nil {
		return nil, errors.Wrap(err, "create xmlrpc client")
	}
	c := &Client{rpc: rc, refs: map[string]string{}}

	session, err := call[string](ctx, c, "session.login_with_password", "", "", "", originator)
	if err != nil {
		rc.Close()
		return nil, err
	}
	c.session = session
	return c, nil
}

// call issues one XenAPI request and unwraps the status envelope.
func call[T any](ctx context.Context, c *Client, method string, args ...interface{}) (T, error) {
	var (
		resp response[T]
		zero T
	)
	logrus.Debugf("xapi: %s", method)
	if err := ctx.Err(); err != nil {
		return zero, errors.Wrapf(err, "XenAPI %s", method)
	}

	// The codec performs the HTTP round trip inside Call, so cancellation
	// abandons the request rather than aborting it.
	done := make(chan error, 1)
	go func() { done <- c.rpc.Call(method, args, &resp) }()

	var err error
	select {
	case <-ctx.Done():
		return zero, errors.Wrapf(ctx.Err(), "XenAPI %s", method)
	case err = <-done:
	}
	if err != nil {
		return zero, errors.Wrapf(err, "XenAPI %s", method)
	}
	if resp.Status != statusSuccess {
		return zero, markError(&Error{Method: method, Description: resp.ErrorDescription})
	}
	return resp.Value, nil
}

func markError(e *Error) error {
	switch e.Code() {
	case "HANDLE_INVALID", "UUID_INVALID":
		return errors.Mark(e, metadata.ErrNotFound)
	case "MAP_DUPLICATE_KEY":
		return errors.Mark(e, metadata.ErrDuplicateKey)
	}
	return e
}

func (c *Client) vmRef(ctx context.Context, uuid string) (string, error) {
	c.mu.Lock()
	ref, ok := c.refs[uuid]
	c.mu.Unlock()
	if ok {
		return ref, nil
	}

	ref, err := call[string](ctx, c, "VM.get_by_uuid", c.session, uuid)
	if err != nil {
		return "", errors.Wrapf(err, "VM %s", uuid)
	}

	c.mu.Lock()
	c.refs[uuid] = ref
	c.mu.Unlock()
	return ref, nil
}

func (c *Client) vmCall(ctx context.Context, vm, method string, args ...interface{}) error {
	ref, err := c.vmRef(ctx, vm)
	if err != nil {
		return err
	}
	_, err = call[string](ctx, c, method, append([]interface{}{c.session, ref}, args...)...)
	return err
}

func (c *Client) vmMap(ctx context.Context, vm, method string) (map[string]string, error) {
	ref, err := c.vmRef(ctx, vm)
	if err != nil {
		return nil, err
	}
	m, err := call[map[string]string](ctx, c, method, c.session, ref)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}

func (c *Client) OtherConfig(ctx context.Context, vm string) (map[string]string, error) {
	return c.vmMap(ctx, vm, "VM.get_other_config")
}

func (c *Client) AddOtherConfig(ctx context.Context, vm, key, value string) error {
	return c.vmCall(ctx, vm, "VM.add_to_other_config", key, value)
}

func (c *Client) RemoveOtherConfig(ctx context.Context, vm, key string) error {
	return c.vmCall(ctx, vm, "VM.remove_from_other_config", key)
}

func (c *Client) Platform(ctx context.Context, vm string) (map[string]string, error) {
	return c.vmMap(ctx, vm, "VM.get_platform")
}

func (c *Client) AddPlatform(ctx context.Context, vm, key, value string) error {
	return c.vmCall(ctx, vm, "VM.add_to_platform", key, value)
}

func (c *Client) RemovePlatform(ctx context.Context, vm, key string) error {
	return c.vmCall(ctx, vm, "VM.remove_from_platform", key)
}

func (c *Client) SetBootloader(ctx context.Context, vm, name string) error {
	return c.vmCall(ctx, vm, "VM.set_PV_bootloader", name)
}

func (c *Client) SetBootloaderArgs(ctx context.Context, vm, args string) error {
	return c.vmCall(ctx, vm, "VM.set_PV_bootloader_args", args)
}

// Disks lists the VM's block devices with their user device numbers.
func (c *Client) Disks(ctx context.Context, vm string) ([]metadata.Disk, error) {
	ref, err := c.vmRef(ctx, vm)
	if err != nil {
		return nil, err
	}
	vbds, err := call[[]string](ctx, c, "VM.get_VBDs", c.session, ref)
	if err != nil {
		return nil, err
	}

	disks := make([]metadata.Disk, 0, len(vbds))
	for _, vbd := range vbds {
		dev, err := call[string](ctx, c, "VBD.get_userdevice", c.session, vbd)
		if err != nil {
			return nil, errors.Wrapf(err, "VBD %s", vbd)
		}
		bootable, err := call[bool](ctx, c, "VBD.get_bootable", c.session, vbd)
		if err != nil {
			return nil, errors.Wrapf(err, "VBD %s", vbd)
		}
		disks = append(disks, metadata.Disk{Ref: vbd, UserDevice: dev, Bootable: bootable})
	}
	return disks, nil
}

func (c *Client) SetDiskBootable(ctx context.Context, ref string, bootable bool) error {
	_, err := call[string](ctx, c, "VBD.set_bootable", c.session, ref, bootable)
	return err
}

// Close logs out and releases the connection. Logout failures are logged.
func (c *Client) Close() error {
	if c.session != "" {
		if _, err := call[string](context.Background(), c, "session.logout", c.session); err != nil {
			logrus.Warnf("xapi: logout: %v", err)
		}
		c.session = ""
	}
	return c.rpc.Close()
}

var _ metadata.Store = (*Client)(nil)
