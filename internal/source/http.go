package source

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xenserver/eliloader/internal/apierr"
)

// copyBlockSize is the chunk size used when streaming payloads to disk.
const copyBlockSize = 1 << 20

// ProgressFunc is called during download to report progress.
type ProgressFunc func(source string, current, total int64)

// progressReader wraps an io.Reader and reports progress.
type progressReader struct {
	reader     io.Reader
	source     string
	total      int64
	current    int64
	onProgress ProgressFunc
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		if pr.onProgress != nil {
			pr.onProgress(pr.source, pr.current, pr.total)
		}
	}
	return n, err
}

// Fetcher streams kernel and ramdisk payloads from http, ftp and file URLs.
type Fetcher struct {
	client     *http.Client
	ftpTimeout time.Duration
	onProgress ProgressFunc
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher) error

// WithProxy routes plain http requests through proxy. An empty proxy is a no-op.
func WithProxy(proxy string) FetcherOption {
	return func(f *Fetcher) error {
		if proxy == "" {
			return nil
		}
		u, err := url.Parse(proxy)
		if err != nil {
			return errors.Wrapf(err, "parse proxy %q", proxy)
		}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.Proxy = func(req *http.Request) (*url.URL, error) {
			if req.URL.Scheme == "http" {
				return u, nil
			}
			return http.ProxyFromEnvironment(req)
		}
		f.client = &http.Client{Transport: tr}
		return nil
	}
}

// WithHTTPClient replaces the client used for http and https sources.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) error {
		f.client = c
		return nil
	}
}

// WithProgress installs a progress callback for Fetch.
func WithProgress(fn ProgressFunc) FetcherOption {
	return func(f *Fetcher) error {
		f.onProgress = fn
		return nil
	}
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts ...FetcherOption) (*Fetcher, error) {
	f := &Fetcher{
		client:     http.DefaultClient,
		ftpTimeout: time.Minute,
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

type scheme int

const (
	schemeHTTP scheme = iota
	schemeFTP
	schemeFile
)

func schemeOf(source string) (scheme, error) {
	switch {
	case strings.HasPrefix(source, "http:"), strings.HasPrefix(source, "https:"):
		return schemeHTTP, nil
	case strings.HasPrefix(source, "ftp:"):
		return schemeFTP, nil
	case strings.HasPrefix(source, "file:"):
		return schemeFile, nil
	}
	return 0, apierr.InvalidSource("Unknown source type.")
}

// Fetch downloads source into dest and returns the number of bytes written.
//
// At most limit bytes are accepted; when the payload is larger the transfer
// stops with a ResourceTooLarge error and dest is left behind for the caller
// to remove. Transport failures are reported as apierr.ResourceAccessError.
func (f *Fetcher) Fetch(ctx context.Context, source, dest string, limit int64) (int64, error) {
	sch, err := schemeOf(source)
	if err != nil {
		return 0, err
	}

	logrus.Debugf("fetching %s to %s", source, dest)

	body, length, err := f.open(ctx, sch, source)
	if err != nil {
		logrus.Debugf("open %s: %v", source, err)
		return 0, apierr.NewResourceAccessError(source, err)
	}
	defer body.Close()

	out, err := os.Create(dest)
	if err != nil {
		return 0, errors.Wrapf(err, "create file %s", dest)
	}
	defer out.Close()

	var reader io.Reader = body
	if f.onProgress != nil {
		reader = &progressReader{reader: body, source: source, total: length, onProgress: f.onProgress}
	}

	n, ok, err := CopyLimited(out, reader, limit)
	if length >= 0 {
		logrus.Debugf("expecting %d bytes, got %d bytes, limit %d bytes", length, n, limit)
	} else {
		logrus.Debugf("got %d bytes, limit %d bytes", n, limit)
	}
	if err != nil {
		return n, errors.Wrapf(err, "download %s", source)
	}
	if !ok {
		return n, apierr.ResourceTooLarge("File '%s' exceeds limit of %d bytes", source, limit)
	}
	if length >= 0 && length != n {
		return n, errors.Newf("closed connection during download of %s", source)
	}
	return n, nil
}

// Exists reports whether source can be opened. It never fails: any error,
// including an unsupported scheme, means the file does not exist.
func (f *Fetcher) Exists(ctx context.Context, source string) bool {
	sch, err := schemeOf(source)
	if err != nil {
		return false
	}

	logrus.Debugf("checking %s", source)

	if sch == schemeHTTP {
		return f.head(ctx, source) == nil
	}
	body, _, err := f.open(ctx, sch, source)
	if err != nil {
		return false
	}
	body.Close()
	return true
}

// open returns the payload stream and its advertised length, -1 when unknown.
func (f *Fetcher) open(ctx context.Context, sch scheme, source string) (io.ReadCloser, int64, error) {
	switch sch {
	case schemeHTTP:
		return f.openHTTP(ctx, source)
	case schemeFTP:
		return f.openFTP(ctx, source)
	default:
		return openFile(source)
	}
}

func (f *Fetcher) openHTTP(ctx context.Context, source string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, http.NoBody)
	if err != nil {
		return nil, 0, errors.Wrap(err, "create request")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "download %s", source)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, errors.Newf("download %s: HTTP %d %s", source, resp.StatusCode, resp.Status)
	}
	return resp.Body, resp.ContentLength, nil
}

func (f *Fetcher) head(ctx context.Context, source string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, source, http.NoBody)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func openFile(source string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "parse %s", source)
	}
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "open %s", path)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, errors.Wrapf(err, "stat %s", path)
	}
	if info.IsDir() {
		file.Close()
		return nil, 0, errors.Newf("%s is a directory", path)
	}
	return file, info.Size(), nil
}
