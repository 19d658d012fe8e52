package source

import (
	"context"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// mountCloser unmounts a directory and removes it. Only the first Close
// has an effect, so it is safe on every exit path.
type mountCloser struct {
	mounter Mounter
	dir     string
	once    sync.Once
	err     error
}

func newMountCloser(m Mounter, dir string) *mountCloser {
	return &mountCloser{mounter: m, dir: dir}
}

func (c *mountCloser) Close() error {
	c.once.Do(func() {
		// Unmount must not be skipped when the invocation is being canceled.
		ctx := context.Background()
		var errs []error
		if err := c.mounter.Unmount(ctx, c.dir); err != nil {
			errs = append(errs, err)
		}
		if err := os.Remove(c.dir); err != nil && !os.IsNotExist(err) {
			errs = append(errs, errors.Wrapf(err, "remove %s", c.dir))
		}
		c.err = errors.Join(errs...)
		if c.err != nil {
			logrus.Warnf("release %s: %v", c.dir, c.err)
		}
	})
	return c.err
}

// discard releases a mount point after a failed mount. The unmount is
// expected to fail and its error is dropped.
func discard(m Mounter, dir string) {
	_ = m.Unmount(context.Background(), dir)
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		logrus.Warnf("remove %s: %v", dir, err)
	}
}
