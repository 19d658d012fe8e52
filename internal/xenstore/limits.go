package xenstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xenserver/eliloader/internal/config"
)

const (
	hostLimitPath = "/mh/limits/pv-%s-max-size"
	vmLimitPath   = "/local/domain/%s/platform/pv-%s-max-size"
)

// ResolveLimits starts from defaults and overrides each limit with the host
// value, then with the VM's platform value. Missing or malformed values are
// skipped. A VM without a running domain keeps the host limits.
func ResolveLimits(ctx context.Context, r Reader, vm string, defaults config.Limits) config.Limits {
	limits := defaults

	apply(r, &limits, func(kind string) string { return fmt.Sprintf(hostLimitPath, kind) })
	logrus.Debugf("host limits: kernel %s, ramdisk %s", limits.Kernel.HR(), limits.Ramdisk.HR())

	if ctx.Err() != nil || vm == "" {
		return limits
	}

	domid, err := domainID(r, vm)
	if err != nil {
		logrus.Debugf("ignoring VM limits: %v", err)
		return limits
	}
	apply(r, &limits, func(kind string) string { return fmt.Sprintf(vmLimitPath, domid, kind) })
	logrus.Debugf("VM limits: kernel %s, ramdisk %s", limits.Kernel.HR(), limits.Ramdisk.HR())

	return limits
}

func apply(r Reader, limits *config.Limits, pathFor func(kind string) string) {
	if v, ok := readSize(r, pathFor("kernel")); ok {
		limits.Kernel = v
	}
	if v, ok := readSize(r, pathFor("ramdisk")); ok {
		limits.Ramdisk = v
	}
}

func readSize(r Reader, path string) (datasize.ByteSize, bool) {
	raw, err := r.Read(path)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logrus.Debugf("read %s: %v", path, err)
		}
		return 0, false
	}
	// Sizes are compared as int64 byte counts downstream.
	n, err := strconv.ParseInt(raw, 10, 63)
	if err != nil || n < 0 {
		logrus.Debugf("ignoring malformed limit %s=%q", path, raw)
		return 0, false
	}
	return datasize.ByteSize(n), true
}

func domainID(r Reader, vm string) (string, error) {
	domains, err := r.Directory("/vm/" + vm + "/domains")
	if err != nil || len(domains) == 0 {
		return "", errors.Newf("unable to find domid for %s", vm)
	}
	if _, err := strconv.ParseUint(domains[0], 10, 32); err != nil {
		return "", errors.Newf("unable to find domid for %s", vm)
	}
	return domains[0], nil
}
