package distro

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/xenserver/eliloader/internal/delegate"
	"github.com/xenserver/eliloader/internal/types"
)

// RHEL covers Red Hat derived installers (RHEL, CentOS, Fedora, Oracle).
type RHEL struct{}

func (RHEL) Distro() types.Distro { return types.DistroRHLike }
func (RHEL) Rounds() int { return 2 }
func (RHEL) PatchRamdisk() bool { return true }

// LocateArtifacts prefers the Xen specific images and falls back to the
// isolinux ones.
func (RHEL) LocateArtifacts(ctx context.Context, env *Env) (Artifacts, error) {
	dir := "isolinux/"
	if env.Prober.Exists(ctx, env.BaseURL+"images/xen/vmlinuz") {
		dir = "images/xen/"
	}
	return Artifacts{
		Kernel:  env.BaseURL + dir + "vmlinuz",
		Ramdisk: env.BaseURL + dir + "initrd.img",
	}, nil
}

func (RHEL) BootArgs(repo string) string {
	if types.IsNetwork(repo) && !strings.HasSuffix(repo, "/") {
		return "method=" + repo + "/"
	}
	if types.IsCDROM(repo) {
		return ""
	}
	return "method=" + repo
}

var (
	titleRe = regexp.MustCompile(`^title:`)
	uekRe   = regexp.MustCompile(`(?i)Oracle.*el5uek`)
)

// Disambiguate steers the delegate away from Oracle el5uek kernels, which
// do not boot paravirtualized.
func (RHEL) Disambiguate(ctx context.Context, env *SecondEnv) (*Override, error) {
	res, err := env.Delegate.Run(ctx, "-q", "-l", env.Image)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, delegate.Failed(res)
	}

	titles := lo.Filter(strings.Split(res.Stdout, "\n"), func(line string, _ int) bool {
		return titleRe.MatchString(line)
	})
	isUEK := func(title string) bool { return uekRe.MatchString(title) }

	if !lo.ContainsBy(titles, isUEK) {
		return nil, nil
	}

	_, idx, ok := lo.FindIndexOf(titles, func(title string) bool { return !isUEK(title) })
	if !ok {
		return nil, errors.New("Could not find non el5uek kernel")
	}
	logrus.Debugf("RHEL_LIKE: pygrub found an Oracle 5.x el5uek kernel, using entry %d", idx)

	entry := strconv.Itoa(idx)
	return &Override{
		Args:           []string{"--entry", entry},
		BootloaderArgs: "--entry " + entry,
	}, nil
}
