// Package delegate runs the host's standard PV bootloader (pygrub), either
// as a probe whose output is inspected or as the final process image.
package delegate

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/xenserver/eliloader/internal/apierr"
)

// DefaultPath is the delegate bootloader shipped in dom0.
const DefaultPath = "/usr/bin/pygrub"

// Result is the outcome of a delegate run that got as far as exiting.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner runs the delegate to completion.
type Runner interface {
	Run(ctx context.Context, args ...string) (Result, error)
}

// CommandRunner runs the delegate binary at Path.
type CommandRunner struct {
	Path string
}

func (r CommandRunner) path() string {
	if r.Path == "" {
		return DefaultPath
	}
	return r.Path
}

// Run executes the delegate with args and captures both output streams. A
// nonzero exit status is reported in the Result; only a failure to start
// or wait is an error.
func (r CommandRunner) Run(ctx context.Context, args ...string) (Result, error) {
	logrus.Debugf("running %s %s", r.path(), strings.Join(args, " "))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.path(), args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && exitErr.ExitCode() >= 0:
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, errors.Wrapf(err, "run %s", r.path())
	}

	logrus.Debugf("%s exited with %d", r.path(), res.ExitCode)
	return res, nil
}

// Error is a delegate run that exited with a failure status.
type Error struct {
	Code   int
	Stderr string
}

var runtimeErrorRe = regexp.MustCompile(`(RuntimeError: [^\n]*)\n?\z`)

func (e *Error) Error() string {
	detail := strings.TrimSpace(e.Stderr)
	if m := runtimeErrorRe.FindStringSubmatch(e.Stderr); m != nil {
		detail = m[1]
	}
	return fmt.Sprintf("Pygrub error (%d): %s", e.Code, detail)
}

// Failed converts a failing Result into a marked delegate error.
func Failed(res Result) error {
	return apierr.MarkDelegate(&Error{Code: res.ExitCode, Stderr: res.Stderr})
}

// Exec replaces the current process with the delegate. It only returns on
// failure.
func Exec(path string, argv, env []string) error {
	logrus.Debugf("pygrub cmd is: %v", argv)
	if err := unix.Exec(path, argv, env); err != nil {
		return errors.Wrapf(err, "exec %s", path)
	}
	return nil
}
