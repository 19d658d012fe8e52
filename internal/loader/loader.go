// Package loader drives an installation across its boot rounds. Each run
// reads the VM's install metadata, performs the round it is in and records
// the next one.
package loader

import (
	"context"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xenserver/eliloader/internal/config"
	"github.com/xenserver/eliloader/internal/delegate"
	"github.com/xenserver/eliloader/internal/distro"
	"github.com/xenserver/eliloader/internal/metadata"
	"github.com/xenserver/eliloader/internal/source"
)

// State is where a VM is in its installation.
type State int

const (
	AwaitingRound1 State = iota
	AwaitingRound2
	Complete
)

func (s State) String() string {
	switch s {
	case AwaitingRound1:
		return "awaiting round 1"
	case AwaitingRound2:
		return "awaiting round 2"
	case Complete:
		return "complete"
	}
	return "unknown"
}

// StateFor maps the stored round counter to a state for a distribution
// that takes rounds boots.
func StateFor(round, rounds int) State {
	switch {
	case round > rounds:
		return Complete
	case round == 2:
		return AwaitingRound2
	default:
		return AwaitingRound1
	}
}

// Fetcher downloads installer artifacts.
type Fetcher interface {
	Fetch(ctx context.Context, source, dest string, limit int64) (int64, error)
	Exists(ctx context.Context, source string) bool
}

// Resolver turns a repository locator into a handle.
type Resolver interface {
	Resolve(ctx context.Context, repo, image string) (*source.Handle, error)
}

// Patcher rewrites vendor ramdisks that need host-side fixes.
type Patcher interface {
	TryPatch(ctx context.Context, path string, limit int64) (string, error)
}

// ExecFunc replaces the running process. It only returns on failure.
type ExecFunc func(path string, argv, env []string) error

// Invocation is one run of the loader for one VM boot.
type Invocation struct {
	VM string
	// Image is the boot device handed over by the toolstack.
	Image string
	// Args is the kernel command line given on our own command line.
	Args string
	// Argv is our argument vector without the program name. It is passed
	// on to the delegate.
	Argv []string
}

// Loader holds the collaborators of a run.
type Loader struct {
	Config   *config.Config
	Store    metadata.Store
	Resolver Resolver
	// Fetcher is built from FetchOptions and the VM's proxy when nil.
	Fetcher      Fetcher
	FetchOptions []source.FetcherOption
	Patcher      Patcher
	Delegate     delegate.Runner
	Exec         ExecFunc
	Out          io.Writer
	Limits       config.Limits
}

// Run performs the round the VM is in.
func (l *Loader) Run(ctx context.Context, inv Invocation) error {
	other, err := l.Store.OtherConfig(ctx, inv.VM)
	if err != nil {
		return errors.Wrapf(err, "read other-config of VM %s", inv.VM)
	}
	install, err := config.ParseInstallConfig(other)
	if err != nil {
		return err
	}

	d, err := install.Distro()
	if err != nil {
		return err
	}
	h, err := distro.For(d)
	if err != nil {
		return err
	}

	logrus.Debugf("VM %s: %s, round %d of %d (%s)",
		inv.VM, d, install.Round, h.Rounds(), StateFor(install.Round, h.Rounds()))

	switch install.Round {
	case 1:
		f, err := l.fetcher(install)
		if err != nil {
			return err
		}
		if err := l.firstBoot(ctx, inv, install, h, f); err != nil {
			return err
		}
	case 2:
		return l.secondBoot(ctx, inv, install, h)
	}

	return l.updateRounds(ctx, inv.VM, install.Round, h.Rounds())
}

func (l *Loader) fetcher(install *config.InstallConfig) (Fetcher, error) {
	if l.Fetcher != nil {
		return l.Fetcher, nil
	}
	opts := l.FetchOptions
	if install.Proxy != "" {
		logrus.Debugf("using proxy %s", install.Proxy)
		opts = append(opts[:len(opts):len(opts)], source.WithProxy(install.Proxy))
	}
	return source.NewFetcher(opts...)
}

func (l *Loader) exec(path string, argv []string) error {
	run := l.Exec
	if run == nil {
		run = delegate.Exec
	}
	return run(path, argv, os.Environ())
}
