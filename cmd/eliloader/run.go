//go:build linux

package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/xenserver/eliloader/internal/config"
	"github.com/xenserver/eliloader/internal/delegate"
	"github.com/xenserver/eliloader/internal/initrd"
	"github.com/xenserver/eliloader/internal/loader"
	"github.com/xenserver/eliloader/internal/logging"
	"github.com/xenserver/eliloader/internal/metadata"
	"github.com/xenserver/eliloader/internal/source"
	"github.com/xenserver/eliloader/internal/xapi"
	"github.com/xenserver/eliloader/internal/xenstore"
)

// runLoader wires the host services together and runs one boot.
func runLoader(ctx context.Context, opts *options, inv loader.Invocation) error {
	cfg := opts.cfg

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.Warnf("close metadata store: %v", err)
		}
	}()

	table, err := initrd.LoadTable(cfg.FixupDir)
	if err != nil {
		return err
	}

	var fetchOpts []source.FetcherOption
	if opts.logging && !opts.quiet {
		fetchOpts = append(fetchOpts, source.WithProgress(logging.Progress(opts.stderr)))
	}

	mounter := source.SyscallMounter{}
	l := &loader.Loader{
		Config: cfg,
		Store:  store,
		Resolver: &source.Resolver{
			CDMounter:  mounter,
			NFSMounter: source.CommandMounter{},
			ScratchDir: cfg.ScratchDir,
		},
		FetchOptions: fetchOpts,
		Patcher: &initrd.Patcher{
			Table:      table,
			OverlayDir: cfg.FixupDir,
			BootDir:    cfg.BootDir,
			ScratchDir: cfg.ScratchDir,
			Mounter:    mounter,
		},
		Delegate: delegate.CommandRunner{Path: cfg.Pygrub},
		Exec:     delegate.Exec,
		Out:      opts.stdout,
		Limits:   resolveLimits(ctx, cfg, inv.VM),
	}
	return l.Run(ctx, inv)
}

func openStore(ctx context.Context, cfg *config.Config) (metadata.Store, error) {
	var (
		store metadata.Store
		err   error
	)
	switch {
	case cfg.Metadata.Backend == config.BackendBolt:
		store, err = metadata.OpenBolt(cfg.Metadata.Path)
	case cfg.XAPI.URL != "":
		store, err = xapi.Connect(ctx, cfg.XAPI.URL, nil)
	default:
		store, err = xapi.Dial(ctx, cfg.XAPI.Socket)
	}
	if err != nil {
		return nil, err
	}

	if cfg.NeverAdvance {
		logrus.Infof("never-advance mode: metadata writes are disabled")
		store = metadata.NeverAdvance(store)
	}
	return store, nil
}

// resolveLimits layers the xenstore overrides on the configured limits.
// xenstore being unreachable leaves the configured values in place.
func resolveLimits(ctx context.Context, cfg *config.Config, vm string) config.Limits {
	limits := cfg.DefaultLimits()

	xs, err := xenstore.Dial(cfg.Xenstore.Socket)
	if err != nil {
		logrus.Debugf("xenstore unavailable, using default limits: %v", err)
		return limits
	}
	defer xs.Close()

	return xenstore.ResolveLimits(ctx, xs, vm, limits)
}
