//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xenserver/eliloader/internal/apierr"
	"github.com/xenserver/eliloader/internal/config"
	"github.com/xenserver/eliloader/internal/loader"
	"github.com/xenserver/eliloader/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr, runLoader)
	stop()
	os.Exit(code)
}

// options are the values of the command line flags.
type options struct {
	vm         string
	kernelArgs []string
	logging    bool
	quiet      bool
	configPath string

	cfg            *config.Config
	stdout, stderr io.Writer
}

// runFunc performs one boot for a parsed command line.
type runFunc func(ctx context.Context, opts *options, inv loader.Invocation) error

func execute(ctx context.Context, argv []string, stdout, stderr io.Writer, run runFunc) int {
	cmd := newRootCommand(argv, run)
	cmd.SetArgs(argv)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return exitCode(cmd.ExecuteContext(ctx), stderr)
}

func exitCode(err error, stderr io.Writer) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, apierr.ErrUsage):
		logrus.Debugf("%v", err)
		fmt.Fprintln(stderr, apierr.UsageMessage)
		return 2
	default:
		logrus.Errorf("%+v", err)
		fmt.Fprint(stderr, apierr.Envelope(err))
		return 1
	}
}

func newRootCommand(argv []string, run runFunc) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "eliloader --vm <vm> <image>",
		Short: "Boot the installer of a paravirtualised Linux guest",
		Long: `eliloader is the PV bootloader used while a guest is being installed.

On the first boot it fetches the installer kernel and ramdisk named by the
VM's other-config and prints a boot spec for them. On the second boot it
hands the installed system over to pygrub.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.stdout = cmd.OutOrStdout()
			opts.stderr = cmd.ErrOrStderr()
			logging.Setup(logging.Options{
				Output: opts.stderr,
				Debug:  opts.logging || cfg.DebugEnabled(),
				Quiet:  opts.quiet,
				Syslog: cfg.SyslogEnabled(),
			})
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := opts.invocation(args, argv)
			if err != nil {
				return err
			}
			logrus.Debugf("eliloader args: %v", argv)
			return run(cmd.Context(), opts, inv)
		},
	}
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return apierr.Usage("%v", err)
	})

	flags := rootCmd.Flags()
	flags.StringVar(&opts.vm, "vm", "", "uuid of the VM being booted")
	flags.Var(argList{&opts.kernelArgs}, "args", "kernel command line (repeatable)")
	flags.Var(argList{&opts.kernelArgs}, "extra_args", "extra kernel arguments (repeatable)")
	flags.Var(argList{&opts.kernelArgs}, "default_args", "default kernel arguments (repeatable)")

	pflags := rootCmd.PersistentFlags()
	pflags.BoolVar(&opts.logging, "logging", false, "enable debug logging and download progress")
	pflags.BoolVarP(&opts.quiet, "quiet", "q", false, "discard log output")
	pflags.StringVar(&opts.configPath, "config", config.DefaultPath, "host configuration file")
	_ = pflags.MarkHidden("config")

	rootCmd.AddCommand(newMetadataCommand(opts))

	return rootCmd
}

// invocation validates the parsed command line. argv is passed on to the
// delegate unchanged.
func (o *options) invocation(args, argv []string) (loader.Invocation, error) {
	if len(args) == 0 {
		return loader.Invocation{}, apierr.Usage("missing image argument")
	}
	if o.vm == "" {
		return loader.Invocation{}, apierr.Usage("missing --vm")
	}
	if _, err := uuid.Parse(o.vm); err != nil {
		return loader.Invocation{}, apierr.Usage("invalid VM uuid %q: %v", o.vm, err)
	}

	var b strings.Builder
	for _, v := range o.kernelArgs {
		b.WriteString(v)
		b.WriteByte(' ')
	}

	return loader.Invocation{
		VM:    o.vm,
		Image: args[0],
		Args:  b.String(),
		Argv:  argv,
	}, nil
}

// argList appends flag values to a list shared by several flags, so the
// kernel command line keeps the order the values were given in. Later
// values win on a kernel command line. Empty values are dropped.
type argList struct {
	values *[]string
}

func (a argList) String() string { return strings.Join(*a.values, " ") }
func (a argList) Type() string   { return "stringArray" }

func (a argList) Set(v string) error {
	if v != "" {
		*a.values = append(*a.values, v)
	}
	return nil
}
