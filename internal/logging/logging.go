// Package logging configures the process-wide logrus logger and the
// download progress display.
package logging

import (
	"io"
	"log/syslog"
	"os"
	"path"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// SyslogTag identifies our messages in the system log.
const SyslogTag = "eliloader"

// Options selects where log output goes and how much of it there is.
type Options struct {
	// Output receives log lines. Defaults to stderr; stdout carries the
	// boot spec and must stay clean.
	Output io.Writer
	Debug  bool
	Quiet  bool
	Syslog bool
}

//nolint:gochecknoglobals
var newSyslogHook = func() (logrus.Hook, error) {
	return lsyslog.NewSyslogHook("", "", syslog.LOG_DAEMON|syslog.LOG_INFO, SyslogTag)
}

// Setup configures the standard logger.
func Setup(opts Options) {
	Configure(logrus.StandardLogger(), opts)
}

// Configure applies opts to l.
func Configure(l *logrus.Logger, opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Quiet {
		out = io.Discard
	}
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		FullTimestamp:    true,
		DisableQuote:     true,
		QuoteEmptyFields: true,
	})

	l.SetLevel(logrus.InfoLevel)
	if opts.Debug {
		l.SetLevel(logrus.DebugLevel)
	}

	l.ReplaceHooks(make(logrus.LevelHooks))
	if opts.Syslog {
		hook, err := newSyslogHook()
		if err != nil {
			l.Warnf("syslog unavailable: %v", err)
			return
		}
		l.AddHook(hook)
	}
}

// Progress returns a download progress callback that draws one bar per
// source on w.
func Progress(w io.Writer) func(source string, current, total int64) {
	var (
		bar     *progressbar.ProgressBar
		current string
	)
	return func(source string, n, total int64) {
		if source != current {
			if bar != nil {
				_ = bar.Finish()
			}
			current = source
			if total <= 0 {
				total = -1
			}
			bar = progressbar.NewOptions64(total,
				progressbar.OptionSetWriter(w),
				progressbar.OptionSetDescription("downloading "+path.Base(source)),
				progressbar.OptionShowBytes(true),
				progressbar.OptionUseIECUnits(true),
				progressbar.OptionSetWidth(30),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionOnCompletion(func() { _, _ = io.WriteString(w, "\n") }),
			)
		}
		_ = bar.Set64(n)
	}
}
