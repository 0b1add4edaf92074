// Package logging configures the structured logger shared by all umt tools.
//
// Every tool accepts the same logging flags: -v/--verbose, -q/--quiet,
// --debug and --syslog[=HOST]. A bare --syslog logs to the local syslog
// daemon; --syslog=HOST sends to HOST over UDP (port 514 unless given).
package logging

import (
	"fmt"
	"io"
	"log/syslog"
	"net"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
)

// localSyslog is the flag value of a bare --syslog.
const localSyslog = "local"

// Options holds the logging flags
type Options struct {
	Verbose bool
	Quiet   bool
	Debug   bool
	Syslog  string
}

// AddFlags registers the logging flags on fs
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&o.Verbose, "verbose", "v", false, "Enable verbose output")
	fs.BoolVarP(&o.Quiet, "quiet", "q", false, "Only report warnings and errors")
	fs.BoolVar(&o.Debug, "debug", false, "Enable debug output with caller information")
	fs.StringVar(&o.Syslog, "syslog", "", "Log to syslog, optionally on a remote HOST[:PORT]")
	fs.Lookup("syslog").NoOptDefVal = localSyslog
}

// Level returns the log level selected by the flags
func (o *Options) Level() log.Level {
	switch {
	case o.Debug || o.Verbose:
		return log.DebugLevel
	case o.Quiet:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

// Setup builds a logger for the named program, installs it as the default
// logger and returns it. The returned closer releases the syslog
// connection, if any.
func Setup(program string, o Options) (*log.Logger, io.Closer, error) {
	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}

	if o.Syslog != "" {
		w, err := dialSyslog(program, o.Syslog)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to syslog: %w", err)
		}
		out, closer = w, w
	}

	logger := log.NewWithOptions(out, log.Options{
		Prefix:          program,
		Level:           o.Level(),
		ReportTimestamp: o.Syslog == "",
		ReportCaller:    o.Debug,
	})
	log.SetDefault(logger)

	return logger, closer, nil
}

func dialSyslog(tag, target string) (*syslog.Writer, error) {
	priority := syslog.LOG_INFO | syslog.LOG_DAEMON
	if target == localSyslog {
		return syslog.New(priority, tag)
	}
	addr := target
	if _, _, err := net.SplitHostPort(target); err != nil {
		addr = net.JoinHostPort(target, "514")
	}
	return syslog.Dial("udp", addr, priority, tag)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Or returns l, or the default logger when l is nil.
func Or(l *log.Logger) *log.Logger {
	if l != nil {
		return l
	}
	return log.Default()
}
