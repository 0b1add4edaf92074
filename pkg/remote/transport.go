package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Dialer establishes a connection to one host.
type Dialer interface {
	Dial(ctx context.Context, host string) (Client, error)
}

// Client is a multiplexed connection to a host. Any number of sessions may
// be opened over one Client.
type Client interface {
	NewSession() (Session, error)
	// Ping checks that the connection is still usable.
	Ping() error
	// Upload writes src to path on the host.
	Upload(src io.Reader, path string, mode os.FileMode) error
	Close() error
}

// Session runs a single command.
type Session interface {
	SetOutput(stdout, stderr io.Writer)
	Start(cmd string) error
	// Wait returns nil on a zero exit status, an *ExitError when the
	// command exited non-zero or was killed by a signal, and any other
	// error when the transport failed.
	Wait() error
	// Signal delivers a signal named without the SIG prefix, e.g. "TERM".
	Signal(name string) error
	Close() error
}

// ExitError reports a command that terminated with a non-zero status or
// because of a signal.
type ExitError struct {
	Status int
	Signal string // without the SIG prefix; empty unless signalled
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("killed by signal %s", e.Signal)
	}
	return fmt.Sprintf("exit status %d", e.Status)
}

// RC converts the exit into a return code: the exit status, or the negated
// signal number when the process was killed by a signal.
func (e *ExitError) RC() int {
	if e.Signal == "" {
		return e.Status
	}
	if n := signalNumber(e.Signal); n > 0 {
		return -n
	}
	if e.Status > 0 {
		return e.Status
	}
	return -1
}

func signalNumber(name string) int {
	name = strings.ToUpper(name)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	return int(unix.SignalNum(name))
}

func signalName(sig unix.Signal) string {
	return strings.TrimPrefix(unix.SignalName(sig), "SIG")
}
