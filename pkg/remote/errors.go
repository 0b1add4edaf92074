package remote

import (
	"errors"
	"fmt"
	"time"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

// ConnectionError reports that a connection to Host could not be
// established, even after retrying.
type ConnectionError struct {
	Host     string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to %s after %d attempts: %v", e.Host, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError reports that a command could not be run at all: the host
// was unreachable or the connection dropped while the command ran.
type TransportError struct {
	Host string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Host, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports a command that exceeded its timeout. Confirmed is
// false when the remote process could not be shown to be gone, in which
// case the host may still run a stray process.
type TimeoutError struct {
	Host      string
	Command   string
	Timeout   time.Duration
	Confirmed bool
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s: command timed out after %s: %s", e.Host, e.Timeout, e.Command)
	if !e.Confirmed {
		msg += " (termination not confirmed)"
	}
	return msg
}

// IsTimeout reports whether err is a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsTransport reports whether err is a *TransportError or *ConnectionError.
func IsTransport(err error) bool {
	var te *TransportError
	var ce *ConnectionError
	return errors.As(err, &te) || errors.As(err, &ce)
}
