package sweep

import (
	"errors"
	"fmt"
)

// ErrProfile wraps failures to switch the testbed profile, which abort a
// sweep.
var ErrProfile = errors.New("profile setup failed")

// CommandFailedError reports a remote command that ran but exited non-zero.
type CommandFailedError struct {
	Host    string
	Command string
	RC      int
	Stderr  string
}

func (e *CommandFailedError) Error() string {
	msg := fmt.Sprintf("%s: %s: exit %d", e.Host, e.Command, e.RC)
	if e.RC < 0 {
		msg = fmt.Sprintf("%s: %s: killed by signal %d", e.Host, e.Command, -e.RC)
	}
	if e.Stderr != "" {
		msg += ": " + firstLine(e.Stderr)
	}
	return msg
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
