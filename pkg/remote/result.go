package remote

import (
	"fmt"
	"time"
)

// CommandResult contains the outcome of one remote command
type CommandResult struct {
	Host     string
	Command  string
	Stdout   string
	Stderr   string
	RC       int // exit status, or the negated signal number
	Duration time.Duration
	TimedOut bool
}

// Success returns true if the command exited with status zero
func (r *CommandResult) Success() bool {
	return r.RC == 0 && !r.TimedOut
}

// Signaled returns the number of the signal that terminated the command,
// or 0 if it exited normally.
func (r *CommandResult) Signaled() int {
	if r.RC < 0 {
		return -r.RC
	}
	return 0
}

// String returns a human-readable summary of the result
func (r *CommandResult) String() string {
	status := "success"
	switch {
	case r.TimedOut:
		status = "timed out"
	case r.RC < 0:
		status = fmt.Sprintf("killed by signal %d", -r.RC)
	case r.RC > 0:
		status = fmt.Sprintf("failed (exit code %d)", r.RC)
	}

	return fmt.Sprintf("%s: %s: %s (%.3fs)",
		r.Host,
		r.Command,
		status,
		r.Duration.Seconds(),
	)
}

// DebugString returns a detailed debug output
func (r *CommandResult) DebugString() string {
	output := r.String() + "\n"

	if r.Stdout != "" {
		output += fmt.Sprintf("STDOUT:\n%s\n", r.Stdout)
	}

	if r.Stderr != "" {
		output += fmt.Sprintf("STDERR:\n%s\n", r.Stderr)
	}

	return output
}
