package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"

	"github.com/mslinn/umtest/pkg/logging"
	"github.com/mslinn/umtest/pkg/metrics"
)

// NoTimeout disables the timeout of Execute.
const NoTimeout time.Duration = 0

const (
	// killTimeout bounds the command that terminates a timed out process.
	killTimeout = 10 * time.Second
	// killGracePolls is the number of 0.1s polls between SIGTERM and SIGKILL.
	killGracePolls = 20
	// drainTimeout is how long to wait for the session to report the exit
	// of a terminated process.
	drainTimeout = 2 * time.Second
)

// Executor runs commands on remote hosts over pooled connections.
type Executor struct {
	pool   *Pool
	logger *log.Logger
}

// NewExecutor creates an Executor using pool. A nil logger selects the
// default logger.
func NewExecutor(pool *Pool, logger *log.Logger) *Executor {
	return &Executor{pool: pool, logger: logging.Or(logger)}
}

// Pool returns the connection pool of the executor.
func (e *Executor) Pool() *Pool {
	return e.pool
}

// Execute runs cmd on host and waits for it to finish or for timeout to
// expire. A command that runs and exits non-zero is not an error: its
// status is in CommandResult.RC. Errors are reserved for failures to run
// the command at all (*TransportError) and for timeouts (*TimeoutError,
// returned together with the partial result).
func (e *Executor) Execute(ctx context.Context, host string, cmd Command, timeout time.Duration) (*CommandResult, error) {
	if timeout < 0 {
		return nil, fmt.Errorf("invalid timeout %s: must be positive or NoTimeout", timeout)
	}

	line := cmd.String()
	e.logger.Debug("executing", "host", host, "cmd", line, "timeout", timeout)

	client, err := e.pool.Acquire(ctx, host)
	if err != nil {
		metrics.RemoteCommands.WithLabelValues("transport").Inc()
		return nil, &TransportError{Host: host, Op: "connect", Err: err}
	}
	defer e.pool.Release(host)

	sess, err := client.NewSession()
	if err != nil {
		e.dropIfDead(client, host)
		metrics.RemoteCommands.WithLabelValues("transport").Inc()
		return nil, &TransportError{Host: host, Op: "open session", Err: err}
	}
	defer sess.Close()

	stdout := &pidWriter{}
	stderr := &syncBuffer{}
	sess.SetOutput(stdout, stderr)

	result := &CommandResult{Host: host, Command: line}
	start := time.Now()
	if err := sess.Start(wrap(cmd)); err != nil {
		e.dropIfDead(client, host)
		metrics.RemoteCommands.WithLabelValues("transport").Inc()
		return nil, &TransportError{Host: host, Op: "start", Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case err := <-done:
		result.Duration = time.Since(start)
		result.Stdout, result.Stderr = stdout.String(), stderr.String()
		metrics.RemoteCommandDuration.Observe(result.Duration.Seconds())
		return e.finish(client, result, err)

	case <-expired:
		confirmed := e.abort(client, host, sess, stdout, done, result)
		result.Duration = time.Since(start)
		result.Stdout, result.Stderr = stdout.String(), stderr.String()
		metrics.RemoteCommands.WithLabelValues("timeout").Inc()
		return result, &TimeoutError{Host: host, Command: line, Timeout: timeout, Confirmed: confirmed}

	case <-ctx.Done():
		e.abort(client, host, sess, stdout, done, result)
		result.Duration = time.Since(start)
		result.Stdout, result.Stderr = stdout.String(), stderr.String()
		metrics.RemoteCommands.WithLabelValues("canceled").Inc()
		return result, ctx.Err()
	}
}

// finish classifies the outcome of Session.Wait.
func (e *Executor) finish(client Client, result *CommandResult, waitErr error) (*CommandResult, error) {
	var exitErr *ExitError
	switch {
	case waitErr == nil:
		result.RC = 0
		metrics.RemoteCommands.WithLabelValues("ok").Inc()
	case errors.As(waitErr, &exitErr):
		result.RC = exitErr.RC()
		metrics.RemoteCommands.WithLabelValues("failed").Inc()
		e.logger.Debug("command failed", "host", result.Host, "rc", result.RC)
	default:
		e.dropIfDead(client, result.Host)
		metrics.RemoteCommands.WithLabelValues("transport").Inc()
		return nil, &TransportError{Host: result.Host, Op: "wait", Err: waitErr}
	}
	return result, nil
}

// dropIfDead invalidates host's connection when it fails a ping. A session
// refused by a live connection (sshd MaxSessions) leaves it in place for
// the commands still running over it.
func (e *Executor) dropIfDead(client Client, host string) {
	if err := client.Ping(); err != nil {
		e.logger.Debug("dropping dead connection", "host", host, "err", err)
		e.pool.Invalidate(host)
	}
}

// abort terminates a running command and reports whether its termination
// was confirmed. It marks result as timed out and sets its RC.
func (e *Executor) abort(client Client, host string, sess Session, stdout *pidWriter, done <-chan error, result *CommandResult) bool {
	result.TimedOut = true
	result.RC = -int(unix.SIGKILL)

	if err := sess.Signal("TERM"); err != nil {
		e.logger.Debug("signal request failed", "host", host, "err", err)
	}

	confirmed := false
	if pid, ok := stdout.PID(); ok {
		confirmed = e.killGroup(client, host, pid)
	} else {
		e.logger.Warn("no remote pid for timed out command", "host", host, "cmd", result.Command)
	}

	select {
	case err := <-done:
		var exitErr *ExitError
		if errors.As(err, &exitErr) && exitErr.Signal != "" {
			result.RC = exitErr.RC()
		}
	case <-time.After(drainTimeout):
		e.logger.Debug("session did not report exit after kill", "host", host)
	}

	if !confirmed {
		e.logger.Warn("timed out command may still be running on host", "host", host, "cmd", result.Command)
	}
	return confirmed
}

// killGroup terminates the process group led by pid over a new session and
// reports whether the group is gone.
func (e *Executor) killGroup(client Client, host string, pid int) bool {
	sess, err := client.NewSession()
	if err != nil {
		e.logger.Warn("cannot open session to kill timed out command", "host", host, "pid", pid, "err", err)
		return false
	}
	defer sess.Close()
	sess.SetOutput(io.Discard, io.Discard)

	if err := sess.Start(killScript(pid, killGracePolls)); err != nil {
		e.logger.Warn("cannot kill timed out command", "host", host, "pid", pid, "err", err)
		return false
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			e.logger.Debug("kill not confirmed", "host", host, "pid", pid, "err", err)
			return false
		}
		e.logger.Debug("killed timed out command", "host", host, "pid", pid)
		return true
	case <-time.After(killTimeout):
		return false
	}
}

// CopyTo uploads src to remotePath on host over the pooled connection.
func (e *Executor) CopyTo(ctx context.Context, host string, src io.Reader, remotePath string, mode os.FileMode) error {
	e.logger.Debug("uploading", "host", host, "path", remotePath)

	client, err := e.pool.Acquire(ctx, host)
	if err != nil {
		return &TransportError{Host: host, Op: "connect", Err: err}
	}
	defer e.pool.Release(host)

	if err := client.Upload(src, remotePath, mode); err != nil {
		return &TransportError{Host: host, Op: "upload " + remotePath, Err: err}
	}
	return nil
}

// pidWriter strips the leading PID line written by wrap and keeps the rest.
type pidWriter struct {
	mu   sync.Mutex
	head []byte
	pid  int
	seen bool
	buf  bytes.Buffer
}

func (w *pidWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(p)
	if !w.seen {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.head = append(w.head, p...)
			return n, nil
		}
		w.head = append(w.head, p[:i]...)
		w.seen = true
		w.pid, _ = strconv.Atoi(strings.TrimSpace(string(w.head)))
		p = p[i+1:]
	}
	w.buf.Write(p)
	return n, nil
}

// PID returns the remote PID once its line has been read.
func (w *pidWriter) PID() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pid, w.seen && w.pid > 0
}

func (w *pidWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
