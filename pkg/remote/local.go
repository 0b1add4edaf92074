package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// LocalDialer runs commands on this machine through sh. It stands in for
// SSH when the target is the local host and in tests.
type LocalDialer struct{}

// Dial returns a client for the local machine, whatever host is named.
func (LocalDialer) Dial(ctx context.Context, host string) (Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &localClient{}, nil
}

type localClient struct {
	mu     sync.Mutex
	closed bool
}

func (c *localClient) NewSession() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("local client is closed")
	}
	return &localSession{}, nil
}

func (c *localClient) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("local client is closed")
	}
	return nil
}

func (c *localClient) Upload(src io.Reader, path string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(path, mode)
}

func (c *localClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type localSession struct {
	stdout, stderr io.Writer
	cmd            *exec.Cmd
}

func (s *localSession) SetOutput(stdout, stderr io.Writer) {
	s.stdout, s.stderr = stdout, stderr
}

// Start runs cmd in a new process group, as sshd does for a session.
func (s *localSession) Start(cmd string) error {
	s.cmd = exec.Command("sh", "-c", cmd)
	s.cmd.Stdout = s.stdout
	s.cmd.Stderr = s.stderr
	s.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return s.cmd.Start()
}

func (s *localSession) Wait() error {
	if s.cmd == nil {
		return errors.New("session not started")
	}
	err := s.cmd.Wait()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return err
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return &ExitError{Status: exitErr.ExitCode()}
	}
	if ws.Signaled() {
		return &ExitError{Signal: signalName(unix.Signal(ws.Signal()))}
	}
	return &ExitError{Status: ws.ExitStatus()}
}

func (s *localSession) Signal(name string) error {
	if s.cmd == nil || s.cmd.Process == nil {
		return errors.New("session not started")
	}
	n := signalNumber(name)
	if n <= 0 {
		return fmt.Errorf("unknown signal %q", name)
	}
	return s.cmd.Process.Signal(syscall.Signal(n))
}

func (s *localSession) Close() error {
	return nil
}
