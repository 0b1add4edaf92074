package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/charmbracelet/log"
	"github.com/m-lab/go/testingx"
)

func newLocalExecutor(t *testing.T) *Executor {
	t.Helper()
	pool := NewPool(LocalDialer{})
	t.Cleanup(func() { pool.Close() })
	return NewExecutor(pool, nil)
}

func TestExecute_Success(t *testing.T) {
	e := newLocalExecutor(t)

	result, err := e.Execute(context.Background(), "localhost", Shell("echo hello"), NoTimeout)
	testingx.Must(t, err, "Execute failed")

	if result.RC != 0 {
		t.Errorf("RC = %d, want 0", result.RC)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "hello\n")
	}
	if !result.Success() {
		t.Error("Success() = false")
	}
	if result.Duration <= 0 {
		t.Error("Duration should be positive")
	}
	if result.Host != "localhost" || result.Command != "echo hello" {
		t.Errorf("result names %s: %s", result.Host, result.Command)
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	e := newLocalExecutor(t)

	result, err := e.Execute(context.Background(), "localhost", Shell("echo oops >&2; exit 42"), time.Minute)
	if err != nil {
		t.Fatalf("non-zero exit returned error: %v", err)
	}
	if result.RC != 42 {
		t.Errorf("RC = %d, want 42", result.RC)
	}
	if result.Stderr != "oops\n" {
		t.Errorf("Stderr = %q, want %q", result.Stderr, "oops\n")
	}
	if result.Success() {
		t.Error("Success() = true for exit 42")
	}
}

func TestExecute_KilledBySignal(t *testing.T) {
	e := newLocalExecutor(t)

	result, err := e.Execute(context.Background(), "localhost", Shell("kill -KILL $$"), time.Minute)
	testingx.Must(t, err, "Execute failed")

	if result.RC != -9 {
		t.Errorf("RC = %d, want -9", result.RC)
	}
	if result.Signaled() != 9 {
		t.Errorf("Signaled() = %d, want 9", result.Signaled())
	}
}

func TestExecute_Argv(t *testing.T) {
	e := newLocalExecutor(t)

	result, err := e.Execute(context.Background(), "localhost", Argv("printf", "%s|", "a b", "it's", "$HOME"), time.Minute)
	testingx.Must(t, err, "Execute failed")

	if want := "a b|it's|$HOME|"; result.Stdout != want {
		t.Errorf("Stdout = %q, want %q", result.Stdout, want)
	}
}

func TestExecute_Timeout(t *testing.T) {
	e := newLocalExecutor(t)

	start := time.Now()
	result, err := e.Execute(context.Background(), "localhost", Shell("echo started; sleep 30; echo finished"), 300*time.Millisecond)
	elapsed := time.Since(start)

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if !timeoutErr.Confirmed {
		t.Error("termination of the process group was not confirmed")
	}
	if !IsTimeout(err) {
		t.Error("IsTimeout = false")
	}
	if result == nil {
		t.Fatal("no partial result on timeout")
	}
	if !result.TimedOut {
		t.Error("TimedOut = false")
	}
	if result.RC >= 0 {
		t.Errorf("RC = %d, want a negated signal number", result.RC)
	}
	if !strings.Contains(result.Stdout, "started") || strings.Contains(result.Stdout, "finished") {
		t.Errorf("Stdout = %q, want partial output", result.Stdout)
	}
	if elapsed > 10*time.Second {
		t.Errorf("Execute took %s after a 300ms timeout", elapsed)
	}
}

func TestExecute_FinishesWithinTimeout(t *testing.T) {
	e := newLocalExecutor(t)

	result, err := e.Execute(context.Background(), "localhost", Shell("sleep 0.2; echo done"), 2*time.Second)
	testingx.Must(t, err, "Execute failed")
	if result.TimedOut || result.RC != 0 {
		t.Errorf("result = %+v, want RC 0 without timeout", result)
	}
	if strings.TrimSpace(result.Stdout) != "done" {
		t.Errorf("Stdout = %q, want done", result.Stdout)
	}
}

func TestExecute_TimeoutKillsChildren(t *testing.T) {
	e := newLocalExecutor(t)
	marker := filepath.Join(t.TempDir(), "marker")

	// The child outlives its parent shell unless the whole group is killed.
	cmd := Shell("(sleep 2; touch " + shellescape.Quote(marker) + ") & sleep 30")
	_, err := e.Execute(context.Background(), "localhost", cmd, 200*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("error = %v, want timeout", err)
	}

	time.Sleep(3 * time.Second)
	if _, err := os.Stat(marker); err == nil {
		t.Error("background child survived the timeout")
	}
}

func TestExecute_NegativeTimeout(t *testing.T) {
	e := newLocalExecutor(t)

	if _, err := e.Execute(context.Background(), "localhost", Shell("true"), -time.Second); err == nil {
		t.Error("negative timeout accepted")
	}
}

func TestExecute_TransportError(t *testing.T) {
	pool := NewPool(&fakeDialer{failures: 2})
	defer pool.Close()
	e := NewExecutor(pool, nil)

	_, err := e.Execute(context.Background(), "mrouter9", Shell("true"), NoTimeout)
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("error = %v, want *TransportError", err)
	}
	if transportErr.Host != "mrouter9" {
		t.Errorf("Host = %q, want mrouter9", transportErr.Host)
	}
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Error("TransportError does not wrap the ConnectionError")
	}
}

func TestExecute_ReleasesConnection(t *testing.T) {
	e := newLocalExecutor(t)

	for i := 0; i < 3; i++ {
		if _, err := e.Execute(context.Background(), "localhost", Shell("true"), NoTimeout); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	}
	if got := e.Pool().RefCount("localhost"); got != 0 {
		t.Errorf("RefCount = %d, want 0", got)
	}
}

func TestCopyTo(t *testing.T) {
	e := newLocalExecutor(t)
	dst := filepath.Join(t.TempDir(), "sub", "script.sh")

	err := e.CopyTo(context.Background(), "localhost", strings.NewReader("#!/bin/sh\necho copied\n"), dst, 0755)
	testingx.Must(t, err, "CopyTo failed")

	info, err := os.Stat(dst)
	testingx.Must(t, err, "uploaded file missing")
	if info.Mode().Perm() != 0755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}

	result, err := e.Execute(context.Background(), "localhost", Argv(dst), NoTimeout)
	testingx.Must(t, err, "Execute failed")
	if result.Stdout != "copied\n" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "copied\n")
	}
}

func TestPidWriter(t *testing.T) {
	w := &pidWriter{}
	w.Write([]byte("12"))
	if _, ok := w.PID(); ok {
		t.Error("PID available before the first line ended")
	}
	w.Write([]byte("34\nout"))
	w.Write([]byte("put\n"))

	pid, ok := w.PID()
	if !ok || pid != 1234 {
		t.Errorf("PID() = %d, %v, want 1234, true", pid, ok)
	}
	if w.String() != "output\n" {
		t.Errorf("String() = %q, want %q", w.String(), "output\n")
	}
}

// hookDialer wraps the local transport to refuse or tamper with sessions.
type hookDialer struct {
	maxSessions int    // 0 allows any number
	failStart   string // Start fails for commands with this prefix
	hidePID     bool   // the PID line never reaches the executor

	mu      sync.Mutex
	clients []*hookClient
}

func (d *hookDialer) Dial(ctx context.Context, host string) (Client, error) {
	inner, err := LocalDialer{}.Dial(ctx, host)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &hookClient{Client: inner, d: d}
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *hookDialer) client(i int) *hookClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.clients) {
		return nil
	}
	return d.clients[i]
}

func (d *hookDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

type hookClient struct {
	Client
	d *hookDialer

	mu     sync.Mutex
	open   int
	closed bool
}

func (c *hookClient) NewSession() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.d.maxSessions > 0 && c.open >= c.d.maxSessions {
		return nil, errors.New("ssh: rejected: administratively prohibited (open failed)")
	}
	s, err := c.Client.NewSession()
	if err != nil {
		return nil, err
	}
	c.open++
	return &hookSession{Session: s, c: c}, nil
}

func (c *hookClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.Client.Close()
}

func (c *hookClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *hookClient) sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

type hookSession struct {
	Session
	c    *hookClient
	once sync.Once
}

func (s *hookSession) SetOutput(stdout, stderr io.Writer) {
	if s.c.d.hidePID {
		stdout = io.Discard
	}
	s.Session.SetOutput(stdout, stderr)
}

func (s *hookSession) Start(cmd string) error {
	if p := s.c.d.failStart; p != "" && strings.HasPrefix(cmd, p) {
		return errors.New("exec request refused")
	}
	return s.Session.Start(cmd)
}

func (s *hookSession) Close() error {
	s.once.Do(func() {
		s.c.mu.Lock()
		s.c.open--
		s.c.mu.Unlock()
	})
	return s.Session.Close()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExecute_RefusedSessionKeepsConnection(t *testing.T) {
	d := &hookDialer{maxSessions: 1}
	pool := NewPool(d)
	defer pool.Close()
	e := NewExecutor(pool, nil)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		result, err := e.Execute(ctx, "mrouter1", Shell("sleep 1; echo first"), time.Minute)
		if err == nil && result.Stdout != "first\n" {
			err = fmt.Errorf("Stdout = %q, want %q", result.Stdout, "first\n")
		}
		first <- err
	}()
	waitFor(t, "the first session", func() bool {
		c := d.client(0)
		return c != nil && c.sessions() == 1
	})

	_, err := e.Execute(ctx, "mrouter1", Shell("true"), time.Minute)
	var transportErr *TransportError
	if !errors.As(err, &transportErr) || transportErr.Op != "open session" {
		t.Fatalf("error = %v, want open session TransportError", err)
	}
	if d.client(0).isClosed() {
		t.Error("a refused session closed the connection of a running command")
	}
	if err := <-first; err != nil {
		t.Errorf("running command failed: %v", err)
	}

	_, err = e.Execute(ctx, "mrouter1", Shell("true"), time.Minute)
	testingx.Must(t, err, "Execute after the refusal failed")
	if n := d.dials(); n != 1 {
		t.Errorf("dialed %d times, want 1", n)
	}
}

func TestExecute_RefusedStartKeepsConnection(t *testing.T) {
	d := &hookDialer{failStart: "echo $$"}
	pool := NewPool(d)
	defer pool.Close()
	e := NewExecutor(pool, nil)

	_, err := e.Execute(context.Background(), "mrouter1", Shell("true"), time.Minute)
	var transportErr *TransportError
	if !errors.As(err, &transportErr) || transportErr.Op != "start" {
		t.Fatalf("error = %v, want start TransportError", err)
	}
	if d.client(0).isClosed() {
		t.Error("a refused start closed a live connection")
	}
}

func TestExecute_DeadConnectionIsDropped(t *testing.T) {
	d := &hookDialer{}
	pool := NewPool(d)
	defer pool.Close()
	e := NewExecutor(pool, nil)
	ctx := context.Background()

	_, err := e.Execute(ctx, "mrouter1", Shell("true"), time.Minute)
	testingx.Must(t, err, "Execute failed")

	// The connection dies underneath the pool.
	d.client(0).Client.Close()

	if _, err := e.Execute(ctx, "mrouter1", Shell("true"), time.Minute); err == nil {
		t.Fatal("Execute over a dead connection succeeded")
	}
	if !d.client(0).isClosed() {
		t.Error("dead connection was not dropped")
	}
	_, err = e.Execute(ctx, "mrouter1", Shell("true"), time.Minute)
	testingx.Must(t, err, "Execute after redial failed")
	if n := d.dials(); n != 2 {
		t.Errorf("dialed %d times, want 2", n)
	}
}

func TestExecute_TimeoutEscalatesToKill(t *testing.T) {
	e := newLocalExecutor(t)

	start := time.Now()
	result, err := e.Execute(context.Background(), "localhost", Shell("trap '' TERM; sleep 30"), 300*time.Millisecond)

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if !timeoutErr.Confirmed {
		t.Error("termination of a TERM-ignoring command was not confirmed")
	}
	if result.RC != -9 {
		t.Errorf("RC = %d, want -9", result.RC)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Execute took %s", elapsed)
	}
}

func TestExecute_UnconfirmedKill(t *testing.T) {
	tests := []struct {
		name string
		d    *hookDialer
		want string
	}{
		{"kill refused", &hookDialer{failStart: "kill "}, "cannot kill timed out command"},
		{"no pid", &hookDialer{hidePID: true}, "no remote pid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			pool := NewPool(tt.d)
			defer pool.Close()
			e := NewExecutor(pool, log.New(&logs))

			result, err := e.Execute(context.Background(), "mrouter1", Shell("sleep 5"), 200*time.Millisecond)
			var timeoutErr *TimeoutError
			if !errors.As(err, &timeoutErr) {
				t.Fatalf("error = %v, want *TimeoutError", err)
			}
			if timeoutErr.Confirmed {
				t.Error("Confirmed = true without a confirmed kill")
			}
			if result == nil || !result.TimedOut {
				t.Errorf("result = %+v, want a timed out result", result)
			}
			out := logs.String()
			if !strings.Contains(out, tt.want) {
				t.Errorf("log lacks %q:\n%s", tt.want, out)
			}
			if !strings.Contains(out, "may still be running") {
				t.Errorf("log lacks the stray process warning:\n%s", out)
			}
		})
	}
}
