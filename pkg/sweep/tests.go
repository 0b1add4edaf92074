package sweep

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mslinn/umtest/pkg/remote"
)

// Runner executes remote commands. *remote.Executor is a Runner.
type Runner interface {
	Execute(ctx context.Context, host string, cmd remote.Command, timeout time.Duration) (*remote.CommandResult, error)
}

// Resolver maps a node name from a plan to a host name.
type Resolver func(node string) string

// HostTemplate returns a Resolver that formats node names with tmpl, e.g.
// "mrouter%s". Node names that already contain a dot are used verbatim.
func HostTemplate(tmpl string) Resolver {
	return func(node string) string {
		if tmpl == "" || strings.Contains(node, ".") {
			return node
		}
		return fmt.Sprintf(tmpl, node)
	}
}

// Env is what a test needs to reach the testbed.
type Env struct {
	Exec    Runner
	Resolve Resolver
	Timeout time.Duration
	Logger  *log.Logger
}

// Output is the log file content produced by a test.
type Output struct {
	Host    string
	Command string
	RC      int
	Body    string
}

// TestFunc runs one measurement with the merged parameters of a sweep cell.
// It returns the output to log, even on failure when there is any.
type TestFunc func(ctx context.Context, env *Env, p Params) (*Output, error)

// DefaultTests returns the registry of built-in tests.
func DefaultTests() map[string]TestFunc {
	return map[string]TestFunc{
		"ping":      Ping,
		"fping":     Fping,
		"flowgrind": Flowgrind,
		"nuttcp":    Nuttcp,
		"thrulay":   Thrulay,
	}
}

func testNames(registry map[string]TestFunc) []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// run executes cmd on host and turns a non-zero exit into a
// CommandFailedError. The output is returned in every case it exists.
func (e *Env) run(ctx context.Context, host string, cmd remote.Command) (*Output, error) {
	result, err := e.Exec.Execute(ctx, host, cmd, e.Timeout)
	if result == nil {
		return nil, err
	}
	out := &Output{
		Host:    host,
		Command: result.Command,
		RC:      result.RC,
		Body:    result.Stdout + result.Stderr,
	}
	if err != nil {
		return out, err
	}
	if result.RC != 0 {
		return out, &CommandFailedError{Host: host, Command: result.Command, RC: result.RC, Stderr: result.Stderr}
	}
	return out, nil
}

// endpoints resolves the src and dst parameters.
func (e *Env) endpoints(p Params) (string, string, error) {
	src, err := p.Require("src")
	if err != nil {
		return "", "", err
	}
	dst, err := p.Require("dst")
	if err != nil {
		return "", "", err
	}
	return e.Resolve(src), e.Resolve(dst), nil
}

// Ping runs ping from src to dst. Parameters: count (10), interval (1),
// size (56).
func Ping(ctx context.Context, env *Env, p Params) (*Output, error) {
	src, dst, err := env.endpoints(p)
	if err != nil {
		return nil, err
	}
	count, err := p.Int("count", 10)
	if err != nil {
		return nil, err
	}
	size, err := p.Int("size", 56)
	if err != nil {
		return nil, err
	}
	cmd := remote.Argv("ping", "-c", strconv.Itoa(count), "-i", p.Get("interval", "1"), "-s", strconv.Itoa(size), dst)
	return env.run(ctx, src, cmd)
}

// Fping runs fping from src to dst. Parameters: count (10), period in ms
// (1000), size (56).
func Fping(ctx context.Context, env *Env, p Params) (*Output, error) {
	src, dst, err := env.endpoints(p)
	if err != nil {
		return nil, err
	}
	count, err := p.Int("count", 10)
	if err != nil {
		return nil, err
	}
	period, err := p.Int("period", 1000)
	if err != nil {
		return nil, err
	}
	size, err := p.Int("size", 56)
	if err != nil {
		return nil, err
	}
	cmd := remote.Argv("fping", "-c", strconv.Itoa(count), "-p", strconv.Itoa(period), "-b", strconv.Itoa(size), dst)
	return env.run(ctx, src, cmd)
}

// Flowgrind measures TCP throughput from src to dst with flowgrind; both
// nodes run flowgrindd. Parameters: duration in s (10), flows (1), cc
// (congestion control, system default).
func Flowgrind(ctx context.Context, env *Env, p Params) (*Output, error) {
	src, dst, err := env.endpoints(p)
	if err != nil {
		return nil, err
	}
	duration, err := p.Int("duration", 10)
	if err != nil {
		return nil, err
	}
	flows, err := p.Int("flows", 1)
	if err != nil {
		return nil, err
	}
	args := []string{"flowgrind", "-n", strconv.Itoa(flows), "-H", "s=" + src + ",d=" + dst, "-T", "s=" + strconv.Itoa(duration)}
	if cc := p.Get("cc", ""); cc != "" {
		args = append(args, "-O", "s=TCP_CONGESTION="+cc)
	}
	return env.run(ctx, src, remote.Argv(args...))
}

// Nuttcp starts a one-shot nuttcp server on dst and measures from src.
// Parameters: duration in s (10), interval in s (1).
func Nuttcp(ctx context.Context, env *Env, p Params) (*Output, error) {
	src, dst, err := env.endpoints(p)
	if err != nil {
		return nil, err
	}
	duration, err := p.Int("duration", 10)
	if err != nil {
		return nil, err
	}
	interval, err := p.Int("interval", 1)
	if err != nil {
		return nil, err
	}

	if out, err := env.run(ctx, dst, remote.Argv("nuttcp", "-1")); err != nil {
		return out, fmt.Errorf("failed to start nuttcp server: %w", err)
	}
	cmd := remote.Argv("nuttcp", "-T", strconv.Itoa(duration), "-i", strconv.Itoa(interval), dst)
	return env.run(ctx, src, cmd)
}

// Thrulay starts thrulayd on dst, measures from src and stops the server.
// Parameters: duration in s (10).
func Thrulay(ctx context.Context, env *Env, p Params) (*Output, error) {
	src, dst, err := env.endpoints(p)
	if err != nil {
		return nil, err
	}
	duration, err := p.Int("duration", 10)
	if err != nil {
		return nil, err
	}

	if out, err := env.run(ctx, dst, remote.Argv("thrulayd")); err != nil {
		return out, fmt.Errorf("failed to start thrulay server: %w", err)
	}
	defer func() {
		if _, err := env.run(context.WithoutCancel(ctx), dst, remote.Shell("pkill -x thrulayd")); err != nil {
			env.Logger.Warn("failed to stop thrulayd", "host", dst, "err", err)
		}
	}()

	return env.run(ctx, src, remote.Argv("thrulay", "-t", strconv.Itoa(duration), dst))
}
