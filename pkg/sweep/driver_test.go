package sweep

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mslinn/umtest/pkg/database"
	"github.com/mslinn/umtest/pkg/logfile"
	"github.com/mslinn/umtest/pkg/remote"
)

// fakeExec records commands and uploads. Commands containing fail exit 1.
type fakeExec struct {
	mu       sync.Mutex
	commands []string
	uploads  []string
	fail     string
}

func (f *fakeExec) Execute(ctx context.Context, host string, cmd remote.Command, timeout time.Duration) (*remote.CommandResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, host+": "+cmd.String())
	f.mu.Unlock()
	result := &remote.CommandResult{Host: host, Command: cmd.String(), Stdout: "out\n"}
	if f.fail != "" && strings.Contains(cmd.String(), f.fail) {
		result.RC = 1
		result.Stderr = "boom\n"
	}
	return result, nil
}

func (f *fakeExec) CopyTo(ctx context.Context, host string, src io.Reader, remotePath string, mode os.FileMode) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.uploads = append(f.uploads, fmt.Sprintf("%s:%s:%o:%s", host, remotePath, mode, data))
	f.mu.Unlock()
	return nil
}

func (f *fakeExec) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// callLog is a TestFunc recording the params of every call.
type callLog struct {
	mu    sync.Mutex
	calls []Params
	fail  func(Params) bool
}

func (c *callLog) test(ctx context.Context, env *Env, p Params) (*Output, error) {
	c.mu.Lock()
	c.calls = append(c.calls, p)
	c.mu.Unlock()
	out := &Output{Host: env.Resolve(p["src"]), Command: "fake", Body: "body " + p["label"] + "\n"}
	if c.fail != nil && c.fail(p) {
		out.RC = 1
		return out, errors.New("fake failure")
	}
	return out, nil
}

func testPlan() *Plan {
	p := &Plan{
		Name:       "test",
		Iterations: 2,
		Params:     Params{"label": "global", "count": "3"},
		Scenarios: []Scenario{
			{Name: "A", Params: Params{"label": "A"}},
			{Name: "B", Params: Params{"label": "B"}},
		},
		Runs:  []Params{{"src": "1", "dst": "2"}},
		Tests: []string{"fake"},
	}
	p.setDefaults()
	return p
}

func newDriver(t *testing.T, plan *Plan, c *callLog) (*Driver, *fakeExec) {
	t.Helper()
	exec := &fakeExec{}
	return &Driver{
		Plan:    plan,
		Exec:    exec,
		Resolve: HostTemplate("node%s"),
		LogDir:  t.TempDir(),
		Tests:   map[string]TestFunc{"fake": c.test},
	}, exec
}

func TestDriver_Order(t *testing.T) {
	c := &callLog{}
	d, _ := newDriver(t, testPlan(), c)

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.OK != 4 || summary.Failed != 0 || summary.Total() != 4 {
		t.Errorf("summary = %+v, want 4 ok", summary)
	}

	var labels []string
	for _, p := range c.calls {
		labels = append(labels, p["label"])
	}
	if want := []string{"A", "B", "A", "B"}; !reflect.DeepEqual(labels, want) {
		t.Errorf("labels = %v, want %v", labels, want)
	}

	files, err := logfile.Walk(d.LogDir)
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	var names []string
	for _, f := range files {
		names = append(names, f.Key.String())
	}
	want := []string{"i001_s0_r0_fake", "i001_s1_r0_fake", "i002_s0_r0_fake", "i002_s1_r0_fake"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("log files = %v, want %v", names, want)
	}
}

func TestDriver_MergePrecedence(t *testing.T) {
	plan := testPlan()
	plan.Iterations = 1
	plan.Params = Params{"a": "global", "b": "global", "c": "global"}
	plan.Runs = []Params{{"src": "1", "dst": "2", "b": "run", "c": "run"}}
	plan.Scenarios = []Scenario{{Name: "only", Params: Params{"c": "scenario"}}}

	c := &callLog{}
	d, _ := newDriver(t, plan, c)
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(c.calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(c.calls))
	}
	got := c.calls[0]
	if got["a"] != "global" || got["b"] != "run" || got["c"] != "scenario" {
		t.Errorf("merged params = %v", got)
	}
}

func TestDriver_LogHeader(t *testing.T) {
	plan := testPlan()
	plan.Iterations = 1
	c := &callLog{}
	d, _ := newDriver(t, plan, c)
	d.NodeType = "ssh"
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	header, body, err := logfile.ReadFile(filepath.Join(d.LogDir, "i001_s1_r0_fake"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if body != "body B\n" {
		t.Errorf("body = %q", body)
	}
	for k, want := range map[string]string{
		"iteration":     "1",
		"scenario":      "1",
		"scenario_name": "B",
		"run":           "0",
		"test":          "fake",
		"src":           "1",
		"dst":           "2",
		"count":         "3",
		"label":         "B",
		"host":          "node1",
		"command":       "fake",
		"rc":            "0",
		"node_type":     "ssh",
	} {
		if header[k] != want {
			t.Errorf("header[%s] = %q, want %q", k, header[k], want)
		}
	}
	if _, err := time.Parse(time.RFC3339, header["start"]); err != nil {
		t.Errorf("start = %q: %v", header["start"], err)
	}
}

func TestDriver_FailedTestContinues(t *testing.T) {
	c := &callLog{fail: func(p Params) bool { return p["label"] == "A" }}
	d, _ := newDriver(t, testPlan(), c)

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.OK != 2 || summary.Failed != 2 {
		t.Errorf("summary = %+v, want 2 ok and 2 failed", summary)
	}
	if len(c.calls) != 4 {
		t.Errorf("got %d calls, want 4", len(c.calls))
	}
	// The output of a failed test is still logged.
	if _, err := os.Stat(filepath.Join(d.LogDir, "i002_s0_r0_fake")); err != nil {
		t.Errorf("failed test not logged: %v", err)
	}
}

func TestDriver_ParallelBarrier(t *testing.T) {
	plan := testPlan()
	plan.Iterations = 1
	plan.Parallel = true
	plan.MaxParallel = 2
	plan.Runs = []Params{
		{"src": "1", "dst": "2"},
		{"src": "2", "dst": "3"},
		{"src": "3", "dst": "4"},
		{"src": "4", "dst": "1"},
	}

	var mu sync.Mutex
	var events []string
	active, peak := 0, 0
	test := func(ctx context.Context, env *Env, p Params) (*Output, error) {
		mu.Lock()
		events = append(events, "start "+p["label"])
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		events = append(events, "end "+p["label"])
		mu.Unlock()
		return &Output{Body: "x"}, nil
	}

	d := &Driver{
		Plan:   plan,
		Exec:   &fakeExec{},
		LogDir: t.TempDir(),
		Tests:  map[string]TestFunc{"fake": test},
	}
	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.OK != 8 {
		t.Errorf("OK = %d, want 8", summary.OK)
	}
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", peak)
	}

	firstB := -1
	lastA := -1
	for i, e := range events {
		if e == "start B" && firstB < 0 {
			firstB = i
		}
		if e == "end A" {
			lastA = i
		}
	}
	if firstB < lastA {
		t.Errorf("scenario B started before scenario A finished: %v", events)
	}
}

func TestDriver_Limits(t *testing.T) {
	plan := testPlan()
	plan.Iterations = 5
	plan.Runs = []Params{{"src": "1", "dst": "2"}, {"src": "2", "dst": "1"}, {"src": "3", "dst": "1"}}
	c := &callLog{}
	d, _ := newDriver(t, plan, c)
	d.MaxIterations = 1
	d.MaxRuns = 2

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// 1 iteration × 2 scenarios × 2 runs
	if summary.Total() != 4 {
		t.Errorf("Total = %d, want 4", summary.Total())
	}
}

func TestDriver_Profile(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "tune.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0644); err != nil {
		t.Fatal(err)
	}

	plan := testPlan()
	plan.Iterations = 1
	plan.Profile = Profile{Setup: []string{"setup-cmd"}, Teardown: []string{"teardown-cmd"}}
	plan.Uploads = []Upload{{Src: script, Dst: "/tmp/tune.sh", Mode: "755", Nodes: []string{"9"}}}

	c := &callLog{}
	d, exec := newDriver(t, plan, c)
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if want := []string{"node9:/tmp/tune.sh:755:#!/bin/sh\n"}; !reflect.DeepEqual(exec.uploads, want) {
		t.Errorf("uploads = %q, want %q", exec.uploads, want)
	}
	cmds := exec.Commands()
	var setup, teardown []string
	for _, cmd := range cmds {
		host, line, _ := strings.Cut(cmd, ": ")
		switch line {
		case "setup-cmd":
			setup = append(setup, host)
		case "teardown-cmd":
			teardown = append(teardown, host)
		}
	}
	if len(setup) != 2 || len(teardown) != 2 {
		t.Errorf("setup ran on %v, teardown on %v; want both on node1 and node2", setup, teardown)
	}
	if cmds[len(cmds)-1] != "node1: teardown-cmd" && cmds[len(cmds)-1] != "node2: teardown-cmd" {
		t.Errorf("teardown did not run last: %v", cmds)
	}
}

func TestDriver_ProfileFailureAborts(t *testing.T) {
	plan := testPlan()
	plan.Profile = Profile{Setup: []string{"sysctl -w broken=1"}}

	c := &callLog{}
	d, exec := newDriver(t, plan, c)
	exec.fail = "broken"

	summary, err := d.Run(context.Background())
	if !errors.Is(err, ErrProfile) {
		t.Fatalf("Run error = %v, want ErrProfile", err)
	}
	var cfe *CommandFailedError
	if !errors.As(err, &cfe) || cfe.RC != 1 {
		t.Errorf("error does not carry the failed command: %v", err)
	}
	if len(c.calls) != 0 || summary.Total() != 0 {
		t.Errorf("tests ran after a failed profile switch: %d calls", len(c.calls))
	}
}

func TestDriver_Canceled(t *testing.T) {
	plan := testPlan()
	plan.Settle = time.Hour

	c := &callLog{}
	d, _ := newDriver(t, plan, c)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run error = %v, want context.DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("settle did not honor cancellation")
	}
	if len(c.calls) != 0 {
		t.Errorf("got %d calls, want 0", len(c.calls))
	}
}

func TestDriver_InvalidPlan(t *testing.T) {
	plan := testPlan()
	plan.Tests = []string{"fake", "nope"}
	d, _ := newDriver(t, plan, &callLog{})
	if _, err := d.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "nope") {
		t.Errorf("Run error = %v, want unknown test", err)
	}
}

func TestDriver_Database(t *testing.T) {
	db, err := database.Open(filepath.Join(t.TempDir(), "umt.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	plan := testPlan()
	plan.Iterations = 1
	plan.Profile = Profile{Setup: []string{"true"}}
	c := &callLog{fail: func(p Params) bool { return p["label"] == "B" }}
	d, _ := newDriver(t, plan, c)
	d.DB = db

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.SweepID == "" {
		t.Fatal("no sweep ID")
	}

	sweep, err := db.FindSweep(summary.SweepID)
	if err != nil {
		t.Fatalf("FindSweep failed: %v", err)
	}
	if sweep.Status != database.StatusCompleted || sweep.CompletedAt == nil {
		t.Errorf("sweep = %+v, want completed", sweep)
	}
	if !strings.Contains(sweep.Plan, "name: test") {
		t.Errorf("stored plan = %q", sweep.Plan)
	}

	runs, err := db.ListRuns(summary.SweepID)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	for _, run := range runs {
		want := database.RunOK
		if run.ScenarioName == "B" {
			want = database.RunFailed
		}
		if run.Status != want {
			t.Errorf("run %s status = %s, want %s", run.ScenarioName, run.Status, want)
		}
		crc, _, err := logfile.Checksum(run.LogPath)
		if err != nil {
			t.Fatalf("Checksum failed: %v", err)
		}
		if logfile.FormatCRC(crc) != run.CRC32 {
			t.Errorf("stored CRC %s does not match %s", run.CRC32, logfile.FormatCRC(crc))
		}
	}

	// Only the profile command went through the executor; both setup nodes.
	cmds, err := db.ListCommands(summary.SweepID)
	if err != nil {
		t.Fatalf("ListCommands failed: %v", err)
	}
	if len(cmds) != 2 {
		t.Errorf("got %d commands, want 2", len(cmds))
	}
}

func TestRunTest_WithoutRun(t *testing.T) {
	var buf bytes.Buffer
	d := &Driver{Plan: testPlan(), Exec: &fakeExec{}, LogDir: t.TempDir()}
	test := func(ctx context.Context, env *Env, p Params) (*Output, error) {
		fmt.Fprintf(&buf, "%s", env.Resolve(p["src"]))
		return &Output{Body: "ok"}, nil
	}
	desc := Descriptor{Iteration: 3, Scenario: 1, Run: 2, Test: "fake", Params: Params{"src": "7"}}
	if err := d.RunTest(context.Background(), test, desc); err != nil {
		t.Fatalf("RunTest failed: %v", err)
	}
	if buf.String() != "7" {
		t.Errorf("resolved %q, want 7", buf.String())
	}
	if _, err := os.Stat(filepath.Join(d.LogDir, "i003_s1_r2_fake")); err != nil {
		t.Errorf("log not written: %v", err)
	}
}
