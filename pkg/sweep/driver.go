// Package sweep drives measurement sweeps over a testbed.
//
// A sweep visits every cell of iterations × scenarios × runs in that order
// and runs each configured test in the cell with the merged parameters
// {global, run, scenario}. Runs of one scenario may run in parallel; the
// end of a scenario is always a barrier. A failing test is logged and the
// sweep moves on, but a failing profile switch aborts the whole sweep.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/mslinn/umtest/pkg/database"
	"github.com/mslinn/umtest/pkg/logfile"
	"github.com/mslinn/umtest/pkg/logging"
	"github.com/mslinn/umtest/pkg/metrics"
	"github.com/mslinn/umtest/pkg/remote"
)

// Executor runs commands and uploads files. *remote.Executor is an
// Executor.
type Executor interface {
	Runner
	CopyTo(ctx context.Context, host string, src io.Reader, remotePath string, mode os.FileMode) error
}

// Descriptor identifies one test of one sweep cell.
type Descriptor struct {
	Iteration    int // 1-based
	Scenario     int // 0-based
	ScenarioName string
	Run          int // 0-based
	Test         string
	Params       Params
}

// Prefix returns the log name prefix of the cell.
func (d Descriptor) Prefix() string {
	return logfile.Prefix(d.Iteration, d.Scenario, d.Run)
}

// LogName returns the log file name of the test.
func (d Descriptor) LogName() string {
	return logfile.Name(d.Iteration, d.Scenario, d.Run, d.Test)
}

// Summary reports the outcome of a sweep.
type Summary struct {
	SweepID  string
	OK       int
	Failed   int
	Duration time.Duration
}

// Total returns the number of tests run.
func (s *Summary) Total() int {
	return s.OK + s.Failed
}

// Driver runs a Plan.
type Driver struct {
	Plan     *Plan
	Exec     Executor
	Resolve  Resolver
	LogDir   string
	NodeType string
	DB       *database.DB // optional bookkeeping
	Logger   *log.Logger

	// Tests is the test registry, DefaultTests() when nil.
	Tests map[string]TestFunc

	// MaxIterations and MaxRuns cap the plan when positive.
	MaxIterations int
	MaxRuns       int

	sweepID string
	exec    Runner
	mu      sync.Mutex
	summary Summary
}

// Run executes the sweep. It fails only when the sweep cannot start, the
// profile cannot be set up or ctx is canceled; failed tests are counted in
// the summary.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	d.Logger = logging.Or(d.Logger)
	if d.Tests == nil {
		d.Tests = DefaultTests()
	}
	if d.Resolve == nil {
		d.Resolve = HostTemplate("")
	}
	if err := d.Plan.Validate(d.Tests); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(d.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	start := time.Now()
	sweep := &database.Sweep{
		Name:      d.Plan.Name,
		NodeType:  d.NodeType,
		Plan:      d.Plan.YAML(),
		PID:       os.Getpid(),
		StartedAt: start,
		Status:    database.StatusRunning,
	}
	d.exec = d.Exec
	if d.DB != nil {
		if err := d.DB.CreateSweep(sweep); err != nil {
			return nil, err
		}
		d.sweepID = sweep.ID
		d.exec = &recorder{Runner: d.Exec, db: d.DB, sweepID: sweep.ID, logger: d.Logger}
	}
	d.summary = Summary{SweepID: d.sweepID}

	d.Logger.Info("starting sweep", "name", d.Plan.Name, "id", d.sweepID,
		"iterations", d.iterations(), "scenarios", len(d.Plan.Scenarios), "runs", len(d.runs()),
		"tests", d.Plan.Tests, "parallel", d.Plan.Parallel)

	err := d.sweep(ctx)

	summary := d.summary
	summary.Duration = time.Since(start)

	sweep.Status = database.StatusCompleted
	switch {
	case errors.Is(err, ErrProfile):
		sweep.Status = database.StatusFailed
	case err != nil:
		sweep.Status = database.StatusAborted
	}
	sweep.Notes = fmt.Sprintf("%d ok, %d failed", summary.OK, summary.Failed)
	if err != nil {
		sweep.Notes += " | " + err.Error()
	}
	if d.DB != nil {
		done := time.Now()
		sweep.CompletedAt = &done
		if uerr := d.DB.UpdateSweep(sweep); uerr != nil {
			d.Logger.Warn("failed to record sweep completion", "err", uerr)
		}
	}

	d.Logger.Info("sweep finished", "status", sweep.Status, "ok", summary.OK, "failed", summary.Failed,
		"duration", summary.Duration.Round(time.Second))
	return &summary, err
}

func (d *Driver) sweep(ctx context.Context) error {
	if err := d.setup(ctx); err != nil {
		return err
	}
	defer d.teardown(ctx)

	if d.Plan.Settle > 0 {
		d.Logger.Info("waiting for the network to settle", "settle", d.Plan.Settle)
		if err := sleep(ctx, d.Plan.Settle); err != nil {
			return err
		}
	}

	runs := d.runs()
	for iteration := 1; iteration <= d.iterations(); iteration++ {
		for s, scenario := range d.Plan.Scenarios {
			if err := ctx.Err(); err != nil {
				return err
			}
			d.Logger.Info("scenario", "iteration", iteration, "scenario", s, "name", scenario.Name)

			cells := make([]Descriptor, 0, len(runs))
			for r, run := range runs {
				cells = append(cells, Descriptor{
					Iteration:    iteration,
					Scenario:     s,
					ScenarioName: scenario.Name,
					Run:          r,
					Params:       Merge(d.Plan.Params, run, scenario.Params),
				})
			}
			if err := d.runScenario(ctx, cells); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

// runScenario runs the cells of one scenario and returns when all are done.
func (d *Driver) runScenario(ctx context.Context, cells []Descriptor) error {
	if !d.Plan.Parallel {
		for _, cell := range cells {
			if err := ctx.Err(); err != nil {
				return err
			}
			d.runCell(ctx, cell)
		}
		return nil
	}

	var g errgroup.Group
	if d.Plan.MaxParallel > 0 {
		g.SetLimit(d.Plan.MaxParallel)
	}
	for _, cell := range cells {
		g.Go(func() error {
			d.runCell(ctx, cell)
			return nil
		})
	}
	g.Wait()
	return ctx.Err()
}

// runCell runs every test of the cell in order.
func (d *Driver) runCell(ctx context.Context, cell Descriptor) {
	for _, name := range d.Plan.Tests {
		if ctx.Err() != nil {
			return
		}
		desc := cell
		desc.Test = name
		if err := d.RunTest(ctx, d.Tests[name], desc); err != nil {
			d.Logger.Warn("test failed", "test", desc.LogName(), "err", err)
		}
	}
}

// RunTest runs one test, writes its log file and records the run.
func (d *Driver) RunTest(ctx context.Context, test TestFunc, desc Descriptor) error {
	logger := logging.Or(d.Logger)
	env := &Env{
		Exec:    d.exec,
		Resolve: d.Resolve,
		Timeout: d.Plan.Timeout,
		Logger:  logger.With("test", desc.LogName()),
	}
	if env.Exec == nil {
		env.Exec = d.Exec
	}
	if env.Resolve == nil {
		env.Resolve = HostTemplate("")
	}

	logger.Debug("running test", "test", desc.LogName(), "params", desc.Params)
	start := time.Now()
	out, err := test(ctx, env, desc.Params)
	elapsed := time.Since(start)

	run := &database.Run{
		SweepID:      d.sweepID,
		Iteration:    desc.Iteration,
		Scenario:     desc.Scenario,
		ScenarioName: desc.ScenarioName,
		Run:          desc.Run,
		Test:         desc.Test,
		Src:          desc.Params["src"],
		Dst:          desc.Params["dst"],
		StartedAt:    start,
		DurationMs:   elapsed.Milliseconds(),
		Status:       database.RunOK,
	}

	if out != nil {
		path := filepath.Join(d.LogDir, desc.LogName())
		crc, werr := logfile.WriteFile(path, d.header(desc, out, start), out.Body)
		if werr != nil {
			err = errors.Join(err, werr)
		} else {
			run.LogPath = path
			run.CRC32 = logfile.FormatCRC(crc)
			if info, serr := os.Stat(path); serr == nil {
				run.SizeBytes = info.Size()
			}
		}
	}
	if err != nil {
		run.Status = database.RunFailed
		run.Error = err.Error()
	}

	d.mu.Lock()
	if err != nil {
		d.summary.Failed++
	} else {
		d.summary.OK++
	}
	d.mu.Unlock()
	metrics.Runs.WithLabelValues(desc.Test, run.Status).Inc()

	if d.DB != nil {
		if rerr := d.DB.CreateRun(run); rerr != nil {
			logger.Warn("failed to record run", "test", desc.LogName(), "err", rerr)
		}
	}
	return err
}

// headerFields are the log header keys set by the driver. Plans may not
// use them as parameter names.
var headerFields = []string{
	"iteration", "scenario", "scenario_name", "run", "test",
	"host", "command", "rc", "start", "sweep", "node_type",
}

// header builds the log file header: the cell parameters plus the fields
// identifying the cell and the command.
func (d *Driver) header(desc Descriptor, out *Output, start time.Time) map[string]string {
	h := make(map[string]string, len(desc.Params)+10)
	for k, v := range desc.Params {
		h[k] = v
	}
	h["iteration"] = strconv.Itoa(desc.Iteration)
	h["scenario"] = strconv.Itoa(desc.Scenario)
	h["scenario_name"] = desc.ScenarioName
	h["run"] = strconv.Itoa(desc.Run)
	h["test"] = desc.Test
	h["host"] = out.Host
	h["command"] = out.Command
	h["rc"] = strconv.Itoa(out.RC)
	h["start"] = start.UTC().Format(time.RFC3339)
	if d.sweepID != "" {
		h["sweep"] = d.sweepID
	}
	if d.NodeType != "" {
		h["node_type"] = d.NodeType
	}
	return h
}

func (d *Driver) iterations() int {
	if d.MaxIterations > 0 && d.MaxIterations < d.Plan.Iterations {
		return d.MaxIterations
	}
	return d.Plan.Iterations
}

func (d *Driver) runs() []Params {
	if d.MaxRuns > 0 && d.MaxRuns < len(d.Plan.Runs) {
		return d.Plan.Runs[:d.MaxRuns]
	}
	return d.Plan.Runs
}

// nodes returns every src and dst node of the runs, sorted.
func (d *Driver) nodes() []string {
	seen := make(map[string]bool)
	for _, run := range d.runs() {
		for _, key := range []string{"src", "dst"} {
			if n := run[key]; n != "" {
				seen[n] = true
			}
		}
	}
	nodes := make([]string, 0, len(seen))
	for n := range seen {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// recorder stores every command it runs in the database.
type recorder struct {
	Runner
	db      *database.DB
	sweepID string
	logger  *log.Logger
}

func (r *recorder) Execute(ctx context.Context, host string, cmd remote.Command, timeout time.Duration) (*remote.CommandResult, error) {
	start := time.Now()
	result, err := r.Runner.Execute(ctx, host, cmd, timeout)

	rec := &database.Command{
		SweepID:    r.sweepID,
		Host:       host,
		Command:    cmd.String(),
		RC:         -1,
		StartedAt:  start,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if result != nil {
		rec.RC = result.RC
		rec.TimedOut = result.TimedOut
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if dberr := r.db.CreateCommand(rec); dberr != nil {
		r.logger.Warn("failed to record command", "host", host, "err", dberr)
	}
	return result, err
}
