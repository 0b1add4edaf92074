// Package analysis computes metrics over a directory of measurement logs
// and summarises them per test kind, scenario and metric.
package analysis

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/montanaflynn/stats"

	"github.com/mslinn/umtest/pkg/logfile"
	"github.com/mslinn/umtest/pkg/logging"
	"github.com/mslinn/umtest/pkg/record"
)

// Options select the records to analyze. Empty fields select everything.
type Options struct {
	Kinds      []string
	Iterations []int
	Metrics    []string
}

// Entry is one analyzed log file.
type Entry struct {
	File   logfile.File
	Record *record.TestRecord
	Values map[string]float64
	Err    error // set when the record is invalid
}

// Summary aggregates one metric over the valid records of one scenario.
type Summary struct {
	Kind         record.Kind
	Scenario     int
	ScenarioName string
	Metric       string
	N            int
	Mean         float64
	Median       float64
	StdDev       float64
	Min          float64
	Max          float64
}

// Report is the outcome of Analyze.
type Report struct {
	Found      int // log files in the directory
	Processed  int // records built
	Invalid    int // records invalidated by a metric
	Unreadable int // log files that could not be read or parsed
	Skipped    int // files filtered out or of an unsupported kind
	Entries    []*Entry
	Summaries  []*Summary
}

// Analyzer builds records with Factory and derives their metrics.
type Analyzer struct {
	Factory *record.Factory
	Logger  *log.Logger
}

// New creates an Analyzer with a fresh record factory.
func New(logger *log.Logger) *Analyzer {
	return &Analyzer{Factory: record.NewFactory(), Logger: logging.Or(logger)}
}

// Analyze walks dir and analyzes every log file selected by opts. A
// directory without log files yields an empty report. A log file that
// cannot be read is counted as unreadable and skipped.
func (a *Analyzer) Analyze(dir string, opts Options) (*Report, error) {
	kinds, err := selectKinds(opts.Kinds)
	if err != nil {
		return nil, err
	}
	if err := a.checkMetrics(kinds, opts.Metrics); err != nil {
		return nil, err
	}

	files, err := logfile.Walk(dir)
	if err != nil {
		return nil, err
	}

	report := &Report{Found: len(files)}
	for _, f := range files {
		kind, err := record.ParseKind(f.Key.Test)
		if err != nil || !slices.Contains(kinds, kind) {
			report.Skipped++
			continue
		}
		if len(opts.Iterations) > 0 && !slices.Contains(opts.Iterations, f.Key.Iteration) {
			report.Skipped++
			continue
		}

		entry, err := a.analyzeFile(f, kind, opts.Metrics)
		if err != nil {
			report.Unreadable++
			a.Logger.Warn("skipping unreadable log", "file", f.Path, "err", err)
			continue
		}
		report.Processed++
		if entry.Err != nil {
			report.Invalid++
			a.Logger.Debug("invalid record", "file", f.Path, "err", entry.Err)
		}
		report.Entries = append(report.Entries, entry)
	}

	report.Summaries, err = summarize(report.Entries)
	if err != nil {
		return nil, err
	}
	a.Logger.Info("analysis done", "found", report.Found, "processed", report.Processed,
		"invalid", report.Invalid, "unreadable", report.Unreadable, "skipped", report.Skipped)
	return report, nil
}

func (a *Analyzer) analyzeFile(f logfile.File, kind record.Kind, metrics []string) (*Entry, error) {
	r, err := a.Factory.CreateRecord(f.Path, string(kind))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	entry := &Entry{File: f, Record: r, Values: make(map[string]float64)}

	names := r.Metrics()
	if len(metrics) > 0 {
		names = slices.DeleteFunc(names, func(n string) bool { return !slices.Contains(metrics, n) })
	}
	for _, name := range names {
		v, err := r.Calculate(name)
		if err != nil {
			entry.Err = err
			break
		}
		entry.Values[name] = v
	}
	return entry, nil
}

// selectKinds parses the requested kinds, defaulting to every kind.
func selectKinds(names []string) ([]record.Kind, error) {
	if len(names) == 0 {
		return record.Kinds(), nil
	}
	kinds := make([]record.Kind, 0, len(names))
	for _, name := range names {
		k, err := record.ParseKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// checkMetrics fails when a requested metric is defined by none of kinds.
func (a *Analyzer) checkMetrics(kinds []record.Kind, metrics []string) error {
	known := make(map[string]bool)
	for _, k := range kinds {
		p, err := a.Factory.Parser(string(k))
		if err != nil {
			return err
		}
		for _, m := range p.Metrics() {
			known[m] = true
		}
	}
	var errs []error
	for _, m := range metrics {
		if !known[m] {
			errs = append(errs, fmt.Errorf("unknown metric %q", m))
		}
	}
	return errors.Join(errs...)
}

type groupKey struct {
	kind     record.Kind
	scenario int
	metric   string
}

// summarize aggregates the values of valid entries.
func summarize(entries []*Entry) ([]*Summary, error) {
	values := make(map[groupKey]stats.Float64Data)
	names := make(map[groupKey]string)
	for _, e := range entries {
		if e.Err != nil {
			continue
		}
		for metric, v := range e.Values {
			k := groupKey{e.Record.Kind(), e.File.Key.Scenario, metric}
			values[k] = append(values[k], v)
			names[k] = e.Record.Header["scenario_name"]
		}
	}

	summaries := make([]*Summary, 0, len(values))
	for k, data := range values {
		s := &Summary{Kind: k.kind, Scenario: k.scenario, ScenarioName: names[k], Metric: k.metric, N: len(data)}
		var err error
		if s.Mean, err = stats.Mean(data); err != nil {
			return nil, err
		}
		if s.Median, err = stats.Median(data); err != nil {
			return nil, err
		}
		if s.StdDev, err = stats.StandardDeviation(data); err != nil {
			return nil, err
		}
		if s.Min, err = stats.Min(data); err != nil {
			return nil, err
		}
		if s.Max, err = stats.Max(data); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}

	sort.Slice(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Scenario != b.Scenario {
			return a.Scenario < b.Scenario
		}
		return a.Metric < b.Metric
	})
	return summaries, nil
}
