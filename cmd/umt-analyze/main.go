package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/m-lab/go/rtx"
	"github.com/spf13/pflag"

	"github.com/mslinn/umtest/pkg/analysis"
	"github.com/mslinn/umtest/pkg/config"
	"github.com/mslinn/umtest/pkg/database"
	"github.com/mslinn/umtest/pkg/logging"
	"github.com/mslinn/umtest/pkg/record"
)

var version = "dev" // Set by -ldflags during build

func main() {
	var (
		showVersion bool
		showHelp    bool
		listKinds   bool
		records     bool
		verify      bool
		dbPath      string
		opts        analysis.Options
		logOpts     logging.Options
	)

	pflag.BoolVarP(&showVersion, "version", "V", false, "Show version and exit")
	pflag.BoolVarP(&showHelp, "help", "h", false, "Show this help message")
	pflag.BoolVar(&listKinds, "list", false, "List test kinds and their metrics and exit")
	pflag.BoolVar(&records, "records", false, "Print the metrics of every record")
	pflag.BoolVar(&verify, "verify", false, "Check the logs against the checksums in the database")
	pflag.StringVar(&dbPath, "db", "", "Path to SQLite database (default from config)")
	pflag.StringSliceVarP(&opts.Kinds, "kind", "k", nil, "Test kinds to analyze (default: all)")
	pflag.IntSliceVarP(&opts.Iterations, "iteration", "i", nil, "Iterations to analyze (default: all)")
	pflag.StringSliceVarP(&opts.Metrics, "metric", "m", nil, "Metrics to compute (default: all)")
	logOpts.AddFlags(pflag.CommandLine)
	pflag.Parse()

	if showVersion {
		fmt.Printf("umt-analyze version %s\n", version)
		os.Exit(0)
	}
	if showHelp {
		printHelp()
		os.Exit(0)
	}

	logger, closer, err := logging.Setup("umt-analyze", logOpts)
	rtx.Must(err, "failed to set up logging")
	defer closer.Close()

	a := analysis.New(logger)
	if listKinds {
		printKinds(a)
		os.Exit(0)
	}

	args := pflag.Args()
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "Error: exactly one log directory required\n\n")
		printUsage()
		os.Exit(1)
	}
	dir := args[0]
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		fmt.Fprintf(os.Stderr, "Error: %s is not a directory\n", dir)
		os.Exit(1)
	}

	if verify {
		os.Exit(handleVerify(dir, dbPath))
	}

	report, err := a.Analyze(dir, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s log files found, %s processed, %s invalid, %s unreadable, %s skipped\n\n",
		humanize.Comma(int64(report.Found)), humanize.Comma(int64(report.Processed)),
		humanize.Comma(int64(report.Invalid)), humanize.Comma(int64(report.Unreadable)),
		humanize.Comma(int64(report.Skipped)))

	if records {
		printRecords(report)
	}
	printSummaries(report)
}

func printRecords(report *analysis.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Log\tValid\tMetrics")
	fmt.Fprintln(w, "---\t-----\t-------")
	for _, e := range report.Entries {
		names := make([]string, 0, len(e.Values))
		for name := range e.Values {
			names = append(names, name)
		}
		sort.Strings(names)
		values := make([]string, len(names))
		for i, name := range names {
			values[i] = fmt.Sprintf("%s=%s", name, humanize.FtoaWithDigits(e.Values[name], 4))
		}
		valid := "yes"
		if e.Err != nil {
			valid = "no: " + e.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.File.Key, valid, strings.Join(values, " "))
	}
	w.Flush()
	fmt.Println()
}

func printSummaries(report *analysis.Report) {
	if len(report.Summaries) == 0 {
		fmt.Println("No valid records")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Kind\tScenario\tMetric\tN\tMean\tMedian\tStdDev\tMin\tMax")
	fmt.Fprintln(w, "----\t--------\t------\t-\t----\t------\t------\t---\t---")
	for _, s := range report.Summaries {
		scenario := fmt.Sprintf("%d", s.Scenario)
		if s.ScenarioName != "" {
			scenario += " " + s.ScenarioName
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			s.Kind, scenario, s.Metric, s.N,
			humanize.FtoaWithDigits(s.Mean, 4), humanize.FtoaWithDigits(s.Median, 4),
			humanize.FtoaWithDigits(s.StdDev, 4), humanize.FtoaWithDigits(s.Min, 4),
			humanize.FtoaWithDigits(s.Max, 4))
	}
	w.Flush()
}

func printKinds(a *analysis.Analyzer) {
	for _, k := range record.Kinds() {
		p, err := a.Factory.Parser(string(k))
		rtx.Must(err, "no parser for %s", k)
		fmt.Printf("%-10s %s\n", k, strings.Join(p.Metrics(), ", "))
	}
}

func handleVerify(dir, dbPath string) int {
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			return 1
		}
		dbPath = cfg.GetDatabasePath()
	}
	db, err := database.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		return 1
	}
	defer db.Close()

	runs, err := db.RunsByLogPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	diffs, checked, err := analysis.Verify(dir, runs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	for _, d := range diffs {
		switch d.ChangeType {
		case analysis.Untracked:
			fmt.Printf("  UNTRACKED: %s (%s)\n", d.Path, humanize.IBytes(uint64(d.ActualSize)))
		case analysis.Missing:
			fmt.Printf("  MISSING:   %s (was %s)\n", d.Path, humanize.IBytes(uint64(d.StoredSize)))
		case analysis.Modified:
			fmt.Printf("  MODIFIED:  %s (CRC %s -> %s)\n", d.Path, d.StoredCRC, d.ActualCRC)
		case analysis.SizeChanged:
			fmt.Printf("  SIZE:      %s (%s -> %s)\n", d.Path,
				humanize.IBytes(uint64(d.StoredSize)), humanize.IBytes(uint64(d.ActualSize)))
		}
	}
	if len(diffs) > 0 {
		fmt.Printf("\n%d of %d log files differ from the database\n", len(diffs), checked)
		return 1
	}
	fmt.Printf("✓ %d log files match the database\n", checked)
	return 0
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: umt-analyze [OPTIONS] LOGDIR\n\n")
	pflag.PrintDefaults()
}

func printHelp() {
	fmt.Printf("umt-analyze - Compute metrics from measurement logs\n\n")
	fmt.Printf("Version: %s\n\n", version)

	fmt.Printf("DESCRIPTION:\n")
	fmt.Printf("  Walks a log directory written by umt-sweep, parses every log of a\n")
	fmt.Printf("  supported kind and summarises each metric per scenario. A record whose\n")
	fmt.Printf("  metric cannot be computed is reported invalid and left out of the summary.\n\n")

	fmt.Printf("USAGE:\n")
	fmt.Printf("  umt-analyze [OPTIONS] LOGDIR\n\n")

	fmt.Printf("OPTIONS:\n")
	pflag.PrintDefaults()

	fmt.Printf("\nEXAMPLES:\n")
	fmt.Printf("  umt-analyze --list\n")
	fmt.Printf("  umt-analyze -k fping -m packet_loss,rtt_avg ~/umtest/logs/loss\n")
	fmt.Printf("  umt-analyze -k flowgrind -i 1,2 --records ~/umtest/logs/tcp\n")
	fmt.Printf("  umt-analyze --verify ~/umtest/logs/tcp\n")
}
