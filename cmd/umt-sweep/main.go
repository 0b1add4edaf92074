package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/spf13/pflag"

	"github.com/mslinn/umtest/pkg/config"
	"github.com/mslinn/umtest/pkg/database"
	"github.com/mslinn/umtest/pkg/logging"
	"github.com/mslinn/umtest/pkg/remote"
	"github.com/mslinn/umtest/pkg/sweep"
)

var version = "dev" // Set by -ldflags during build

func main() {
	var (
		showVersion   bool
		showHelp      bool
		dryRun        bool
		local         bool
		serveMetrics  bool
		skipDB        bool
		dbPath        string
		outputDir     string
		maxRuns       int
		maxIterations int
		logOpts       logging.Options
	)

	pflag.BoolVarP(&showVersion, "version", "V", false, "Show version and exit")
	pflag.BoolVarP(&showHelp, "help", "h", false, "Show this help message")
	pflag.BoolVarP(&dryRun, "dry-run", "n", false, "Print the sweep cells without running them")
	pflag.BoolVar(&local, "local", false, "Run commands on this machine instead of via SSH")
	pflag.BoolVar(&serveMetrics, "metrics", false, "Serve Prometheus metrics (see --prometheusx.listen-address)")
	pflag.BoolVar(&skipDB, "skip-db", false, "Do not record the sweep in the database")
	pflag.StringVar(&dbPath, "db", "", "Path to SQLite database (default from config)")
	pflag.StringVarP(&outputDir, "output", "o", "", "Log directory (default: <log_dir>/<plan name>-<timestamp>)")
	pflag.IntVar(&maxRuns, "max-runs", 0, "Only run the first N runs of the plan")
	pflag.IntVar(&maxIterations, "max-iterations", 0, "Only run the first N iterations of the plan")
	logOpts.AddFlags(pflag.CommandLine)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	if showVersion {
		fmt.Printf("umt-sweep version %s\n", version)
		os.Exit(0)
	}
	if showHelp {
		printHelp()
		os.Exit(0)
	}

	args := pflag.Args()
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "Error: exactly one plan file required\n\n")
		printUsage()
		os.Exit(1)
	}

	logger, closer, err := logging.Setup("umt-sweep", logOpts)
	rtx.Must(err, "failed to set up logging")
	defer closer.Close()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	profile, err := cfg.RequireNodeType()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Set it with: export %s=<type>\n", config.NodeTypeEnv)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	plan, err := sweep.LoadPlan(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if outputDir == "" {
		outputDir = filepath.Join(cfg.GetLogDir(), plan.Name+"-"+time.Now().Format("20060102-150405"))
	}
	outputDir, err = filepath.Abs(outputDir)
	rtx.Must(err, "cannot resolve the log directory")

	if dryRun {
		printCells(plan, maxIterations, maxRuns)
		os.Exit(0)
	}

	if serveMetrics {
		promSrv := prometheusx.MustServeMetrics()
		defer promSrv.Close()
	}

	driver := &sweep.Driver{
		Plan:          plan,
		Resolve:       sweep.HostTemplate(cfg.GetHostTemplate()),
		LogDir:        outputDir,
		NodeType:      profile.Type,
		Logger:        logger,
		MaxIterations: maxIterations,
		MaxRuns:       maxRuns,
	}
	switch {
	case skipDB:
		dbPath = ""
	case dbPath == "":
		dbPath = cfg.GetDatabasePath()
	}

	if err := run(driver, cfg, local, dbPath); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "\nError: sweep interrupted\n")
		} else {
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}
		os.Exit(1)
	}
}

// run connects the driver to the testbed and the database and runs the
// sweep. Connections are closed before it returns.
func run(driver *sweep.Driver, cfg *config.Config, local bool, dbPath string) error {
	logger := driver.Logger

	var dialer remote.Dialer = remote.LocalDialer{}
	if !local {
		sshDialer, err := remote.NewSSHDialer(remote.SSHConfigFrom(cfg), logger)
		if err != nil {
			return err
		}
		defer sshDialer.Close()
		dialer = sshDialer
	}
	pool := remote.NewPool(dialer, remote.WithLogger(logger))
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Warn("failed to close connections", "err", err)
		}
	}()
	driver.Exec = remote.NewExecutor(pool, logger)

	if dbPath != "" {
		db, err := database.Open(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		driver.DB = db
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := driver.Run(ctx)
	if summary != nil {
		fmt.Printf("\nSweep %s: %d tests, %d ok, %d failed in %s\n",
			driver.Plan.Name, summary.Total(), summary.OK, summary.Failed, summary.Duration.Round(time.Second))
		fmt.Printf("  Logs: %s\n", driver.LogDir)
		if summary.SweepID != "" {
			fmt.Printf("  Sweep ID: %s (started %s)\n", summary.SweepID, humanize.Time(time.Now().Add(-summary.Duration)))
			fmt.Printf("  View results: umt-runs show %s\n", summary.SweepID[:8])
		}
	}
	return err
}

// printCells lists the tests a sweep would run, in order.
func printCells(plan *sweep.Plan, maxIterations, maxRuns int) {
	iterations := plan.Iterations
	if maxIterations > 0 && maxIterations < iterations {
		iterations = maxIterations
	}
	runs := plan.Runs
	if maxRuns > 0 && maxRuns < len(runs) {
		runs = runs[:maxRuns]
	}

	total := 0
	for i := 1; i <= iterations; i++ {
		for s, scenario := range plan.Scenarios {
			for r, run := range runs {
				params := sweep.Merge(plan.Params, run, scenario.Params)
				for _, test := range plan.Tests {
					desc := sweep.Descriptor{Iteration: i, Scenario: s, Run: r, Test: test}
					fmt.Printf("%-28s %s -> %s  [%s]\n", desc.LogName(), params["src"], params["dst"], scenario.Name)
					total++
				}
			}
		}
	}
	fmt.Printf("\n%s tests, timeout %s each\n", humanize.Comma(int64(total)), plan.Timeout)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: umt-sweep [OPTIONS] PLAN\n\n")
	pflag.PrintDefaults()
}

func printHelp() {
	fmt.Printf("umt-sweep - Run a measurement sweep over the testbed\n\n")
	fmt.Printf("Version: %s\n\n", version)

	fmt.Printf("DESCRIPTION:\n")
	fmt.Printf("  Runs every test of a plan for every iteration, scenario and run, in\n")
	fmt.Printf("  that order, and writes one log file per test. Runs of a scenario may\n")
	fmt.Printf("  run in parallel; scenarios never overlap. A failed test is logged and\n")
	fmt.Printf("  the sweep continues. A failed profile setup aborts the sweep.\n\n")

	fmt.Printf("USAGE:\n")
	fmt.Printf("  umt-sweep [OPTIONS] PLAN\n\n")

	fmt.Printf("OPTIONS:\n")
	pflag.PrintDefaults()

	fmt.Printf("\nPLAN FILE:\n")
	fmt.Printf("  name: tcp-cc\n")
	fmt.Printf("  iterations: 3\n")
	fmt.Printf("  params: {duration: 30}\n")
	fmt.Printf("  scenarios:\n")
	fmt.Printf("    - {name: reno, params: {cc: reno}}\n")
	fmt.Printf("    - {name: cubic, params: {cc: cubic}}\n")
	fmt.Printf("  pairs: pairs.txt        # \"src dst [key=value...]\" per line\n")
	fmt.Printf("  tests: [flowgrind, fping]\n")
	fmt.Printf("  parallel: true\n")
	fmt.Printf("  timeout: 5m\n")
	fmt.Printf("  profile:\n")
	fmt.Printf("    setup: [\"sysctl -w net.ipv4.tcp_sack=0\"]\n")
	fmt.Printf("    teardown: [\"sysctl -w net.ipv4.tcp_sack=1\"]\n\n")

	fmt.Printf("ENVIRONMENT:\n")
	fmt.Printf("  %s must name the node type (%s).\n\n", config.NodeTypeEnv, strings.Join(config.NodeTypes(), ", "))

	fmt.Printf("EXAMPLES:\n")
	fmt.Printf("  umt-sweep --dry-run plans/tcp.yaml\n")
	fmt.Printf("  umt-sweep --max-iterations 1 --max-runs 2 plans/tcp.yaml\n")
	fmt.Printf("  umt-sweep --metrics --prometheusx.listen-address :9990 plans/tcp.yaml\n")
}
