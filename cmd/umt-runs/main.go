package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/m-lab/go/rtx"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/mslinn/umtest/pkg/config"
	"github.com/mslinn/umtest/pkg/database"
	"github.com/mslinn/umtest/pkg/logging"
)

var version = "dev" // Set by -ldflags during build

func main() {
	var (
		showVersion bool
		showHelp    bool
		dbPath      string
		logOpts     logging.Options
	)

	pflag.BoolVarP(&showVersion, "version", "V", false, "Show version and exit")
	pflag.BoolVarP(&showHelp, "help", "h", false, "Show this help message")
	pflag.StringVar(&dbPath, "db", "", "Path to SQLite database (default from config)")
	logOpts.AddFlags(pflag.CommandLine)

	// Stop parsing at first non-flag argument (the subcommand)
	pflag.CommandLine.SetInterspersed(false)
	pflag.Parse()

	if showVersion {
		fmt.Printf("umt-runs version %s\n", version)
		os.Exit(0)
	}

	args := pflag.Args()
	if len(args) == 0 || showHelp {
		printHelp()
		os.Exit(0)
	}

	logger, closer, err := logging.Setup("umt-runs", logOpts)
	rtx.Must(err, "failed to set up logging")
	defer closer.Close()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}
	logger.Debug("opening database", "path", dbPath)

	db, err := database.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	var cmdErr error
	switch args[0] {
	case "list":
		cmdErr = handleList(db, args[1:])
	case "show":
		cmdErr = handleShow(db, args[1:])
	case "commands":
		cmdErr = handleCommands(db, args[1:])
	case "stats":
		cmdErr = handleStats(db, args[1:])
	case "plan":
		cmdErr = handlePlan(db, args[1:])
	case "reap":
		cmdErr = handleReap(db)
	case "sql":
		cmdErr = handleSQL(db, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown subcommand '%s'\n\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", cmdErr)
		db.Close()
		os.Exit(1)
	}
}

func handleList(db *database.DB, args []string) error {
	fs := pflag.NewFlagSet("list", pflag.ExitOnError)
	status := fs.String("status", "", "Filter by status: running, completed, failed, aborted")
	limit := fs.Int("limit", 20, "Maximum number of sweeps to display")
	fs.Parse(args)

	sweeps, err := db.ListSweeps(0)
	if err != nil {
		return err
	}
	if *status != "" {
		filtered := make([]*database.Sweep, 0, len(sweeps))
		for _, s := range sweeps {
			if s.Status == *status {
				filtered = append(filtered, s)
			}
		}
		sweeps = filtered
	}
	if *limit > 0 && len(sweeps) > *limit {
		sweeps = sweeps[:*limit]
	}
	if len(sweeps) == 0 {
		fmt.Println("No sweeps found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tName\tNode type\tStatus\tStarted\tDuration\tNotes")
	fmt.Fprintln(w, "--\t----\t---------\t------\t-------\t--------\t-----")
	for _, s := range sweeps {
		notes := s.Notes
		if len(notes) > 40 {
			notes = notes[:37] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID[:8], s.Name, s.NodeType, s.Status, humanize.Time(s.StartedAt), duration(s), notes)
	}
	return w.Flush()
}

func handleShow(db *database.DB, args []string) error {
	fs := pflag.NewFlagSet("show", pflag.ExitOnError)
	failedOnly := fs.Bool("failed", false, "Only list failed runs")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return errors.New("sweep ID required (usage: umt-runs show <SWEEP_ID>)")
	}

	s, err := db.FindSweep(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("Sweep %s:\n", s.ID)
	fmt.Printf("  Name:       %s\n", s.Name)
	fmt.Printf("  Node type:  %s\n", s.NodeType)
	fmt.Printf("  Status:     %s\n", s.Status)
	fmt.Printf("  PID:        %d\n", s.PID)
	fmt.Printf("  Started:    %s (%s)\n", s.StartedAt.Format("2006-01-02 15:04:05"), humanize.Time(s.StartedAt))
	if s.CompletedAt != nil {
		fmt.Printf("  Completed:  %s\n", s.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("  Duration:   %s\n", duration(s))
	if s.Notes != "" {
		fmt.Printf("  Notes:      %s\n", s.Notes)
	}

	runs, err := db.ListRuns(s.ID)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("\nNo runs recorded")
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Iter\tScenario\tRun\tTest\tSrc\tDst\tStatus\tDuration\tSize\tError")
	fmt.Fprintln(w, "----\t--------\t---\t----\t---\t---\t------\t--------\t----\t-----")
	for _, r := range runs {
		if *failedOnly && r.Status != database.RunFailed {
			continue
		}
		fmt.Fprintf(w, "%d\t%d %s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Iteration, r.Scenario, r.ScenarioName, r.Run, r.Test, r.Src, r.Dst, r.Status,
			(time.Duration(r.DurationMs) * time.Millisecond).String(), humanize.IBytes(uint64(r.SizeBytes)), r.Error)
	}
	return w.Flush()
}

func handleCommands(db *database.DB, args []string) error {
	fs := pflag.NewFlagSet("commands", pflag.ExitOnError)
	failedOnly := fs.Bool("failed", false, "Only list commands that failed or timed out")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return errors.New("sweep ID required (usage: umt-runs commands <SWEEP_ID>)")
	}

	s, err := db.FindSweep(fs.Arg(0))
	if err != nil {
		return err
	}
	cmds, err := db.ListCommands(s.ID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Started\tHost\tRC\tDuration\tCommand\tError")
	fmt.Fprintln(w, "-------\t----\t--\t--------\t-------\t-----")
	shown := 0
	for _, c := range cmds {
		if *failedOnly && c.RC == 0 && !c.TimedOut && c.Error == "" {
			continue
		}
		rc := fmt.Sprintf("%d", c.RC)
		if c.TimedOut {
			rc += " (timeout)"
		}
		command := c.Command
		if len(command) > 60 {
			command = command[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.StartedAt.Format("15:04:05"), c.Host, rc,
			(time.Duration(c.DurationMs) * time.Millisecond).String(), command, c.Error)
		shown++
	}
	w.Flush()
	fmt.Printf("\n%d of %d commands\n", shown, len(cmds))
	return nil
}

func handleStats(db *database.DB, args []string) error {
	if len(args) == 0 {
		return errors.New("sweep ID required (usage: umt-runs stats <SWEEP_ID>)")
	}
	s, err := db.FindSweep(args[0])
	if err != nil {
		return err
	}
	stats, err := db.RunStats(s.ID)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Printf("No runs recorded for sweep %s\n", s.ID[:8])
		return nil
	}

	fmt.Printf("Sweep %s (%s, %s):\n\n", s.ID[:8], s.Name, s.Status)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Test\tStatus\tCount\tAvg duration")
	fmt.Fprintln(w, "----\t------\t-----\t------------")
	for _, st := range stats {
		avg := time.Duration(st.AvgDurationMs * float64(time.Millisecond)).Round(time.Millisecond)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.Test, st.Status, humanize.Comma(int64(st.Count)), avg)
	}
	return w.Flush()
}

func handlePlan(db *database.DB, args []string) error {
	if len(args) == 0 {
		return errors.New("sweep ID required (usage: umt-runs plan <SWEEP_ID>)")
	}
	s, err := db.FindSweep(args[0])
	if err != nil {
		return err
	}
	fmt.Print(s.Plan)
	return nil
}

// handleReap marks running sweeps whose process is gone as aborted.
func handleReap(db *database.DB) error {
	sweeps, err := db.ListSweeps(0)
	if err != nil {
		return err
	}
	reaped := 0
	for _, s := range sweeps {
		if s.Status != database.StatusRunning || processAlive(s.PID) {
			continue
		}
		now := time.Now()
		s.CompletedAt = &now
		s.Status = database.StatusAborted
		s.Notes = strings.TrimPrefix(s.Notes+" | process gone", " | ")
		if err := db.UpdateSweep(s); err != nil {
			return err
		}
		fmt.Printf("Marked sweep %s (%s, pid %d) aborted\n", s.ID[:8], s.Name, s.PID)
		reaped++
	}
	if reaped == 0 {
		fmt.Println("No stale sweeps")
	}
	return nil
}

// processAlive reports whether pid exists on this machine.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func handleSQL(db *database.DB, args []string) error {
	if len(args) == 0 {
		return errors.New("query required (usage: umt-runs sql \"SELECT ...\")")
	}
	rows, err := db.QueryRaw(strings.Join(args, " "))
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))

	values := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		fields := make([]string, len(values))
		for i, v := range values {
			fields[i] = "NULL"
			if v.Valid {
				fields[i] = v.String
			}
		}
		fmt.Fprintln(w, strings.Join(fields, "\t"))
	}
	w.Flush()
	return rows.Err()
}

func duration(s *database.Sweep) string {
	if s.CompletedAt != nil {
		return s.CompletedAt.Sub(s.StartedAt).Round(time.Second).String()
	}
	return time.Since(s.StartedAt).Round(time.Second).String() + "*"
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: umt-runs [OPTIONS] SUBCOMMAND [ARGS]\n\n")
	fmt.Fprintf(os.Stderr, "Subcommands: list, show, commands, stats, plan, reap, sql\n\n")
	pflag.PrintDefaults()
}

func printHelp() {
	fmt.Printf("umt-runs - Query sweep bookkeeping\n\n")
	fmt.Printf("Version: %s\n\n", version)

	fmt.Printf("DESCRIPTION:\n")
	fmt.Printf("  Every sweep records itself, each test run and each remote command in the\n")
	fmt.Printf("  database. Sweep IDs may be abbreviated to any unique prefix.\n\n")

	fmt.Printf("USAGE:\n")
	fmt.Printf("  umt-runs [OPTIONS] SUBCOMMAND [ARGS]\n\n")

	fmt.Printf("SUBCOMMANDS:\n")
	fmt.Printf("  list [--status S] [--limit N]   List sweeps, most recent first\n")
	fmt.Printf("  show [--failed] SWEEP           Show a sweep and its runs\n")
	fmt.Printf("  commands [--failed] SWEEP       List the remote commands of a sweep\n")
	fmt.Printf("  stats SWEEP                     Count runs per test and status\n")
	fmt.Printf("  plan SWEEP                      Print the plan the sweep ran\n")
	fmt.Printf("  reap                            Mark sweeps whose process died as aborted\n")
	fmt.Printf("  sql QUERY                       Run a raw SQL query\n\n")

	fmt.Printf("OPTIONS:\n")
	pflag.PrintDefaults()

	fmt.Printf("\nEXAMPLES:\n")
	fmt.Printf("  umt-runs list --status failed\n")
	fmt.Printf("  umt-runs show --failed 3f2a\n")
	fmt.Printf("  umt-runs sql \"SELECT test, COUNT(*) FROM runs GROUP BY test\"\n")
}
