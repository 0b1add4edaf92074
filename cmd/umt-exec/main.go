package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/rtx"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/mslinn/umtest/pkg/config"
	"github.com/mslinn/umtest/pkg/logging"
	"github.com/mslinn/umtest/pkg/remote"
	"github.com/mslinn/umtest/pkg/sweep"
)

var version = "dev" // Set by -ldflags during build

type options struct {
	nodes    []string
	argv     bool
	put      string
	mode     string
	timeout  time.Duration
	parallel int
	local    bool
}

func main() {
	var (
		showVersion bool
		showHelp    bool
		opts        options
		logOpts     logging.Options
	)

	pflag.BoolVarP(&showVersion, "version", "V", false, "Show version and exit")
	pflag.BoolVarP(&showHelp, "help", "h", false, "Show this help message")
	pflag.StringSliceVarP(&opts.nodes, "nodes", "n", nil, "Nodes to run on, e.g. 1,2,7 (required)")
	pflag.BoolVar(&opts.argv, "argv", false, "Pass the arguments as an argument vector instead of a shell line")
	pflag.StringVar(&opts.put, "put", "", "Upload LOCAL:REMOTE to every node before running the command")
	pflag.StringVar(&opts.mode, "mode", "0644", "Permissions of the uploaded file")
	pflag.DurationVarP(&opts.timeout, "timeout", "t", 0, "Command timeout (default from config)")
	pflag.IntVarP(&opts.parallel, "parallel", "p", 0, "Maximum number of nodes worked on at once (0: all)")
	pflag.BoolVar(&opts.local, "local", false, "Run on this machine instead of via SSH")
	logOpts.AddFlags(pflag.CommandLine)
	pflag.CommandLine.SetInterspersed(false)
	pflag.Parse()

	if showVersion {
		fmt.Printf("umt-exec version %s\n", version)
		os.Exit(0)
	}
	if showHelp {
		printHelp()
		os.Exit(0)
	}

	args := pflag.Args()
	if len(opts.nodes) == 0 {
		fmt.Fprintf(os.Stderr, "Error: --nodes is required\n\n")
		printUsage()
		os.Exit(1)
	}
	if len(args) == 0 && opts.put == "" {
		fmt.Fprintf(os.Stderr, "Error: a command or --put is required\n\n")
		printUsage()
		os.Exit(1)
	}

	logger, closer, err := logging.Setup("umt-exec", logOpts)
	rtx.Must(err, "failed to set up logging")
	defer closer.Close()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if _, err := cfg.RequireNodeType(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Set it with: export %s=<type>\n", config.NodeTypeEnv)
		os.Exit(1)
	}
	if opts.timeout == 0 {
		opts.timeout = cfg.CommandTimeout
	}

	failed, err := run(cfg, opts, args, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "Error: failed on %d of %d nodes\n", failed, len(opts.nodes))
		os.Exit(1)
	}
}

// run executes the command on every node and returns the number of nodes
// it failed on.
func run(cfg *config.Config, opts options, args []string, logger *log.Logger) (int, error) {
	var dialer remote.Dialer = remote.LocalDialer{}
	if !opts.local {
		sshDialer, err := remote.NewSSHDialer(remote.SSHConfigFrom(cfg), logger)
		if err != nil {
			return 0, err
		}
		defer sshDialer.Close()
		dialer = sshDialer
	}
	pool := remote.NewPool(dialer, remote.WithLogger(logger))
	defer pool.Close()
	exec := remote.NewExecutor(pool, logger)

	var upload *sweep.Upload
	if opts.put != "" {
		src, dst, ok := strings.Cut(opts.put, ":")
		if !ok || src == "" || dst == "" {
			return 0, fmt.Errorf("--put wants LOCAL:REMOTE, got %q", opts.put)
		}
		upload = &sweep.Upload{Src: src, Dst: dst, Mode: opts.mode}
	}

	var cmd remote.Command
	if opts.argv {
		cmd = remote.Argv(args...)
	} else {
		cmd = remote.Shell(strings.Join(args, " "))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolve := sweep.HostTemplate(cfg.GetHostTemplate())
	var (
		mu     sync.Mutex
		failed int
	)
	var g errgroup.Group
	if opts.parallel > 0 {
		g.SetLimit(opts.parallel)
	}
	for _, node := range opts.nodes {
		host := resolve(node)
		g.Go(func() error {
			out, err := runNode(ctx, exec, host, upload, cmd, len(args) > 0, opts.timeout)
			mu.Lock()
			defer mu.Unlock()
			fmt.Print(out)
			if err != nil {
				failed++
				logger.Error("failed", "host", host, "err", err)
			}
			return nil
		})
	}
	g.Wait()
	return failed, ctx.Err()
}

// runNode uploads and runs on one host and returns its output, every line
// prefixed with the host name.
func runNode(ctx context.Context, exec *remote.Executor, host string, upload *sweep.Upload, cmd remote.Command, hasCmd bool, timeout time.Duration) (string, error) {
	if upload != nil {
		mode, err := upload.FileMode()
		if err != nil {
			return "", err
		}
		f, err := os.Open(upload.Src)
		if err != nil {
			return "", fmt.Errorf("failed to open %s: %w", upload.Src, err)
		}
		err = exec.CopyTo(ctx, host, f, upload.Dst, mode)
		f.Close()
		if err != nil {
			return "", err
		}
	}
	if !hasCmd {
		return "", nil
	}

	result, err := exec.Execute(ctx, host, cmd, timeout)
	if result == nil {
		return "", err
	}
	var b strings.Builder
	for _, stream := range []string{result.Stdout, result.Stderr} {
		for _, line := range strings.SplitAfter(stream, "\n") {
			if line != "" {
				b.WriteString(host + ": " + line)
			}
		}
	}
	if s := b.String(); s != "" && !strings.HasSuffix(s, "\n") {
		b.WriteString("\n")
	}
	if err == nil && result.RC != 0 {
		err = &sweep.CommandFailedError{Host: host, Command: result.Command, RC: result.RC, Stderr: result.Stderr}
	}
	return b.String(), err
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: umt-exec [OPTIONS] -n NODES COMMAND [ARGS...]\n\n")
	pflag.PrintDefaults()
}

func printHelp() {
	fmt.Printf("umt-exec - Run a command on testbed nodes\n\n")
	fmt.Printf("Version: %s\n\n", version)

	fmt.Printf("DESCRIPTION:\n")
	fmt.Printf("  Runs a command on several nodes in parallel over pooled SSH connections\n")
	fmt.Printf("  and prints its output prefixed with the host name. A command that exceeds\n")
	fmt.Printf("  the timeout is killed together with its children.\n\n")

	fmt.Printf("USAGE:\n")
	fmt.Printf("  umt-exec [OPTIONS] -n NODES COMMAND [ARGS...]\n\n")

	fmt.Printf("OPTIONS:\n")
	pflag.PrintDefaults()

	fmt.Printf("\nEXAMPLES:\n")
	fmt.Printf("  umt-exec -n 1,2,3 uptime\n")
	fmt.Printf("  umt-exec -n 1,2 -t 30s 'iw dev wlan0 station dump'\n")
	fmt.Printf("  umt-exec -n 4 --put tune.sh:/tmp/tune.sh --mode 0755 /tmp/tune.sh\n")
	fmt.Printf("  umt-exec -n 4 --argv -- ping -c 3 mrouter5\n")
}
