package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

var version = "dev" // Set by -ldflags during build

// Available subcommands, each an umt-<name> binary installed next to umt
// or on the PATH
var subcommands = []struct {
	name        string
	description string
}{
	{"config", "Manage configuration"},
	{"sweep", "Run a measurement sweep over the testbed"},
	{"exec", "Run a command on testbed nodes"},
	{"analyze", "Compute metrics from measurement logs"},
	{"runs", "Query sweep bookkeeping"},
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-V") {
		fmt.Printf("umt version %s\n", version)
		os.Exit(0)
	}

	if len(os.Args) == 1 || os.Args[1] == "--help" || os.Args[1] == "-h" {
		printHelp()
		os.Exit(0)
	}

	subcommand, args := os.Args[1], os.Args[2:]
	// "umt help sweep" is "umt sweep --help".
	if subcommand == "help" {
		if len(args) == 0 {
			printHelp()
			os.Exit(0)
		}
		subcommand, args = args[0], []string{"--help"}
	}
	if !known(subcommand) {
		fmt.Fprintf(os.Stderr, "Error: unknown subcommand '%s'\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}

	cmdPath, err := lookup(subcommand)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Make sure it is installed (try: go install ./cmd/...)\n")
		os.Exit(1)
	}
	os.Exit(run(cmdPath, args))
}

func known(name string) bool {
	for _, sc := range subcommands {
		if sc.name == name {
			return true
		}
	}
	return false
}

// lookup finds umt-<name>, first next to this binary, then on the PATH.
func lookup(name string) (string, error) {
	tool := "umt-" + name
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), tool)
		if info, err := os.Stat(sibling); err == nil && info.Mode().IsRegular() && info.Mode()&0111 != 0 {
			return sibling, nil
		}
	}
	path, err := exec.LookPath(tool)
	if err != nil {
		return "", fmt.Errorf("command '%s' not found next to umt or in PATH", tool)
	}
	return path, nil
}

// run replaces this process with the tool so it receives signals
// directly. If exec fails the tool runs as a child and its exit code is
// returned.
func run(cmdPath string, args []string) int {
	argv := append([]string{filepath.Base(cmdPath)}, args...)
	if err := syscall.Exec(cmdPath, argv, os.Environ()); err == nil {
		return 0
	}

	cmd := exec.Command(cmdPath, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		fmt.Fprintf(os.Stderr, "Error executing %s: %v\n", filepath.Base(cmdPath), err)
		return 1
	}
	return 0
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: umt <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Available commands:\n")
	for _, sc := range subcommands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", sc.name, sc.description)
	}
	fmt.Fprintf(os.Stderr, "\nRun 'umt <command> --help' for more information on a command.\n")
}

func printHelp() {
	fmt.Printf("umt - mesh testbed measurement tools\n\n")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Printf("DESCRIPTION:\n")
	fmt.Printf("  Runs measurement sweeps over the nodes of a mesh testbed via SSH and\n")
	fmt.Printf("  analyzes the resulting logs. This command dispatches to the umt-* tools.\n\n")

	fmt.Printf("USAGE:\n")
	fmt.Printf("  umt <command> [options]\n\n")

	fmt.Printf("AVAILABLE COMMANDS:\n")
	for _, sc := range subcommands {
		where := "not installed"
		if path, err := lookup(sc.name); err == nil {
			where = path
		}
		fmt.Printf("  %-10s %-42s [%s]\n", sc.name, sc.description, where)
	}
	fmt.Printf("\nGLOBAL OPTIONS:\n")
	fmt.Printf("  -h, --help       Show this help message\n")
	fmt.Printf("  -V, --version    Show version\n")
	fmt.Printf("  help COMMAND     Show the help of COMMAND\n\n")

	fmt.Printf("GETTING STARTED:\n")
	fmt.Printf("  1. Set up configuration:\n")
	fmt.Printf("       umt config init\n")
	fmt.Printf("       export UMT_NODETYPE=meshrouter\n\n")

	fmt.Printf("  2. Check that the nodes are reachable:\n")
	fmt.Printf("       umt exec -n 1,2,3 uptime\n\n")

	fmt.Printf("  3. Run a sweep:\n")
	fmt.Printf("       umt sweep plans/tcp.yaml\n\n")

	fmt.Printf("  4. Analyze the logs:\n")
	fmt.Printf("       umt analyze --kind flowgrind ~/umtest/logs/tcp\n\n")

	fmt.Printf("  5. Review the bookkeeping:\n")
	fmt.Printf("       umt runs list\n\n")

	fmt.Printf("For detailed help on any command:\n")
	fmt.Printf("  umt <command> --help\n")
}
