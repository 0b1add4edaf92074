package remote

import (
	"fmt"

	"al.essio.dev/pkg/shellescape"
)

// Command is either a shell line, run through the remote shell, or an
// argument vector whose elements are passed through unchanged.
type Command struct {
	shell string
	argv  []string
}

// Shell returns a command run through the remote shell.
func Shell(line string) Command {
	return Command{shell: line}
}

// Argv returns a command executed directly with the given arguments.
func Argv(args ...string) Command {
	return Command{argv: append([]string(nil), args...)}
}

// IsShell reports whether the command is a shell line.
func (c Command) IsShell() bool {
	return c.argv == nil
}

// Args returns the argument vector, or nil for shell commands.
func (c Command) Args() []string {
	return c.argv
}

// String returns the line sent to the remote shell.
func (c Command) String() string {
	if c.IsShell() {
		return c.shell
	}
	return "exec " + shellescape.QuoteCommand(c.argv)
}

// wrap prefixes the command so that the first line of stdout carries the
// PID of the remote shell. The shell is the leader of its process group,
// which lets a timed out command be killed together with its children.
func wrap(c Command) string {
	return "echo $$; exec sh -c " + shellescape.Quote(c.String())
}

// killScript terminates process group pid and exits 0 once it is gone. It
// escalates to SIGKILL after grace polls and gives up after twice that.
func killScript(pid int, grace int) string {
	return fmt.Sprintf("kill -TERM -%[1]d 2>/dev/null; i=0; "+
		"while kill -0 -%[1]d 2>/dev/null; do "+
		"i=$((i+1)); "+
		"if [ $i -eq %[2]d ]; then kill -KILL -%[1]d 2>/dev/null; fi; "+
		"if [ $i -gt %[3]d ]; then exit 1; fi; "+
		"sleep 0.1; done; exit 0", pid, grace, 2*grace)
}
