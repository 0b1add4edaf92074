package remote

import (
	"strings"
	"testing"

	"al.essio.dev/pkg/shellescape"
)

func TestCommand_String(t *testing.T) {
	if got := Shell("ping -c 3 mrouter2 | tail -1").String(); got != "ping -c 3 mrouter2 | tail -1" {
		t.Errorf("shell String() = %q", got)
	}
	if got := Argv("echo", "a b", "c").String(); got != "exec echo 'a b' c" {
		t.Errorf("argv String() = %q", got)
	}

	c := Argv("true")
	if c.IsShell() {
		t.Error("Argv command reports IsShell")
	}
	if !Shell("true").IsShell() {
		t.Error("Shell command does not report IsShell")
	}
}

func TestArgv_CopiesArguments(t *testing.T) {
	args := []string{"echo", "one"}
	c := Argv(args...)
	args[1] = "two"
	if c.Args()[1] != "one" {
		t.Error("Argv shares the caller's slice")
	}
}

func TestWrap(t *testing.T) {
	got := wrap(Shell("echo 'hi'"))
	if !strings.HasPrefix(got, "echo $$; exec sh -c ") {
		t.Errorf("wrap = %q", got)
	}
	if want := "echo $$; exec sh -c " + shellescape.Quote("echo 'hi'"); got != want {
		t.Errorf("wrap did not quote the command: %q", got)
	}
}

func TestKillScript(t *testing.T) {
	s := killScript(4242, 20)
	for _, want := range []string{"kill -TERM -4242", "kill -0 -4242", "kill -KILL -4242", "-eq 20", "-gt 40"} {
		if !strings.Contains(s, want) {
			t.Errorf("killScript missing %q: %s", want, s)
		}
	}
}

func TestExitError_RC(t *testing.T) {
	tests := []struct {
		err  ExitError
		want int
	}{
		{ExitError{Status: 1}, 1},
		{ExitError{Status: 255}, 255},
		{ExitError{Signal: "KILL"}, -9},
		{ExitError{Signal: "TERM"}, -15},
		{ExitError{Signal: "SIGINT"}, -2},
		{ExitError{Signal: "BOGUS", Status: 3}, 3},
		{ExitError{Signal: "BOGUS"}, -1},
	}
	for _, tt := range tests {
		if got := tt.err.RC(); got != tt.want {
			t.Errorf("%+v.RC() = %d, want %d", tt.err, got, tt.want)
		}
	}
}
