package logging

import (
	"testing"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want log.Level
	}{
		{"default", nil, log.InfoLevel},
		{"verbose short", []string{"-v"}, log.DebugLevel},
		{"verbose long", []string{"--verbose"}, log.DebugLevel},
		{"quiet", []string{"-q"}, log.WarnLevel},
		{"debug wins over quiet", []string{"-q", "--debug"}, log.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var o Options
			fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
			o.AddFlags(fs)
			if err := fs.Parse(tt.args); err != nil {
				t.Fatalf("Parse(%v) failed: %v", tt.args, err)
			}
			if got := o.Level(); got != tt.want {
				t.Errorf("Level() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSyslogFlag(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, ""},
		{[]string{"--syslog"}, localSyslog},
		{[]string{"--syslog=loghost"}, "loghost"},
	}

	for _, tt := range tests {
		var o Options
		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		o.AddFlags(fs)
		if err := fs.Parse(tt.args); err != nil {
			t.Fatalf("Parse(%v) failed: %v", tt.args, err)
		}
		if o.Syslog != tt.want {
			t.Errorf("Parse(%v): Syslog = %q, want %q", tt.args, o.Syslog, tt.want)
		}
	}
}

func TestSetup(t *testing.T) {
	logger, closer, err := Setup("umt-test", Options{Quiet: true})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer closer.Close()

	if logger.GetLevel() != log.WarnLevel {
		t.Errorf("logger level = %v, want %v", logger.GetLevel(), log.WarnLevel)
	}
	if log.Default() != logger {
		t.Error("Setup should install the logger as default")
	}
	if Or(nil) != logger {
		t.Error("Or(nil) should return the default logger")
	}
}
