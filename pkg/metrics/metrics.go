// Package metrics defines the prometheus metrics exported by the sweep tools.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RemoteCommands counts remote command invocations by outcome: "ok",
	// "failed" (non-zero rc), "timeout" or "transport".
	RemoteCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umt_remote_commands_total",
			Help: "Number of remote commands executed, by outcome.",
		},
		[]string{"outcome"},
	)

	RemoteCommandDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "umt_remote_command_duration_seconds",
			Help:    "Duration of remote commands.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	// LiveConnections is the number of established master connections.
	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "umt_ssh_live_connections",
			Help: "Number of live multiplexed SSH connections.",
		},
	)

	Dials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umt_ssh_dials_total",
			Help: "Number of SSH dial attempts, by result.",
		},
		[]string{"result"},
	)

	// Runs counts sweep cells by test kind and status.
	Runs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umt_sweep_runs_total",
			Help: "Number of measurement runs, by test and status.",
		},
		[]string{"test", "status"},
	)
)
