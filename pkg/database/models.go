package database

import "time"

// Sweep is one execution of a sweep plan
type Sweep struct {
	ID          string // UUID
	Name        string
	NodeType    string
	Plan        string // the plan as YAML
	PID         int
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      string // 'running', 'completed', 'failed', 'aborted'
	Notes       string
}

// Run is one test of one sweep cell
type Run struct {
	ID           int64
	SweepID      string
	Iteration    int
	Scenario     int
	ScenarioName string
	Run          int
	Test         string
	Src          string
	Dst          string
	LogPath      string
	CRC32        string
	SizeBytes    int64
	StartedAt    time.Time
	DurationMs   int64
	Status       string // 'ok', 'failed'
	Error        string
}

// Command is one remote command issued during a sweep
type Command struct {
	ID         int64
	SweepID    string
	Host       string
	Command    string
	RC         int
	TimedOut   bool
	StartedAt  time.Time
	DurationMs int64
	Error      string
}

// RunStat summarises the runs of one test with one status
type RunStat struct {
	Test          string
	Status        string
	Count         int
	AvgDurationMs float64
}

// Sweep statuses
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
)

// Run statuses
const (
	RunOK     = "ok"
	RunFailed = "failed"
)
