package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup matches nothing
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates a SQLite database and initializes the schema
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer; parallel sweep runs share this connection
	conn.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	// WAL allows multiple readers while one writer is active
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	// If database is locked, retry for up to 5 seconds before failing
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Create schema
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	// Run migrations for existing databases
	db := &DB{conn: conn}
	if err := db.runMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func parseTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, _ := time.Parse(time.RFC3339, *s)
	return &t
}

// CreateSweep creates a new sweep record, assigning it a UUID if it has none
func (db *DB) CreateSweep(sweep *Sweep) error {
	if sweep.ID == "" {
		sweep.ID = uuid.NewString()
	}
	_, err := db.conn.Exec(`
		INSERT INTO sweeps (id, name, node_type, plan, pid, started_at, status, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sweep.ID, sweep.Name, sweep.NodeType, sweep.Plan, sweep.PID,
		sweep.StartedAt.Format(time.RFC3339), sweep.Status, sweep.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to create sweep: %w", err)
	}
	return nil
}

// UpdateSweep updates the completion fields of a sweep
func (db *DB) UpdateSweep(sweep *Sweep) error {
	_, err := db.conn.Exec(`
		UPDATE sweeps
		SET completed_at = ?, status = ?, notes = ?
		WHERE id = ?`,
		formatTime(sweep.CompletedAt), sweep.Status, sweep.Notes, sweep.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sweep: %w", err)
	}
	return nil
}

const sweepColumns = `id, name, node_type, plan, COALESCE(pid, 0), started_at, completed_at, status, COALESCE(notes, '')`

type scanner interface {
	Scan(dest ...any) error
}

func scanSweep(row scanner) (*Sweep, error) {
	var s Sweep
	var startedAt string
	var completedAt *string
	err := row.Scan(&s.ID, &s.Name, &s.NodeType, &s.Plan, &s.PID, &startedAt, &completedAt, &s.Status, &s.Notes)
	if err != nil {
		return nil, err
	}
	s.StartedAt = *parseTime(&startedAt)
	s.CompletedAt = parseTime(completedAt)
	return &s, nil
}

// FindSweep retrieves a sweep by its ID or by a unique prefix of it
func (db *DB) FindSweep(idOrPrefix string) (*Sweep, error) {
	rows, err := db.conn.Query(`SELECT `+sweepColumns+` FROM sweeps WHERE id = ? OR id LIKE ? ORDER BY started_at DESC`,
		idOrPrefix, idOrPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to get sweep: %w", err)
	}
	defer rows.Close()

	var found []*Sweep
	for rows.Next() {
		s, err := scanSweep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sweep: %w", err)
		}
		if s.ID == idOrPrefix {
			return s, nil
		}
		found = append(found, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get sweep: %w", err)
	}

	switch len(found) {
	case 0:
		return nil, fmt.Errorf("sweep %s: %w", idOrPrefix, ErrNotFound)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("sweep id prefix %s is ambiguous (%d matches)", idOrPrefix, len(found))
	}
}

// ListSweeps lists sweeps, most recent first (limit <= 0 = all)
func (db *DB) ListSweeps(limit int) ([]*Sweep, error) {
	query := `SELECT ` + sweepColumns + ` FROM sweeps ORDER BY started_at DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sweeps: %w", err)
	}
	defer rows.Close()

	var sweeps []*Sweep
	for rows.Next() {
		s, err := scanSweep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sweep: %w", err)
		}
		sweeps = append(sweeps, s)
	}
	return sweeps, rows.Err()
}

// CreateRun creates a new run record
func (db *DB) CreateRun(run *Run) error {
	result, err := db.conn.Exec(`
		INSERT INTO runs (sweep_id, iteration, scenario, scenario_name, run, test, src, dst,
			log_path, crc32, size_bytes, started_at, duration_ms, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.SweepID, run.Iteration, run.Scenario, run.ScenarioName, run.Run, run.Test, run.Src, run.Dst,
		run.LogPath, run.CRC32, run.SizeBytes, run.StartedAt.Format(time.RFC3339),
		run.DurationMs, run.Status, run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

const runColumns = `id, sweep_id, iteration, scenario, COALESCE(scenario_name, ''), run, test,
	COALESCE(src, ''), COALESCE(dst, ''), COALESCE(log_path, ''), COALESCE(crc32, ''),
	COALESCE(size_bytes, 0), started_at, duration_ms, status, COALESCE(error, '')`

// ListRuns lists the runs of a sweep in execution order ("" = all sweeps)
func (db *DB) ListRuns(sweepID string) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []interface{}
	if sweepID != "" {
		query += ` WHERE sweep_id = ?`
		args = append(args, sweepID)
	}
	query += ` ORDER BY id`

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		var startedAt string

		err := rows.Scan(
			&run.ID, &run.SweepID, &run.Iteration, &run.Scenario, &run.ScenarioName, &run.Run, &run.Test,
			&run.Src, &run.Dst, &run.LogPath, &run.CRC32, &run.SizeBytes,
			&startedAt, &run.DurationMs, &run.Status, &run.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		runs = append(runs, &run)
	}

	return runs, rows.Err()
}

// RunStats summarises the runs of a sweep by test and status
func (db *DB) RunStats(sweepID string) ([]*RunStat, error) {
	rows, err := db.conn.Query(`
		SELECT test, status, COUNT(*), AVG(duration_ms)
		FROM runs WHERE sweep_id = ?
		GROUP BY test, status ORDER BY test, status`, sweepID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute run statistics: %w", err)
	}
	defer rows.Close()

	var stats []*RunStat
	for rows.Next() {
		var s RunStat
		if err := rows.Scan(&s.Test, &s.Status, &s.Count, &s.AvgDurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan run statistics: %w", err)
		}
		stats = append(stats, &s)
	}
	return stats, rows.Err()
}

// CreateCommand records a remote command
func (db *DB) CreateCommand(cmd *Command) error {
	var sweepID *string
	if cmd.SweepID != "" {
		sweepID = &cmd.SweepID
	}
	result, err := db.conn.Exec(`
		INSERT INTO commands (sweep_id, host, command, rc, timed_out, started_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sweepID, cmd.Host, cmd.Command, cmd.RC, cmd.TimedOut,
		cmd.StartedAt.Format(time.RFC3339), cmd.DurationMs, cmd.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to create command: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	cmd.ID = id
	return nil
}

// ListCommands lists the commands of a sweep in execution order
func (db *DB) ListCommands(sweepID string) ([]*Command, error) {
	rows, err := db.conn.Query(`
		SELECT id, COALESCE(sweep_id, ''), host, command, rc, timed_out, started_at, duration_ms, COALESCE(error, '')
		FROM commands WHERE sweep_id = ? ORDER BY id`, sweepID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	var cmds []*Command
	for rows.Next() {
		var cmd Command
		var startedAt string

		err := rows.Scan(
			&cmd.ID, &cmd.SweepID, &cmd.Host, &cmd.Command, &cmd.RC, &cmd.TimedOut,
			&startedAt, &cmd.DurationMs, &cmd.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}

		cmd.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		cmds = append(cmds, &cmd)
	}

	return cmds, rows.Err()
}

// RunsByLogPath maps log paths to their runs
func (db *DB) RunsByLogPath() (map[string]*Run, error) {
	runs, err := db.ListRuns("")
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]*Run, len(runs))
	for _, r := range runs {
		if r.LogPath != "" {
			byPath[r.LogPath] = r
		}
	}
	return byPath, nil
}

// QueryRaw executes a raw SQL query and returns rows
func (db *DB) QueryRaw(query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.Query(query, args...)
}

// columnMigrations adds columns introduced after a database was created
var columnMigrations = []struct {
	table, column, ddl string
}{
	{"sweeps", "pid", `ALTER TABLE sweeps ADD COLUMN pid INTEGER DEFAULT 0`},
	{"runs", "scenario_name", `ALTER TABLE runs ADD COLUMN scenario_name TEXT`},
	{"runs", "size_bytes", `ALTER TABLE runs ADD COLUMN size_bytes INTEGER`},
}

// runMigrations applies database schema migrations for existing databases
func (db *DB) runMigrations() error {
	for _, m := range columnMigrations {
		var exists bool
		err := db.conn.QueryRow(`
			SELECT COUNT(*) > 0
			FROM pragma_table_info(?)
			WHERE name = ?
		`, m.table, m.column).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check for %s.%s column: %w", m.table, m.column, err)
		}

		if !exists {
			if _, err := db.conn.Exec(m.ddl); err != nil {
				return fmt.Errorf("failed to add %s.%s column: %w", m.table, m.column, err)
			}
		}
	}

	return nil
}
