package database

const schema = `
CREATE TABLE IF NOT EXISTS sweeps (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    node_type TEXT NOT NULL,
    plan TEXT NOT NULL,
    pid INTEGER DEFAULT 0,
    started_at TEXT NOT NULL,
    completed_at TEXT,
    status TEXT NOT NULL,
    notes TEXT
);

CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sweep_id TEXT NOT NULL,
    iteration INTEGER NOT NULL,
    scenario INTEGER NOT NULL,
    scenario_name TEXT,
    run INTEGER NOT NULL,
    test TEXT NOT NULL,
    src TEXT,
    dst TEXT,
    log_path TEXT,
    crc32 TEXT,
    size_bytes INTEGER,
    started_at TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    FOREIGN KEY (sweep_id) REFERENCES sweeps(id)
);

CREATE TABLE IF NOT EXISTS commands (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sweep_id TEXT,
    host TEXT NOT NULL,
    command TEXT NOT NULL,
    rc INTEGER NOT NULL,
    timed_out INTEGER NOT NULL DEFAULT 0,
    started_at TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    error TEXT,
    FOREIGN KEY (sweep_id) REFERENCES sweeps(id)
);

CREATE INDEX IF NOT EXISTS idx_runs_sweep ON runs(sweep_id);
CREATE INDEX IF NOT EXISTS idx_runs_log ON runs(log_path);
CREATE INDEX IF NOT EXISTS idx_commands_sweep ON commands(sweep_id);
`
