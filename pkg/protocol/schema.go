package protocol

// SchemaDDL defines the SQLite schema for the valet daemon state database.
// Tables: events, task_state, task_runs, budget_days, settings.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Runtime event log: scheduler, runner, and coordinator lifecycle events
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    task_name TEXT,
    channel TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Per-task scheduler bookkeeping, keyed by task name
CREATE TABLE IF NOT EXISTS task_state (
    name TEXT PRIMARY KEY,
    last_run TEXT,
    last_status TEXT,
    last_preview TEXT,
    session_handle TEXT
);

-- Run history for scheduled and channel-initiated runs
CREATE TABLE IF NOT EXISTS task_runs (
    id INTEGER PRIMARY KEY,
    task_name TEXT,
    channel TEXT,
    status TEXT NOT NULL,
    preview TEXT,
    cost_units REAL NOT NULL DEFAULT 0,
    started_at TEXT NOT NULL,
    ended_at TEXT NOT NULL
);

-- One row per calendar day of budget consumption
CREATE TABLE IF NOT EXISTS budget_days (
    day TEXT PRIMARY KEY,
    used REAL NOT NULL DEFAULT 0
);

-- Small key/value settings (active profile, etc.)
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Directory and path constants used throughout valet.
const (
	// ValetDir is the user-level state directory (e.g., ~/.valet).
	ValetDir = ".valet"

	// CheckpointPrefix labels snapshot commits so they can be enumerated.
	CheckpointPrefix = "valet-checkpoint:"
)
