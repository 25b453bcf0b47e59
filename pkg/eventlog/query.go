// Package eventlog provides read-only access to the daemon's SQLite state
// database. It backs the CLI history commands and valet-dash without ever
// writing, so it can be opened while the daemon holds the database.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"valet/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// Event is one row of the daemon event log.
type Event struct {
	ID        int64
	Type      string
	Source    string
	TaskName  string
	Channel   string
	Payload   string
	CreatedAt time.Time
}

// QueryOpts filters event queries.
type QueryOpts struct {
	TaskName  string     // filter to one task
	Channel   string     // filter to one channel
	EventType string     // filter to one event type
	After     *time.Time // created at or after
	Before    *time.Time // created at or before
	Limit     int        // 0 = no limit
}

// Reader provides read-only access to the daemon state database.
type Reader struct {
	db *sql.DB
}

// NewReader opens the state database in read-only mode with WAL so queries
// never block the running daemon.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Reader{db: db}, nil
}

// Close releases the database connection. Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Events retrieves log rows matching the filter, newest first.
func (r *Reader) Events(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var taskName, channel, payload sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &taskName, &channel, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.TaskName = taskName.String
		e.Channel = channel.String
		e.Payload = payload.String
		e.CreatedAt = parseSQLiteTime(createdAt)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Runs retrieves run history, newest first. Limit 0 means no limit.
func (r *Reader) Runs(ctx context.Context, limit int) ([]protocol.RunRecord, error) {
	query := `SELECT id, task_name, channel, status, preview, cost_units, started_at, ended_at
	          FROM task_runs ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []protocol.RunRecord
	for rows.Next() {
		var rec protocol.RunRecord
		var taskName, channel, preview sql.NullString
		var status, startedAt, endedAt string
		if err := rows.Scan(&rec.ID, &taskName, &channel, &status, &preview, &rec.CostUnits, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.TaskName = taskName.String
		rec.Channel = channel.String
		rec.Status = protocol.RunStatus(status)
		rec.Preview = preview.String
		rec.StartedAt = parseSQLiteTime(startedAt)
		rec.EndedAt = parseSQLiteTime(endedAt)
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// TaskStates retrieves the persisted scheduler bookkeeping for every task.
func (r *Reader) TaskStates(ctx context.Context) ([]protocol.TaskState, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, last_run, last_status, last_preview, session_handle FROM task_state ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query task state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var states []protocol.TaskState
	for rows.Next() {
		var st protocol.TaskState
		var lastRun, status, preview, handle sql.NullString
		if err := rows.Scan(&st.Name, &lastRun, &status, &preview, &handle); err != nil {
			return nil, fmt.Errorf("scan task state: %w", err)
		}
		if lastRun.String != "" {
			st.LastRun = parseSQLiteTime(lastRun.String)
		}
		st.LastStatus = protocol.RunStatus(status.String)
		st.LastPreview = preview.String
		st.SessionHandle = handle.String
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task state: %w", err)
	}
	return states, nil
}

// BudgetToday returns the consumed cost units for the given day key.
func (r *Reader) BudgetToday(ctx context.Context, day string) (float64, error) {
	var used float64
	err := r.db.QueryRowContext(ctx,
		`SELECT used FROM budget_days WHERE day = ?`, day).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query budget: %w", err)
	}
	return used, nil
}

// Setting returns the value stored under key in the settings table, or ""
// when the key has never been written.
func (r *Reader) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query setting: %w", err)
	}
	return value, nil
}

// buildQuery constructs the events SQL from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, source, task_name, channel, payload, created_at FROM events WHERE 1=1"

	if opts.TaskName != "" {
		conditions = append(conditions, "task_name = ?")
		args = append(args, opts.TaskName)
	}
	if opts.Channel != "" {
		conditions = append(conditions, "channel = ?")
		args = append(args, opts.Channel)
	}
	if opts.EventType != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.EventType)
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.Format("2006-01-02 15:04:05"))
	}
	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.Format("2006-01-02 15:04:05"))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}

// parseSQLiteTime accepts both SQLite's datetime('now') format and RFC3339,
// since the daemon writes timestamps in both shapes.
func parseSQLiteTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
