package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"valet/pkg/eventlog"
	"valet/pkg/protocol"
)

// Snapshot is one refresh worth of daemon state read from the state database.
type Snapshot struct {
	DaemonRunning bool
	BudgetUsed    float64
	ActiveProfile string
	Tasks         []protocol.TaskState
	Runs          []protocol.RunRecord
	Events        []eventlog.Event
	FetchedAt     time.Time
}

// recentRunLimit bounds the run history shown in the dashboard.
const recentRunLimit = 30

// recentEventLimit bounds the event feed shown in the dashboard.
const recentEventLimit = 50

// FetchSnapshot reads the full dashboard state from the database at dbPath.
// The daemon check uses the PID file next to the database.
func FetchSnapshot(ctx context.Context, dbPath, pidPath string) (*Snapshot, error) {
	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		return nil, err
	}
	defer reader.Close() //nolint:errcheck // best-effort close on read-only path

	snap := &Snapshot{
		DaemonRunning: daemonRunning(pidPath),
		FetchedAt:     time.Now(),
	}

	snap.Tasks, err = reader.TaskStates(ctx)
	if err != nil {
		return nil, err
	}
	snap.Runs, err = reader.Runs(ctx, recentRunLimit)
	if err != nil {
		return nil, err
	}
	snap.Events, err = reader.Events(ctx, eventlog.QueryOpts{Limit: recentEventLimit})
	if err != nil {
		return nil, err
	}
	snap.BudgetUsed, err = reader.BudgetToday(ctx, time.Now().Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	snap.ActiveProfile, err = reader.Setting(ctx, "active_profile")
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// daemonRunning reports whether the PID file names a live process.
func daemonRunning(pidPath string) bool {
	data, err := os.ReadFile(pidPath) //nolint:gosec // path comes from valet's own state dir
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// defaultDBPath returns the state database path from env or ~/.valet.
func defaultDBPath() string {
	if v := os.Getenv("VALET_DB_PATH"); v != "" {
		return v
	}
	return filepath.Join(valetHome(), "state.db")
}

// defaultPIDPath returns the daemon PID file path from env or ~/.valet.
func defaultPIDPath() string {
	if v := os.Getenv("VALET_PID_PATH"); v != "" {
		return v
	}
	return filepath.Join(valetHome(), "valet.pid")
}

func valetHome() string {
	if v := os.Getenv("VALET_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, protocol.ValetDir)
}
