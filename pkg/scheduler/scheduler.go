// Package scheduler implements the valet heartbeat scheduler: it holds the
// task registry, computes next-run times from persisted state, gates each
// dispatch on the daily budget and an optional precondition command, and
// fires eligible tasks against the process orchestrator. Dispatch is
// fire-and-forget relative to the tick loop so one slow task never delays
// the evaluation of the others.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"valet/pkg/config"
	"valet/pkg/protocol"
	"valet/pkg/runner"
)

// Executor runs one unit of work against the worker. Production impl is
// *runner.Runner.
type Executor interface {
	Run(ctx context.Context, req runner.Request) (*runner.Result, error)
}

// ScriptRunner executes a local shell command. Used for precondition checks
// and script tasks; neither involves the worker or the budget.
type ScriptRunner interface {
	Run(ctx context.Context, dir, command string) (string, error)
}

// Notifier delivers a job-completion message to the operator. Context is
// optional supporting detail (output preview).
type Notifier interface {
	Notify(text, context string) error
}

// BudgetGate reports whether spending is currently allowed. Production impl
// is *budget.Ledger.
type BudgetGate interface {
	Allow() error
}

// Config holds scheduler configuration.
type Config struct {
	TasksFile            string        // YAML task definitions, watched for changes
	Tick                 time.Duration // heartbeat interval (default 60s)
	PreconditionTimeout  time.Duration // bound on precondition commands (default 30s)
	RunTimeout           time.Duration // per-run worker timeout (0 uses the runner default)
	ScriptTimeout        time.Duration // bound on script tasks (default 5m)
	FallbackPollInterval time.Duration // reload poll when fsnotify is unavailable (default 5m)
}

func (c Config) withDefaults() Config {
	out := c
	if out.Tick == 0 {
		out.Tick = config.DefaultTick
	}
	if out.PreconditionTimeout == 0 {
		out.PreconditionTimeout = 30 * time.Second
	}
	if out.ScriptTimeout == 0 {
		out.ScriptTimeout = 5 * time.Minute
	}
	if out.FallbackPollInterval == 0 {
		out.FallbackPollInterval = 5 * time.Minute
	}
	return out
}

// Scheduler drives recurring tasks on a fixed heartbeat.
type Scheduler struct {
	cfg      Config
	db       *sql.DB
	executor Executor
	scripts  ScriptRunner
	gate     BudgetGate
	notifier Notifier
	log      *slog.Logger

	mu            sync.Mutex
	tasks         []protocol.Task
	state         map[string]*protocol.TaskState
	running       map[string]bool      // tasks with an in-flight run, never double-dispatched
	firstEligible map[string]time.Time // first-run deferral for never-run tasks

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Scheduler. It does not start ticking; call Run.
func New(cfg Config, db *sql.DB, executor Executor, scripts ScriptRunner, gate BudgetGate, notifier Notifier, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:           cfg.withDefaults(),
		db:            db,
		executor:      executor,
		scripts:       scripts,
		gate:          gate,
		notifier:      notifier,
		log:           log,
		state:         make(map[string]*protocol.TaskState),
		running:       make(map[string]bool),
		firstEligible: make(map[string]time.Time),
		nowFunc:       time.Now,
	}
}

// Run loads persisted task state, loads the task registry, and drives the
// heartbeat until ctx is cancelled. Task definition changes are picked up
// via fsnotify with a slow fallback poll; a reload never drops in-flight
// runs.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.loadStates(ctx); err != nil {
		return fmt.Errorf("load task state: %w", err)
	}
	if err := s.reload(ctx); err != nil {
		// A broken tasks file at startup is fatal; a broken edit while
		// running is not (reload keeps the old registry).
		return err
	}

	go s.watchTasks(ctx)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tickOnce(ctx)
		}
	}
}

// tickOnce scans the registry and dispatches every task whose next-run time
// has elapsed. Each dispatch runs in its own goroutine.
func (s *Scheduler) tickOnce(ctx context.Context) {
	now := s.nowFunc()

	s.mu.Lock()
	var due []protocol.Task
	for _, task := range s.tasks {
		if task.Disabled || s.running[task.Name] {
			continue
		}
		if !s.dueLocked(task, now) {
			continue
		}
		s.running[task.Name] = true
		due = append(due, task)
	}
	s.mu.Unlock()

	for _, task := range due {
		task := task
		go func() {
			defer func() {
				s.mu.Lock()
				delete(s.running, task.Name)
				s.mu.Unlock()
			}()
			s.runTask(ctx, task)
		}()
	}
}

// dueLocked reports whether a task's next-run time has elapsed. First-ever
// runs are deferred by one tick; otherwise cadence derives from the
// persisted last run, which preserves the remaining fraction of an interval
// across restarts.
func (s *Scheduler) dueLocked(task protocol.Task, now time.Time) bool {
	st := s.state[task.Name]
	if st == nil || st.LastRun.IsZero() {
		first, ok := s.firstEligible[task.Name]
		return ok && !now.Before(first)
	}
	return !now.Before(st.LastRun.Add(task.Interval))
}

// reload reads the task definition file and swaps the registry. Persisted
// state for tasks no longer in the file is kept; the task simply stops
// firing.
func (s *Scheduler) reload(ctx context.Context) error {
	tasks, err := config.LoadTasks(s.cfg.TasksFile)
	if err != nil {
		return err
	}
	now := s.nowFunc()

	s.mu.Lock()
	s.tasks = tasks
	for _, task := range tasks {
		st := s.state[task.Name]
		if st != nil && !st.LastRun.IsZero() {
			continue
		}
		if _, ok := s.firstEligible[task.Name]; !ok {
			s.firstEligible[task.Name] = now.Add(s.cfg.Tick)
		}
	}
	s.mu.Unlock()

	s.logEvent(ctx, "registry_loaded", "", fmt.Sprintf("%d tasks", len(tasks)))
	return nil
}

// watchTasks reloads the registry when the task definition file changes.
// The parent directory is watched because editors typically replace the
// file by rename. Falls back to pure polling if fsnotify is unavailable.
func (s *Scheduler) watchTasks(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.watchTasksPoll(ctx)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(s.cfg.TasksFile)); err != nil {
		s.watchTasksPoll(ctx)
		return
	}

	fallback := time.NewTicker(s.cfg.FallbackPollInterval)
	defer fallback.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-watcher.Events:
			if filepath.Base(ev.Name) != filepath.Base(s.cfg.TasksFile) {
				continue
			}
			s.reloadLogged(ctx)
		case err := <-watcher.Errors:
			if err != nil {
				s.logEvent(ctx, "watcher_error", "", err.Error())
			}
		case <-fallback.C:
			s.reloadLogged(ctx)
		}
	}
}

func (s *Scheduler) watchTasksPoll(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FallbackPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reloadLogged(ctx)
		}
	}
}

// reloadLogged is reload for the running daemon: a broken edit keeps the
// previous registry instead of failing.
func (s *Scheduler) reloadLogged(ctx context.Context) {
	if err := s.reload(ctx); err != nil {
		s.log.Warn("task registry reload failed, keeping previous", "err", err)
		s.logEvent(ctx, "registry_reload_failed", "", err.Error())
	}
}

// Tasks returns a snapshot of the registry with current per-task state.
func (s *Scheduler) Tasks() []protocol.TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.TaskState, 0, len(s.tasks))
	for _, task := range s.tasks {
		if st := s.state[task.Name]; st != nil {
			out = append(out, *st)
		} else {
			out = append(out, protocol.TaskState{Name: task.Name})
		}
	}
	return out
}

// --- Persistence ---

func (s *Scheduler) loadStates(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, last_run, last_status, last_preview, session_handle FROM task_state`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var st protocol.TaskState
		var lastRun, status sql.NullString
		var preview, handle sql.NullString
		if err := rows.Scan(&st.Name, &lastRun, &status, &preview, &handle); err != nil {
			return err
		}
		if lastRun.Valid {
			if t, err := time.Parse(time.RFC3339, lastRun.String); err == nil {
				st.LastRun = t
			}
		}
		st.LastStatus = protocol.RunStatus(status.String)
		st.LastPreview = preview.String
		st.SessionHandle = handle.String
		s.state[st.Name] = &st
	}
	return rows.Err()
}

func (s *Scheduler) saveState(ctx context.Context, st *protocol.TaskState) {
	var lastRun string
	if !st.LastRun.IsZero() {
		lastRun = st.LastRun.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_state (name, last_run, last_status, last_preview, session_handle)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   last_run = excluded.last_run,
		   last_status = excluded.last_status,
		   last_preview = excluded.last_preview,
		   session_handle = excluded.session_handle`,
		st.Name, lastRun, string(st.LastStatus), st.LastPreview, st.SessionHandle)
	if err != nil {
		s.log.Warn("persist task state", "task", st.Name, "err", err)
	}
}

func (s *Scheduler) recordRun(ctx context.Context, rec protocol.RunRecord) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs (task_name, channel, status, preview, cost_units, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskName, rec.Channel, string(rec.Status), rec.Preview, rec.CostUnits,
		rec.StartedAt.UTC().Format(time.RFC3339), rec.EndedAt.UTC().Format(time.RFC3339))
	if err != nil {
		s.log.Warn("persist run record", "task", rec.TaskName, "err", err)
	}
}

func (s *Scheduler) logEvent(ctx context.Context, evType, taskName, payload string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, source, task_name, payload) VALUES (?, 'scheduler', ?, ?)`,
		evType, taskName, payload)
	if err != nil {
		s.log.Warn("log event", "type", evType, "err", err)
	}
}
