package scheduler //nolint:testpackage // white-box tests drive tickOnce directly

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"valet/pkg/protocol"
	"valet/pkg/runner"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatal(err)
	}
	return db
}

// fakeExecutor records requests and answers from a scripted function.
type fakeExecutor struct {
	mu       sync.Mutex
	requests []runner.Request
	run      func(req runner.Request) (*runner.Result, error)
}

func (f *fakeExecutor) Run(_ context.Context, req runner.Request) (*runner.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.run == nil {
		return &runner.Result{Output: "done", CostUnits: 1}, nil
	}
	return f.run(req)
}

func (f *fakeExecutor) calls() []runner.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runner.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// fakeScripts answers precondition and script commands.
type fakeScripts struct {
	mu    sync.Mutex
	calls []string
	run   func(dir, command string) (string, error)
}

func (f *fakeScripts) Run(_ context.Context, dir, command string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, command)
	f.mu.Unlock()
	if f.run == nil {
		return "", nil
	}
	return f.run(dir, command)
}

type fakeGate struct{ err error }

func (f *fakeGate) Allow() error { return f.err }

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeNotifier) Notify(text, _ string) error {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return nil
}

// fixture wires a scheduler with fakes and a controllable clock.
type fixture struct {
	sched    *Scheduler
	db       *sql.DB
	executor *fakeExecutor
	scripts  *fakeScripts
	gate     *fakeGate
	notifier *fakeNotifier

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T, tasksYAML string) *fixture {
	t.Helper()
	f := &fixture{
		db:       openTestDB(t),
		executor: &fakeExecutor{},
		scripts:  &fakeScripts{},
		gate:     &fakeGate{},
		notifier: &fakeNotifier{},
		now:      time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	tasksFile := filepath.Join(t.TempDir(), "tasks.yaml")
	if err := os.WriteFile(tasksFile, []byte(tasksYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := Config{TasksFile: tasksFile, Tick: time.Minute}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.sched = New(cfg, f.db, f.executor, f.scripts, f.gate, f.notifier, log)
	f.sched.nowFunc = func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	}
	if err := f.sched.loadStates(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.sched.reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	f.sched.tickOnce(context.Background())
}

// settle waits until no task dispatch goroutines remain in flight.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.sched.mu.Lock()
		n := len(f.sched.running)
		f.sched.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("dispatched tasks never settled")
}

func (f *fixture) lastStatus(t *testing.T, name string) protocol.RunStatus {
	t.Helper()
	var status string
	err := f.db.QueryRow(`SELECT last_status FROM task_state WHERE name = ?`, name).Scan(&status)
	if err != nil {
		t.Fatalf("task_state for %s: %v", name, err)
	}
	return protocol.RunStatus(status)
}

const oneTask = `
tasks:
  - name: digest
    instructions: Summarize overnight activity.
    interval: 30m
`

func TestFirstRunDeferredOneTick(t *testing.T) {
	f := newFixture(t, oneTask)

	f.tick(t)
	f.settle(t)
	if n := len(f.executor.calls()); n != 0 {
		t.Fatalf("task fired on the startup tick, %d calls", n)
	}

	f.advance(time.Minute)
	f.tick(t)
	f.settle(t)
	if n := len(f.executor.calls()); n != 1 {
		t.Fatalf("calls after one tick interval = %d, want 1", n)
	}
}

func TestNoDoubleFireWithinInterval(t *testing.T) {
	f := newFixture(t, oneTask)
	f.advance(time.Minute)
	f.tick(t)
	f.settle(t)

	// Several more ticks inside the 30m interval.
	for i := 0; i < 5; i++ {
		f.advance(time.Minute)
		f.tick(t)
		f.settle(t)
	}
	if n := len(f.executor.calls()); n != 1 {
		t.Fatalf("calls inside one interval = %d, want 1", n)
	}

	f.advance(30 * time.Minute)
	f.tick(t)
	f.settle(t)
	if n := len(f.executor.calls()); n != 2 {
		t.Fatalf("calls after interval elapsed = %d, want 2", n)
	}
}

func TestDisabledTaskNeverRuns(t *testing.T) {
	f := newFixture(t, `
tasks:
  - name: paused
    instructions: nothing
    interval: 5m
    disabled: true
`)
	for i := 0; i < 10; i++ {
		f.advance(time.Minute)
		f.tick(t)
	}
	f.settle(t)
	if n := len(f.executor.calls()); n != 0 {
		t.Fatalf("disabled task ran %d times", n)
	}
}

func TestInFlightTaskNotRedispatched(t *testing.T) {
	f := newFixture(t, oneTask)
	release := make(chan struct{})
	f.executor.run = func(runner.Request) (*runner.Result, error) {
		<-release
		return &runner.Result{Output: "slow"}, nil
	}

	f.advance(time.Minute)
	f.tick(t)
	// The run is still in flight; later ticks past the interval must not
	// start a second one.
	f.advance(time.Hour)
	f.tick(t)
	f.advance(time.Hour)
	f.tick(t)

	close(release)
	f.settle(t)
	if n := len(f.executor.calls()); n != 1 {
		t.Fatalf("overlapping dispatches = %d, want 1", n)
	}
}

func TestCadencePreservedAcrossRestart(t *testing.T) {
	db := openTestDB(t)
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	// A previous process lifetime ran the task 40 minutes ago.
	_, err := db.Exec(`INSERT INTO task_state (name, last_run, last_status) VALUES (?, ?, ?)`,
		"digest", start.Add(-40*time.Minute).Format(time.RFC3339), "success")
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		db: db, executor: &fakeExecutor{}, scripts: &fakeScripts{},
		gate: &fakeGate{}, notifier: &fakeNotifier{}, now: start,
	}
	tasksFile := filepath.Join(t.TempDir(), "tasks.yaml")
	if err := os.WriteFile(tasksFile, []byte(oneTask), 0o600); err != nil {
		t.Fatal(err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.sched = New(Config{TasksFile: tasksFile, Tick: time.Minute}, db, f.executor, f.scripts, f.gate, f.notifier, log)
	f.sched.nowFunc = func() time.Time {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.now
	}
	if err := f.sched.loadStates(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.sched.reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	// 40 of 30 minutes elapsed: due now, not deferred like a first run.
	f.tick(t)
	f.settle(t)
	if n := len(f.executor.calls()); n != 1 {
		t.Fatalf("restart with overdue task: calls = %d, want 1", n)
	}
}

func TestBudgetGateSkipsBeforePrecondition(t *testing.T) {
	f := newFixture(t, `
tasks:
  - name: digest
    instructions: summarize
    interval: 30m
    precondition: "ls inbox"
    notify: true
`)
	f.gate.err = protocol.ErrBudgetExceeded

	f.advance(time.Minute)
	f.tick(t)
	f.settle(t)

	if n := len(f.executor.calls()); n != 0 {
		t.Fatalf("worker dispatched despite exhausted budget, %d calls", n)
	}
	if n := len(f.scripts.calls); n != 0 {
		t.Fatalf("precondition ran despite exhausted budget, %d calls", n)
	}
	if got := f.lastStatus(t, "digest"); got != protocol.StatusSkippedBudget {
		t.Errorf("status = %s, want %s", got, protocol.StatusSkippedBudget)
	}

	// A no-op skip must not notify.
	if len(f.notifier.texts) != 0 {
		t.Error("skip produced a notification")
	}
}

func TestPreconditionGovernsDispatch(t *testing.T) {
	yaml := `
tasks:
  - name: triage
    instructions: Handle the new mail.
    interval: 30m
    precondition: "ls inbox/new"
`
	t.Run("no activity skips at zero cost", func(t *testing.T) {
		f := newFixture(t, yaml)
		f.scripts.run = func(string, string) (string, error) { return "  \n", nil }

		f.advance(time.Minute)
		f.tick(t)
		f.settle(t)

		if n := len(f.executor.calls()); n != 0 {
			t.Fatalf("dispatched with empty precondition output, %d calls", n)
		}
		if got := f.lastStatus(t, "triage"); got != protocol.StatusSkippedIdle {
			t.Errorf("status = %s, want %s", got, protocol.StatusSkippedIdle)
		}
		var cost float64
		if err := f.db.QueryRow(`SELECT cost_units FROM task_runs WHERE task_name = 'triage'`).Scan(&cost); err != nil {
			t.Fatal(err)
		}
		if cost != 0 {
			t.Errorf("skip recorded cost %v", cost)
		}
	})

	t.Run("output becomes job context", func(t *testing.T) {
		f := newFixture(t, yaml)
		f.scripts.run = func(string, string) (string, error) { return "3 new messages", nil }

		f.advance(time.Minute)
		f.tick(t)
		f.settle(t)

		calls := f.executor.calls()
		if len(calls) != 1 {
			t.Fatalf("calls = %d, want 1", len(calls))
		}
		if !strings.Contains(calls[0].Instructions, "Handle the new mail.") ||
			!strings.Contains(calls[0].Instructions, "3 new messages") {
			t.Errorf("instructions missing precondition context: %q", calls[0].Instructions)
		}
	})

	t.Run("failing command skips", func(t *testing.T) {
		f := newFixture(t, yaml)
		f.scripts.run = func(string, string) (string, error) { return "", errors.New("exit 1") }

		f.advance(time.Minute)
		f.tick(t)
		f.settle(t)

		if n := len(f.executor.calls()); n != 0 {
			t.Fatalf("dispatched despite failing precondition, %d calls", n)
		}
		if got := f.lastStatus(t, "triage"); got != protocol.StatusSkippedIdle {
			t.Errorf("status = %s, want %s", got, protocol.StatusSkippedIdle)
		}
	})
}

func TestScriptTaskRunsLocally(t *testing.T) {
	f := newFixture(t, `
tasks:
  - name: backup
    script: "backup.sh --quiet"
    interval: 30m
    notify: true
`)
	f.scripts.run = func(_, command string) (string, error) {
		if command != "backup.sh --quiet" {
			t.Errorf("script command = %q", command)
		}
		return "synced 42 files\n", nil
	}

	f.advance(time.Minute)
	f.tick(t)
	f.settle(t)

	if n := len(f.executor.calls()); n != 0 {
		t.Fatalf("script task reached the worker, %d calls", n)
	}
	if got := f.lastStatus(t, "backup"); got != protocol.StatusSuccess {
		t.Errorf("status = %s", got)
	}
	var cost float64
	var preview string
	if err := f.db.QueryRow(`SELECT cost_units, preview FROM task_runs WHERE task_name = 'backup'`).Scan(&cost, &preview); err != nil {
		t.Fatal(err)
	}
	if cost != 0 {
		t.Errorf("script run recorded cost %v", cost)
	}
	if preview != "synced 42 files" {
		t.Errorf("preview = %q", preview)
	}
	if len(f.notifier.texts) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.texts))
	}
}

func TestPlanStepsShareOneHandle(t *testing.T) {
	f := newFixture(t, `
tasks:
  - name: report
    interval: 30m
    steps:
      - instructions: Collect the data.
      - instructions: Polish the charts.
        optional: true
      - instructions: Draft the summary.
`)
	f.executor.run = func(req runner.Request) (*runner.Result, error) {
		if strings.Contains(req.Instructions, "Polish") {
			return &runner.Result{}, &protocol.WorkerError{ExitCode: 1, Stderr: "no charts"}
		}
		return &runner.Result{Output: "ok", CostUnits: 1, SessionID: req.Handle}, nil
	}

	f.advance(time.Minute)
	f.tick(t)
	f.settle(t)

	calls := f.executor.calls()
	if len(calls) != 3 {
		t.Fatalf("step invocations = %d, want 3", len(calls))
	}
	if calls[0].Mode != runner.ModeCreate {
		t.Error("first step did not create the conversation")
	}
	for i, call := range calls[1:] {
		if call.Mode != runner.ModeResume {
			t.Errorf("step %d mode = %v, want resume", i+2, call.Mode)
		}
		if call.Handle != calls[0].Handle {
			t.Errorf("step %d handle = %q, want shared %q", i+2, call.Handle, calls[0].Handle)
		}
	}

	// Optional step failed but the plan continued and still succeeded.
	if got := f.lastStatus(t, "report"); got != protocol.StatusSuccess {
		t.Errorf("status = %s", got)
	}
	var preview string
	if err := f.db.QueryRow(`SELECT preview FROM task_runs WHERE task_name = 'report'`).Scan(&preview); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"1. ok", "2. failed:", "3. ok"} {
		if !strings.Contains(preview, want) {
			t.Errorf("ledger preview missing %q: %q", want, preview)
		}
	}
}

func TestPlanRequiredStepFailureAbortsRemainder(t *testing.T) {
	f := newFixture(t, `
tasks:
  - name: report
    interval: 30m
    steps:
      - instructions: Collect the data.
      - instructions: Draft the summary.
`)
	f.executor.run = func(req runner.Request) (*runner.Result, error) {
		return &runner.Result{}, &protocol.WorkerError{ExitCode: 1, Stderr: "boom"}
	}

	f.advance(time.Minute)
	f.tick(t)
	f.settle(t)

	if n := len(f.executor.calls()); n != 1 {
		t.Fatalf("invocations after required-step failure = %d, want 1", n)
	}
	if got := f.lastStatus(t, "report"); got != protocol.StatusError {
		t.Errorf("status = %s, want error", got)
	}
	var preview string
	if err := f.db.QueryRow(`SELECT preview FROM task_runs WHERE task_name = 'report'`).Scan(&preview); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(preview, "2. skipped") {
		t.Errorf("ledger preview missing skipped entry: %q", preview)
	}
}

func TestPersistentSessionPinAndReset(t *testing.T) {
	f := newFixture(t, `
tasks:
  - name: journal
    instructions: Append today's entry.
    interval: 30m
    persistent_session: true
`)
	var expired bool
	f.executor.run = func(req runner.Request) (*runner.Result, error) {
		if expired {
			return &runner.Result{}, fmt.Errorf("resume: %w", protocol.ErrSessionExpired)
		}
		return &runner.Result{Output: "written", CostUnits: 1, SessionID: "conv-777"}, nil
	}

	// First cycle creates and pins the reported handle.
	f.advance(time.Minute)
	f.tick(t)
	f.settle(t)
	calls := f.executor.calls()
	if calls[0].Mode != runner.ModeCreate {
		t.Error("first cycle did not create")
	}

	// Second cycle resumes the pinned handle.
	f.advance(30 * time.Minute)
	f.tick(t)
	f.settle(t)
	calls = f.executor.calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[1].Mode != runner.ModeResume || calls[1].Handle != "conv-777" {
		t.Errorf("second cycle = mode %v handle %q, want resume conv-777", calls[1].Mode, calls[1].Handle)
	}

	// Worker forgets the handle: session_reset, handle cleared.
	expired = true
	f.advance(30 * time.Minute)
	f.tick(t)
	f.settle(t)
	if got := f.lastStatus(t, "journal"); got != protocol.StatusSessionReset {
		t.Errorf("status = %s, want %s", got, protocol.StatusSessionReset)
	}
	var handle string
	if err := f.db.QueryRow(`SELECT session_handle FROM task_state WHERE name = 'journal'`).Scan(&handle); err != nil {
		t.Fatal(err)
	}
	if handle != "" {
		t.Errorf("pinned handle not cleared: %q", handle)
	}

	// Next cycle starts fresh.
	expired = false
	f.advance(30 * time.Minute)
	f.tick(t)
	f.settle(t)
	calls = f.executor.calls()
	last := calls[len(calls)-1]
	if last.Mode != runner.ModeCreate || last.Handle == "conv-777" {
		t.Errorf("post-reset cycle = mode %v handle %q, want a fresh create", last.Mode, last.Handle)
	}
}

func TestTimeoutRecordedWithStatus(t *testing.T) {
	f := newFixture(t, oneTask)
	f.executor.run = func(runner.Request) (*runner.Result, error) {
		return &runner.Result{Output: "partial"}, &protocol.TimeoutError{After: "10m0s"}
	}

	f.advance(time.Minute)
	f.tick(t)
	f.settle(t)

	if got := f.lastStatus(t, "digest"); got != protocol.StatusTimeout {
		t.Errorf("status = %s, want %s", got, protocol.StatusTimeout)
	}
	var preview string
	if err := f.db.QueryRow(`SELECT preview FROM task_runs WHERE task_name = 'digest'`).Scan(&preview); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(preview, "partial") {
		t.Errorf("partial output lost from preview: %q", preview)
	}
}

func TestReloadSwapsRegistryKeepingState(t *testing.T) {
	f := newFixture(t, oneTask)
	f.advance(time.Minute)
	f.tick(t)
	f.settle(t)

	// Rewrite the tasks file: digest gains a precondition, newcomer appears.
	updated := `
tasks:
  - name: digest
    instructions: Summarize overnight activity.
    interval: 30m
    precondition: "ls inbox"
  - name: newcomer
    instructions: hello
    interval: 5m
`
	if err := os.WriteFile(f.sched.cfg.TasksFile, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := f.sched.reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	// digest keeps its cadence and newcomer is deferred: an immediate tick
	// fires nothing.
	f.tick(t)
	f.settle(t)
	if n := len(f.executor.calls()); n != 1 {
		t.Fatalf("refire on the reload tick, calls = %d", n)
	}

	// One tick interval later newcomer fires; digest is still inside its
	// 30m interval.
	f.advance(time.Minute)
	f.tick(t)
	f.settle(t)
	calls := f.executor.calls()
	if len(calls) != 2 || calls[1].Channel != "task:newcomer" {
		t.Fatalf("newcomer did not fire after its deferral: %v", len(calls))
	}
}

func TestBrokenReloadKeepsPreviousRegistry(t *testing.T) {
	f := newFixture(t, oneTask)
	if err := os.WriteFile(f.sched.cfg.TasksFile, []byte("tasks: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	f.sched.reloadLogged(context.Background())

	f.sched.mu.Lock()
	n := len(f.sched.tasks)
	f.sched.mu.Unlock()
	if n != 1 {
		t.Fatalf("registry lost after broken reload, %d tasks", n)
	}
}
