package channel //nolint:testpackage // white-box tests drive runTurn directly

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"valet/pkg/checkpoint"
	"valet/pkg/protocol"
	"valet/pkg/runner"
	"valet/pkg/sessions"

	_ "modernc.org/sqlite"
)

type fakeAdapter struct {
	mu       sync.Mutex
	messages []string
	statuses []string
	buttons  [][]Button
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Listen(context.Context, InboundFunc) error { return nil }

func (f *fakeAdapter) SendMessage(_, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeAdapter) SendStatus(_, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, text)
	return "status-1", nil
}

func (f *fakeAdapter) EditStatus(_, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, text)
	return nil
}

func (f *fakeAdapter) SendButtons(_, _ string, buttons []Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buttons = append(f.buttons, buttons)
	return nil
}

func (f *fakeAdapter) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	copy(out, f.messages)
	return out
}

// fakeExecutor models the runner's slot discipline: Run claims the channel
// slot itself, RunWith runs under a caller-claimed slot, and both release it
// on exit.
type fakeExecutor struct {
	mu       sync.Mutex
	tracker  *runner.Tracker
	requests []runner.Request
	run      func(req runner.Request) (*runner.Result, error)
}

func (f *fakeExecutor) Run(ctx context.Context, req runner.Request) (*runner.Result, error) {
	run, err := f.tracker.Register(req.Channel)
	if err != nil {
		return &runner.Result{}, err
	}
	return f.RunWith(ctx, run, req)
}

func (f *fakeExecutor) RunWith(_ context.Context, run *runner.ActiveRun, req runner.Request) (*runner.Result, error) {
	defer f.tracker.Release(run)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.run == nil {
		return &runner.Result{Output: "answer", CostUnits: 1, SessionID: req.Handle}, nil
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

// noRepoGit makes every checkpoint snapshot a no-op.
type noRepoGit struct{}

func (noRepoGit) Run(context.Context, string, ...string) (string, string, error) {
	return "", "", errors.New("not a git repository")
}

// dirtyRepoGit simulates a repository with uncommitted changes.
type dirtyRepoGit struct{}

func (dirtyRepoGit) Run(_ context.Context, _ string, args ...string) (string, string, error) {
	switch args[0] {
	case "rev-parse":
		if args[1] == "--is-inside-work-tree" {
			return "true\n", "", nil
		}
		return "deadbeefcafe0123\n", "", nil
	case "status":
		return " M main.go\n", "", nil
	default:
		return "", "", nil
	}
}

type harness struct {
	gw       *Gateway
	adapter  *fakeAdapter
	executor *fakeExecutor
	tracker  *runner.Tracker
	db       *sql.DB
}

func newHarness(t *testing.T, git checkpoint.GitRunner) *harness {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatal(err)
	}

	h := &harness{
		adapter: &fakeAdapter{},
		tracker: runner.NewTracker(),
		db:      db,
	}
	h.executor = &fakeExecutor{tracker: h.tracker}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := sessions.NewTranscriptStore(t.TempDir())
	dir := sessions.NewDirectory(store)
	cps := checkpoint.NewManager(git, store, log)
	h.gw = NewGateway(
		GatewayConfig{DefaultDir: t.TempDir(), Debounce: 30 * time.Millisecond},
		db, h.executor, dir, cps, h.tracker, h.adapter, log)
	return h
}

// turn claims the channel's run slot and drives one turn synchronously.
func (h *harness) turn(t *testing.T, channel, instructions string) {
	t.Helper()
	run, err := h.tracker.Register(channel)
	if err != nil {
		t.Fatal(err)
	}
	h.gw.runTurn(run, channel, instructions)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestFirstTurnCreatesSessionThenResumes(t *testing.T) {
	h := newHarness(t, noRepoGit{})

	h.gw.HandleInbound(InboundMessage{Channel: "console", Text: "hello"})
	waitFor(t, func() bool { return len(h.executor.calls()) == 1 })
	waitFor(t, func() bool { return len(h.adapter.sent()) == 1 })

	first := h.executor.calls()[0]
	if first.Mode != runner.ModeCreate {
		t.Error("first turn did not create a conversation")
	}
	if first.Handle == "" {
		t.Error("first turn has no handle")
	}
	if got := h.adapter.sent()[0]; got != "answer" {
		t.Errorf("delivered output = %q", got)
	}

	h.gw.HandleInbound(InboundMessage{Channel: "console", Text: "and then?"})
	waitFor(t, func() bool { return len(h.executor.calls()) == 2 })

	second := h.executor.calls()[1]
	if second.Mode != runner.ModeResume {
		t.Error("second turn did not resume")
	}
	if second.Handle != first.Handle {
		t.Errorf("second turn handle = %q, want %q", second.Handle, first.Handle)
	}
}

func TestSessionExpiredRetriesExactlyOnce(t *testing.T) {
	h := newHarness(t, noRepoGit{})

	// First turn establishes a started session.
	h.gw.HandleInbound(InboundMessage{Channel: "console", Text: "hello"})
	waitFor(t, func() bool { return len(h.executor.calls()) == 1 })

	// The worker now claims the conversation is gone, once.
	var failed bool
	h.executor.run = func(req runner.Request) (*runner.Result, error) {
		if !failed {
			failed = true
			return &runner.Result{}, fmt.Errorf("resume: %w", protocol.ErrSessionExpired)
		}
		return &runner.Result{Output: "recovered", SessionID: req.Handle}, nil
	}

	h.gw.HandleInbound(InboundMessage{Channel: "console", Text: "again"})
	waitFor(t, func() bool { return len(h.executor.calls()) == 3 })

	calls := h.executor.calls()
	if calls[1].Mode != runner.ModeResume {
		t.Error("expired turn did not attempt resume first")
	}
	retry := calls[2]
	if retry.Mode != runner.ModeCreate {
		t.Error("retry did not create a fresh conversation")
	}
	if retry.Handle == calls[1].Handle {
		t.Error("retry reused the expired handle")
	}
	waitFor(t, func() bool {
		for _, m := range h.adapter.sent() {
			if m == "recovered" {
				return true
			}
		}
		return false
	})
}

func TestSessionExpiredOnRetryGivesUp(t *testing.T) {
	h := newHarness(t, noRepoGit{})
	h.gw.HandleInbound(InboundMessage{Channel: "console", Text: "hello"})
	waitFor(t, func() bool { return len(h.executor.calls()) == 1 })

	h.executor.run = func(runner.Request) (*runner.Result, error) {
		return &runner.Result{}, fmt.Errorf("resume: %w", protocol.ErrSessionExpired)
	}
	h.gw.HandleInbound(InboundMessage{Channel: "console", Text: "again"})

	// Resume attempt plus exactly one fresh retry.
	waitFor(t, func() bool { return len(h.executor.calls()) == 3 })
	waitFor(t, func() bool {
		for _, m := range h.adapter.sent() {
			if strings.Contains(m, "Run failed") {
				return true
			}
		}
		return false
	})
	if n := len(h.executor.calls()); n != 3 {
		t.Fatalf("retries did not stop, %d calls", n)
	}
}

func TestBusyChannelQueuesAndReplays(t *testing.T) {
	h := newHarness(t, noRepoGit{})
	run, err := h.tracker.Register("console")
	if err != nil {
		t.Fatal(err)
	}

	h.gw.HandleInbound(InboundMessage{Channel: "console", Text: "correction"})
	if n := len(h.executor.calls()); n != 0 {
		t.Fatalf("queued message dispatched immediately, %d calls", n)
	}
	if !run.Aborted() {
		t.Error("active run was not aborted")
	}
	// Receipt acknowledged.
	waitFor(t, func() bool { return len(h.adapter.sent()) == 1 })

	h.tracker.Release(run)
	waitFor(t, func() bool { return len(h.executor.calls()) == 1 })
	if got := h.executor.calls()[0].Instructions; got != "correction" {
		t.Errorf("replayed instructions = %q", got)
	}
}

func TestStoppedByCallerSuppressedWhenQueued(t *testing.T) {
	h := newHarness(t, noRepoGit{})
	h.executor.run = func(runner.Request) (*runner.Result, error) {
		return &runner.Result{}, protocol.ErrStoppedByCaller
	}

	// A queue entry exists for the channel, so the abort outcome is the
	// queue's doing and must stay quiet.
	run, err := h.tracker.Register("console")
	if err != nil {
		t.Fatal(err)
	}
	h.gw.HandleInbound(InboundMessage{Channel: "console", Text: "queued correction"})
	if !run.Aborted() {
		t.Error("active run was not aborted")
	}
	ackCount := len(h.adapter.sent())

	// Finish the aborted turn under its claimed slot; RunWith releases it.
	h.gw.runTurn(run, "console", "the original request")
	for _, m := range h.adapter.sent()[ackCount:] {
		if strings.Contains(m, "Stopped") {
			t.Errorf("caller-initiated stop surfaced to the user: %q", m)
		}
	}

	// Let the queued replay drain before the test tears down.
	waitFor(t, func() bool { return len(h.executor.calls()) == 2 })
}

func TestStoppedByCallerSurfacedWhenNotQueued(t *testing.T) {
	h := newHarness(t, noRepoGit{})
	h.executor.run = func(runner.Request) (*runner.Result, error) {
		return &runner.Result{}, protocol.ErrStoppedByCaller
	}

	h.turn(t, "console", "request")
	found := false
	for _, m := range h.adapter.sent() {
		if m == "Stopped." {
			found = true
		}
	}
	if !found {
		t.Error("standalone stop was not reported")
	}
}

func TestUndoButtonAfterMutatingRun(t *testing.T) {
	h := newHarness(t, dirtyRepoGit{})
	h.executor.run = func(req runner.Request) (*runner.Result, error) {
		return &runner.Result{
			Output:       "edited two files",
			SessionID:    req.Handle,
			ChangedFiles: []string{"main.go", "main_test.go"},
		}, nil
	}

	h.turn(t, "console", "refactor this")

	h.adapter.mu.Lock()
	defer h.adapter.mu.Unlock()
	if len(h.adapter.buttons) != 1 {
		t.Fatalf("button messages = %d, want 1", len(h.adapter.buttons))
	}
	action := h.adapter.buttons[0][0].Action
	if !strings.HasPrefix(action, "/rollback deadbeefcafe0123") {
		t.Errorf("undo action = %q", action)
	}
}

func TestRunFailureKeepsPartialOutput(t *testing.T) {
	h := newHarness(t, noRepoGit{})
	h.executor.run = func(runner.Request) (*runner.Result, error) {
		return &runner.Result{Output: "half done"}, &protocol.TimeoutError{After: "10m0s"}
	}

	h.turn(t, "console", "request")
	sent := h.adapter.sent()
	if len(sent) == 0 || !strings.Contains(sent[len(sent)-1], "half done") {
		t.Errorf("partial output lost: %v", sent)
	}

	var status string
	if err := h.db.QueryRow(`SELECT status FROM task_runs WHERE channel = 'console'`).Scan(&status); err != nil {
		t.Fatal(err)
	}
	if status != string(protocol.StatusTimeout) {
		t.Errorf("recorded status = %s, want timeout", status)
	}
}

func TestRapidSecondMessageQueuesInsteadOfFailing(t *testing.T) {
	h := newHarness(t, noRepoGit{})
	release := make(chan struct{})
	h.executor.run = func(req runner.Request) (*runner.Result, error) {
		if req.Instructions == "long request" {
			<-release
		}
		return &runner.Result{Output: "done", SessionID: req.Handle}, nil
	}

	// Two messages back to back: the channel slot is claimed before the
	// first turn's goroutine starts, so the second must queue behind it.
	h.gw.HandleInbound(InboundMessage{Channel: "console", Text: "long request"})
	h.gw.HandleInbound(InboundMessage{Channel: "console", Text: "actually do this instead"})

	// Receipt of the queued message is acknowledged while the first
	// invocation is still blocked, and no second run has started. Wait for
	// the first turn's goroutine to reach the executor before asserting no
	// second run exists, so the check is not racing its startup.
	waitFor(t, func() bool { return len(h.executor.calls()) >= 1 })
	waitFor(t, func() bool { return len(h.adapter.sent()) == 1 })
	if n := len(h.executor.calls()); n != 1 {
		t.Fatalf("second message started its own run, %d calls", n)
	}
	close(release)

	waitFor(t, func() bool { return len(h.executor.calls()) == 2 })
	if got := h.executor.calls()[1].Instructions; got != "actually do this instead" {
		t.Errorf("replayed instructions = %q", got)
	}
	for _, m := range h.adapter.sent() {
		if strings.Contains(m, "Run failed") {
			t.Errorf("queued message surfaced as a failure: %q", m)
		}
	}
}

func TestRunRecordPreviewTruncatesOnRuneBoundary(t *testing.T) {
	h := newHarness(t, noRepoGit{})
	long := strings.Repeat("ü", 500)
	h.executor.run = func(req runner.Request) (*runner.Result, error) {
		return &runner.Result{Output: long, SessionID: req.Handle}, nil
	}

	h.turn(t, "console", "request")

	var preview string
	if err := h.db.QueryRow(`SELECT preview FROM task_runs WHERE channel = 'console'`).Scan(&preview); err != nil {
		t.Fatal(err)
	}
	if !utf8.ValidString(preview) {
		t.Error("stored preview is not valid UTF-8")
	}
	if !strings.HasSuffix(preview, "…") {
		t.Errorf("long output was not truncated: %d bytes stored", len(preview))
	}
	if got := utf8.RuneCountInString(preview); got != 401 {
		t.Errorf("preview runes = %d, want 401", got)
	}
}

func TestSessionCommands(t *testing.T) {
	h := newHarness(t, noRepoGit{})

	h.gw.HandleInbound(InboundMessage{Channel: "console", Text: "/dir /tmp/project"})
	h.gw.HandleInbound(InboundMessage{Channel: "console", Text: "/new"})
	h.gw.HandleInbound(InboundMessage{Channel: "console", Text: "/bogus"})

	sent := h.adapter.sent()
	if len(sent) != 3 {
		t.Fatalf("command replies = %d, want 3", len(sent))
	}
	if !strings.Contains(sent[1], "/tmp/project") {
		t.Errorf("/new ignored the directory set by /dir: %q", sent[1])
	}
	if !strings.Contains(sent[2], "Unknown command") {
		t.Errorf("unknown command reply = %q", sent[2])
	}
	if n := len(h.executor.calls()); n != 0 {
		t.Fatalf("commands reached the worker, %d calls", n)
	}
}
