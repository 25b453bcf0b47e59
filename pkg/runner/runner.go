// Package runner implements the process orchestrator: it spawns the worker
// subprocess with the conversation handle, execution profile, and capability
// allow-list encoded as invocation arguments, parses the line-delimited event
// stream it emits, and enforces timeouts and cooperative cancellation. Every
// invocation holds the channel's single ActiveRun slot for the duration of
// the call.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"valet/pkg/budget"
	"valet/pkg/protocol"
)

// HandleMode selects how the worker binds the conversation handle.
type HandleMode int

// Handle modes for a worker invocation.
const (
	// ModeCreate starts a fresh conversation under the exact handle.
	ModeCreate HandleMode = iota
	// ModeResume continues the conversation named by the handle.
	ModeResume
	// ModeLatest resumes whatever the worker considers the most recent
	// conversation in the working directory (the sentinel handle).
	ModeLatest
)

// Invocation describes one worker subprocess launch.
type Invocation struct {
	Instructions string
	Dir          string
	Handle       string
	Mode         HandleMode
	Profile      string
	AllowedTools []string
}

// Spawner abstracts worker invocation for testing.
type Spawner interface {
	Spawn(ctx context.Context, inv Invocation) (Process, error)
}

// Process abstracts a running worker subprocess.
type Process interface {
	// Stdout is the worker's line-delimited event stream.
	Stdout() io.Reader
	// Interrupt requests cooperative cancellation (SIGINT).
	Interrupt() error
	// Kill terminates the subprocess immediately (timeout escalation).
	Kill() error
	// Wait blocks until exit and returns the exit error, if any.
	Wait() error
	// Stderr returns the captured error stream; valid after Wait.
	Stderr() string
}

// DefaultTimeout bounds a worker run when the request does not set one.
const DefaultTimeout = 10 * time.Minute

// progressInterval throttles progress callbacks so a chatty worker does not
// flood the messaging channel.
const progressInterval = 3 * time.Second

// Request describes one unit of work to run against the worker.
type Request struct {
	Channel      string
	Instructions string
	Dir          string
	Handle       string
	Mode         HandleMode
	Profile      string        // override; empty uses the active profile
	Timeout      time.Duration // 0 uses DefaultTimeout
	OnProgress   func(status string)
}

// Result is the outcome of a worker run. Output holds whatever text had
// accumulated even when the run failed partway.
type Result struct {
	Output       string
	CostUnits    float64
	ChangedFiles []string
	SessionID    string

	// FallbackWarning is set when this run's failure tripped the automatic
	// profile fallback. Callers surface it to the user once.
	FallbackWarning *protocol.ProfileFallbackWarning
}

// Runner orchestrates worker subprocess invocations.
type Runner struct {
	spawner  Spawner
	tracker  *Tracker
	ledger   *budget.Ledger
	profiles *budget.Profiles
	log      *slog.Logger
	tools    []string // capability allow-list passed to every invocation

	// nowFunc allows tests to control progress throttling.
	nowFunc func() time.Time
}

// New creates a Runner. The tracker is shared with the coordinator so both
// see the same per-channel run slots.
func New(spawner Spawner, tracker *Tracker, ledger *budget.Ledger, profiles *budget.Profiles, tools []string, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		spawner:  spawner,
		tracker:  tracker,
		ledger:   ledger,
		profiles: profiles,
		log:      log,
		tools:    tools,
		nowFunc:  time.Now,
	}
}

// Tracker returns the shared ActiveRun tracker.
func (r *Runner) Tracker() *Tracker { return r.tracker }

// Run executes one worker invocation for the request's channel. It registers
// the channel's ActiveRun and delegates to RunWith. The returned Result is
// non-nil even on error so callers can show partial output.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	run, err := r.tracker.Register(req.Channel)
	if err != nil {
		return &Result{}, err
	}
	return r.RunWith(ctx, run, req)
}

// RunWith executes one worker invocation under a run slot the caller already
// claimed via Tracker().Register. The gateway claims the slot before handing
// the turn to a goroutine so a message arriving an instant later queues
// instead of colliding. RunWith consults the budget ledger before spawning,
// releases the slot when the call exits by any path, and updates the ledger
// and profile tracking after the process exits.
func (r *Runner) RunWith(ctx context.Context, run *ActiveRun, req Request) (*Result, error) {
	defer r.tracker.Release(run)

	if err := r.ledger.Allow(); err != nil {
		return &Result{}, err
	}

	res, err := r.execute(ctx, run, req)
	r.ledger.Add(res.CostUnits)

	failed := err != nil && !errors.Is(err, protocol.ErrStoppedByCaller)
	if warn := r.profiles.RecordResult(failed); warn != nil {
		res.FallbackWarning = warn
		r.log.Warn("execution profile fallback", "from", warn.From, "to", warn.To)
	}
	return res, err
}

// execute spawns the worker and drives the stream until exit.
func (r *Runner) execute(ctx context.Context, run *ActiveRun, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	profile := req.Profile
	if profile == "" {
		profile = r.profiles.Active()
	}

	inv := Invocation{
		Instructions: req.Instructions,
		Dir:          req.Dir,
		Handle:       req.Handle,
		Mode:         req.Mode,
		Profile:      profile,
		AllowedTools: r.tools,
	}

	proc, err := r.spawner.Spawn(ctx, inv)
	if err != nil {
		return &Result{}, fmt.Errorf("spawn worker: %w", err)
	}
	run.setProc(proc)

	r.log.Debug("worker started", "channel", req.Channel, "profile", profile, "dir", req.Dir)

	// Consume the event stream in a goroutine: bufio.Scanner holds partial
	// lines across reads, so events split mid-line by the pipe still decode.
	acc := newAccumulator(req.OnProgress, r.nowFunc)
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		scanner := bufio.NewScanner(proc.Stdout())
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			acc.feed(protocol.DecodeStreamLine(scanner.Bytes()))
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- proc.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case <-ctx.Done():
		_ = proc.Kill()
		<-waitCh
		<-streamDone
		return acc.result(), fmt.Errorf("run cancelled: %w", ctx.Err())

	case <-timer.C:
		_ = proc.Kill()
		<-waitCh
		<-streamDone
		return acc.result(), &protocol.TimeoutError{After: timeout.String()}

	case waitErr = <-waitCh:
		<-streamDone
	}

	return acc.result(), r.classifyExit(run, waitErr, proc.Stderr())
}

// classifyExit maps the subprocess exit into the error taxonomy. The aborted
// flag takes priority: an interrupt-killed worker exits non-zero but that is
// an expected side effect of cooperative cancellation, not a failure.
func (r *Runner) classifyExit(run *ActiveRun, waitErr error, stderr string) error {
	if run.Aborted() {
		return protocol.ErrStoppedByCaller
	}
	if waitErr == nil {
		return nil
	}
	if isSessionExpired(stderr) {
		return fmt.Errorf("%w: %s", protocol.ErrSessionExpired, firstLine(stderr))
	}
	return &protocol.WorkerError{ExitCode: exitCode(waitErr), Stderr: strings.TrimSpace(stderr)}
}

// sessionExpiredMarkers are stderr fragments the worker emits when asked to
// resume a handle it no longer knows.
var sessionExpiredMarkers = []string{
	"no conversation found",
	"unknown session",
	"session not found",
}

func isSessionExpired(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, m := range sessionExpiredMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

// exitCode extracts the process exit code from a Wait error.
func exitCode(err error) int {
	type coder interface{ ExitCode() int }
	var c coder
	if errors.As(err, &c) {
		return c.ExitCode()
	}
	return -1
}

// accumulator folds stream events into the final result. Message events
// accumulate with last-one-wins; tool events only synthesize throttled
// progress status; a result event overrides everything.
type accumulator struct {
	mu           sync.Mutex
	text         string
	resultText   string
	haveResult   bool
	cost         float64
	changed      []string
	sessionID    string
	onProgress   func(string)
	lastProgress time.Time
	nowFunc      func() time.Time
}

func newAccumulator(onProgress func(string), nowFunc func() time.Time) *accumulator {
	return &accumulator{onProgress: onProgress, nowFunc: nowFunc}
}

func (a *accumulator) feed(ev protocol.StreamEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Type {
	case protocol.EventMessage:
		a.text = ev.Text

	case protocol.EventToolUse:
		if a.onProgress == nil {
			return
		}
		now := a.nowFunc()
		if now.Sub(a.lastProgress) < progressInterval {
			return
		}
		a.lastProgress = now
		status := ev.Tool
		if ev.ToolInput != "" {
			status = fmt.Sprintf("%s: %s", ev.Tool, ev.ToolInput)
		}
		a.onProgress(status)

	case protocol.EventResult:
		a.haveResult = true
		a.resultText = ev.Result
		a.cost = ev.CostUnits
		a.changed = ev.ChangedFiles
		if ev.SessionID != "" {
			a.sessionID = ev.SessionID
		}

	case protocol.EventUnknown:
		// no-op variant
	}
}

func (a *accumulator) result() *Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.text
	if a.haveResult && a.resultText != "" {
		out = a.resultText
	}
	return &Result{
		Output:       out,
		CostUnits:    a.cost,
		ChangedFiles: a.changed,
		SessionID:    a.sessionID,
	}
}
