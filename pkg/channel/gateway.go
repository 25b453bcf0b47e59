package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"valet/pkg/checkpoint"
	"valet/pkg/coordinator"
	"valet/pkg/protocol"
	"valet/pkg/runner"
	"valet/pkg/sessions"
)

// Executor runs one unit of work against the worker. Production impl is
// *runner.Runner.
type Executor interface {
	Run(ctx context.Context, req runner.Request) (*runner.Result, error)
	RunWith(ctx context.Context, run *runner.ActiveRun, req runner.Request) (*runner.Result, error)
}

// GatewayConfig holds gateway settings.
type GatewayConfig struct {
	DefaultDir string        // working directory for fresh sessions
	RunTimeout time.Duration // per-run worker timeout (0 uses the runner default)
	Debounce   time.Duration // queue debounce window (0 uses the coordinator default)
}

// Gateway routes inbound operator messages: session commands execute
// immediately, input for a busy channel queues behind the active run, and
// everything else becomes a fresh worker run. It owns the interrupt/queue
// coordinator for its channels.
type Gateway struct {
	cfg         GatewayConfig
	db          *sql.DB
	executor    Executor
	sessions    *sessions.Directory
	checkpoints *checkpoint.Manager
	coord       *coordinator.Coordinator
	tracker     *runner.Tracker
	adapter     Adapter
	log         *slog.Logger

	mu  sync.Mutex
	ctx context.Context

	nowFunc func() time.Time
}

// NewGateway wires a gateway to its adapter. The tracker is shared with the
// runner so the coordinator sees the same per-channel run slots.
func NewGateway(cfg GatewayConfig, db *sql.DB, executor Executor, dir *sessions.Directory, checkpoints *checkpoint.Manager, tracker *runner.Tracker, adapter Adapter, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{
		cfg:         cfg,
		db:          db,
		executor:    executor,
		sessions:    dir,
		checkpoints: checkpoints,
		tracker:     tracker,
		adapter:     adapter,
		log:         log,
		nowFunc:     time.Now,
	}
	g.coord = coordinator.New(tracker, g.replay, g.ack, log)
	if cfg.Debounce > 0 {
		g.coord.SetDebounce(cfg.Debounce)
	}
	return g
}

// Coordinator exposes the gateway's queue coordinator.
func (g *Gateway) Coordinator() *coordinator.Coordinator { return g.coord }

// Run serves the adapter's inbound stream until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	g.mu.Lock()
	g.ctx = ctx
	g.mu.Unlock()
	return g.adapter.Listen(ctx, g.HandleInbound)
}

func (g *Gateway) context() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx != nil {
		return g.ctx
	}
	return context.Background()
}

// HandleInbound processes one operator message. Never blocks the adapter's
// listen loop on a worker run.
func (g *Gateway) HandleInbound(msg InboundMessage) {
	if strings.HasPrefix(msg.Text, "/") {
		g.handleCommand(msg.Channel, msg.Text)
		return
	}
	run, ok := g.claim(msg.Channel, msg.Text)
	if !ok {
		return
	}
	go g.runTurn(run, msg.Channel, msg.Text)
}

// claim routes one message: into the coordinator's queue when the channel is
// busy, or onto a freshly registered run slot. The slot is claimed before the
// turn goroutine starts, so a second message arriving an instant later sees
// the channel busy and queues instead of colliding with the first.
func (g *Gateway) claim(channel, text string) (*runner.ActiveRun, bool) {
	for {
		if g.coord.Enqueue(channel, text) {
			return nil, false
		}
		run, err := g.tracker.Register(channel)
		if err == nil {
			return run, true
		}
		// Lost the slot to a concurrent turn; queue behind it.
	}
}

// replay dispatches the joined queue contents once the stale run has exited.
func (g *Gateway) replay(channel, instructions string) {
	run, ok := g.claim(channel, instructions)
	if !ok {
		return
	}
	g.runTurn(run, channel, instructions)
}

// ack confirms receipt of the first queued message.
func (g *Gateway) ack(channel string) {
	_ = g.adapter.SendMessage(channel, "Got it, folding that into the current run.")
}

// --- Session commands ---

func (g *Gateway) handleCommand(channel, text string) {
	fields := strings.Fields(text)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/new":
		dir := g.sessionDir(channel)
		if len(args) > 0 {
			dir = args[0]
		}
		g.sessions.Create(channel, dir, "")
		g.send(channel, "Started a fresh conversation in "+dir+".")

	case "/resume":
		sess, err := g.sessions.AttachMostRecent(channel, g.sessionDir(channel))
		if err != nil {
			g.send(channel, "Nothing to resume: "+err.Error())
			return
		}
		g.send(channel, "Resumed conversation "+sess.Handle+".")

	case "/continue":
		// Cross-device continuity: bind to whatever the worker itself
		// considers latest in this directory.
		g.sessions.AttachLatest(channel, g.sessionDir(channel))
		g.send(channel, "Continuing the worker's latest conversation.")

	case "/dir":
		if len(args) == 0 {
			g.send(channel, "Usage: /dir <path>")
			return
		}
		if _, ok := g.sessions.Get(channel); ok {
			g.sessions.SetDir(channel, args[0])
		} else {
			g.sessions.Create(channel, args[0], "")
		}
		g.send(channel, "Working directory is now "+args[0]+".")

	case "/checkpoints":
		g.listCheckpoints(channel)

	case "/rollback":
		if len(args) == 0 {
			g.send(channel, "Usage: /rollback <checkpoint-id>")
			return
		}
		g.rollback(channel, args[0])

	default:
		g.send(channel, "Unknown command "+cmd+".")
	}
}

func (g *Gateway) listCheckpoints(channel string) {
	cps, err := g.checkpoints.List(g.context(), g.sessionDir(channel))
	if err != nil {
		g.send(channel, "Listing checkpoints failed: "+err.Error())
		return
	}
	if len(cps) == 0 {
		g.send(channel, "No checkpoints in this directory.")
		return
	}
	var b strings.Builder
	for _, cp := range cps {
		fmt.Fprintf(&b, "%.12s  %s\n", cp.ID, cp.Label)
	}
	g.send(channel, strings.TrimRight(b.String(), "\n"))
}

func (g *Gateway) rollback(channel, checkpointID string) {
	sess, ok := g.sessions.Get(channel)
	if !ok {
		g.send(channel, "No session bound to this channel.")
		return
	}
	if err := g.checkpoints.Rollback(g.context(), sess.Dir, checkpointID, sess.Handle); err != nil {
		g.send(channel, "Rollback failed: "+err.Error())
		return
	}
	g.logEvent("rollback", channel, checkpointID)
	g.send(channel, "Rolled back to "+checkpointID+".")
}

// sessionDir returns the channel's working directory, falling back to the
// configured default.
func (g *Gateway) sessionDir(channel string) string {
	if sess, ok := g.sessions.Get(channel); ok && sess.Dir != "" {
		return sess.Dir
	}
	return g.cfg.DefaultDir
}

// --- Run path ---

// runTurn executes one conversational turn under a pre-claimed run slot. The
// executor releases the slot when the invocation exits.
func (g *Gateway) runTurn(run *runner.ActiveRun, channel, instructions string) {
	ctx := g.context()
	started := g.nowFunc()

	sess, ok := g.sessions.Get(channel)
	if !ok {
		sess = g.sessions.Create(channel, g.cfg.DefaultDir, "")
	}

	// Snapshot before the worker can mutate the tree, so the turn is
	// reversible. Failure is logged, never blocks the run.
	checkpointID, err := g.checkpoints.Snapshot(ctx, sess.Dir)
	if err != nil {
		g.log.Warn("checkpoint snapshot failed", "channel", channel, "err", err)
	}

	g.logEvent("run_started", channel, "")
	mode := modeFor(sess)
	req := runner.Request{
		Channel:      channel,
		Instructions: instructions,
		Dir:          sess.Dir,
		Handle:       sess.Handle,
		Mode:         mode,
		Timeout:      g.cfg.RunTimeout,
		OnProgress:   g.progressFunc(channel),
	}
	res, err := g.executor.RunWith(ctx, run, req)

	// The worker forgot the conversation it was asked to resume: retry
	// exactly once on a fresh handle, then give up.
	if err != nil && errors.Is(err, protocol.ErrSessionExpired) && mode != runner.ModeCreate {
		g.log.Info("session expired, retrying on a fresh conversation", "channel", channel)
		sess = g.sessions.Create(channel, sess.Dir, "")
		req.Handle = sess.Handle
		req.Mode = runner.ModeCreate
		res, err = g.executor.Run(ctx, req)
		if errors.Is(err, runner.ErrChannelBusy) {
			// Newer input took the freed slot while the retry was being
			// set up; fold this turn into its queue instead.
			g.coord.Enqueue(channel, instructions)
			return
		}
	}

	g.recordRun(channel, protocol.StatusForError(err), res, started)

	switch {
	case err == nil:
		g.sessions.MarkStarted(channel, res.SessionID)
		out := res.Output
		if out == "" {
			out = "(no output)"
		}
		g.send(channel, out)
		if res.FallbackWarning != nil {
			g.send(channel, res.FallbackWarning.Error())
		}
		if checkpointID != "" && len(res.ChangedFiles) > 0 {
			_ = g.adapter.SendButtons(channel,
				fmt.Sprintf("%d files changed.", len(res.ChangedFiles)),
				[]Button{{Label: "Undo", Action: "/rollback " + checkpointID}})
		}

	case errors.Is(err, protocol.ErrStoppedByCaller):
		// A queued correction aborted this run; the replay will answer,
		// so an error message here would only be noise.
		if !g.coord.HasQueued(channel) {
			g.send(channel, "Stopped.")
		}

	default:
		text := "Run failed: " + err.Error()
		if res != nil && res.Output != "" {
			text = res.Output + "\n(" + err.Error() + ")"
		}
		g.send(channel, text)
	}
}

// progressFunc posts the first progress update as a status message and edits
// it in place afterwards.
func (g *Gateway) progressFunc(channel string) func(string) {
	var mu sync.Mutex
	var id string
	return func(status string) {
		mu.Lock()
		defer mu.Unlock()
		if id == "" {
			newID, err := g.adapter.SendStatus(channel, status)
			if err == nil {
				id = newID
			}
			return
		}
		_ = g.adapter.EditStatus(channel, id, status)
	}
}

func modeFor(sess protocol.Session) runner.HandleMode {
	switch {
	case sess.Handle == protocol.HandleLatest:
		return runner.ModeLatest
	case !sess.Started:
		return runner.ModeCreate
	default:
		return runner.ModeResume
	}
}

func (g *Gateway) send(channel, text string) {
	if err := g.adapter.SendMessage(channel, text); err != nil {
		g.log.Warn("send failed", "channel", channel, "err", err)
	}
}

// --- Persistence ---

func (g *Gateway) recordRun(channel string, status protocol.RunStatus, res *runner.Result, started time.Time) {
	ended := g.nowFunc()
	var cost float64
	var preview string
	if res != nil {
		cost = res.CostUnits
		preview = previewOf(res.Output)
	}
	_, err := g.db.Exec(
		`INSERT INTO task_runs (task_name, channel, status, preview, cost_units, started_at, ended_at)
		 VALUES ('', ?, ?, ?, ?, ?, ?)`,
		channel, string(status), preview, cost,
		started.UTC().Format(time.RFC3339), ended.UTC().Format(time.RFC3339))
	if err != nil {
		g.log.Warn("persist run record", "channel", channel, "err", err)
	}
	g.logEvent("run_finished", channel, string(status))
}

// previewLimit bounds the stored output preview.
const previewLimit = 400

// previewOf trims output for storage without splitting a rune.
func previewOf(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	cut := []rune(s)
	if len(cut) <= previewLimit {
		return s
	}
	return string(cut[:previewLimit]) + "…"
}

func (g *Gateway) logEvent(evType, channel, payload string) {
	_, err := g.db.Exec(
		`INSERT INTO events (type, source, channel, payload) VALUES (?, 'gateway', ?, ?)`,
		evType, channel, payload)
	if err != nil {
		g.log.Warn("log event", "type", evType, "err", err)
	}
}
