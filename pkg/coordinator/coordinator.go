// Package coordinator serializes new human input against an in-flight worker
// run for the same channel. Instead of starting a second run, input is
// buffered with a debounce window, the stale run is aborted cooperatively,
// and the merged input is replayed as one fresh run once the channel slot
// frees. Debounced batching collapses rapid successive messages into one
// coherent instruction; the abort ensures the stale run's output is never
// shown as if it answered the new request.
package coordinator

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"valet/pkg/runner"
)

// DefaultDebounce is the window during which additional messages merge into
// the pending queue before replay.
const DefaultDebounce = 5 * time.Second

// defaultJoinWait bounds how long a flush waits for the aborted run to
// actually exit before re-arming.
const defaultJoinWait = 15 * time.Second

// Dispatch runs the merged instruction once the slot is free. The
// implementation owns its own context and error surfacing.
type Dispatch func(channel, instructions string)

// Acker acknowledges receipt to the user; called for the first queued
// message only.
type Acker func(channel string)

// queueEntry buffers input for one busy channel. It exists only while an
// ActiveRun does, and is deleted before the merged dispatch so a new wave of
// input during processing is not lost.
type queueEntry struct {
	messages []string
	timer    *time.Timer
}

// Coordinator owns the per-channel queues.
type Coordinator struct {
	mu     sync.Mutex
	queues map[string]*queueEntry

	tracker  *runner.Tracker
	dispatch Dispatch
	ack      Acker
	log      *slog.Logger

	debounce time.Duration
	joinWait time.Duration
}

// New creates a Coordinator over the shared run tracker.
func New(tracker *runner.Tracker, dispatch Dispatch, ack Acker, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		queues:   make(map[string]*queueEntry),
		tracker:  tracker,
		dispatch: dispatch,
		ack:      ack,
		log:      log,
		debounce: DefaultDebounce,
		joinWait: defaultJoinWait,
	}
}

// SetDebounce overrides the debounce window (for testing).
func (c *Coordinator) SetDebounce(d time.Duration) { c.debounce = d }

// SetJoinWait overrides the exit-wait bound (for testing).
func (c *Coordinator) SetJoinWait(d time.Duration) { c.joinWait = d }

// Enqueue handles one inbound message. If the channel is idle and has no
// pending queue it returns false and the caller dispatches directly.
// Otherwise the message is buffered, the active run is aborted (once, on the
// first queued message), and the debounce timer is (re)started. A message
// arriving after the stale run exited but before the pending replay still
// merges into the queue so it cannot race ahead of earlier input.
func (c *Coordinator) Enqueue(channel, text string) bool {
	c.mu.Lock()
	entry, exists := c.queues[channel]
	var run *runner.ActiveRun
	if !exists {
		var busy bool
		run, busy = c.tracker.Get(channel)
		if !busy {
			c.mu.Unlock()
			return false
		}
		entry = &queueEntry{}
		c.queues[channel] = entry
	}
	entry.messages = append(entry.messages, text)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(c.debounce, func() { c.flush(channel) })
	c.mu.Unlock()

	if !exists {
		c.log.Debug("interrupting active run", "channel", channel)
		if c.ack != nil {
			c.ack(channel)
		}
		run.Abort()
	}
	return true
}

// HasQueued reports whether the channel has buffered input. The gateway uses
// it to suppress the stopped-by-caller error of the aborted run, which is an
// expected side effect here rather than a real failure.
func (c *Coordinator) HasQueued(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.queues[channel]
	return ok
}

// flush waits for the aborted run to exit, then replays the merged input.
func (c *Coordinator) flush(channel string) {
	if run, busy := c.tracker.Get(channel); busy {
		select {
		case <-run.Done():
		case <-time.After(c.joinWait):
			// Still holding the slot; try again after another debounce.
			c.mu.Lock()
			if entry, ok := c.queues[channel]; ok {
				entry.timer = time.AfterFunc(c.debounce, func() { c.flush(channel) })
			}
			c.mu.Unlock()
			return
		}
	}

	c.mu.Lock()
	entry, ok := c.queues[channel]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.queues, channel)
	merged := strings.Join(entry.messages, "\n\n")
	c.mu.Unlock()

	c.log.Debug("replaying queued input", "channel", channel, "messages", len(entry.messages))
	c.dispatch(channel, merged)
}
