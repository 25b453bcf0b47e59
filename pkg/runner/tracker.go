package runner

import (
	"errors"
	"sync"
)

// ErrChannelBusy is returned by Register when the channel already has an
// in-flight run. Callers go through the coordinator instead of starting a
// second run.
var ErrChannelBusy = errors.New("channel already has an active run")

// ActiveRun is the transient record of one in-flight worker invocation for a
// channel. It is created when the run starts and removed when the process
// exits via any path.
type ActiveRun struct {
	Channel string

	mu      sync.Mutex
	proc    Process
	aborted bool
	done    chan struct{}
}

// setProc attaches the spawned process once it exists.
func (a *ActiveRun) setProc(p Process) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.proc = p
}

// Abort marks the run aborted and sends the worker an interrupt signal.
// Cancellation is cooperative: the process is not guaranteed to stop
// instantly, callers that need the slot free wait on Done.
func (a *ActiveRun) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborted = true
	if a.proc != nil {
		_ = a.proc.Interrupt()
	}
}

// Aborted reports whether Abort was called. The runner's exit handler uses
// it to classify the outcome as stopped-by-caller.
func (a *ActiveRun) Aborted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aborted
}

// Done is closed when the run has fully exited and the channel slot is free.
func (a *ActiveRun) Done() <-chan struct{} { return a.done }

// Tracker enforces the single-ActiveRun-per-channel invariant. Cross-channel
// runs are independent and may overlap freely.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]*ActiveRun
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]*ActiveRun)}
}

// Register claims the channel's run slot. Returns ErrChannelBusy if a run is
// already in flight.
func (t *Tracker) Register(channel string) (*ActiveRun, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.runs[channel]; exists {
		return nil, ErrChannelBusy
	}
	run := &ActiveRun{Channel: channel, done: make(chan struct{})}
	t.runs[channel] = run
	return run, nil
}

// Get returns the channel's active run, if any.
func (t *Tracker) Get(channel string) (*ActiveRun, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[channel]
	return run, ok
}

// Release frees the channel slot and signals completion by closing the
// run's Done channel. Deregistration happens on every exit path: normal,
// timeout, and error.
func (t *Tracker) Release(run *ActiveRun) {
	t.mu.Lock()
	if t.runs[run.Channel] == run {
		delete(t.runs, run.Channel)
	}
	t.mu.Unlock()
	close(run.done)
}

// Active returns the number of in-flight runs across all channels.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}
