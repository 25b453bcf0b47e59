// Package protocol defines the shared domain types for valet: task
// definitions, run records, session bindings, execution profiles, the worker
// stream-event wire format, and the SQLite schema for the daemon state
// database. It has no dependencies on other valet packages so every component
// can import it.
package protocol

import (
	"time"
)

// RunStatus describes the outcome of a single task or channel run.
type RunStatus string

// Run status constants recorded in task_runs and surfaced to channels.
const (
	StatusSuccess       RunStatus = "success"
	StatusError         RunStatus = "error"
	StatusTimeout       RunStatus = "timeout"
	StatusStopped       RunStatus = "stopped"        // cooperative cancellation
	StatusSkippedBudget RunStatus = "skipped_budget" // daily budget exhausted
	StatusSkippedIdle   RunStatus = "skipped_idle"   // precondition produced no activity
	StatusSessionReset  RunStatus = "session_reset"  // pinned handle no longer known to worker
)

// Task is a named unit of recurring work, loaded from the task definition
// file. Tasks are never deleted at runtime, only disabled.
type Task struct {
	Name              string
	Instructions      string
	Interval          time.Duration
	Precondition      string     // shell command; empty/non-zero output skips
	Steps             []PlanStep // multi-step plan; overrides Instructions
	Script            string     // direct local command, no worker, no cost
	Profile           string     // execution profile override
	Dir               string     // working directory for the run
	Notify            bool       // hand result to the notifier
	Disabled          bool
	PersistentSession bool // retain one conversation handle across ticks
}

// PlanStep is one numbered sub-instruction of a multi-step task.
type PlanStep struct {
	Instructions string
	Optional     bool // failure recorded, plan continues
}

// IsScript reports whether the task runs as a direct local command with no
// worker involvement.
func (t Task) IsScript() bool { return t.Script != "" }

// TaskState is the scheduler's mutable bookkeeping for one task, persisted
// across process lifetimes so cadence survives restarts.
type TaskState struct {
	Name          string
	LastRun       time.Time
	LastStatus    RunStatus
	LastPreview   string // short output preview
	SessionHandle string // pinned conversation handle for persistent-session tasks
}

// RunRecord is one row of run history.
type RunRecord struct {
	ID        int64
	TaskName  string    // empty for channel-initiated runs
	Channel   string    // empty for scheduled runs
	Status    RunStatus
	Preview   string
	CostUnits float64
	StartedAt time.Time
	EndedAt   time.Time
}

// HandleLatest is the sentinel conversation handle meaning "resume whatever
// the worker itself considers the most recent conversation in this
// directory". The runner maps it to the worker's continue flag.
const HandleLatest = "latest"

// Session binds a channel identity to a worker conversation.
type Session struct {
	Channel string // opaque channel key, exclusive owner
	Handle  string // worker session id, or HandleLatest
	Dir     string // working directory for worker runs
	Started bool   // false until the first successful turn; drives create vs resume
}

// Conversation is one discovered entry from the worker's transcript store.
type Conversation struct {
	ID       string
	Dir      string // working directory the worker recorded for it
	Path     string // transcript file path
	Title    string // custom title from the index, if any
	Messages int
	Modified time.Time
}
