package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"valet/pkg/protocol"
	"valet/pkg/runner"
)

// previewLimit bounds the stored output preview.
const previewLimit = 400

// runTask executes one task cycle: budget gate, precondition, dispatch,
// record. Failures are recorded on the task, never propagated; a broken
// task must not take the heartbeat down.
func (s *Scheduler) runTask(ctx context.Context, task protocol.Task) {
	started := s.nowFunc()
	st := s.stateFor(task.Name)

	// Budget gate first so an exhausted day skips before any precondition
	// work. Script tasks cost nothing and bypass it.
	if !task.IsScript() {
		if err := s.gate.Allow(); err != nil {
			s.finish(ctx, task, st, started, protocol.StatusSkippedBudget, "daily budget exhausted", 0)
			return
		}
	}

	extra, err := s.checkPrecondition(ctx, task)
	if err != nil {
		s.finish(ctx, task, st, started, protocol.StatusForError(err), "precondition reported no activity", 0)
		return
	}

	switch {
	case task.IsScript():
		s.runScript(ctx, task, st, started)
	case len(task.Steps) > 0:
		s.runPlan(ctx, task, st, started, extra)
	default:
		s.runSingle(ctx, task, st, started, extra)
	}
}

// checkPrecondition runs the task's precondition command, if any. Its output
// becomes context for the job itself; a failing command or empty output means
// there is nothing to act on and yields ErrPreconditionNotMet.
func (s *Scheduler) checkPrecondition(ctx context.Context, task protocol.Task) (string, error) {
	if task.Precondition == "" {
		return "", nil
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PreconditionTimeout)
	out, err := s.scripts.Run(pctx, task.Dir, task.Precondition)
	cancel()
	out = strings.TrimSpace(out)
	if err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrPreconditionNotMet, err)
	}
	if out == "" {
		return "", protocol.ErrPreconditionNotMet
	}
	return out, nil
}

// runScript executes a local command with no worker and no cost accounting.
func (s *Scheduler) runScript(ctx context.Context, task protocol.Task, st *protocol.TaskState, started time.Time) {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.ScriptTimeout)
	out, err := s.scripts.Run(sctx, task.Dir, task.Script)
	cancel()
	if err != nil {
		s.finish(ctx, task, st, started, protocol.StatusError, fmt.Sprintf("script: %v", err), 0)
		return
	}
	s.finish(ctx, task, st, started, protocol.StatusSuccess, strings.TrimSpace(out), 0)
}

// runSingle dispatches a plain one-instruction task to the worker.
func (s *Scheduler) runSingle(ctx context.Context, task protocol.Task, st *protocol.TaskState, started time.Time, extra string) {
	handle, mode, pinned := s.resolveHandle(task, st)

	res, err := s.executor.Run(ctx, runner.Request{
		Channel:      taskChannel(task.Name),
		Instructions: withContext(task.Instructions, extra),
		Dir:          task.Dir,
		Handle:       handle,
		Mode:         mode,
		Profile:      task.Profile,
		Timeout:      s.cfg.RunTimeout,
	})
	if err != nil {
		if pinned && errors.Is(err, protocol.ErrSessionExpired) {
			s.setHandle(st, "")
			s.finish(ctx, task, st, started, protocol.StatusSessionReset,
				"pinned conversation is gone; a fresh one starts next cycle", res.CostUnits)
			return
		}
		s.finish(ctx, task, st, started, protocol.StatusForError(err), errPreview(err, res), res.CostUnits)
		return
	}

	if task.PersistentSession {
		s.setHandle(st, reportedHandle(res, handle))
	}
	s.finish(ctx, task, st, started, protocol.StatusSuccess, res.Output, res.CostUnits)
}

// runPlan chains numbered steps over one shared conversation handle. A
// non-optional step failure aborts the remainder; optional failures are
// recorded and the plan continues. The run counts as a success if at least
// one step produced output.
func (s *Scheduler) runPlan(ctx context.Context, task protocol.Task, st *protocol.TaskState, started time.Time, extra string) {
	handle, mode, pinned := s.resolveHandle(task, st)

	var (
		ledger   []string
		cost     float64
		produced int
		aborted  bool
	)
	for i, step := range task.Steps {
		if aborted {
			ledger = append(ledger, fmt.Sprintf("%d. skipped", i+1))
			continue
		}

		instructions := step.Instructions
		if i == 0 {
			instructions = withContext(instructions, extra)
		}
		stepMode := mode
		if i > 0 {
			stepMode = runner.ModeResume
		}

		res, err := s.executor.Run(ctx, runner.Request{
			Channel:      taskChannel(task.Name),
			Instructions: instructions,
			Dir:          task.Dir,
			Handle:       handle,
			Mode:         stepMode,
			Profile:      task.Profile,
			Timeout:      s.cfg.RunTimeout,
		})
		cost += res.CostUnits
		if err != nil {
			if pinned && i == 0 && errors.Is(err, protocol.ErrSessionExpired) {
				s.setHandle(st, "")
				s.finish(ctx, task, st, started, protocol.StatusSessionReset,
					"pinned conversation is gone; a fresh one starts next cycle", cost)
				return
			}
			ledger = append(ledger, fmt.Sprintf("%d. failed: %v", i+1, err))
			if !step.Optional {
				aborted = true
			}
			continue
		}

		if res.SessionID != "" {
			handle = res.SessionID
		}
		if res.Output != "" {
			produced++
		}
		ledger = append(ledger, fmt.Sprintf("%d. ok (%d chars)", i+1, len(res.Output)))
	}

	status := protocol.StatusError
	if produced > 0 {
		status = protocol.StatusSuccess
	}
	if task.PersistentSession && status == protocol.StatusSuccess {
		s.setHandle(st, handle)
	}
	s.finish(ctx, task, st, started, status, strings.Join(ledger, "\n"), cost)
}

// finish records the cycle outcome: task state, run history, event log,
// and the optional operator notification.
func (s *Scheduler) finish(ctx context.Context, task protocol.Task, st *protocol.TaskState, started time.Time, status protocol.RunStatus, preview string, cost float64) {
	ended := s.nowFunc()
	preview = head(preview)

	s.mu.Lock()
	st.LastRun = started
	st.LastStatus = status
	st.LastPreview = preview
	snapshot := *st
	s.mu.Unlock()

	s.saveState(ctx, &snapshot)
	s.recordRun(ctx, protocol.RunRecord{
		TaskName:  task.Name,
		Status:    status,
		Preview:   preview,
		CostUnits: cost,
		StartedAt: started,
		EndedAt:   ended,
	})
	s.logEvent(ctx, "task_run", task.Name, string(status))
	s.log.Info("task finished", "task", task.Name, "status", status, "cost", cost)

	if task.Notify && s.notifier != nil && !isSkip(status) {
		if err := s.notifier.Notify(fmt.Sprintf("%s: %s", task.Name, status), preview); err != nil {
			s.log.Warn("notify failed", "task", task.Name, "err", err)
		}
	}
}

// stateFor returns the task's state record, creating it on first use.
func (s *Scheduler) stateFor(name string) *protocol.TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state[name]
	if st == nil {
		st = &protocol.TaskState{Name: name}
		s.state[name] = st
	}
	return st
}

// resolveHandle picks the conversation handle for this cycle: the pinned
// handle for a started persistent-session task, otherwise a fresh one.
func (s *Scheduler) resolveHandle(task protocol.Task, st *protocol.TaskState) (handle string, mode runner.HandleMode, pinned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.PersistentSession && st.SessionHandle != "" {
		return st.SessionHandle, runner.ModeResume, true
	}
	return uuid.NewString(), runner.ModeCreate, false
}

func (s *Scheduler) setHandle(st *protocol.TaskState, handle string) {
	s.mu.Lock()
	st.SessionHandle = handle
	s.mu.Unlock()
}

// reportedHandle prefers the session id the worker itself reported.
func reportedHandle(res *runner.Result, fallback string) string {
	if res.SessionID != "" {
		return res.SessionID
	}
	return fallback
}

func taskChannel(name string) string { return "task:" + name }

func withContext(instructions, extra string) string {
	if extra == "" {
		return instructions
	}
	return instructions + "\n\nContext from precondition check:\n" + extra
}

func isSkip(status protocol.RunStatus) bool {
	return status == protocol.StatusSkippedBudget || status == protocol.StatusSkippedIdle
}

// errPreview keeps whatever partial output the run produced alongside the
// failure reason.
func errPreview(err error, res *runner.Result) string {
	if res != nil && res.Output != "" {
		return res.Output + "\n[" + err.Error() + "]"
	}
	return err.Error()
}

func head(s string) string {
	if len(s) <= previewLimit {
		return s
	}
	cut := []rune(s)
	if len(cut) <= previewLimit {
		return s
	}
	return string(cut[:previewLimit]) + "…"
}
