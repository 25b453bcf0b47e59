package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the run-failure taxonomy. Callers discriminate
// with errors.Is; typed errors below carry extra context via errors.As.
var (
	// ErrBudgetExceeded means today's consumed cost units reached the daily
	// limit before the run started.
	ErrBudgetExceeded = errors.New("daily budget exceeded")

	// ErrPreconditionNotMet means the task's precondition command produced no
	// activity; the run was skipped at zero cost.
	ErrPreconditionNotMet = errors.New("precondition not met")

	// ErrStoppedByCaller means the run was cancelled cooperatively by its
	// caller (interrupt coordinator or shutdown), not by a real failure.
	ErrStoppedByCaller = errors.New("stopped by caller")

	// ErrSessionExpired means the worker reported it does not know the
	// conversation handle it was asked to resume.
	ErrSessionExpired = errors.New("session expired")
)

// StatusForError maps a run failure onto the recorded run status.
func StatusForError(err error) RunStatus {
	var te *TimeoutError
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrBudgetExceeded):
		return StatusSkippedBudget
	case errors.Is(err, ErrPreconditionNotMet):
		return StatusSkippedIdle
	case errors.Is(err, ErrStoppedByCaller):
		return StatusStopped
	case errors.As(err, &te):
		return StatusTimeout
	default:
		return StatusError
	}
}

// TimeoutError is returned when the worker subprocess exceeded its deadline
// and was killed. Partial accumulated output is preserved on the run result.
type TimeoutError struct {
	After string // human-readable deadline, e.g. "5m0s"
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("worker timed out after %s", e.After)
}

// WorkerError is a non-zero worker exit with its captured error stream.
type WorkerError struct {
	ExitCode int
	Stderr   string
}

func (e *WorkerError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("worker exited %d: %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("worker exited %d", e.ExitCode)
}

// ProfileFallbackWarning is surfaced when a non-default execution profile
// looks broken and the daemon auto-reverted to the default profile. It is a
// warning, not a run failure.
type ProfileFallbackWarning struct {
	From string
	To   string
}

func (e *ProfileFallbackWarning) Error() string {
	return fmt.Sprintf("profile %s appears to be failing, reverted to %s", e.From, e.To)
}
