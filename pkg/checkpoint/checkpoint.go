// Package checkpoint implements working-directory snapshots and rollback.
// Snapshots are labeled git commits taken before mutating worker runs;
// rollback hard-resets the tree to a snapshot and truncates the paired
// conversation transcript so the worker's memory of the rolled-back turns is
// erased too.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"valet/pkg/protocol"
	"valet/pkg/sessions"
)

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// Checkpoint is one enumerable snapshot.
type Checkpoint struct {
	ID    string // commit reference
	Label string // full commit subject
	Time  time.Time
}

// Manager creates and rolls back checkpoints.
type Manager struct {
	git   GitRunner
	store *sessions.TranscriptStore
	log   *slog.Logger

	// nowFunc allows tests to control snapshot labels.
	nowFunc func() time.Time
}

// NewManager creates a Manager. store may be nil when transcript truncation
// is not wanted (rollback then only resets files).
func NewManager(git GitRunner, store *sessions.TranscriptStore, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{git: git, store: store, log: log, nowFunc: time.Now}
}

// SetNowFunc overrides the clock (for testing).
func (m *Manager) SetNowFunc(f func() time.Time) { m.nowFunc = f }

// Snapshot commits all pending changes in dir under a checkpoint label and
// returns the commit reference. It is a no-op returning "" when dir is not
// under version control or has nothing pending.
func (m *Manager) Snapshot(ctx context.Context, dir string) (string, error) {
	if _, _, err := m.git.Run(ctx, dir, "rev-parse", "--is-inside-work-tree"); err != nil {
		return "", nil // not a repo
	}

	status, _, err := m.git.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("git status in %s: %w", dir, err)
	}
	if strings.TrimSpace(status) == "" {
		return "", nil // clean tree, nothing to snapshot
	}

	if _, stderr, err := m.git.Run(ctx, dir, "add", "-A"); err != nil {
		return "", fmt.Errorf("git add in %s: %s: %w", dir, strings.TrimSpace(stderr), err)
	}

	label := fmt.Sprintf("%s %s", protocol.CheckpointPrefix, m.nowFunc().UTC().Format(time.RFC3339))
	if _, stderr, err := m.git.Run(ctx, dir, "commit", "-m", label); err != nil {
		return "", fmt.Errorf("git commit in %s: %s: %w", dir, strings.TrimSpace(stderr), err)
	}

	sha, _, err := m.git.Run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse in %s: %w", dir, err)
	}
	id := strings.TrimSpace(sha)
	m.log.Debug("checkpoint created", "dir", dir, "id", id)
	return id, nil
}

// List enumerates prior snapshot commits, newest first.
func (m *Manager) List(ctx context.Context, dir string) ([]Checkpoint, error) {
	out, _, err := m.git.Run(ctx, dir,
		"log", "--grep=^"+protocol.CheckpointPrefix, "--pretty=format:%H\t%s")
	if err != nil {
		return nil, fmt.Errorf("git log in %s: %w", dir, err)
	}

	var cps []Checkpoint
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, label, ok := strings.Cut(line, "\t")
		if !ok || !strings.HasPrefix(label, protocol.CheckpointPrefix) {
			continue
		}
		cps = append(cps, Checkpoint{ID: id, Label: label, Time: labelTime(label)})
	}
	return cps, nil
}

// Rollback hard-resets dir to the checkpoint and truncates the paired
// transcript at the timestamp encoded in the checkpoint label. The file-tree
// reset is all-or-nothing; transcript truncation failure is non-fatal since a
// stale transcript is recoverable while a partial tree reset is not.
func (m *Manager) Rollback(ctx context.Context, dir, checkpointID, handle string) error {
	subject, _, err := m.git.Run(ctx, dir, "show", "-s", "--format=%s", checkpointID)
	if err != nil {
		return fmt.Errorf("resolve checkpoint %s: %w", checkpointID, err)
	}
	cutoff := labelTime(strings.TrimSpace(subject))

	if _, stderr, err := m.git.Run(ctx, dir, "reset", "--hard", checkpointID); err != nil {
		return fmt.Errorf("reset to %s: %s: %w", checkpointID, strings.TrimSpace(stderr), err)
	}

	if m.store == nil || handle == "" || cutoff.IsZero() {
		return nil
	}
	if err := m.store.TruncateAfter(handle, cutoff); err != nil {
		m.log.Warn("transcript truncation failed after rollback",
			"handle", handle, "checkpoint", checkpointID, "err", err)
	}
	return nil
}

// labelTime extracts the timestamp encoded in a checkpoint label. Returns
// the zero time when the label does not parse.
func labelTime(label string) time.Time {
	rest := strings.TrimSpace(strings.TrimPrefix(label, protocol.CheckpointPrefix))
	ts, err := time.Parse(time.RFC3339, rest)
	if err != nil {
		return time.Time{}
	}
	return ts
}
