// Package sessions implements the session directory: per-channel bindings to
// worker conversations, and discovery over the worker's own transcript store.
// The store is worker-owned; valet only reads it, except for the one
// rename-style record it may append to title a conversation.
package sessions

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"valet/pkg/protocol"
)

// ErrNoConversations is returned when discovery finds nothing to attach to.
var ErrNoConversations = errors.New("no conversations found in transcript store")

// defaultCacheTTL bounds repeated directory scans during a burst of commands.
const defaultCacheTTL = 3 * time.Second

// indexFile is the optional per-directory conversation index the worker
// maintains. It can lag behind actual transcript writes by an unbounded
// amount, which is why discovery also stats the files directly.
const indexFile = "index.json"

// indexEntry is one conversation record from a directory index.
type indexEntry struct {
	ID       string `json:"id"`
	Dir      string `json:"dir"`
	Title    string `json:"title,omitempty"`
	Messages int    `json:"messages,omitempty"`
	Updated  string `json:"updated_at,omitempty"`
}

// transcriptLine is the subset of a transcript record valet understands.
type transcriptLine struct {
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
	TS    string `json:"ts,omitempty"`
}

// TranscriptStore reads the worker's transcript directory tree: one
// subdirectory per working directory, containing one append-only .jsonl log
// per conversation plus an optional index.
type TranscriptStore struct {
	root     string
	cacheTTL time.Duration

	mu       sync.Mutex
	cached   []protocol.Conversation
	cachedAt time.Time

	// nowFunc allows tests to control cache expiry.
	nowFunc func() time.Time
}

// NewTranscriptStore creates a store rooted at the worker's transcript tree.
func NewTranscriptStore(root string) *TranscriptStore {
	return &TranscriptStore{root: root, cacheTTL: defaultCacheTTL, nowFunc: time.Now}
}

// SetCacheTTL overrides the scan cache TTL (for testing).
func (s *TranscriptStore) SetCacheTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheTTL = d
}

// SetNowFunc overrides the clock (for testing).
func (s *TranscriptStore) SetNowFunc(f func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = f
}

// Invalidate drops the scan cache. Called whenever a new session is created
// so the next discovery sees it.
func (s *TranscriptStore) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
	s.cachedAt = time.Time{}
}

// Conversations enumerates all known conversations, newest first. If dir is
// non-empty, results are filtered to that working directory. Results come
// from a two-source merge: the per-directory index and a direct
// file-modification-time scan, keyed by conversation id with the freshest
// modification time winning, so very recent not-yet-indexed conversations
// are still discoverable.
func (s *TranscriptStore) Conversations(dir string) ([]protocol.Conversation, error) {
	s.mu.Lock()
	if s.cached != nil && s.nowFunc().Sub(s.cachedAt) < s.cacheTTL {
		all := s.cached
		s.mu.Unlock()
		return filterByDir(all, dir), nil
	}
	s.mu.Unlock()

	all, err := s.scan()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cached = all
	s.cachedAt = s.nowFunc()
	s.mu.Unlock()

	return filterByDir(all, dir), nil
}

// MostRecent returns the most recently modified conversation, optionally
// filtered to a working directory. Equal modification times tie-break by
// lexicographic id order so the choice is deterministic.
func (s *TranscriptStore) MostRecent(dir string) (*protocol.Conversation, error) {
	conns, err := s.Conversations(dir)
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return nil, ErrNoConversations
	}
	c := conns[0]
	return &c, nil
}

// scan walks the transcript tree and merges index entries with file stats.
func (s *TranscriptStore) scan() ([]protocol.Conversation, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read transcript root %s: %w", s.root, err)
	}

	byID := make(map[string]protocol.Conversation)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		subdir := filepath.Join(s.root, e.Name())
		s.mergeIndex(subdir, byID)
		if err := s.mergeFiles(subdir, byID); err != nil {
			return nil, err
		}
	}

	out := make([]protocol.Conversation, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Modified.Equal(out[j].Modified) {
			return out[i].Modified.After(out[j].Modified)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// mergeIndex folds one directory's index into the merge map. A missing or
// malformed index is not an error.
func (s *TranscriptStore) mergeIndex(subdir string, byID map[string]protocol.Conversation) {
	data, err := os.ReadFile(filepath.Join(subdir, indexFile)) //nolint:gosec // path under the configured transcript root
	if err != nil {
		return
	}
	var idx struct {
		Conversations []indexEntry `json:"conversations"`
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return
	}
	for _, e := range idx.Conversations {
		if e.ID == "" {
			continue
		}
		mod, _ := time.Parse(time.RFC3339, e.Updated)
		c := protocol.Conversation{
			ID:       e.ID,
			Dir:      e.Dir,
			Path:     filepath.Join(subdir, e.ID+".jsonl"),
			Title:    e.Title,
			Messages: e.Messages,
			Modified: mod,
		}
		if prev, ok := byID[e.ID]; ok && prev.Modified.After(mod) {
			// keep the fresher record but take index-only metadata
			prev.Title = e.Title
			prev.Messages = e.Messages
			byID[e.ID] = prev
			continue
		}
		byID[e.ID] = c
	}
}

// mergeFiles stats each transcript file directly so conversations the index
// has not caught up with are still seen.
func (s *TranscriptStore) mergeFiles(subdir string, byID map[string]protocol.Conversation) error {
	files, err := os.ReadDir(subdir)
	if err != nil {
		return fmt.Errorf("read transcript dir %s: %w", subdir, err)
	}
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(name, ".jsonl")
		mod := info.ModTime()
		if prev, ok := byID[id]; ok {
			if mod.After(prev.Modified) {
				prev.Modified = mod
				byID[id] = prev
			}
			continue
		}
		byID[id] = protocol.Conversation{
			ID:       id,
			Dir:      decodeDirName(filepath.Base(subdir)),
			Path:     filepath.Join(subdir, name),
			Modified: mod,
		}
	}
	return nil
}

// encodeDirName maps a working directory to the worker's flattened directory
// name (path separators become dashes).
func encodeDirName(dir string) string {
	return strings.ReplaceAll(strings.TrimPrefix(dir, string(filepath.Separator)), string(filepath.Separator), "-")
}

// decodeDirName is best-effort: flattened names are ambiguous, so the index
// entry's Dir field wins whenever it exists.
func decodeDirName(name string) string {
	return string(filepath.Separator) + strings.ReplaceAll(name, "-", string(filepath.Separator))
}

func filterByDir(all []protocol.Conversation, dir string) []protocol.Conversation {
	if dir == "" {
		return all
	}
	var out []protocol.Conversation
	for _, c := range all {
		if c.Dir == dir {
			out = append(out, c)
		}
	}
	return out
}

// TranscriptPath locates the transcript file for a conversation handle.
func (s *TranscriptStore) TranscriptPath(handle string) (string, bool) {
	conns, err := s.Conversations("")
	if err != nil {
		return "", false
	}
	for _, c := range conns {
		if c.ID == handle {
			return c.Path, true
		}
	}
	return "", false
}

// AppendRename appends one rename-style record to a conversation transcript.
// This is the single write valet performs against the worker-owned store.
func (s *TranscriptStore) AppendRename(handle, title string) error {
	path, ok := s.TranscriptPath(handle)
	if !ok {
		return fmt.Errorf("rename %s: %w", handle, ErrNoConversations)
	}
	rec := transcriptLine{Type: "rename", Title: title, TS: time.Now().UTC().Format(time.RFC3339)}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal rename record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path comes from the store scan
	if err != nil {
		return fmt.Errorf("open transcript %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append rename to %s: %w", path, err)
	}
	return nil
}

// TruncateAfter removes transcript entries timestamped at or after cutoff.
// Records without a parseable timestamp are kept: they are worker-owned and
// valet cannot judge them. Used by checkpoint rollback to erase the worker's
// memory of rolled-back turns.
func (s *TranscriptStore) TruncateAfter(handle string, cutoff time.Time) error {
	path, ok := s.TranscriptPath(handle)
	if !ok {
		return fmt.Errorf("truncate %s: %w", handle, ErrNoConversations)
	}

	f, err := os.Open(path) //nolint:gosec // path comes from the store scan
	if err != nil {
		return fmt.Errorf("open transcript %s: %w", path, err)
	}

	var kept []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		var rec transcriptLine
		if err := json.Unmarshal([]byte(line), &rec); err == nil && rec.TS != "" {
			if ts, perr := time.Parse(time.RFC3339, rec.TS); perr == nil && !ts.Before(cutoff) {
				continue
			}
		}
		kept = append(kept, line)
	}
	scanErr := scanner.Err()
	_ = f.Close()
	if scanErr != nil {
		return fmt.Errorf("read transcript %s: %w", path, scanErr)
	}

	out := strings.Join(kept, "\n")
	if out != "" {
		out += "\n"
	}
	if err := os.WriteFile(path, []byte(out), 0o600); err != nil {
		return fmt.Errorf("rewrite transcript %s: %w", path, err)
	}
	s.Invalidate()
	return nil
}
