package sessions //nolint:testpackage // white-box tests exercise the scan cache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTranscript creates a transcript file with the given mtime.
func writeTranscript(t *testing.T, root, subdir, id string, lines []string, mtime time.Time) string {
	t.Helper()
	dir := filepath.Join(root, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, id+".jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeIndex(t *testing.T, root, subdir string, entries []indexEntry) {
	t.Helper()
	dir := filepath.Join(root, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(map[string]any{"conversations": entries})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, indexFile), data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestCreateThenGet(t *testing.T) {
	d := NewDirectory(NewTranscriptStore(t.TempDir()))

	created := d.Create("chan-1", "/work/project", "")
	got, ok := d.Get("chan-1")
	if !ok {
		t.Fatal("Get after Create returned nothing")
	}
	if got.Started {
		t.Error("fresh session must not be started")
	}
	if got.Dir != "/work/project" {
		t.Errorf("Dir = %q", got.Dir)
	}
	if got.Handle != created.Handle || got.Handle == "" {
		t.Errorf("Handle = %q", got.Handle)
	}
}

func TestCreateOverwritesBinding(t *testing.T) {
	d := NewDirectory(NewTranscriptStore(t.TempDir()))

	first := d.Create("chan-1", "/a", "")
	second := d.Create("chan-1", "/b", "")
	got, _ := d.Get("chan-1")
	if got.Handle == first.Handle {
		t.Error("second Create did not supersede the first binding")
	}
	if got.Handle != second.Handle || got.Dir != "/b" {
		t.Errorf("binding = %+v", got)
	}
}

func TestMarkStartedUpdatesHandle(t *testing.T) {
	d := NewDirectory(NewTranscriptStore(t.TempDir()))
	d.AttachLatest("chan-1", "/w")

	d.MarkStarted("chan-1", "real-handle")
	got, _ := d.Get("chan-1")
	if !got.Started || got.Handle != "real-handle" {
		t.Errorf("session = %+v", got)
	}
}

func TestDiscoveryMergesIndexAndFiles(t *testing.T) {
	root := t.TempDir()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	// Indexed conversation with a stale index timestamp but fresh file.
	writeIndex(t, root, "work-alpha", []indexEntry{
		{ID: "aaa", Dir: "/work/alpha", Title: "refactor", Messages: 12, Updated: base.Format(time.RFC3339)},
	})
	writeTranscript(t, root, "work-alpha", "aaa", []string{`{"ts":"2026-01-01T00:00:00Z"}`}, base.Add(10*time.Minute))

	// Not-yet-indexed conversation, newest of all.
	writeTranscript(t, root, "work-alpha", "bbb", []string{`{"ts":"2026-01-01T00:00:00Z"}`}, base.Add(20*time.Minute))

	store := NewTranscriptStore(root)
	conns, err := store.Conversations("")
	if err != nil {
		t.Fatal(err)
	}
	if len(conns) != 2 {
		t.Fatalf("found %d conversations, want 2", len(conns))
	}
	if conns[0].ID != "bbb" {
		t.Errorf("newest = %s, want unindexed bbb", conns[0].ID)
	}
	if conns[1].Title != "refactor" || conns[1].Messages != 12 {
		t.Errorf("index metadata lost: %+v", conns[1])
	}
	if !conns[1].Modified.Equal(base.Add(10 * time.Minute)) {
		t.Errorf("file mtime should win over stale index: %v", conns[1].Modified)
	}
}

func TestMostRecentTieBreaksByID(t *testing.T) {
	root := t.TempDir()
	mtime := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeTranscript(t, root, "w", "zzz", nil, mtime)
	writeTranscript(t, root, "w", "aaa", nil, mtime)

	store := NewTranscriptStore(root)
	conv, err := store.MostRecent("")
	if err != nil {
		t.Fatal(err)
	}
	if conv.ID != "aaa" {
		t.Errorf("tie-break picked %s, want lexicographically first id", conv.ID)
	}
}

func TestMostRecentDirFilter(t *testing.T) {
	root := t.TempDir()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeIndex(t, root, "one", []indexEntry{{ID: "c1", Dir: "/one", Updated: base.Add(30 * time.Minute).Format(time.RFC3339)}})
	writeTranscript(t, root, "one", "c1", nil, base)
	writeIndex(t, root, "two", []indexEntry{{ID: "c2", Dir: "/two", Updated: base.Add(40 * time.Minute).Format(time.RFC3339)}})
	writeTranscript(t, root, "two", "c2", nil, base)

	store := NewTranscriptStore(root)
	conv, err := store.MostRecent("/one")
	if err != nil {
		t.Fatal(err)
	}
	if conv.ID != "c1" {
		t.Errorf("dir filter returned %s", conv.ID)
	}
}

func TestMostRecentEmptyStore(t *testing.T) {
	store := NewTranscriptStore(filepath.Join(t.TempDir(), "missing"))
	_, err := store.MostRecent("")
	if !errors.Is(err, ErrNoConversations) {
		t.Errorf("err = %v, want ErrNoConversations", err)
	}
}

func TestCacheServesAndInvalidates(t *testing.T) {
	root := t.TempDir()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeTranscript(t, root, "w", "c1", nil, base)

	store := NewTranscriptStore(root)
	store.SetCacheTTL(time.Hour)
	if _, err := store.Conversations(""); err != nil {
		t.Fatal(err)
	}

	// New transcript within the TTL is invisible until invalidation.
	writeTranscript(t, root, "w", "c2", nil, base.Add(time.Minute))
	conns, _ := store.Conversations("")
	if len(conns) != 1 {
		t.Fatalf("cache miss: %d conversations", len(conns))
	}

	store.Invalidate()
	conns, _ = store.Conversations("")
	if len(conns) != 2 {
		t.Fatalf("after Invalidate: %d conversations, want 2", len(conns))
	}
}

func TestAttachMostRecentBindsWithoutCreating(t *testing.T) {
	root := t.TempDir()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeIndex(t, root, "w", []indexEntry{{ID: "c9", Dir: "/w", Updated: base.Format(time.RFC3339)}})
	writeTranscript(t, root, "w", "c9", nil, base)

	d := NewDirectory(NewTranscriptStore(root))
	s, err := d.AttachMostRecent("chan-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Handle != "c9" || !s.Started {
		t.Errorf("session = %+v", s)
	}
	if got, ok := d.Get("chan-1"); !ok || got.Handle != "c9" {
		t.Errorf("binding = %+v", got)
	}
}

func TestTruncateAfterRemovesNewerEntries(t *testing.T) {
	root := t.TempDir()
	cutoff := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	lines := []string{
		`{"type":"user","ts":"2026-05-01T11:00:00Z"}`,
		`{"type":"assistant","ts":"2026-05-01T11:30:00Z"}`,
		`{"type":"user","ts":"2026-05-01T12:00:00Z"}`,
		`{"type":"assistant","ts":"2026-05-01T12:30:00Z"}`,
		`not json, worker-owned, must be kept`,
	}
	path := writeTranscript(t, root, "w", "c1", lines, time.Now())

	store := NewTranscriptStore(root)
	if err := store.TruncateAfter("c1", cutoff); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	want := lines[0] + "\n" + lines[1] + "\n" + lines[4] + "\n"
	if got != want {
		t.Errorf("transcript after truncate:\n%s\nwant:\n%s", got, want)
	}
}

func TestAppendRename(t *testing.T) {
	root := t.TempDir()
	path := writeTranscript(t, root, "w", "c1", []string{`{"ts":"2026-05-01T11:00:00Z"}`}, time.Now())

	store := NewTranscriptStore(root)
	if err := store.AppendRename("c1", "my project"); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	var last transcriptLine
	linesOut := splitLines(string(data))
	if err := json.Unmarshal([]byte(linesOut[len(linesOut)-1]), &last); err != nil {
		t.Fatalf("appended record not json: %v", err)
	}
	if last.Type != "rename" || last.Title != "my project" {
		t.Errorf("rename record = %+v", last)
	}
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
