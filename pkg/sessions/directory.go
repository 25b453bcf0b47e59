package sessions

import (
	"sync"

	"github.com/google/uuid"

	"valet/pkg/protocol"
)

// Directory maps channel identities to sessions. Exactly one session exists
// per channel at a time; Create always supersedes any existing binding.
type Directory struct {
	mu        sync.Mutex
	byChannel map[string]protocol.Session
	store     *TranscriptStore
}

// NewDirectory creates an empty session directory over the transcript store.
func NewDirectory(store *TranscriptStore) *Directory {
	return &Directory{
		byChannel: make(map[string]protocol.Session),
		store:     store,
	}
}

// Store returns the underlying transcript store.
func (d *Directory) Store() *TranscriptStore { return d.store }

// Get returns the channel's session, if one exists.
func (d *Directory) Get(channel string) (protocol.Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.byChannel[channel]
	return s, ok
}

// Create binds the channel to a brand-new conversation handle in dir,
// overwriting any existing binding. Started is false until the first
// successful turn, so the next invocation creates rather than resumes. If
// name is non-empty the conversation is titled once the transcript exists.
func (d *Directory) Create(channel, dir, name string) protocol.Session {
	s := protocol.Session{
		Channel: channel,
		Handle:  uuid.NewString(),
		Dir:     dir,
	}
	d.mu.Lock()
	d.byChannel[channel] = s
	d.mu.Unlock()

	// The transcript does not exist until the first turn; cache must not
	// serve a stale view to code racing with that first turn.
	d.store.Invalidate()

	if name != "" {
		// Best-effort: the transcript may not exist yet.
		_ = d.store.AppendRename(s.Handle, name)
	}
	return s
}

// AttachMostRecent binds the channel to the most recently modified
// conversation in the transcript store, optionally filtered to dir, without
// creating anything new. The resulting session is already started, so the
// next invocation resumes.
func (d *Directory) AttachMostRecent(channel, dir string) (protocol.Session, error) {
	conv, err := d.store.MostRecent(dir)
	if err != nil {
		return protocol.Session{}, err
	}
	s := protocol.Session{
		Channel: channel,
		Handle:  conv.ID,
		Dir:     conv.Dir,
		Started: true,
	}
	d.mu.Lock()
	d.byChannel[channel] = s
	d.mu.Unlock()
	return s, nil
}

// AttachLatest binds the channel to the sentinel handle: the next invocation
// resumes whatever the worker itself considers the latest conversation in
// dir. Used for cross-device continuity commands.
func (d *Directory) AttachLatest(channel, dir string) protocol.Session {
	s := protocol.Session{
		Channel: channel,
		Handle:  protocol.HandleLatest,
		Dir:     dir,
		Started: true,
	}
	d.mu.Lock()
	d.byChannel[channel] = s
	d.mu.Unlock()
	return s
}

// MarkStarted records the first successful turn. If the worker reported the
// concrete session id it bound (relevant after the sentinel handle), the
// binding is updated to it.
func (d *Directory) MarkStarted(channel, reportedHandle string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.byChannel[channel]
	if !ok {
		return
	}
	s.Started = true
	if reportedHandle != "" {
		s.Handle = reportedHandle
	}
	d.byChannel[channel] = s
}

// SetDir switches the channel's working directory, keeping the binding.
func (d *Directory) SetDir(channel, dir string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.byChannel[channel]
	if !ok {
		return
	}
	s.Dir = dir
	d.byChannel[channel] = s
}
