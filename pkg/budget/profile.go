package budget

import (
	"context"
	"database/sql"
	"sync"

	"valet/pkg/protocol"
)

// fallbackThreshold is the number of consecutive failures of a non-default
// profile before the daemon reverts to the default profile.
const fallbackThreshold = 2

// activeProfileKey is the settings-table key for the persisted active profile.
const activeProfileKey = "active_profile"

// Profiles holds the process-wide active execution profile. The active
// profile is read by the runner to build the worker invocation, mutated by
// explicit user command or by automatic fallback.
type Profiles struct {
	mu          sync.Mutex
	db          *sql.DB
	defaultName string
	active      string
	consecFails int
}

// NewProfiles creates a profile selector with the given default. If db is
// non-nil, a previously persisted active profile is restored.
func NewProfiles(db *sql.DB, defaultName string) *Profiles {
	p := &Profiles{db: db, defaultName: defaultName, active: defaultName}
	if db != nil {
		var saved string
		if err := db.QueryRow(`SELECT value FROM settings WHERE key=?`, activeProfileKey).Scan(&saved); err == nil && saved != "" {
			p.active = saved
		}
	}
	return p
}

// Active returns the current execution profile name.
func (p *Profiles) Active() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Default returns the configured default profile name.
func (p *Profiles) Default() string { return p.defaultName }

// Set switches the active profile explicitly and resets failure tracking.
func (p *Profiles) Set(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = name
	p.consecFails = 0
	p.persist()
}

// persist writes the active profile to settings. Caller holds p.mu.
func (p *Profiles) persist() {
	if p.db == nil {
		return
	}
	_, _ = p.db.ExecContext(context.Background(),
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		activeProfileKey, p.active)
}

// RecordResult feeds a run outcome into fallback tracking. A failed run on a
// non-default profile counts toward fallback; once the threshold is reached
// the active profile reverts to the default and a warning is returned for the
// caller to surface. Successful runs reset the counter.
func (p *Profiles) RecordResult(failed bool) *protocol.ProfileFallbackWarning {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !failed {
		p.consecFails = 0
		return nil
	}
	if p.active == p.defaultName {
		return nil
	}
	p.consecFails++
	if p.consecFails < fallbackThreshold {
		return nil
	}
	warn := &protocol.ProfileFallbackWarning{From: p.active, To: p.defaultName}
	p.active = p.defaultName
	p.consecFails = 0
	p.persist()
	return warn
}
