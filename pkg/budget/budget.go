// Package budget implements the daily cost ledger and execution-profile
// selection. The Ledger gates every worker run against a per-day cost limit
// and rolls over to zero exactly once on the first access of a new calendar
// day. Profiles tracks the process-wide active execution profile and
// auto-reverts to the default when a non-default profile appears broken.
package budget

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"valet/pkg/protocol"
)

// dayFormat is the calendar-day key for budget_days rows.
const dayFormat = "2006-01-02"

// Ledger tracks cost units consumed per calendar day, persisted one row per
// day in the budget_days table. Safe for concurrent use.
type Ledger struct {
	mu    sync.Mutex
	db    *sql.DB
	limit float64
	day   string
	used  float64

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewLedger creates a Ledger with the given daily limit. A limit of 0 means
// unlimited. If db is non-nil, today's consumption is restored from it.
func NewLedger(db *sql.DB, limit float64) (*Ledger, error) {
	l := &Ledger{db: db, limit: limit, nowFunc: time.Now}
	l.day = l.nowFunc().Format(dayFormat)

	if db != nil {
		var used float64
		err := db.QueryRow(`SELECT used FROM budget_days WHERE day=?`, l.day).Scan(&used)
		switch {
		case err == sql.ErrNoRows:
			// first run today
		case err != nil:
			return nil, fmt.Errorf("load budget for %s: %w", l.day, err)
		default:
			l.used = used
		}
	}
	return l, nil
}

// SetNowFunc overrides the clock (for testing).
func (l *Ledger) SetNowFunc(f func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nowFunc = f
}

// rollover resets the ledger if the calendar day changed. Caller holds l.mu.
func (l *Ledger) rollover() {
	today := l.nowFunc().Format(dayFormat)
	if today == l.day {
		return
	}
	l.day = today
	l.used = 0
	l.persist()
}

// persist upserts today's row. Caller holds l.mu. Best-effort: a write
// failure must not block run accounting.
func (l *Ledger) persist() {
	if l.db == nil {
		return
	}
	_, _ = l.db.ExecContext(context.Background(),
		`INSERT INTO budget_days (day, used) VALUES (?, ?)
		 ON CONFLICT(day) DO UPDATE SET used=excluded.used`,
		l.day, l.used)
}

// Allow reports whether a new run may start today. Returns
// protocol.ErrBudgetExceeded once consumed units have reached the limit.
func (l *Ledger) Allow() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	if l.limit > 0 && l.used >= l.limit {
		return protocol.ErrBudgetExceeded
	}
	return nil
}

// Add records cost units consumed by a completed run.
func (l *Ledger) Add(units float64) {
	if units <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	l.used += units
	l.persist()
}

// Used returns the current day key and units consumed so far today.
func (l *Ledger) Used() (day string, used float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.day, l.used
}

// Limit returns the configured daily limit (0 = unlimited).
func (l *Ledger) Limit() float64 { return l.limit }
