package server

import (
	"sync"
	"time"
)

// fatalErrorDebouncer suppresses repeat fatal-error log lines that arrive
// faster than window: a failing disk produces one durability-writer error
// per queued write, and without this a single bad mount point floods the
// log with thousands of identical lines before an operator can even read
// the first one.
type fatalErrorDebouncer struct {
	mu        sync.Mutex
	window    time.Duration
	lastFired time.Time
	suppresed int
	now       func() time.Time
}

func newFatalErrorDebouncer(window time.Duration) *fatalErrorDebouncer {
	return &fatalErrorDebouncer{window: window, now: time.Now}
}

// allow reports whether the caller should actually emit this occurrence
// (true), or whether it falls inside the debounce window and should be
// counted but not logged (false). suppressedSince returns how many
// occurrences were swallowed since the last one that was allowed through.
func (d *fatalErrorDebouncer) allow() (ok bool, suppressedSince int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if d.window <= 0 || d.lastFired.IsZero() || now.Sub(d.lastFired) >= d.window {
		suppressedSince = d.suppresed
		d.suppresed = 0
		d.lastFired = now
		return true, suppressedSince
	}
	d.suppresed++
	return false, 0
}
