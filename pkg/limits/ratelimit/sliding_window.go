package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SlidingWindow tracks admitted request timestamps per identity over a
// rolling time period.
//
// # Algorithm
//
//  1. Drop entries at or before now - window
//  2. Reject if the remaining count is >= limit
//  3. Otherwise append now and hand back a Reservation
//
// The retry hint is derived from the oldest surviving entry: the caller may
// retry once that entry leaves the window.
//
// # Time Source
//
// Timestamps come from the injected clock. The real clock returns times
// carrying a monotonic reading, so wall-clock adjustments do not move the
// window.
//
// # Thread Safety
//
// SlidingWindow is thread-safe using a single sync.Mutex. Critical sections
// are bounded by the number of entries for one identity; Prune releases the
// lock between identities.
type SlidingWindow struct {
	window time.Duration
	clock  clockwork.Clock

	mu      sync.Mutex
	windows map[string]*timeline

	// afterPruneKey runs with the lock released after each identity Prune
	// visits. Tests only.
	afterPruneKey func()
}

// timeline holds one identity's entries in arrival order.
type timeline struct {
	entries    []time.Time
	lastActive time.Time
}

// NewSlidingWindow creates a window of the given duration.
func NewSlidingWindow(window time.Duration, clock clockwork.Clock) *SlidingWindow {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SlidingWindow{
		window:  window,
		clock:   clock,
		windows: make(map[string]*timeline),
	}
}

// Window returns the configured window duration.
func (sw *SlidingWindow) Window() time.Duration {
	return sw.window
}

// Reserve admits one request for identity if fewer than limit entries are
// in the window. A negative limit disables the check. The returned
// Reservation is nil when the request was rejected.
func (sw *SlidingWindow) Reserve(identity string, limit int) (*Reservation, CheckResult) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.clock.Now()
	tl := sw.windows[identity]
	if tl == nil {
		tl = &timeline{}
		sw.windows[identity] = tl
	}
	tl.lastActive = now
	sw.pruneLocked(tl, now)

	if limit >= 0 && len(tl.entries) >= limit {
		return nil, CheckResult{
			Allowed:    false,
			Limit:      limit,
			Count:      len(tl.entries),
			RetryAfter: sw.retryAfterLocked(tl, now),
		}
	}

	tl.entries = append(tl.entries, now)
	return &Reservation{sw: sw, identity: identity, at: now}, CheckResult{
		Allowed: true,
		Limit:   limit,
		Count:   len(tl.entries),
	}
}

// Count returns the number of live entries for identity.
func (sw *SlidingWindow) Count(identity string) int {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	tl := sw.windows[identity]
	if tl == nil {
		return 0
	}
	sw.pruneLocked(tl, sw.clock.Now())
	return len(tl.entries)
}

// Identities returns the number of identities currently tracked.
func (sw *SlidingWindow) Identities() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.windows)
}

// Prune drops identities whose window is empty and that have been idle for
// longer than idle. It returns the number of identities removed. The lock
// is held to snapshot the identities and then once per identity.
func (sw *SlidingWindow) Prune(idle time.Duration) int {
	sw.mu.Lock()
	ids := make([]string, 0, len(sw.windows))
	for id := range sw.windows {
		ids = append(ids, id)
	}
	sw.mu.Unlock()

	removed := 0
	for _, id := range ids {
		if sw.pruneIdentity(id, idle) {
			removed++
		}
		if sw.afterPruneKey != nil {
			sw.afterPruneKey()
		}
	}
	return removed
}

func (sw *SlidingWindow) pruneIdentity(id string, idle time.Duration) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	tl := sw.windows[id]
	if tl == nil {
		return false
	}
	now := sw.clock.Now()
	sw.pruneLocked(tl, now)
	if len(tl.entries) == 0 && now.Sub(tl.lastActive) > idle {
		delete(sw.windows, id)
		return true
	}
	return false
}

// Reset forgets all entries for identity.
func (sw *SlidingWindow) Reset(identity string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	delete(sw.windows, identity)
}

// pruneLocked removes entries that have left the window.
// Caller must hold the lock.
func (sw *SlidingWindow) pruneLocked(tl *timeline, now time.Time) {
	cutoff := now.Add(-sw.window)
	drop := 0
	for drop < len(tl.entries) && !tl.entries[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		tl.entries = append(tl.entries[:0], tl.entries[drop:]...)
	}
}

// retryAfterLocked returns whole seconds until the oldest entry expires,
// rounded up and never less than one second.
func (sw *SlidingWindow) retryAfterLocked(tl *timeline, now time.Time) time.Duration {
	if len(tl.entries) == 0 {
		return sw.window
	}
	remaining := sw.window - now.Sub(tl.entries[0])
	secs := int(remaining.Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Reservation is a slot taken in a SlidingWindow.
type Reservation struct {
	sw       *SlidingWindow
	identity string
	at       time.Time
	once     sync.Once
}

// Cancel removes the reserved entry from the window. Cancel is idempotent
// and a no-op once the entry has already expired.
func (r *Reservation) Cancel() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.sw.mu.Lock()
		defer r.sw.mu.Unlock()

		tl := r.sw.windows[r.identity]
		if tl == nil {
			return
		}
		for i := len(tl.entries) - 1; i >= 0; i-- {
			if tl.entries[i].Equal(r.at) {
				tl.entries = append(tl.entries[:i], tl.entries[i+1:]...)
				return
			}
		}
	})
}
