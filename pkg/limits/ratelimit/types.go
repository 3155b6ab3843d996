package ratelimit

import (
	"errors"
	"time"
)

// ErrGateTimeout is returned by HeavyGate.Acquire when no token became
// available before the gate timeout.
var ErrGateTimeout = errors.New("heavy operation gate timed out")

// CheckResult contains the result of a sliding window check.
type CheckResult struct {
	// Allowed indicates if the request is permitted.
	Allowed bool

	// Limit is the configured limit value.
	Limit int

	// Count is the number of entries in the window after the decision.
	Count int

	// RetryAfter suggests how long to wait before retrying. Zero when allowed.
	RetryAfter time.Duration
}

// Remaining returns how many more requests fit in the window.
func (r CheckResult) Remaining() int {
	if r.Limit < 0 {
		return -1
	}
	if rem := r.Limit - r.Count; rem > 0 {
		return rem
	}
	return 0
}
