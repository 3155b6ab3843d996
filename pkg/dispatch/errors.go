package dispatch

import (
	"fmt"
	"strings"
	"time"

	"eidos-hq/speechgate/pkg/limits"
)

// UpstreamUnavailableError is returned when every attempt failed.
type UpstreamUnavailableError struct {
	// Attempts is the number of attempts made.
	Attempts int

	// Routes lists the route used by each attempt, in order.
	Routes []string

	// LastErr is the error of the final attempt.
	LastErr error

	// RetryAfter is the hint handed to the caller. Zero falls back to
	// DefaultUnavailableRetryAfter.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("upstream unavailable after %d attempts (routes: %s): %v",
		e.Attempts, strings.Join(e.Routes, ", "), e.LastErr)
}

// Unwrap returns the last attempt's error.
func (e *UpstreamUnavailableError) Unwrap() error {
	return e.LastErr
}

// Is matches limits.ErrUpstreamUnavailable.
func (e *UpstreamUnavailableError) Is(target error) bool {
	return target == limits.ErrUpstreamUnavailable
}

// AttemptCount returns the number of attempts made.
func (e *UpstreamUnavailableError) AttemptCount() int {
	return e.Attempts
}

// Rejection converts the error into the shared rejection shape.
func (e *UpstreamUnavailableError) Rejection() *limits.Rejection {
	retry := e.RetryAfter
	if retry <= 0 {
		retry = DefaultUnavailableRetryAfter
	}
	return &limits.Rejection{
		Reason:     limits.ReasonUpstreamUnavailable,
		Message:    "speech service temporarily unavailable",
		RetryAfter: retry,
		Detail:     map[string]any{"attempts": e.Attempts},
	}
}
