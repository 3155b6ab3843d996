package providers

import (
	"errors"
	"fmt"
	"time"
)

// ErrEmptyAudio is returned when the upstream answered successfully but
// sent no audio data.
var ErrEmptyAudio = errors.New("no audio data received")

// UpstreamError represents a failed upstream attempt.
// It includes the route, HTTP status code, and underlying error.
type UpstreamError struct {
	// Route is the redacted route the attempt used
	Route string

	// StatusCode is the HTTP status code (0 if not applicable)
	StatusCode int

	// Message is the error message
	Message string

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream via %s error (status %d): %s", e.Route, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream via %s error: %s", e.Route, e.Message)
}

// Unwrap returns the underlying error for error chain support.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents an attempt that exceeded the configured timeout.
type TimeoutError struct {
	Route   string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream via %s timed out after %s", e.Route, e.Timeout)
}

// ConfigError represents an invalid synthesizer configuration.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("synthesizer configuration error for field %q: %s", e.Field, e.Message)
}
