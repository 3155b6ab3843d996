package events

import (
	"context"
	"errors"
	"time"
)

// Kind distinguishes admission events from dispatch events.
type Kind string

const (
	KindAdmission Kind = "admission"
	KindDispatch  Kind = "dispatch"
)

// Outcome values.
const (
	OutcomeAdmitted = "admitted"
	OutcomeRejected = "rejected"
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeCacheHit = "cache_hit"
)

// ErrClosed is returned by a closed store or recorder.
var ErrClosed = errors.New("events: closed")

// Event is one usage event.
type Event struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Kind       Kind      `json:"kind"`
	RequestID  string    `json:"request_id,omitempty"`
	Identity   string    `json:"identity"`
	Tier       string    `json:"tier,omitempty"`
	Class      string    `json:"class,omitempty"`
	Chars      int       `json:"chars"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Bytes      int       `json:"bytes,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// Query filters events. Zero fields match everything.
type Query struct {
	Identity string
	Kind     Kind
	Outcome  string
	Since    time.Time
	Until    time.Time

	// Limit caps the result. Default: 100
	Limit int
}

// DefaultQueryLimit applies when Query.Limit is zero.
const DefaultQueryLimit = 100

func (q Query) matches(e *Event) bool {
	if q.Identity != "" && e.Identity != q.Identity {
		return false
	}
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	if q.Outcome != "" && e.Outcome != q.Outcome {
		return false
	}
	if !q.Since.IsZero() && e.Time.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !e.Time.Before(q.Until) {
		return false
	}
	return true
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultQueryLimit
	}
	return q.Limit
}

// Store persists events.
type Store interface {
	// Append writes one event.
	Append(ctx context.Context, e *Event) error

	// Query returns matching events, newest first.
	Query(ctx context.Context, q Query) ([]*Event, error)

	// DeleteBefore removes events older than t and returns how many.
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
