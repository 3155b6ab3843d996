package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the layout of the date component of a quota row.
const DateLayout = "2006-01-02"

// NoLimit disables the request_count ceiling in ConsumeIfBelow.
const NoLimit int64 = -1

var (
	// ErrInvalidKey is returned when an identity string has no known prefix.
	ErrInvalidKey = errors.New("invalid identity key")

	// ErrUnknownClass is returned for a request class without a counter.
	ErrUnknownClass = errors.New("unknown request class")

	// ErrClosed is returned when a store is used after Close.
	ErrClosed = errors.New("store is closed")
)

// Kind identifies how a caller was recognised.
type Kind string

const (
	// KindKey marks a registered caller identified by an API key id.
	KindKey Kind = "key"

	// KindIP marks an anonymous caller identified by network address.
	KindIP Kind = "ip"
)

// Class is a request class with its own per-day counter.
type Class string

const (
	ClassWebUITTS        Class = "webui_tts"
	ClassAPITTS          Class = "api_tts"
	ClassWebUIMultiVoice Class = "webui_multivoice"
	ClassAPIMultiVoice   Class = "api_multivoice"
)

// Classes lists every request class in column order.
var Classes = []Class{ClassWebUITTS, ClassAPITTS, ClassWebUIMultiVoice, ClassAPIMultiVoice}

// Valid reports whether c has a counter column.
func (c Class) Valid() bool {
	for _, known := range Classes {
		if c == known {
			return true
		}
	}
	return false
}

// Key addresses the quota rows of one caller. A row is keyed either by
// API key id or by IP address, never both.
type Key struct {
	Kind    Kind
	Subject string
}

// ParseKey splits an identity of the form "ip:<addr>" or "key:<id>".
func ParseKey(identity string) (Key, error) {
	kind, subject, ok := strings.Cut(identity, ":")
	if !ok || subject == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, identity)
	}
	switch Kind(kind) {
	case KindKey, KindIP:
		return Key{Kind: Kind(kind), Subject: subject}, nil
	default:
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, identity)
	}
}

// String returns the identity form of the key.
func (k Key) String() string {
	return string(k.Kind) + ":" + k.Subject
}

// DayOf returns the UTC calendar date of t in DateLayout.
func DayOf(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// Deltas is the amount added to a row by one admitted request.
type Deltas struct {
	Requests int64
	Chars    int64
	Class    Class
}

func (d Deltas) validate() error {
	if d.Class != "" && !d.Class.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownClass, d.Class)
	}
	if d.Requests < 0 || d.Chars < 0 {
		return fmt.Errorf("negative deltas: requests=%d chars=%d", d.Requests, d.Chars)
	}
	return nil
}

// Row is a snapshot of one caller's usage on one date.
type Row struct {
	ID            int64
	Key           Key
	Date          string
	RequestCount  int64
	CharsConsumed int64
	Classes       map[Class]int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ClassCount returns the counter for class c.
func (r *Row) ClassCount(c Class) int64 {
	if r == nil || r.Classes == nil {
		return 0
	}
	return r.Classes[c]
}

// Store persists quota rows. Implementations must be safe for concurrent
// use and must never create two rows for the same key and date.
type Store interface {
	// GetOrCreateAndIncrement creates the row for (key, date) if missing and
	// applies deltas unconditionally. It returns the post-increment row.
	GetOrCreateAndIncrement(ctx context.Context, key Key, date string, d Deltas) (*Row, error)

	// ConsumeIfBelow applies deltas only while request_count < limit.
	// applied reports whether the increment happened; row is always the
	// current snapshot. A negative limit behaves like GetOrCreateAndIncrement.
	ConsumeIfBelow(ctx context.Context, key Key, date string, d Deltas, limit int64) (row *Row, applied bool, err error)

	// Get returns the row for (key, date), or nil if none exists.
	Get(ctx context.Context, key Key, date string) (*Row, error)

	// List returns all rows for date ordered by id.
	List(ctx context.Context, date string) ([]*Row, error)

	// Cleanup deletes rows whose date is before the given date and returns
	// the number of rows removed.
	Cleanup(ctx context.Context, before string) (int, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources. The store must not be used afterwards.
	Close() error
}

func newRow(key Key, date string, now time.Time) *Row {
	return &Row{
		Key:       key,
		Date:      date,
		Classes:   make(map[Class]int64, len(Classes)),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *Row) clone() *Row {
	c := *r
	c.Classes = make(map[Class]int64, len(r.Classes))
	for k, v := range r.Classes {
		c.Classes[k] = v
	}
	return &c
}

func (r *Row) apply(d Deltas, now time.Time) {
	r.RequestCount += d.Requests
	r.CharsConsumed += d.Chars
	if d.Class != "" {
		r.Classes[d.Class]++
	}
	r.UpdatedAt = now
}

func below(count, limit int64) bool {
	return limit < 0 || count < limit
}
