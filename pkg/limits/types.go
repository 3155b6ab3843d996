package limits

import (
	"errors"
	"fmt"
	"math"
	"time"

	"eidos-hq/speechgate/pkg/limits/storage"
)

// Reason is the machine-readable code of an admission or dispatch failure.
type Reason string

const (
	ReasonTextTooLong                 Reason = "text_too_long"
	ReasonPerMinuteExceeded           Reason = "per_minute_exceeded"
	ReasonDailyExceeded               Reason = "daily_exceeded"
	ReasonConcurrentRequestInProgress Reason = "concurrent_request_in_progress"
	ReasonServerOverloaded            Reason = "server_overloaded"
	ReasonUpstreamUnavailable         Reason = "upstream_unavailable"
)

// Sentinel errors for matching with errors.Is.
var (
	ErrTextTooLong                 = errors.New("text too long")
	ErrPerMinuteExceeded           = errors.New("per-minute limit exceeded")
	ErrDailyExceeded               = errors.New("daily limit exceeded")
	ErrConcurrentRequestInProgress = errors.New("concurrent request in progress")
	ErrServerOverloaded            = errors.New("server overloaded")
	ErrUpstreamUnavailable         = errors.New("upstream unavailable")
)

var sentinels = map[Reason]error{
	ReasonTextTooLong:                 ErrTextTooLong,
	ReasonPerMinuteExceeded:           ErrPerMinuteExceeded,
	ReasonDailyExceeded:               ErrDailyExceeded,
	ReasonConcurrentRequestInProgress: ErrConcurrentRequestInProgress,
	ReasonServerOverloaded:            ErrServerOverloaded,
	ReasonUpstreamUnavailable:         ErrUpstreamUnavailable,
}

// Sentinel returns the sentinel error for reason, or nil if unknown.
func (r Reason) Sentinel() error {
	return sentinels[r]
}

// Rejection is returned when a request is refused. It carries the data the
// transport layer needs to build a response.
type Rejection struct {
	Reason     Reason
	Message    string
	RetryAfter time.Duration
	Detail     map[string]any
}

// Error implements error.
func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Reason, r.Message)
}

// Is matches the sentinel error for the rejection's reason.
func (r *Rejection) Is(target error) bool {
	s := sentinels[r.Reason]
	return s != nil && target == s
}

// RetryAfterSeconds returns the retry hint in whole seconds, rounded up.
func (r *Rejection) RetryAfterSeconds() int {
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

// Tier names a set of limits.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierFree      Tier = "free"
)

// TierLimits is the caller-specific limit set. A negative value disables
// the corresponding check.
type TierLimits struct {
	Name              Tier `yaml:"-" json:"tier"`
	CharLimit         int  `yaml:"char_limit" json:"char_limit"`
	RequestsPerDay    int  `yaml:"requests_per_day" json:"requests_per_day"`
	RequestsPerMinute int  `yaml:"requests_per_minute" json:"requests_per_minute"`
}

// RequestClass selects the per-class counter charged for a request.
type RequestClass = storage.Class

const (
	ClassWebUITTS        = storage.ClassWebUITTS
	ClassAPITTS          = storage.ClassAPITTS
	ClassWebUIMultiVoice = storage.ClassWebUIMultiVoice
	ClassAPIMultiVoice   = storage.ClassAPIMultiVoice
)

// Usage is the post-consumption snapshot returned by a successful check.
type Usage struct {
	Identity      string
	Date          string
	Limits        TierLimits
	RequestCount  int64
	CharsConsumed int64
	Classes       map[RequestClass]int64
	MinuteCount   int
}

// RemainingDay returns the requests left today, never below zero.
func (u *Usage) RemainingDay() int64 {
	if u.Limits.RequestsPerDay < 0 {
		return -1
	}
	if rem := int64(u.Limits.RequestsPerDay) - u.RequestCount; rem > 0 {
		return rem
	}
	return 0
}
