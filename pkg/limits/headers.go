package limits

import "strconv"

// Rate limit response headers.
const (
	HeaderTier         = "X-RateLimit-Tier"
	HeaderLimitDay     = "X-RateLimit-Limit-Day"
	HeaderRemainingDay = "X-RateLimit-Remaining-Day"
	HeaderLimitMinute  = "X-RateLimit-Limit-Min"
	HeaderCharLimit    = "X-RateLimit-Char-Limit"
)

// Headers returns the rate limit headers describing u.
func (u *Usage) Headers() map[string]string {
	return map[string]string{
		HeaderTier:         string(u.Limits.Name),
		HeaderLimitDay:     strconv.Itoa(u.Limits.RequestsPerDay),
		HeaderRemainingDay: strconv.FormatInt(u.RemainingDay(), 10),
		HeaderLimitMinute:  strconv.Itoa(u.Limits.RequestsPerMinute),
		HeaderCharLimit:    strconv.Itoa(u.Limits.CharLimit),
	}
}
