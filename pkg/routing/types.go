package routing

import (
	"net/url"
	"time"
)

// Mode values reported by Status.
const (
	ModeDirect        = "direct"
	ModeProxyFallback = "proxy+direct_fallback"
)

// Route is a relay address, or the direct connection when Address is empty.
type Route struct {
	Address string
}

// Direct is the route that bypasses every relay.
var Direct = Route{}

// IsDirect reports whether r is the direct route.
func (r Route) IsDirect() bool {
	return r.Address == ""
}

// String returns the address with any credentials redacted.
func (r Route) String() string {
	if r.IsDirect() {
		return ModeDirect
	}
	u, err := url.Parse(r.Address)
	if err != nil || u.Host == "" {
		return r.Address
	}
	return u.Redacted()
}

// URL parses the route address. It returns nil for the direct route.
func (r Route) URL() (*url.URL, error) {
	if r.IsDirect() {
		return nil, nil
	}
	return url.Parse(r.Address)
}

// Status is a read-only snapshot of the relay pool.
type Status struct {
	Enabled bool          `json:"enabled"`
	Mode    string        `json:"mode"`
	Count   int           `json:"count"`
	Healthy int           `json:"healthy"`
	Failed  int           `json:"failed"`
	Routes  []RouteStatus `json:"routes,omitempty"`
}

// RouteStatus describes one relay.
type RouteStatus struct {
	Route               string     `json:"route"`
	Healthy             bool       `json:"healthy"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	DisabledUntil       *time.Time `json:"disabled_until,omitempty"`
}
