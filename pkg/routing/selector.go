package routing

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Default relay health settings.
const (
	DefaultMaxFailures = 3
	DefaultCooldown    = 10 * time.Minute
)

// Selector distributes upstream attempts across a relay pool.
//
// # Algorithm
//
//  1. Starting at the cursor, walk the pool at most once
//  2. Skip relays whose cooldown has not expired
//  3. A relay whose cooldown expired is healed in place and returned
//  4. The cursor moves past the returned relay
//
// Selector is safe for concurrent use; all state is guarded by one mutex.
type Selector struct {
	mu          sync.Mutex
	routes      []*routeState
	byAddress   map[string]*routeState
	cursor      int
	maxFailures int
	cooldown    time.Duration
	clock       clockwork.Clock
	metrics     *Metrics
	logger      *slog.Logger
}

type routeState struct {
	route         Route
	failures      int
	disabledUntil time.Time
}

// disabledAt reports whether the relay is cooling down at now.
func (rs *routeState) disabledAt(now time.Time) bool {
	return !rs.disabledUntil.IsZero() && now.Before(rs.disabledUntil)
}

// Config contains configuration for a Selector.
type Config struct {
	// Addresses is the ordered relay pool. Empty means direct only.
	Addresses []string

	// MaxFailures is the consecutive failure count that triggers cooldown.
	// Default: 3
	MaxFailures int

	// Cooldown is how long a failing relay is skipped. Default: 10 minutes
	Cooldown time.Duration

	Clock   clockwork.Clock
	Metrics *Metrics
	Logger  *slog.Logger
}

// NewSelector creates a Selector from cfg. Duplicate addresses are kept once.
func NewSelector(cfg Config) *Selector {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "routing.selector")
	}

	s := &Selector{
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
	s.routes, s.byAddress = buildPool(cfg.Addresses, nil)
	s.metrics.setHealthy(len(s.routes))
	return s
}

func buildPool(addresses []string, previous map[string]*routeState) ([]*routeState, map[string]*routeState) {
	routes := make([]*routeState, 0, len(addresses))
	byAddress := make(map[string]*routeState, len(addresses))
	for _, addr := range addresses {
		if addr == "" {
			continue
		}
		if _, dup := byAddress[addr]; dup {
			continue
		}
		rs, ok := previous[addr]
		if !ok {
			rs = &routeState{route: Route{Address: addr}}
		}
		routes = append(routes, rs)
		byAddress[addr] = rs
	}
	return routes, byAddress
}

// Next returns the next eligible relay. ok is false when the pool is empty
// or every relay is cooling down; the caller then connects directly.
func (s *Selector) Next() (route Route, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.routes)
	if n == 0 {
		return Direct, false
	}

	now := s.clock.Now()
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		rs := s.routes[idx]

		if rs.disabledAt(now) {
			continue
		}
		if !rs.disabledUntil.IsZero() {
			rs.failures = 0
			rs.disabledUntil = time.Time{}
			s.logger.Info("route re-enabled after cooldown", "route", rs.route.String())
		}

		s.cursor = (idx + 1) % n
		return rs.route, true
	}

	s.logger.Debug("all routes cooling down, using direct connection", "count", n)
	return Direct, false
}

// MarkSuccess clears the failure streak and any cooldown of route.
// Direct and unknown routes are ignored.
func (s *Selector) MarkSuccess(route Route) {
	if route.IsDirect() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.byAddress[route.Address]
	if !ok {
		return
	}
	rs.failures = 0
	rs.disabledUntil = time.Time{}
	s.metrics.setHealthy(s.healthyLocked(s.clock.Now()))
}

// MarkFailure extends the failure streak of route. Reaching MaxFailures
// starts (or restarts) the cooldown. Direct and unknown routes are ignored.
func (s *Selector) MarkFailure(route Route) {
	if route.IsDirect() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.byAddress[route.Address]
	if !ok {
		return
	}
	rs.failures++
	if rs.failures < s.maxFailures {
		return
	}

	now := s.clock.Now()
	rs.disabledUntil = now.Add(s.cooldown)
	s.metrics.routeDisabled(route.String())
	s.metrics.setHealthy(s.healthyLocked(now))
	s.logger.Warn("route disabled",
		"route", route.String(),
		"consecutive_failures", rs.failures,
		"cooldown", s.cooldown,
	)
}

// ResetAll clears every failure streak and cooldown. It is idempotent.
func (s *Selector) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rs := range s.routes {
		rs.failures = 0
		rs.disabledUntil = time.Time{}
	}
	s.metrics.setHealthy(len(s.routes))
}

// Replace swaps the relay pool. Relays present in both pools keep their
// health state; the cursor restarts at the first relay.
func (s *Selector) Replace(addresses []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.routes, s.byAddress = buildPool(addresses, s.byAddress)
	s.cursor = 0
	s.metrics.setHealthy(s.healthyLocked(s.clock.Now()))
	s.logger.Info("route pool replaced", "count", len(s.routes))
}

// Len returns the pool size.
func (s *Selector) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.routes)
}

// Status returns a snapshot of the pool. Relays whose cooldown has expired
// are reported healthy.
func (s *Selector) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	st := Status{
		Enabled: len(s.routes) > 0,
		Mode:    ModeDirect,
		Count:   len(s.routes),
		Routes:  make([]RouteStatus, 0, len(s.routes)),
	}
	if st.Enabled {
		st.Mode = ModeProxyFallback
	}

	for _, rs := range s.routes {
		rstat := RouteStatus{
			Route:               rs.route.String(),
			Healthy:             !rs.disabledAt(now),
			ConsecutiveFailures: rs.failures,
		}
		if rstat.Healthy {
			st.Healthy++
		} else {
			until := rs.disabledUntil
			rstat.DisabledUntil = &until
			st.Failed++
		}
		st.Routes = append(st.Routes, rstat)
	}
	return st
}

func (s *Selector) healthyLocked(now time.Time) int {
	healthy := 0
	for _, rs := range s.routes {
		if !rs.disabledAt(now) {
			healthy++
		}
	}
	return healthy
}
