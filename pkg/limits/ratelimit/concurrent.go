package ratelimit

import (
	"sync"
)

// Guard allows at most one in-flight request per identity.
//
// # Algorithm
//
//  1. Lock, check whether identity is already held
//  2. If held: reject immediately, never wait
//  3. Otherwise mark held and return a release func
//  4. Release clears the mark exactly once
//
// # Thread Safety
//
// Guard is thread-safe; the held set is protected by a sync.Mutex.
type Guard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewGuard creates an empty concurrency guard.
func NewGuard() *Guard {
	return &Guard{held: make(map[string]struct{})}
}

// TryAcquire takes the lease for identity. When ok is true the caller must
// call release on every exit path, typically with defer. release is
// idempotent.
//
//	release, ok := guard.TryAcquire(identity)
//	if !ok {
//	    return errBusy
//	}
//	defer release()
func (g *Guard) TryAcquire(identity string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.held[identity]; busy {
		return nil, false
	}
	g.held[identity] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, identity)
			g.mu.Unlock()
		})
	}, true
}

// Held reports whether identity currently holds its lease.
func (g *Guard) Held(identity string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[identity]
	return ok
}

// Current returns the number of identities holding a lease.
func (g *Guard) Current() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}
