// Package ratelimit provides the in-process admission primitives used by the
// gateway.
//
// # Overview
//
//   - SlidingWindow: per-identity request timestamps over a trailing window
//   - Guard: at most one in-flight request per identity, never queues
//   - HeavyGate: global semaphore for expensive operations, waits with a timeout
//
// # Sliding Window
//
// The window keeps the exact timestamps of admitted requests per identity.
// Entries older than the window are dropped before every decision and the
// limit is inclusive: with a limit of 3, three entries block the fourth
// request.
//
//	window := ratelimit.NewSlidingWindow(time.Minute, clockwork.NewRealClock())
//	res, result := window.Reserve("ip:203.0.113.5", 3)
//	if !result.Allowed {
//	    // result.RetryAfter tells the caller when the oldest entry expires
//	}
//	// res.Cancel() gives the slot back if a later check fails
//
// # Concurrency Guard
//
//	guard := ratelimit.NewGuard()
//	release, ok := guard.TryAcquire("key:42")
//	if !ok {
//	    // another request from this caller is in flight
//	}
//	defer release()
//
// # Heavy Gate
//
//	gate := ratelimit.NewHeavyGate(20, 30*time.Second)
//	release, err := gate.Acquire(ctx)
//	if errors.Is(err, ratelimit.ErrGateTimeout) {
//	    // server overloaded
//	}
//	defer release()
//
// # Thread Safety
//
// All types are safe for concurrent use. The window and guard hold short
// mutex sections and never perform I/O while locked.
package ratelimit
