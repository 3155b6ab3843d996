// Package limits decides whether a speech request may proceed.
//
// # Overview
//
// The Controller composes three independent checks and two gates:
//
//   - character limit per request (TextTooLong)
//   - per-identity sliding window of one minute (PerMinuteExceeded)
//   - per-identity daily quota persisted in a storage.Store (DailyExceeded)
//   - one in-flight request per identity (ConcurrentRequestInProgress)
//   - a global pool of heavy-operation tokens (ServerOverloaded)
//
// Checks run in that order and the first failure wins. On success the
// window slot and the daily increment are committed together; a failed
// daily check gives the window slot back.
//
// # Usage
//
//	ctrl := limits.NewController(limits.Config{Store: store})
//	usage, err := ctrl.CheckAndConsume(ctx, "ip:203.0.113.5", 120, limits.ClassAPITTS, tierLimits)
//	var rej *limits.Rejection
//	if errors.As(err, &rej) {
//	    // rej.Reason, rej.RetryAfter, rej.Detail
//	}
//
//	release, err := ctrl.AcquireConcurrent("ip:203.0.113.5")
//	if err != nil {
//	    return err
//	}
//	defer release()
//
// # Sub-packages
//
//   - ratelimit: sliding window, concurrency guard, heavy gate
//   - storage: daily quota rows (memory, SQLite, Redis)
package limits
