package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// HeavyGate bounds the number of expensive operations running at once
// across all callers. Unlike Guard it waits for a token, up to a timeout.
type HeavyGate struct {
	sem     *semaphore.Weighted
	max     int64
	timeout time.Duration
	inUse   atomic.Int64
}

// NewHeavyGate creates a gate with max tokens. Acquire waits at most timeout.
func NewHeavyGate(max int, timeout time.Duration) *HeavyGate {
	if max < 1 {
		max = 1
	}
	return &HeavyGate{
		sem:     semaphore.NewWeighted(int64(max)),
		max:     int64(max),
		timeout: timeout,
	}
}

// Acquire waits for a token. It returns ErrGateTimeout when the gate timeout
// elapses first, or ctx.Err() when the caller's context ends first. On
// success release must be called exactly once; extra calls are ignored.
func (g *HeavyGate) Acquire(ctx context.Context) (release func(), err error) {
	waitCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrGateTimeout
		}
		return nil, err
	}
	g.inUse.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			g.inUse.Add(-1)
			g.sem.Release(1)
		})
	}, nil
}

// InUse returns the number of tokens currently held.
func (g *HeavyGate) InUse() int64 {
	return g.inUse.Load()
}

// Max returns the total number of tokens.
func (g *HeavyGate) Max() int64 {
	return g.max
}

// Available returns the number of free tokens.
func (g *HeavyGate) Available() int64 {
	if avail := g.max - g.inUse.Load(); avail > 0 {
		return avail
	}
	return 0
}

// Timeout returns the configured acquire timeout.
func (g *HeavyGate) Timeout() time.Duration {
	return g.timeout
}
