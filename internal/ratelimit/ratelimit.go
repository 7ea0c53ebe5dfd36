// Package ratelimit paces calls to inference backends.
//
// Keys are opaque strings built by callers, typically one per cost tier
// ("inference:cheap", "inference:expensive"), so a burst of cheap calls never
// starves the expensive tier.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a call identified by key may proceed now.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the call should proceed. Errors signal a limiter
	// malfunction; callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases background resources.
	Close() error
}

// Delayer is implemented by limiters that can report how long until key
// has a token available.
type Delayer interface {
	Delay(key string) time.Duration
}

// NoopLimiter permits every call. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// DefaultPoll is how long Wait sleeps between attempts when the limiter
// cannot say how long the caller has to wait.
const DefaultPoll = 50 * time.Millisecond

// Wait blocks until l admits key or ctx ends. A limiter error admits the
// call.
func Wait(ctx context.Context, l Limiter, key string) error {
	for {
		ok, err := l.Allow(ctx, key)
		if err != nil || ok {
			return nil
		}
		d := DefaultPoll
		if dl, isDelayer := l.(Delayer); isDelayer {
			if hint := dl.Delay(key); hint > 0 {
				d = hint
			}
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
