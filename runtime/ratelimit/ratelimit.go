// Package ratelimit enforces a minimum interval between calls that share a
// limiter key, across processes that share nothing but a Store.
//
// The Store's compare-and-swap is the only synchronization primitive: a
// caller wins a slot by swapping in a new last-invocation timestamp against
// the version it read. Losing the swap means another caller took the slot;
// the loser re-reads and recomputes its wait. Acquire never performs a blind
// write.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDeadlineExceeded is returned by Acquire when the retry budget
	// (attempt count or wall-clock deadline) is exhausted before a slot is
	// won.
	ErrDeadlineExceeded = errors.New("ratelimit: deadline exceeded")

	// ErrContended is returned by Throttled and Recovered when the penalty
	// could not be updated within the bounded number of swap attempts.
	ErrContended = errors.New("ratelimit: state contended")
)

type (
	// State is the shared rate limit state for one key.
	State struct {
		// LastInvocationAt is the time the most recent slot was granted.
		LastInvocationAt time.Time
		// HolderToken identifies the limiter that won the most recent slot.
		HolderToken string
		// Penalty widens the interval after the endpoint throttled a call.
		Penalty time.Duration
		// Version increases by one on every successful swap. Zero means the
		// key does not exist.
		Version int64
	}

	// Store persists State and provides the conditional write primitive.
	// Implementations must be strongly consistent for a single key.
	Store interface {
		// Get returns the current state of key and whether it exists.
		Get(ctx context.Context, key string) (State, bool, error)
		// CompareAndSwap writes next when the stored version equals expected
		// (zero meaning absent). It reports false, with a nil error, when
		// another writer got there first. next.Version is expected+1.
		CompareAndSwap(ctx context.Context, key string, expected int64, next State) (bool, error)
	}

	// Clock is implemented by stores that expose a store-side clock. When the
	// store implements Clock the limiter timestamps slots with it instead of
	// the local clock.
	Clock interface {
		Now(ctx context.Context) (time.Time, error)
	}
)
