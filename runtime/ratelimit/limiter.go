package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/McKhanster/autoninja-sub001/runtime/telemetry"
)

const (
	// DefaultMaxAttempts bounds the number of read/wait/swap iterations of a
	// single Acquire.
	DefaultMaxAttempts = 64
	// DefaultDeadline bounds the wall-clock time of a single Acquire.
	DefaultDeadline = 10 * time.Minute
	// DefaultSkewMargin is added to the interval when the store has no clock
	// of its own.
	DefaultSkewMargin = 250 * time.Millisecond
	// DefaultPenaltyBase is the first penalty applied after a throttle.
	DefaultPenaltyBase = 10 * time.Second
	// DefaultPenaltyMax caps the penalty.
	DefaultPenaltyMax = 5 * time.Minute
	// DefaultJitter is the fraction of the penalty added at random to waits.
	DefaultJitter = 0.1
	// DefaultPollRate paces re-reads after a lost swap, per second.
	DefaultPollRate = 20

	penaltyAttempts = 3
)

type (
	// Options configures a Limiter. Zero values select the defaults.
	Options struct {
		// SkewMargin is added to every interval. Negative disables it. Zero
		// selects DefaultSkewMargin when the store has no Clock and no
		// margin otherwise.
		SkewMargin time.Duration
		// MaxAttempts bounds iterations per Acquire.
		MaxAttempts int
		// Deadline bounds the wall-clock time per Acquire.
		Deadline time.Duration
		// PenaltyBase and PenaltyMax shape the throttle penalty: the first
		// throttle sets PenaltyBase, each further throttle doubles it up to
		// PenaltyMax.
		PenaltyBase time.Duration
		PenaltyMax  time.Duration
		// Jitter is the fraction of the current penalty added at random to
		// each wait. Negative disables it.
		Jitter float64
		// PollRate bounds re-reads per second after a lost swap.
		PollRate rate.Limit
		// Holder identifies this limiter in State.HolderToken. Defaults to a
		// random UUID.
		Holder string

		Logger  telemetry.Logger
		Metrics telemetry.Metrics

		// Now and Sleep replace the local clock, mostly for tests.
		Now   func() time.Time
		Sleep func(ctx context.Context, d time.Duration) error
		// Rand returns a number in [0, 1) used for jitter.
		Rand func() float64
	}

	// Limiter grants slots spaced by at least the requested interval.
	// A Limiter is safe for concurrent use.
	Limiter struct {
		store       Store
		clock       Clock
		skew        time.Duration
		maxAttempts int
		deadline    time.Duration
		base        time.Duration
		max         time.Duration
		jitter      float64
		holder      string
		poll        *rate.Limiter
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		now         func() time.Time
		sleep       func(ctx context.Context, d time.Duration) error
		rand        func() float64
	}
)

// New returns a Limiter backed by store.
func New(store Store, opts Options) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	l := &Limiter{
		store:       store,
		skew:        opts.SkewMargin,
		maxAttempts: opts.MaxAttempts,
		deadline:    opts.Deadline,
		base:        opts.PenaltyBase,
		max:         opts.PenaltyMax,
		jitter:      opts.Jitter,
		holder:      opts.Holder,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		sleep:       opts.Sleep,
		rand:        opts.Rand,
	}
	if c, ok := store.(Clock); ok {
		l.clock = c
	}
	switch {
	case l.skew < 0:
		l.skew = 0
	case l.skew == 0 && l.clock == nil:
		l.skew = DefaultSkewMargin
	}
	if l.maxAttempts <= 0 {
		l.maxAttempts = DefaultMaxAttempts
	}
	if l.deadline <= 0 {
		l.deadline = DefaultDeadline
	}
	if l.base <= 0 {
		l.base = DefaultPenaltyBase
	}
	if l.max < l.base {
		l.max = max(DefaultPenaltyMax, l.base)
	}
	switch {
	case l.jitter < 0:
		l.jitter = 0
	case l.jitter == 0:
		l.jitter = DefaultJitter
	}
	if l.holder == "" {
		l.holder = uuid.NewString()
	}
	pollRate := opts.PollRate
	if pollRate <= 0 {
		pollRate = DefaultPollRate
	}
	l.poll = rate.NewLimiter(pollRate, 1)
	if l.logger == nil {
		l.logger = telemetry.NewNoopLogger()
	}
	if l.metrics == nil {
		l.metrics = telemetry.NewNoopMetrics()
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.sleep == nil {
		l.sleep = sleepContext
	}
	if l.rand == nil {
		l.rand = rand.Float64
	}
	return l, nil
}

// Acquire blocks until the caller holds the next slot for key, that is until
// at least minInterval (plus skew margin and any throttle penalty) has
// elapsed since the previous slot was granted to any caller sharing the
// store. It returns the time spent waiting.
//
// Acquire returns an error wrapping ErrDeadlineExceeded when the retry budget
// is exhausted, and an error wrapping ctx.Err() when ctx is cancelled. Both
// are checked before every iteration.
func (l *Limiter) Acquire(ctx context.Context, key string, minInterval time.Duration) (time.Duration, error) {
	if key == "" {
		return 0, errors.New("ratelimit: key is required")
	}
	minInterval = max(minInterval, 0)
	deadline := l.now().Add(l.deadline)
	var waited time.Duration
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return waited, fmt.Errorf("ratelimit: acquire %q: %w", key, err)
		}
		if attempt > l.maxAttempts {
			return waited, l.exceeded(ctx, key, attempt-1, waited)
		}
		st, found, err := l.store.Get(ctx, key)
		if err != nil {
			return waited, fmt.Errorf("ratelimit: read %q: %w", key, err)
		}
		now, err := l.storeNow(ctx)
		if err != nil {
			return waited, fmt.Errorf("ratelimit: clock: %w", err)
		}
		if found {
			interval := minInterval + l.skew + st.Penalty
			if slot := st.LastInvocationAt.Add(interval); now.Before(slot) {
				wait := slot.Sub(now) + l.jitterFor(st.Penalty)
				if l.now().Add(wait).After(deadline) {
					return waited, l.exceeded(ctx, key, attempt, waited)
				}
				l.logger.Debug(ctx, "rate limit wait", "key", key, "wait", wait, "attempt", attempt)
				if err := l.sleep(ctx, wait); err != nil {
					return waited, fmt.Errorf("ratelimit: acquire %q: %w", key, err)
				}
				waited += wait
				continue
			}
		}
		next := State{
			LastInvocationAt: now,
			HolderToken:      l.holder,
			Penalty:          st.Penalty,
			Version:          st.Version + 1,
		}
		won, err := l.store.CompareAndSwap(ctx, key, st.Version, next)
		if err != nil {
			return waited, fmt.Errorf("ratelimit: swap %q: %w", key, err)
		}
		if won {
			l.metrics.RecordTimer("ratelimit.acquire.wait", waited, "key", key)
			return waited, nil
		}
		l.metrics.IncCounter("ratelimit.cas.conflict", 1, "key", key)
		if err := l.poll.Wait(ctx); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				err = cerr
			}
			return waited, fmt.Errorf("ratelimit: acquire %q: %w", key, err)
		}
	}
}

// Throttled records that the endpoint behind key rejected a call for rate
// reasons and widens the shared penalty: the first throttle sets the base
// penalty and each subsequent one doubles it, up to the configured maximum.
// It returns the new penalty.
func (l *Limiter) Throttled(ctx context.Context, key string) (time.Duration, error) {
	var penalty time.Duration
	err := l.update(ctx, key, func(st State, found bool, now time.Time) (State, bool) {
		next := st
		if !found {
			next.LastInvocationAt = now
			next.HolderToken = l.holder
		}
		next.Penalty = min(max(st.Penalty*2, l.base), l.max)
		penalty = next.Penalty
		return next, true
	})
	if err != nil {
		return 0, err
	}
	l.logger.Warn(ctx, "rate limit penalty widened", "key", key, "penalty", penalty)
	l.metrics.RecordGauge("ratelimit.penalty", penalty.Seconds(), "key", key)
	return penalty, nil
}

// Recovered records a successful call and halves the shared penalty,
// clearing it once it drops below the base penalty.
func (l *Limiter) Recovered(ctx context.Context, key string) error {
	var penalty time.Duration
	changed := false
	err := l.update(ctx, key, func(st State, found bool, _ time.Time) (State, bool) {
		if !found || st.Penalty == 0 {
			return st, false
		}
		next := st
		next.Penalty = st.Penalty / 2
		if next.Penalty < l.base {
			next.Penalty = 0
		}
		penalty, changed = next.Penalty, true
		return next, true
	})
	if err != nil || !changed {
		return err
	}
	l.logger.Debug(ctx, "rate limit penalty narrowed", "key", key, "penalty", penalty)
	l.metrics.RecordGauge("ratelimit.penalty", penalty.Seconds(), "key", key)
	return nil
}

// update applies fn to the current state with a bounded number of swap
// attempts. fn returns false to skip the write.
func (l *Limiter) update(ctx context.Context, key string, fn func(State, bool, time.Time) (State, bool)) error {
	if key == "" {
		return errors.New("ratelimit: key is required")
	}
	for range penaltyAttempts {
		st, found, err := l.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("ratelimit: read %q: %w", key, err)
		}
		now, err := l.storeNow(ctx)
		if err != nil {
			return fmt.Errorf("ratelimit: clock: %w", err)
		}
		next, write := fn(st, found, now)
		if !write {
			return nil
		}
		next.Version = st.Version + 1
		won, err := l.store.CompareAndSwap(ctx, key, st.Version, next)
		if err != nil {
			return fmt.Errorf("ratelimit: swap %q: %w", key, err)
		}
		if won {
			return nil
		}
	}
	return fmt.Errorf("ratelimit: update %q: %w", key, ErrContended)
}

func (l *Limiter) storeNow(ctx context.Context) (time.Time, error) {
	if l.clock != nil {
		return l.clock.Now(ctx)
	}
	return l.now(), nil
}

func (l *Limiter) jitterFor(penalty time.Duration) time.Duration {
	if penalty <= 0 || l.jitter == 0 {
		return 0
	}
	return time.Duration(l.rand() * l.jitter * float64(penalty))
}

func (l *Limiter) exceeded(ctx context.Context, key string, attempts int, waited time.Duration) error {
	l.metrics.IncCounter("ratelimit.deadline_exceeded", 1, "key", key)
	l.logger.Warn(ctx, "rate limit budget exhausted", "key", key, "attempts", attempts, "waited", waited)
	return fmt.Errorf("ratelimit: acquire %q after %d attempts and %s: %w", key, attempts, waited, ErrDeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
