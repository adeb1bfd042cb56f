package ratelimit_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/McKhanster/autoninja-sub001/runtime/ratelimit"
	"github.com/McKhanster/autoninja-sub001/runtime/ratelimit/inmem"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 10, 13, 14, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return nil
}

// recordingStore remembers the timestamp of every granted slot.
type recordingStore struct {
	*inmem.Store
	mu      sync.Mutex
	granted []time.Time
}

func (s *recordingStore) CompareAndSwap(ctx context.Context, key string, expected int64, next ratelimit.State) (bool, error) {
	ok, err := s.Store.CompareAndSwap(ctx, key, expected, next)
	if ok && next.HolderToken != "" {
		s.mu.Lock()
		s.granted = append(s.granted, next.LastInvocationAt)
		s.mu.Unlock()
	}
	return ok, err
}

// clockStore exposes a store-side clock.
type clockStore struct {
	*inmem.Store
	now time.Time
}

func (s *clockStore) Now(context.Context) (time.Time, error) { return s.now, nil }

// losingStore loses the first n swaps.
type losingStore struct {
	*inmem.Store
	mu   sync.Mutex
	lose int
}

func (s *losingStore) CompareAndSwap(ctx context.Context, key string, expected int64, next ratelimit.State) (bool, error) {
	s.mu.Lock()
	if s.lose > 0 {
		s.lose--
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()
	return s.Store.CompareAndSwap(ctx, key, expected, next)
}

type failingStore struct{ *inmem.Store }

func (failingStore) Get(context.Context, string) (ratelimit.State, bool, error) {
	return ratelimit.State{}, false, errors.New("store down")
}

func newFakeLimiter(t *testing.T, store ratelimit.Store, clock *fakeClock, opts ratelimit.Options) *ratelimit.Limiter {
	t.Helper()
	opts.Now = clock.Now
	opts.Sleep = clock.Sleep
	if opts.SkewMargin == 0 {
		opts.SkewMargin = -1
	}
	if opts.Jitter == 0 {
		opts.Jitter = -1
	}
	l, err := ratelimit.New(store, opts)
	require.NoError(t, err)
	return l
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := ratelimit.New(nil, ratelimit.Options{})
	require.EqualError(t, err, "ratelimit: store is required")
}

func TestAcquireSpacesSequentialCalls(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	start := clock.Now()
	l := newFakeLimiter(t, inmem.New(), clock, ratelimit.Options{})
	ctx := context.Background()

	var waits []time.Duration
	for range 3 {
		w, err := l.Acquire(ctx, "bedrock", time.Minute)
		require.NoError(t, err)
		waits = append(waits, w)
	}
	assert.Equal(t, []time.Duration{0, time.Minute, time.Minute}, waits)
	assert.Equal(t, 2*time.Minute, clock.Now().Sub(start))
}

func TestAcquireKeysAreIndependent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := newFakeLimiter(t, inmem.New(), clock, ratelimit.Options{})
	ctx := context.Background()

	_, err := l.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	w, err := l.Acquire(ctx, "b", time.Minute)
	require.NoError(t, err)
	assert.Zero(t, w)
}

func TestAcquireAddsDefaultSkewWithoutStoreClock(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l, err := ratelimit.New(inmem.New(), ratelimit.Options{Now: clock.Now, Sleep: clock.Sleep, Jitter: -1})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	w, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute+ratelimit.DefaultSkewMargin, w)
}

func TestAcquireUsesStoreClock(t *testing.T) {
	t.Parallel()

	storeNow := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &clockStore{Store: inmem.New(), now: storeNow}
	l, err := ratelimit.New(store, ratelimit.Options{Holder: "worker-1"})
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	st, found, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, st.LastInvocationAt.Equal(storeNow))
	assert.Equal(t, "worker-1", st.HolderToken)
	assert.Equal(t, int64(1), st.Version)
}

func TestAcquireDeadlineExceeded(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := newFakeLimiter(t, inmem.New(), clock, ratelimit.Options{Deadline: 30 * time.Second})
	ctx := context.Background()

	_, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	before := clock.Now()
	w, err := l.Acquire(ctx, "k", time.Minute)
	require.ErrorIs(t, err, ratelimit.ErrDeadlineExceeded)
	assert.Zero(t, w)
	assert.Equal(t, before, clock.Now(), "must not sleep past the budget")
}

func TestAcquireMaxAttempts(t *testing.T) {
	t.Parallel()

	store := &losingStore{Store: inmem.New(), lose: 100}
	l := newFakeLimiter(t, store, newFakeClock(), ratelimit.Options{MaxAttempts: 3, PollRate: rate.Inf})

	_, err := l.Acquire(context.Background(), "k", time.Second)
	require.ErrorIs(t, err, ratelimit.ErrDeadlineExceeded)
	assert.Equal(t, 97, store.lose)
}

func TestAcquireRetriesAfterLostRace(t *testing.T) {
	t.Parallel()

	store := &losingStore{Store: inmem.New(), lose: 2}
	l := newFakeLimiter(t, store, newFakeClock(), ratelimit.Options{PollRate: rate.Inf})

	_, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	_, found, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestAcquireStoreError(t *testing.T) {
	t.Parallel()

	l := newFakeLimiter(t, failingStore{inmem.New()}, newFakeClock(), ratelimit.Options{})
	_, err := l.Acquire(context.Background(), "k", time.Second)
	require.ErrorContains(t, err, "store down")
}

func TestAcquireRequiresKey(t *testing.T) {
	t.Parallel()

	l := newFakeLimiter(t, inmem.New(), newFakeClock(), ratelimit.Options{})
	_, err := l.Acquire(context.Background(), "", time.Second)
	require.Error(t, err)
}

func TestAcquireCancelledDuringWait(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	l, err := ratelimit.New(store, ratelimit.Options{SkewMargin: -1, Jitter: -1})
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), "k", time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	start := time.Now()
	_, err = l.Acquire(ctx, "k", time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	st, _, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version, "a cancelled acquire must not take a slot")
}

func TestAcquireCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := newFakeLimiter(t, inmem.New(), newFakeClock(), ratelimit.Options{})
	_, err := l.Acquire(ctx, "k", time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestThrottledWidensAndRecoveredNarrows(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := inmem.New()
	l := newFakeLimiter(t, store, clock, ratelimit.Options{PenaltyBase: 10 * time.Second, PenaltyMax: 30 * time.Second})
	ctx := context.Background()

	var got []time.Duration
	for range 4 {
		p, err := l.Throttled(ctx, "k")
		require.NoError(t, err)
		got = append(got, p)
	}
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second, 30 * time.Second}, got)

	require.NoError(t, l.Recovered(ctx, "k"))
	st, _, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, st.Penalty)

	require.NoError(t, l.Recovered(ctx, "k"))
	st, _, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, st.Penalty)

	version := st.Version
	require.NoError(t, l.Recovered(ctx, "k"))
	st, _, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, version, st.Version, "recovering without a penalty must not write")
}

func TestPenaltyWidensInterval(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := newFakeLimiter(t, inmem.New(), clock, ratelimit.Options{})
	ctx := context.Background()

	_, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = l.Throttled(ctx, "k")
	require.NoError(t, err)
	w, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute+ratelimit.DefaultPenaltyBase, w)
}

func TestJitterOnlyAddsToWait(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l, err := ratelimit.New(inmem.New(), ratelimit.Options{
		SkewMargin: -1,
		Jitter:     0.5,
		Rand:       func() float64 { return 0.5 },
		Now:        clock.Now,
		Sleep:      clock.Sleep,
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.Throttled(ctx, "k")
	require.NoError(t, err)
	w, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	base := ratelimit.DefaultPenaltyBase
	assert.Equal(t, time.Minute+base+base/4, w)
}

func TestConcurrentAcquireSpacingProperty(t *testing.T) {
	const interval = 10 * time.Millisecond

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 8
	properties := gopter.NewProperties(parameters)

	properties.Property("granted slots are at least one interval apart", prop.ForAll(
		func(callers int) bool {
			store := &recordingStore{Store: inmem.New()}
			var wg sync.WaitGroup
			errs := make(chan error, callers)
			for range callers {
				// Each caller gets its own limiter: they share only the store.
				l, err := ratelimit.New(store, ratelimit.Options{SkewMargin: -1, PollRate: rate.Inf})
				if err != nil {
					return false
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := l.Acquire(context.Background(), "shared", interval); err != nil {
						errs <- err
					}
				}()
			}
			wg.Wait()
			close(errs)
			for range errs {
				return false
			}
			granted := append([]time.Time(nil), store.granted...)
			if len(granted) != callers {
				return false
			}
			sort.Slice(granted, func(i, j int) bool { return granted[i].Before(granted[j]) })
			for i := 1; i < len(granted); i++ {
				if granted[i].Sub(granted[i-1]) < interval {
					return false
				}
			}
			return true
		},
		gen.IntRange(2, 6),
	))

	properties.TestingRun(t)
}
