// Package pulse implements ratelimit.Store on a Pulse replicated map. Reads
// are served from the local replica; writes go through the map's
// SetIfNotExists and TestAndSet primitives, which execute atomically on
// Redis. The map has no clock, so limiters built on this store rely on their
// skew margin.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"goa.design/pulse/rmap"

	"github.com/McKhanster/autoninja-sub001/runtime/ratelimit"
)

const encodingVersion = "v1"

type (
	// Store is a ratelimit.Store backed by a replicated map.
	Store struct {
		m clusterMap
	}

	// clusterMap is the subset of rmap.Map used by Store.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
	}

	rmapClusterMap struct {
		m *rmap.Map
	}
)

var _ ratelimit.Store = (*Store)(nil)

// New returns a Store on m. Join the map with rmap.Join.
func New(m *rmap.Map) (*Store, error) {
	if m == nil {
		return nil, errors.New("replicated map is required")
	}
	return &Store{m: rmapClusterMap{m: m}}, nil
}

// Get decodes the state stored under key in the local replica.
func (s *Store) Get(_ context.Context, key string) (ratelimit.State, bool, error) {
	raw, ok := s.m.Get(key)
	if !ok {
		return ratelimit.State{}, false, nil
	}
	st, err := decode(raw)
	if err != nil {
		return ratelimit.State{}, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return st, true, nil
}

// CompareAndSwap writes next when the stored version equals expected.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected int64, next ratelimit.State) (bool, error) {
	value := encode(next)
	if expected == 0 {
		return s.m.SetIfNotExists(ctx, key, value)
	}
	cur, ok := s.m.Get(key)
	if !ok {
		return false, nil
	}
	st, err := decode(cur)
	if err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	if st.Version != expected {
		return false, nil
	}
	prev, err := s.m.TestAndSet(ctx, key, cur, value)
	if err != nil {
		return false, err
	}
	return prev == cur, nil
}

func encode(st ratelimit.State) string {
	return strings.Join([]string{
		encodingVersion,
		strconv.FormatInt(st.Version, 10),
		strconv.FormatInt(st.LastInvocationAt.UnixNano(), 10),
		strconv.FormatInt(int64(st.Penalty), 10),
		st.HolderToken,
	}, "|")
}

func decode(raw string) (ratelimit.State, error) {
	parts := strings.SplitN(raw, "|", 5)
	if len(parts) != 5 || parts[0] != encodingVersion {
		return ratelimit.State{}, fmt.Errorf("unexpected value %q", raw)
	}
	version, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ratelimit.State{}, fmt.Errorf("version: %w", err)
	}
	lastNS, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return ratelimit.State{}, fmt.Errorf("last invocation: %w", err)
	}
	penalty, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return ratelimit.State{}, fmt.Errorf("penalty: %w", err)
	}
	return ratelimit.State{
		Version:          version,
		LastInvocationAt: time.Unix(0, lastNS).UTC(),
		Penalty:          time.Duration(penalty),
		HolderToken:      parts[4],
	}, nil
}

func (m rmapClusterMap) Get(key string) (string, bool) {
	return m.m.Get(key)
}

func (m rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}
