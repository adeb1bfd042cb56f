// Package redis implements ratelimit.Store on Redis. State lives in one hash
// per key; the conditional write is a Lua script so the version check and
// the write execute atomically on the server, and the server's TIME command
// serves as the limiter clock.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/McKhanster/autoninja-sub001/runtime/ratelimit"
)

const (
	defaultPrefix = "autoninja:ratelimit:"
	defaultTTL    = 24 * time.Hour
)

// casScript swaps the hash at KEYS[1] when its version equals ARGV[1].
// A missing hash has version 0.
var casScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if not cur then cur = '0' end
if cur ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'last_ns', ARGV[3], 'holder', ARGV[4], 'penalty_ns', ARGV[5])
local ttl = tonumber(ARGV[6])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return 1
`)

type (
	// Options configures the Store.
	Options struct {
		// Client is the Redis client. Required.
		Client goredis.UniversalClient
		// Prefix namespaces limiter keys. Defaults to "autoninja:ratelimit:".
		Prefix string
		// TTL expires idle limiter state. Defaults to 24h; negative disables
		// expiry.
		TTL time.Duration
	}

	// Store is a Redis backed ratelimit.Store and ratelimit.Clock.
	Store struct {
		rdb    goredis.UniversalClient
		prefix string
		ttl    time.Duration
	}
)

var (
	_ ratelimit.Store = (*Store)(nil)
	_ ratelimit.Clock = (*Store)(nil)
)

// New returns a Store using opts.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	ttl := opts.TTL
	switch {
	case ttl == 0:
		ttl = defaultTTL
	case ttl < 0:
		ttl = 0
	}
	return &Store{rdb: opts.Client, prefix: prefix, ttl: ttl}, nil
}

// Get reads the state of key.
func (s *Store) Get(ctx context.Context, key string) (ratelimit.State, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return ratelimit.State{}, false, err
	}
	if len(fields) == 0 {
		return ratelimit.State{}, false, nil
	}
	st, err := decodeState(fields)
	if err != nil {
		return ratelimit.State{}, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return st, true, nil
}

// CompareAndSwap writes next when the stored version equals expected.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected int64, next ratelimit.State) (bool, error) {
	args := []any{
		strconv.FormatInt(expected, 10),
		strconv.FormatInt(next.Version, 10),
		strconv.FormatInt(next.LastInvocationAt.UnixNano(), 10),
		next.HolderToken,
		strconv.FormatInt(int64(next.Penalty), 10),
		strconv.FormatInt(s.ttl.Milliseconds(), 10),
	}
	n, err := casScript.Run(ctx, s.rdb, []string{s.prefix + key}, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Now returns the Redis server time.
func (s *Store) Now(ctx context.Context) (time.Time, error) {
	return s.rdb.Time(ctx).Result()
}

func decodeState(fields map[string]string) (ratelimit.State, error) {
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return ratelimit.State{}, fmt.Errorf("version: %w", err)
	}
	lastNS, err := strconv.ParseInt(fields["last_ns"], 10, 64)
	if err != nil {
		return ratelimit.State{}, fmt.Errorf("last_ns: %w", err)
	}
	var penalty int64
	if v := fields["penalty_ns"]; v != "" {
		if penalty, err = strconv.ParseInt(v, 10, 64); err != nil {
			return ratelimit.State{}, fmt.Errorf("penalty_ns: %w", err)
		}
	}
	return ratelimit.State{
		LastInvocationAt: time.Unix(0, lastNS).UTC(),
		HolderToken:      fields["holder"],
		Penalty:          time.Duration(penalty),
		Version:          version,
	}, nil
}
