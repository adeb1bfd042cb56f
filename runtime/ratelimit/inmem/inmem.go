// Package inmem provides an in-memory ratelimit.Store for tests and single
// process deployments.
package inmem

import (
	"context"
	"errors"
	"sync"

	"github.com/McKhanster/autoninja-sub001/runtime/ratelimit"
)

// Store keeps rate limit state in process memory.
type Store struct {
	mu     sync.Mutex
	states map[string]ratelimit.State
}

// New returns an empty Store.
func New() *Store {
	return &Store{states: make(map[string]ratelimit.State)}
}

// Get returns the state stored under key.
func (s *Store) Get(_ context.Context, key string) (ratelimit.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	return st, ok, nil
}

// CompareAndSwap stores next when the current version equals expected.
func (s *Store) CompareAndSwap(_ context.Context, key string, expected int64, next ratelimit.State) (bool, error) {
	if next.Version != expected+1 {
		return false, errors.New("inmem: next version must be expected+1")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[key].Version != expected {
		return false, nil
	}
	s.states[key] = next
	return true, nil
}
