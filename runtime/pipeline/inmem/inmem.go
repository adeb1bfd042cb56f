// Package inmem provides an in-memory run store and event recorder for tests
// and single process deployments.
package inmem

import (
	"context"
	"sync"

	"github.com/McKhanster/autoninja-sub001/runtime/pipeline"
)

type (
	// RunStore keeps run statuses in memory.
	RunStore struct {
		mu   sync.Mutex
		runs map[string]*pipeline.RunStatus
	}

	// Recorder is a pipeline.Sink that keeps every published event.
	Recorder struct {
		mu     sync.Mutex
		events []pipeline.Event
	}
)

var (
	_ pipeline.RunStore = (*RunStore)(nil)
	_ pipeline.Sink     = (*Recorder)(nil)
)

// NewRunStore returns an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]*pipeline.RunStatus)}
}

// Upsert stores a copy of st.
func (s *RunStore) Upsert(_ context.Context, st *pipeline.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[st.RunID] = st.Clone()
	return nil
}

// Load returns a copy of the run status.
func (s *RunStore) Load(_ context.Context, runID string) (*pipeline.RunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.runs[runID]
	if !ok {
		return nil, pipeline.ErrRunNotFound
	}
	return st.Clone(), nil
}

// Publish records ev.
func (r *Recorder) Publish(_ context.Context, ev pipeline.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns the recorded events in publication order.
func (r *Recorder) Events() []pipeline.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.Event(nil), r.events...)
}
