// Package inmem provides in-memory audit record and artifact stores for
// tests and single process deployments.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/McKhanster/autoninja-sub001/runtime/audit"
)

type (
	// RecordStore keeps audit records in memory.
	RecordStore struct {
		mu      sync.Mutex
		records map[audit.RecordKey]*audit.Record
	}

	// ArtifactStore keeps artifact blobs in memory.
	ArtifactStore struct {
		mu    sync.Mutex
		blobs map[string][]byte
	}
)

var (
	_ audit.RecordStore   = (*RecordStore)(nil)
	_ audit.ArtifactStore = (*ArtifactStore)(nil)
)

// NewRecordStore returns an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[audit.RecordKey]*audit.Record)}
}

// NewArtifactStore returns an empty ArtifactStore.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{blobs: make(map[string][]byte)}
}

// Insert stores rec unless its key is taken.
func (s *RecordStore) Insert(_ context.Context, rec *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.Key()
	if _, ok := s.records[key]; ok {
		return audit.ErrRecordExists
	}
	s.records[key] = rec.Clone()
	return nil
}

// Get returns a copy of the record.
func (s *RecordStore) Get(_ context.Context, key audit.RecordKey) (*audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, audit.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// Finalize closes an open record.
func (s *RecordStore) Finalize(_ context.Context, key audit.RecordKey, c audit.Closure, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return audit.ErrRecordNotFound
	}
	if rec.Status != audit.StatusOpen {
		return audit.ErrNotOpen
	}
	rec.Apply(c, closedAt)
	return nil
}

// List returns copies of the matching records ordered by sequence.
func (s *RecordStore) List(_ context.Context, f audit.Filter) ([]*audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*audit.Record
	for _, rec := range s.records {
		if rec.RunID != f.RunID {
			continue
		}
		if f.Stage != "" && rec.Stage != f.Stage {
			continue
		}
		if f.Action != "" && rec.Action != f.Action {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Put stores a copy of data under key.
func (s *ArtifactStore) Put(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte{}, data...)
	return nil
}

// Get returns a copy of the blob stored under key.
func (s *ArtifactStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", audit.ErrArtifactNotFound, key)
	}
	return append([]byte{}, b...), nil
}

// List returns the keys with the given prefix in lexical order.
func (s *ArtifactStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
