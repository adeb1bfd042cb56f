package mongo

import (
	"context"
	"errors"

	mongoc "github.com/McKhanster/autoninja-sub001/features/run/mongo/clients/mongo"
	"github.com/McKhanster/autoninja-sub001/runtime/pipeline"
)

// Store implements pipeline.RunStore by delegating to the Mongo client.
type Store struct {
	client mongoc.Client
}

var _ pipeline.RunStore = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client mongoc.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Upsert stores the provided run status.
func (s *Store) Upsert(ctx context.Context, st *pipeline.RunStatus) error {
	return s.client.UpsertRun(ctx, st)
}

// Load retrieves a run status from storage.
func (s *Store) Load(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	return s.client.LoadRun(ctx, runID)
}
