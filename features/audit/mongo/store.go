package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "github.com/McKhanster/autoninja-sub001/features/audit/mongo/clients/mongo"
	"github.com/McKhanster/autoninja-sub001/runtime/audit"
)

// Store implements audit.RecordStore by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ audit.RecordStore = (*Store)(nil)

// NewStore builds a Mongo-backed record store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Insert implements audit.RecordStore.
func (s *Store) Insert(ctx context.Context, rec *audit.Record) error {
	return s.client.InsertRecord(ctx, rec)
}

// Get implements audit.RecordStore.
func (s *Store) Get(ctx context.Context, key audit.RecordKey) (*audit.Record, error) {
	return s.client.GetRecord(ctx, key)
}

// Finalize implements audit.RecordStore.
func (s *Store) Finalize(ctx context.Context, key audit.RecordKey, c audit.Closure, closedAt time.Time) error {
	return s.client.FinalizeRecord(ctx, key, c, closedAt)
}

// List implements audit.RecordStore.
func (s *Store) List(ctx context.Context, f audit.Filter) ([]*audit.Record, error) {
	return s.client.ListRecords(ctx, f)
}
