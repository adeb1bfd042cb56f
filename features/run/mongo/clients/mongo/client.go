// Package mongo hosts the MongoDB client used by the run status store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/McKhanster/autoninja-sub001/runtime/pipeline"
)

const (
	defaultRunsCollection = "pipeline_runs"
	defaultOpTimeout      = 5 * time.Second
	runClientName         = "run-mongo"
)

// Client exposes Mongo-backed operations for run statuses.
type Client interface {
	health.Pinger

	UpsertRun(ctx context.Context, st *pipeline.RunStatus) error
	LoadRun(ctx context.Context, runID string) (*pipeline.RunStatus, error)
}

// Options configures the Mongo run client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultRunsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return runClientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

// UpsertRun replaces the stored status. created_at is only written on
// insert so the first status of a run keeps its creation time.
func (c *client) UpsertRun(ctx context.Context, st *pipeline.RunStatus) error {
	if st == nil || st.RunID == "" {
		return errors.New("run id is required")
	}
	now := time.Now().UTC()
	fields := fromStatus(st)
	if fields.UpdatedAt.IsZero() {
		fields.UpdatedAt = now
	}
	created := st.CreatedAt.UTC()
	if st.CreatedAt.IsZero() {
		created = now
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"run_id": st.RunID}
	update := bson.M{
		"$set": fields,
		"$setOnInsert": bson.M{
			"created_at": created,
		},
	}
	if err := c.coll.UpsertOne(ctx, filter, update); err != nil {
		return fmt.Errorf("upsert run %s: %w", st.RunID, err)
	}
	return nil
}

func (c *client) LoadRun(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := c.coll.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, pipeline.ErrRunNotFound
		}
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	return doc.toStatus(), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type (
	// runFields holds everything but created_at, which $setOnInsert owns.
	runFields struct {
		RunID     string          `bson:"run_id"`
		Request   string          `bson:"request"`
		Status    string          `bson:"status"`
		Stage     string          `bson:"stage,omitempty"`
		Attempt   int             `bson:"attempt"`
		Error     string          `bson:"error,omitempty"`
		Stages    []stageDocument `bson:"stages"`
		UpdatedAt time.Time       `bson:"updated_at"`
	}

	runDocument struct {
		runFields `bson:",inline"`
		CreatedAt time.Time `bson:"created_at"`
	}

	stageDocument struct {
		Name      string   `bson:"name"`
		Status    string   `bson:"status"`
		Attempts  int      `bson:"attempts"`
		Artifacts []string `bson:"artifacts,omitempty"`
		Error     string   `bson:"error,omitempty"`
	}
)

func fromStatus(st *pipeline.RunStatus) runFields {
	fields := runFields{
		RunID:   st.RunID,
		Request: st.Request,
		Status:  string(st.Status),
		Stage:   st.Stage,
		Attempt: st.Attempt,
		Error:   st.Error,
		Stages:  make([]stageDocument, len(st.Stages)),
	}
	if !st.UpdatedAt.IsZero() {
		fields.UpdatedAt = st.UpdatedAt.UTC()
	}
	for i, s := range st.Stages {
		fields.Stages[i] = stageDocument{
			Name:      s.Name,
			Status:    string(s.Status),
			Attempts:  s.Attempts,
			Artifacts: append([]string(nil), s.Artifacts...),
			Error:     s.Error,
		}
	}
	return fields
}

func (doc runDocument) toStatus() *pipeline.RunStatus {
	st := &pipeline.RunStatus{
		RunID:     doc.RunID,
		Request:   doc.Request,
		Status:    pipeline.Status(doc.Status),
		Stage:     doc.Stage,
		Attempt:   doc.Attempt,
		Error:     doc.Error,
		Stages:    make([]pipeline.StageStatus, len(doc.Stages)),
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	for i, s := range doc.Stages {
		st.Stages[i] = pipeline.StageStatus{
			Name:      s.Name,
			Status:    pipeline.Status(s.Status),
			Attempts:  s.Attempts,
			Artifacts: append([]string(nil), s.Artifacts...),
			Error:     s.Error,
		}
	}
	return st
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	return coll.Indexes().CreateOne(ctx, index)
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any) singleResult
	UpsertOne(ctx context.Context, filter any, update any) error
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) error
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
}

func (c mongoCollection) UpsertOne(ctx context.Context, filter any, update any) error {
	_, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel) error {
	_, err := v.view.CreateOne(ctx, model)
	return err
}
