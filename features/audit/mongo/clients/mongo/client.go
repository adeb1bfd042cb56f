// Package mongo hosts the MongoDB client used by the audit record store.
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

	"github.com/McKhanster/autoninja-sub001/runtime/audit"
)

type (
	// Client exposes Mongo-backed operations for audit records.
	Client interface {
		health.Pinger

		InsertRecord(ctx context.Context, rec *audit.Record) error
		GetRecord(ctx context.Context, key audit.RecordKey) (*audit.Record, error)
		FinalizeRecord(ctx context.Context, key audit.RecordKey, c audit.Closure, closedAt time.Time) error
		ListRecords(ctx context.Context, f audit.Filter) ([]*audit.Record, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	// recordDocument is the stored form of an audit record. Request and
	// response payloads are kept as JSON text.
	recordDocument struct {
		RunID         string     `bson:"run_id"`
		Sequence      string     `bson:"sequence"`
		Stage         string     `bson:"stage"`
		Action        string     `bson:"action"`
		CorrelationID string     `bson:"correlation_id,omitempty"`
		Attempt       int        `bson:"attempt"`
		Model         string     `bson:"model,omitempty"`
		Request       string     `bson:"request,omitempty"`
		Status        string     `bson:"status"`
		OpenedAt      time.Time  `bson:"opened_at"`
		Response      string     `bson:"response,omitempty"`
		DurationMS    int64      `bson:"duration_ms,omitempty"`
		ArtifactRefs  []string   `bson:"artifact_refs,omitempty"`
		ErrorMessage  string     `bson:"error_message,omitempty"`
		InputTokens   int        `bson:"input_tokens,omitempty"`
		OutputTokens  int        `bson:"output_tokens,omitempty"`
		ClosedAt      *time.Time `bson:"closed_at,omitempty"`
	}

	// closeDocument is the $set payload of FinalizeRecord.
	closeDocument struct {
		Status       string    `bson:"status"`
		Response     string    `bson:"response,omitempty"`
		DurationMS   int64     `bson:"duration_ms"`
		ArtifactRefs []string  `bson:"artifact_refs,omitempty"`
		ErrorMessage string    `bson:"error_message,omitempty"`
		InputTokens  int       `bson:"input_tokens"`
		OutputTokens int       `bson:"output_tokens"`
		ClosedAt     time.Time `bson:"closed_at"`
	}
)

const (
	defaultCollection = "audit_records"
	defaultTimeout    = 5 * time.Second
	clientName        = "audit-mongo"
)

// New returns a Client backed by the provided MongoDB client. It creates the
// unique (run_id, sequence) index the conditional writes rely on.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
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
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) InsertRecord(ctx context.Context, rec *audit.Record) error {
	if rec == nil {
		return errors.New("record is required")
	}
	if rec.RunID == "" || rec.Sequence == "" {
		return errors.New("run id and sequence are required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.coll.InsertOne(ctx, fromRecord(rec)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", audit.ErrRecordExists, rec.Key())
		}
		return fmt.Errorf("insert audit record %s: %w", rec.Key(), err)
	}
	return nil
}

func (c *client) GetRecord(ctx context.Context, key audit.RecordKey) (*audit.Record, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc recordDocument
	if err := c.coll.FindOne(ctx, keyFilter(key)).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, audit.ErrRecordNotFound
		}
		return nil, fmt.Errorf("load audit record %s: %w", key, err)
	}
	return doc.toRecord(), nil
}

// FinalizeRecord updates the record only while its status is open so two
// concurrent closes cannot both apply.
func (c *client) FinalizeRecord(ctx context.Context, key audit.RecordKey, cl audit.Closure, closedAt time.Time) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := keyFilter(key)
	filter["status"] = string(audit.StatusOpen)
	update := bson.M{"$set": closeDocument{
		Status:       string(cl.Status),
		Response:     string(cl.Response),
		DurationMS:   cl.Duration.Milliseconds(),
		ArtifactRefs: cl.ArtifactRefs,
		ErrorMessage: cl.ErrorMessage,
		InputTokens:  cl.Usage.InputTokens,
		OutputTokens: cl.Usage.OutputTokens,
		ClosedAt:     closedAt.UTC(),
	}}
	matched, err := c.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("finalize audit record %s: %w", key, err)
	}
	if matched > 0 {
		return nil
	}
	var doc recordDocument
	if err := c.coll.FindOne(ctx, keyFilter(key)).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return audit.ErrRecordNotFound
		}
		return fmt.Errorf("load audit record %s: %w", key, err)
	}
	return audit.ErrNotOpen
}

func (c *client) ListRecords(ctx context.Context, f audit.Filter) (recs []*audit.Record, err error) {
	if f.RunID == "" {
		return nil, errors.New("run id is required")
	}
	filter := bson.M{"run_id": f.RunID}
	if f.Stage != "" {
		filter["stage"] = f.Stage
	}
	if f.Action != "" {
		filter["action"] = f.Action
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list audit records of %s: %w", f.RunID, err)
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var doc recordDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		recs = append(recs, doc.toRecord())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func keyFilter(key audit.RecordKey) bson.M {
	return bson.M{"run_id": key.RunID, "sequence": key.Sequence}
}

func fromRecord(rec *audit.Record) recordDocument {
	doc := recordDocument{
		RunID:         rec.RunID,
		Sequence:      rec.Sequence,
		Stage:         rec.Stage,
		Action:        rec.Action,
		CorrelationID: rec.CorrelationID,
		Attempt:       rec.Attempt,
		Model:         rec.Model,
		Request:       string(rec.Request),
		Status:        string(rec.Status),
		OpenedAt:      rec.OpenedAt.UTC(),
		Response:      string(rec.Response),
		DurationMS:    rec.Duration.Milliseconds(),
		ArtifactRefs:  rec.ArtifactRefs,
		ErrorMessage:  rec.ErrorMessage,
		InputTokens:   rec.Usage.InputTokens,
		OutputTokens:  rec.Usage.OutputTokens,
	}
	if !rec.ClosedAt.IsZero() {
		closed := rec.ClosedAt.UTC()
		doc.ClosedAt = &closed
	}
	return doc
}

func (doc recordDocument) toRecord() *audit.Record {
	rec := &audit.Record{
		RunID:         doc.RunID,
		Sequence:      doc.Sequence,
		Stage:         doc.Stage,
		Action:        doc.Action,
		CorrelationID: doc.CorrelationID,
		Attempt:       doc.Attempt,
		Model:         doc.Model,
		Request:       rawJSON(doc.Request),
		Response:      rawJSON(doc.Response),
		Status:        audit.Status(doc.Status),
		Duration:      time.Duration(doc.DurationMS) * time.Millisecond,
		ArtifactRefs:  append([]string(nil), doc.ArtifactRefs...),
		ErrorMessage:  doc.ErrorMessage,
		Usage:         audit.Usage{InputTokens: doc.InputTokens, OutputTokens: doc.OutputTokens},
		OpenedAt:      doc.OpenedAt,
	}
	if doc.ClosedAt != nil {
		rec.ClosedAt = *doc.ClosedAt
	}
	return rec
}

func rawJSON(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	models := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "sequence", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "stage", Value: 1}, {Key: "action", Value: 1}},
		},
	}
	return coll.Indexes().CreateMany(ctx, models)
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, document any) error
	FindOne(ctx context.Context, filter any) singleResult
	UpdateOne(ctx context.Context, filter any, update any) (matched int64, err error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type indexView interface {
	CreateMany(ctx context.Context, models []mongodriver.IndexModel) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any) error {
	_, err := c.coll.InsertOne(ctx, document)
	return err
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any) (int64, error) {
	res, err := c.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return res.MatchedCount, nil
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateMany(ctx context.Context, models []mongodriver.IndexModel) error {
	_, err := v.view.CreateMany(ctx, models)
	return err
}
