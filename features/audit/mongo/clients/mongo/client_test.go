package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/McKhanster/autoninja-sub001/runtime/audit"
)

func TestEnsureIndexes(t *testing.T) {
	fc := newFakeCollection()
	require.NoError(t, ensureIndexes(context.Background(), fc))
	require.Len(t, fc.indexes, 2)
	assert.NotNil(t, fc.indexes[0].Options)
}

func TestInsertAndGet(t *testing.T) {
	client := mustNewTestClient(t)
	opened := time.Date(2025, 10, 13, 14, 30, 0, 0, time.UTC)
	rec := &audit.Record{
		RunID:    "run-friend-20251013-143022",
		Sequence: "00000000000000000001-ab",
		Stage:    "requirements",
		Action:   "requirements",
		Attempt:  1,
		Model:    "anthropic.claude-3",
		Request:  json.RawMessage(`{"messages":[]}`),
		Status:   audit.StatusOpen,
		OpenedAt: opened,
	}
	require.NoError(t, client.InsertRecord(context.Background(), rec))

	got, err := client.GetRecord(context.Background(), rec.Key())
	require.NoError(t, err)
	assert.Equal(t, rec.Stage, got.Stage)
	assert.Equal(t, audit.StatusOpen, got.Status)
	assert.JSONEq(t, `{"messages":[]}`, string(got.Request))
	assert.Nil(t, got.Response)
	assert.True(t, got.ClosedAt.IsZero())
	assert.Equal(t, opened, got.OpenedAt)

	err = client.InsertRecord(context.Background(), rec)
	require.ErrorIs(t, err, audit.ErrRecordExists)
}

func TestGetMissing(t *testing.T) {
	client := mustNewTestClient(t)
	_, err := client.GetRecord(context.Background(), audit.RecordKey{RunID: "run", Sequence: "1"})
	require.ErrorIs(t, err, audit.ErrRecordNotFound)
}

func TestFinalize(t *testing.T) {
	client := mustNewTestClient(t)
	rec := &audit.Record{RunID: "run", Sequence: "1", Stage: "code", Status: audit.StatusOpen, OpenedAt: time.Now()}
	require.NoError(t, client.InsertRecord(context.Background(), rec))

	closedAt := time.Date(2025, 10, 13, 15, 0, 0, 0, time.UTC)
	closure := audit.Closure{
		Response:     json.RawMessage(`{"text":"ok"}`),
		Status:       audit.StatusSuccess,
		Duration:     1500 * time.Millisecond,
		ArtifactRefs: []string{"run/code/code/raw/code.json"},
		Usage:        audit.Usage{InputTokens: 10, OutputTokens: 4},
	}
	require.NoError(t, client.FinalizeRecord(context.Background(), rec.Key(), closure, closedAt))

	got, err := client.GetRecord(context.Background(), rec.Key())
	require.NoError(t, err)
	assert.Equal(t, audit.StatusSuccess, got.Status)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
	assert.Equal(t, closure.ArtifactRefs, got.ArtifactRefs)
	assert.Equal(t, closure.Usage, got.Usage)
	assert.Equal(t, closedAt, got.ClosedAt)

	err = client.FinalizeRecord(context.Background(), rec.Key(), closure, closedAt)
	require.ErrorIs(t, err, audit.ErrNotOpen)

	err = client.FinalizeRecord(context.Background(), audit.RecordKey{RunID: "run", Sequence: "2"}, closure, closedAt)
	require.ErrorIs(t, err, audit.ErrRecordNotFound)
}

func TestListFiltersAndOrders(t *testing.T) {
	client := mustNewTestClient(t)
	for _, r := range []*audit.Record{
		{RunID: "run", Sequence: "3", Stage: "code", Action: "code"},
		{RunID: "run", Sequence: "1", Stage: "requirements", Action: "requirements"},
		{RunID: "run", Sequence: "2", Stage: "code", Action: "tool:kb.search"},
		{RunID: "other", Sequence: "1", Stage: "code", Action: "code"},
	} {
		r.Status = audit.StatusOpen
		require.NoError(t, client.InsertRecord(context.Background(), r))
	}

	all, err := client.ListRecords(context.Background(), audit.Filter{RunID: "run"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"1", "2", "3"}, sequences(all))

	code, err := client.ListRecords(context.Background(), audit.Filter{RunID: "run", Stage: "code"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, sequences(code))

	tool, err := client.ListRecords(context.Background(), audit.Filter{RunID: "run", Stage: "code", Action: "tool:kb.search"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, sequences(tool))

	_, err = client.ListRecords(context.Background(), audit.Filter{})
	require.Error(t, err)
}

func TestInsertValidation(t *testing.T) {
	client := mustNewTestClient(t)
	require.Error(t, client.InsertRecord(context.Background(), nil))
	require.Error(t, client.InsertRecord(context.Background(), &audit.Record{RunID: "run"}))
}

func sequences(recs []*audit.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Sequence
	}
	return out
}

func mustNewTestClient(t *testing.T) *client {
	t.Helper()
	cl, err := newClientWithCollection(nil, newFakeCollection(), time.Second)
	require.NoError(t, err)
	return cl
}

// fakeCollection interprets the equality filters and $set updates issued by
// client.
type fakeCollection struct {
	mu      sync.Mutex
	indexes []mongodriver.IndexModel
	docs    map[string]recordDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]recordDocument)}
}

func docKey(runID, seq string) string { return runID + "#" + seq }

func matches(doc recordDocument, filter bson.M) bool {
	fields := map[string]string{
		"run_id":   doc.RunID,
		"sequence": doc.Sequence,
		"stage":    doc.Stage,
		"action":   doc.Action,
		"status":   doc.Status,
	}
	for k, v := range filter {
		if fields[k] != v.(string) {
			return false
		}
	}
	return true
}

func (c *fakeCollection) InsertOne(_ context.Context, document any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := document.(recordDocument)
	key := docKey(doc.RunID, doc.Sequence)
	if _, ok := c.docs[key]; ok {
		return mongodriver.WriteException{WriteErrors: []mongodriver.WriteError{{Code: 11000, Message: "E11000 duplicate key error"}}}
	}
	c.docs[key] = doc
	return nil
}

func (c *fakeCollection) FindOne(_ context.Context, filter any) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range c.docs {
		if matches(doc, filter.(bson.M)) {
			return fakeSingleResult{doc: doc}
		}
	}
	return fakeSingleResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter any, update any) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := update.(bson.M)["$set"].(closeDocument)
	for key, doc := range c.docs {
		if !matches(doc, filter.(bson.M)) {
			continue
		}
		doc.Status = set.Status
		doc.Response = set.Response
		doc.DurationMS = set.DurationMS
		doc.ArtifactRefs = set.ArtifactRefs
		doc.ErrorMessage = set.ErrorMessage
		doc.InputTokens = set.InputTokens
		doc.OutputTokens = set.OutputTokens
		closed := set.ClosedAt
		doc.ClosedAt = &closed
		c.docs[key] = doc
		return 1, nil
	}
	return 0, nil
}

func (c *fakeCollection) Find(_ context.Context, filter any, _ ...options.Lister[options.FindOptions]) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var docs []recordDocument
	for _, doc := range c.docs {
		if matches(doc, filter.(bson.M)) {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Sequence < docs[j].Sequence })
	return &fakeCursor{docs: docs, pos: -1}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{parent: c}
}

type fakeIndexView struct {
	parent *fakeCollection
}

func (v fakeIndexView) CreateMany(_ context.Context, models []mongodriver.IndexModel) error {
	for _, m := range models {
		if len(m.Keys.(bson.D)) == 0 {
			return errors.New("missing keys")
		}
	}
	v.parent.indexes = append(v.parent.indexes, models...)
	return nil
}

type fakeSingleResult struct {
	doc recordDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	target, ok := val.(*recordDocument)
	if !ok {
		return errors.New("unsupported target")
	}
	*target = r.doc
	return nil
}

type fakeCursor struct {
	docs []recordDocument
	pos  int
}

func (c *fakeCursor) Next(context.Context) bool {
	c.pos++
	return c.pos < len(c.docs)
}

func (c *fakeCursor) Decode(val any) error {
	target, ok := val.(*recordDocument)
	if !ok {
		return errors.New("unsupported target")
	}
	*target = c.docs[c.pos]
	return nil
}

func (c *fakeCursor) Err() error                  { return nil }
func (c *fakeCursor) Close(context.Context) error { return nil }
