package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestClientInsertValidation(t *testing.T) {
	t.Parallel()

	c, err := newClientWithCollection(nil, &fakeCollection{}, time.Second)
	require.NoError(t, err)

	cases := []struct {
		name string
		doc  *EventDocument
	}{
		{name: "nil_document", doc: nil},
		{name: "missing_run_id", doc: &EventDocument{Sequence: 1, EventID: "evt_1"}},
		{name: "zero_sequence", doc: &EventDocument{RunID: "run-1", EventID: "evt_1"}},
		{name: "missing_event_id", doc: &EventDocument{RunID: "run-1", Sequence: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Error(t, c.Insert(context.Background(), tc.doc))
		})
	}
}

func TestClientInsertMapsDuplicateKey(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{
		insertErr: mongodriver.WriteException{
			WriteErrors: mongodriver.WriteErrors{{Code: 11000}},
		},
	}
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)

	err = c.Insert(context.Background(), &EventDocument{RunID: "run-1", Sequence: 1, EventID: "evt_1"})
	require.ErrorIs(t, err, ErrDuplicateKey)
}

func TestClientRunState(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{docs: fakeEventDocuments("run-1", "tenant-1", 3)}
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)

	head, tenant, err := c.RunState(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head)
	assert.Equal(t, "tenant-1", tenant)
}

func TestClientRunStateUnknownRun(t *testing.T) {
	t.Parallel()

	c, err := newClientWithCollection(nil, &fakeCollection{}, time.Second)
	require.NoError(t, err)

	head, tenant, err := c.RunState(context.Background(), "run-missing")
	require.NoError(t, err)
	assert.Zero(t, head)
	assert.Empty(t, tenant)
}

func TestClientHasEvent(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{docs: fakeEventDocuments("run-1", "tenant-1", 2)}
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)

	found, err := c.HasEvent(context.Background(), "run-1", "evt_1")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = c.HasEvent(context.Background(), "run-1", "evt_99")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClientFindFrom(t *testing.T) {
	t.Parallel()

	coll := &fakeCollection{docs: fakeEventDocuments("run-1", "tenant-1", 5)}
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)

	cur, err := c.FindFrom(context.Background(), "run-1", 3)
	require.NoError(t, err)
	defer cur.Close(context.Background()) //nolint:errcheck

	var seqs []int64
	for cur.Next(context.Background()) {
		var doc EventDocument
		require.NoError(t, cur.Decode(&doc))
		seqs = append(seqs, doc.Sequence)
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, []int64{3, 4, 5}, seqs)
}

func fakeEventDocuments(runID, tenantID string, n int) []EventDocument {
	docs := make([]EventDocument, 0, n)
	for i := 1; i <= n; i++ {
		docs = append(docs, EventDocument{
			RunID:     runID,
			Sequence:  int64(i),
			EventID:   eventID(i),
			EventType: "message-user-created",
			TenantID:  tenantID,
			Timestamp: time.Unix(int64(i), 0).UTC(),
			Payload:   []byte(`{}`),
		})
	}
	return docs
}

func eventID(i int) string {
	return "evt_" + string(rune('0'+i))
}

// fakeCollection serves the queries the client issues from an in-memory
// document slice.
type fakeCollection struct {
	docs      []EventDocument
	insertErr error
}

func (c *fakeCollection) InsertOne(_ context.Context, document any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	if c.insertErr != nil {
		return nil, c.insertErr
	}
	if doc, ok := document.(*EventDocument); ok {
		c.docs = append(c.docs, *doc)
	}
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	f, ok := filter.(bson.M)
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	runID, _ := f["run_id"].(string)

	if eventID, ok := f["event_id"].(string); ok {
		for _, doc := range c.docs {
			if doc.RunID == runID && doc.EventID == eventID {
				return fakeSingleResult{doc: doc}
			}
		}
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}

	if seq, ok := f["sequence"].(int64); ok {
		for _, doc := range c.docs {
			if doc.RunID == runID && doc.Sequence == seq {
				return fakeSingleResult{doc: doc}
			}
		}
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}

	// Head query: highest sequence for the run.
	var best *EventDocument
	for i := range c.docs {
		doc := &c.docs[i]
		if doc.RunID != runID {
			continue
		}
		if best == nil || doc.Sequence > best.Sequence {
			best = doc
		}
	}
	if best == nil {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: *best}
}

func (c *fakeCollection) Find(_ context.Context, filter any, _ ...*options.FindOptions) (cursor, error) {
	f, ok := filter.(bson.M)
	if !ok {
		return &fakeCursor{}, nil
	}
	runID, _ := f["run_id"].(string)
	var from int64
	if seq, ok := f["sequence"].(bson.M); ok {
		if gte, ok := seq["$gte"].(int64); ok {
			from = gte
		}
	}
	var filtered []EventDocument
	for _, doc := range c.docs {
		if doc.RunID == runID && doc.Sequence >= from {
			filtered = append(filtered, doc)
		}
	}
	return &fakeCursor{docs: filtered}, nil
}

func (c *fakeCollection) Indexes() indexView { return fakeIndexView{} }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...*options.CreateIndexesOptions) (string, error) {
	return "", nil
}

type fakeSingleResult struct {
	doc EventDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	if p, ok := val.(*EventDocument); ok {
		*p = r.doc
	}
	return nil
}

type fakeCursor struct {
	docs []EventDocument
	pos  int
	err  error
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.err != nil || c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	if c.err != nil {
		return c.err
	}
	if p, ok := val.(*EventDocument); ok && c.pos > 0 && c.pos <= len(c.docs) {
		*p = c.docs[c.pos-1]
	}
	return nil
}

func (c *fakeCursor) Err() error { return c.err }

func (c *fakeCursor) Close(context.Context) error { return nil }
