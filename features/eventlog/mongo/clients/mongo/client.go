// Package mongo implements the low-level MongoDB client used by the durable
// event log store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"
)

type (
	// Client exposes Mongo-backed operations for the run event log.
	Client interface {
		health.Pinger

		// Insert persists one event document. Unique indexes on
		// (run_id, sequence) and (run_id, event_id) reject sequence races
		// and replayed event IDs; both surface as ErrDuplicateKey.
		Insert(ctx context.Context, doc *EventDocument) error
		// RunState returns the run's head sequence and the tenant pinned by
		// its first event. A run with no events returns (0, "", nil).
		RunState(ctx context.Context, runID string) (uint64, string, error)
		// HasEvent reports whether the run already stored an event with the
		// given event ID.
		HasEvent(ctx context.Context, runID, eventID string) (bool, error)
		// FindFrom returns the run's documents with sequence >= from in
		// ascending sequence order. The cursor runs on the caller's context;
		// the client timeout does not apply to iteration.
		FindFrom(ctx context.Context, runID string, from uint64) (Cursor, error)
	}

	// EventDocument is the stored shape of one run event. The envelope
	// fields are denormalized for indexing; Payload carries the full typed
	// event.
	EventDocument struct {
		ID        primitive.ObjectID `bson:"_id,omitempty"`
		RunID     string             `bson:"run_id"`
		Sequence  int64              `bson:"sequence"`
		EventID   string             `bson:"event_id"`
		EventType string             `bson:"event_type"`
		TenantID  string             `bson:"tenant_id"`
		Timestamp time.Time          `bson:"timestamp"`
		Payload   []byte             `bson:"payload"`
	}

	// Cursor iterates event documents in query order.
	Cursor interface {
		Next(ctx context.Context) bool
		Decode(val any) error
		Err() error
		Close(ctx context.Context) error
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
)

// ErrDuplicateKey reports an insert rejected by one of the unique indexes.
var ErrDuplicateKey = errors.New("duplicate key")

const (
	defaultCollection = "run_events"
	defaultTimeout    = 5 * time.Second
	clientName        = "eventlog-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(collName)
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

func (c *client) Insert(ctx context.Context, doc *EventDocument) error {
	if doc == nil {
		return errors.New("document is required")
	}
	if doc.RunID == "" {
		return errors.New("run id is required")
	}
	if doc.Sequence < 1 {
		return errors.New("sequence must be >= 1")
	}
	if doc.EventID == "" {
		return errors.New("event id is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %w", ErrDuplicateKey, err)
		}
		return err
	}
	return nil
}

func (c *client) RunState(ctx context.Context, runID string) (uint64, string, error) {
	if runID == "" {
		return 0, "", errors.New("run id is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var last EventDocument
	err := c.coll.FindOne(ctx, bson.M{"run_id": runID}, options.FindOne().
		SetSort(bson.D{{Key: "sequence", Value: -1}}),
	).Decode(&last)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}

	var first EventDocument
	if err := c.coll.FindOne(ctx, bson.M{"run_id": runID, "sequence": int64(1)}).Decode(&first); err != nil {
		return 0, "", fmt.Errorf("run %s has head %d but no first event: %w", runID, last.Sequence, err)
	}
	return uint64(last.Sequence), first.TenantID, nil
}

func (c *client) HasEvent(ctx context.Context, runID, eventID string) (bool, error) {
	if runID == "" {
		return false, errors.New("run id is required")
	}
	if eventID == "" {
		return false, errors.New("event id is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc EventDocument
	err := c.coll.FindOne(ctx, bson.M{"run_id": runID, "event_id": eventID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *client) FindFrom(ctx context.Context, runID string, from uint64) (Cursor, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	if from < 1 {
		from = 1
	}

	cur, err := c.coll.Find(ctx, bson.M{
		"run_id":   runID,
		"sequence": bson.M{"$gte": int64(from)},
	}, options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	indexes := []mongodriver.IndexModel{
		{
			Keys: bson.D{
				{Key: "run_id", Value: 1},
				{Key: "sequence", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("run_sequence"),
		},
		{
			Keys: bson.D{
				{Key: "run_id", Value: 1},
				{Key: "event_id", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("run_event_id"),
		},
	}
	for _, idx := range indexes {
		if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
			return err
		}
	}
	return nil
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
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	Indexes() indexView
}

type singleResult interface {
	Decode(val any) error
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
