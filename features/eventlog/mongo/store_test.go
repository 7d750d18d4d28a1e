package mongo_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	mongolog "goa.design/baton/features/eventlog/mongo"
	clientsmongo "goa.design/baton/features/eventlog/mongo/clients/mongo"
	"goa.design/baton/runtime/eventlog"
	"goa.design/baton/runtime/run"
)

var testScope = run.Scope{TenantID: "tenant-1", UserID: "user-1"}

func userMsg(runID, content string) *run.MessageUserCreatedEvent {
	return run.NewMessageUserCreatedEvent(run.NewEnvelope(runID, testScope), run.NewMessageID(), content)
}

func TestStoreAppendAssignsSequences(t *testing.T) {
	t.Parallel()

	fc := newFakeClient()
	s, err := mongolog.NewStore(fc)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		seq, err := s.Append(ctx, userMsg("run-1", "hello"))
		require.NoError(t, err)
		require.Equal(t, uint64(i), seq)
	}

	head, err := s.Head(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, uint64(3), head)

	cur, err := s.ReadFrom(ctx, "run-1", 2)
	require.NoError(t, err)
	var seqs []uint64
	for cur.Next(ctx) {
		rec := cur.Record()
		require.Equal(t, run.EventMessageUserCreated, rec.Event.Type())
		seqs = append(seqs, rec.Sequence)
	}
	require.NoError(t, cur.Err())
	require.NoError(t, cur.Close(ctx))
	require.Equal(t, []uint64{2, 3}, seqs)
}

func TestStoreAppendExpectedSequence(t *testing.T) {
	t.Parallel()

	fc := newFakeClient()
	s, err := mongolog.NewStore(fc)
	require.NoError(t, err)
	ctx := context.Background()

	seq, err := s.Append(ctx, userMsg("run-1", "first"), eventlog.WithExpectedSequence(0))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	_, err = s.Append(ctx, userMsg("run-1", "stale"), eventlog.WithExpectedSequence(0))
	var conflict *eventlog.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, uint64(0), conflict.Expected)
	require.Equal(t, uint64(1), conflict.Head)

	// The failed append must not consume a sequence.
	seq, err = s.Append(ctx, userMsg("run-1", "second"), eventlog.WithExpectedSequence(1))
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)
}

func TestStoreAppendValidation(t *testing.T) {
	t.Parallel()

	fc := newFakeClient()
	s, err := mongolog.NewStore(fc)
	require.NoError(t, err)
	ctx := context.Background()

	var verr *eventlog.ValidationError

	_, err = s.Append(ctx, nil)
	require.ErrorAs(t, err, &verr)

	first := userMsg("run-1", "hello")
	_, err = s.Append(ctx, first)
	require.NoError(t, err)

	// The run's tenant is pinned by its first event.
	other := run.NewMessageUserCreatedEvent(
		run.NewEnvelope("run-1", run.Scope{TenantID: "tenant-2", UserID: "user-1"}),
		run.NewMessageID(), "cross-tenant")
	_, err = s.Append(ctx, other)
	require.ErrorAs(t, err, &verr)

	// Causation must resolve to a prior event of the same run.
	orphan := run.NewMessageUserCreatedEvent(
		run.NewEnvelope("run-1", testScope, run.WithCausation("evt_unknown")),
		run.NewMessageID(), "orphan")
	_, err = s.Append(ctx, orphan)
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Error(), "does not resolve")

	child := run.NewMessageUserCreatedEvent(first.Child(), run.NewMessageID(), "child")
	_, err = s.Append(ctx, child)
	require.NoError(t, err)
}

// A causation ID written by a previous process is not in the in-memory cache;
// it must resolve through the stored documents.
func TestStoreAppendCausationResolvesDurably(t *testing.T) {
	t.Parallel()

	fc := newFakeClient()
	ctx := context.Background()

	parent := userMsg("run-1", "from before the restart")
	seedEvent(t, fc, 1, parent)

	s, err := mongolog.NewStore(fc)
	require.NoError(t, err)

	child := run.NewMessageUserCreatedEvent(
		run.NewEnvelope("run-1", testScope, run.WithCausation(parent.ID)),
		run.NewMessageID(), "after the restart")
	seq, err := s.Append(ctx, child)
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)
}

// An event ID already stored by a previous process trips the unique index,
// not the cache, and must still surface as a validation error.
func TestStoreAppendReplayedEventID(t *testing.T) {
	t.Parallel()

	fc := newFakeClient()
	ctx := context.Background()

	first := userMsg("run-1", "original")
	seedEvent(t, fc, 1, first)

	s, err := mongolog.NewStore(fc)
	require.NoError(t, err)

	replay := userMsg("run-1", "replayed")
	replay.ID = first.ID
	_, err = s.Append(ctx, replay)
	var verr *eventlog.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Error(), "duplicate event id")
}

// Another writer taking the next sequence between our head load and insert
// surfaces as a conflict with the refreshed head.
func TestStoreAppendLostRace(t *testing.T) {
	t.Parallel()

	fc := newFakeClient()
	ctx := context.Background()

	s, err := mongolog.NewStore(fc)
	require.NoError(t, err)

	_, err = s.Append(ctx, userMsg("run-1", "ours"))
	require.NoError(t, err)

	// Simulate a second process appending sequence 2 behind our back.
	seedEvent(t, fc, 2, userMsg("run-1", "theirs"))

	_, err = s.Append(ctx, userMsg("run-1", "stale head"))
	var conflict *eventlog.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, uint64(1), conflict.Expected)
	require.Equal(t, uint64(2), conflict.Head)

	// The refreshed head lets the retry through.
	seq, err := s.Append(ctx, userMsg("run-1", "retry"))
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq)
}

// notifierFunc adapts a function to eventlog.Notifier.
type notifierFunc func(ctx context.Context, rec eventlog.Record)

func (f notifierFunc) EventAppended(ctx context.Context, rec eventlog.Record) { f(ctx, rec) }

func TestStoreNotifierFiresAfterDurable(t *testing.T) {
	t.Parallel()

	fc := newFakeClient()
	var seqs []uint64
	s, err := mongolog.NewStore(fc, mongolog.WithNotifier(notifierFunc(func(ctx context.Context, rec eventlog.Record) {
		// By the time the notifier runs the document must be stored.
		require.True(t, fc.hasSequence("run-1", int64(rec.Sequence)))
		seqs = append(seqs, rec.Sequence)
	})))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, userMsg("run-1", "hello"))
		require.NoError(t, err)
	}
	require.Equal(t, []uint64{1, 2, 3}, seqs)

	// Rejected appends never notify.
	_, err = s.Append(ctx, userMsg("run-1", "stale"), eventlog.WithExpectedSequence(0))
	require.Error(t, err)
	require.Len(t, seqs, 3)
}

func seedEvent(t *testing.T, fc *fakeClient, seq int64, ev run.Event) {
	t.Helper()
	payload, err := run.MarshalEvent(ev)
	require.NoError(t, err)
	env := ev.Env()
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.docs = append(fc.docs, clientsmongo.EventDocument{
		RunID:     env.RunID,
		Sequence:  seq,
		EventID:   env.ID,
		EventType: string(ev.Type()),
		TenantID:  env.TenantID,
		Timestamp: env.Timestamp,
		Payload:   payload,
	})
}

// fakeClient implements clientsmongo.Client in memory, enforcing the same
// unique indexes the real collection carries.
type fakeClient struct {
	mu   sync.Mutex
	docs []clientsmongo.EventDocument
}

func newFakeClient() *fakeClient { return &fakeClient{} }

func (c *fakeClient) Name() string                 { return "fake-mongo" }
func (c *fakeClient) Ping(_ context.Context) error { return nil }

func (c *fakeClient) Insert(_ context.Context, doc *clientsmongo.EventDocument) error {
	if doc == nil {
		return errors.New("document is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.docs {
		if d.RunID != doc.RunID {
			continue
		}
		if d.Sequence == doc.Sequence || d.EventID == doc.EventID {
			return clientsmongo.ErrDuplicateKey
		}
	}
	c.docs = append(c.docs, *doc)
	return nil
}

func (c *fakeClient) RunState(_ context.Context, runID string) (uint64, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var (
		head   int64
		tenant string
	)
	for _, d := range c.docs {
		if d.RunID != runID {
			continue
		}
		if d.Sequence > head {
			head = d.Sequence
		}
		if d.Sequence == 1 {
			tenant = d.TenantID
		}
	}
	return uint64(head), tenant, nil
}

func (c *fakeClient) HasEvent(_ context.Context, runID, eventID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.docs {
		if d.RunID == runID && d.EventID == eventID {
			return true, nil
		}
	}
	return false, nil
}

func (c *fakeClient) FindFrom(_ context.Context, runID string, from uint64) (clientsmongo.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []clientsmongo.EventDocument
	for next := int64(from); ; next++ {
		found := false
		for _, d := range c.docs {
			if d.RunID == runID && d.Sequence == next {
				matched = append(matched, d)
				found = true
				break
			}
		}
		if !found {
			break
		}
	}
	return &fakeCursor{docs: matched}, nil
}

func (c *fakeClient) hasSequence(runID string, seq int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.docs {
		if d.RunID == runID && d.Sequence == seq {
			return true
		}
	}
	return false
}

type fakeCursor struct {
	docs []clientsmongo.EventDocument
	pos  int
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	p, ok := val.(*clientsmongo.EventDocument)
	if !ok || c.pos < 1 || c.pos > len(c.docs) {
		return errors.New("no current document")
	}
	*p = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error                  { return nil }
func (c *fakeCursor) Close(context.Context) error { return nil }
