// Package mongo provides the durable MongoDB-backed eventlog.Store.
//
// Use clients/mongo to build the low-level client and pass it to NewStore.
// Sequences are assigned under a per-run in-process lock; the unique
// (run_id, sequence) index is the cross-process backstop, so deployments
// keep a single writer per run and a lost race surfaces as a
// *eventlog.ConflictError.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	clientsmongo "goa.design/baton/features/eventlog/mongo/clients/mongo"
	"goa.design/baton/runtime/eventlog"
	"goa.design/baton/runtime/run"
)

type (
	// Store implements eventlog.Store on MongoDB.
	Store struct {
		client   clientsmongo.Client
		notifier eventlog.Notifier

		mu   sync.Mutex
		runs map[string]*runState
	}

	// Option configures a Store.
	Option func(*Store)

	// runState serializes appends for one run and caches what append
	// validation needs. appendMu also covers the notifier call so
	// subscribers observe records in sequence order, mirroring the
	// in-memory store.
	runState struct {
		appendMu sync.Mutex

		loaded   bool
		head     uint64
		tenantID string
		// event IDs seen by this process; misses fall back to a query.
		ids map[string]struct{}
	}
)

// WithNotifier attaches a notifier invoked after every durable append.
func WithNotifier(n eventlog.Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// NewStore builds a Mongo-backed event log store using the provided client.
func NewStore(client clientsmongo.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	s := &Store{client: client, runs: make(map[string]*runState)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Append implements eventlog.Store.
func (s *Store) Append(ctx context.Context, ev run.Event, opts ...eventlog.AppendOption) (uint64, error) {
	if ev == nil {
		return 0, &eventlog.ValidationError{Reason: "event is required"}
	}
	env := ev.Env()
	if err := ev.Validate(); err != nil {
		return 0, &eventlog.ValidationError{RunID: env.RunID, Reason: "malformed event", Err: err}
	}
	env.EventType = ev.Type()
	o := eventlog.ParseAppendOptions(opts...)

	rs := s.run(env.RunID)
	rs.appendMu.Lock()
	defer rs.appendMu.Unlock()

	if !rs.loaded {
		head, tenant, err := s.client.RunState(ctx, env.RunID)
		if err != nil {
			return 0, fmt.Errorf("load run %s state: %w", env.RunID, err)
		}
		rs.head, rs.tenantID, rs.loaded = head, tenant, true
	}

	if o.ExpectedSequence != nil && *o.ExpectedSequence != rs.head {
		return 0, &eventlog.ConflictError{RunID: env.RunID, Expected: *o.ExpectedSequence, Head: rs.head}
	}
	if rs.head > 0 && rs.tenantID != env.TenantID {
		return 0, &eventlog.ValidationError{RunID: env.RunID, Reason: "tenant " + env.TenantID + " does not match run tenant " + rs.tenantID}
	}
	if _, ok := rs.ids[env.ID]; ok {
		return 0, &eventlog.ValidationError{RunID: env.RunID, Reason: "duplicate event id " + env.ID}
	}
	if env.CausationID != "" {
		if _, ok := rs.ids[env.CausationID]; !ok {
			found, err := s.client.HasEvent(ctx, env.RunID, env.CausationID)
			if err != nil {
				return 0, fmt.Errorf("resolve causation %s in run %s: %w", env.CausationID, env.RunID, err)
			}
			if !found {
				return 0, &eventlog.ValidationError{RunID: env.RunID, Reason: "causation id " + env.CausationID + " does not resolve within run"}
			}
			rs.ids[env.CausationID] = struct{}{}
		}
	}

	payload, err := run.MarshalEvent(ev)
	if err != nil {
		return 0, &eventlog.ValidationError{RunID: env.RunID, Reason: "encode event", Err: err}
	}
	seq := rs.head + 1
	doc := &clientsmongo.EventDocument{
		RunID:     env.RunID,
		Sequence:  int64(seq),
		EventID:   env.ID,
		EventType: string(env.EventType),
		TenantID:  env.TenantID,
		Timestamp: env.Timestamp.UTC(),
		Payload:   payload,
	}
	if err := s.client.Insert(ctx, doc); err != nil {
		if errors.Is(err, clientsmongo.ErrDuplicateKey) {
			return 0, s.explainDuplicate(ctx, rs, env.RunID, env.ID, seq)
		}
		return 0, fmt.Errorf("append run %s event: %w", env.RunID, err)
	}

	rs.head = seq
	if rs.tenantID == "" {
		rs.tenantID = env.TenantID
	}
	rs.ids[env.ID] = struct{}{}

	rec := eventlog.Record{Sequence: seq, Event: ev}
	if s.notifier != nil {
		s.notifier.EventAppended(ctx, rec)
	}
	return seq, nil
}

// explainDuplicate turns a unique index violation into the error the append
// contract promises: a replayed event ID is a validation failure, a sequence
// taken by another writer is a conflict. It refreshes the cached head so the
// next append observes reality.
func (s *Store) explainDuplicate(ctx context.Context, rs *runState, runID, eventID string, seq uint64) error {
	if found, err := s.client.HasEvent(ctx, runID, eventID); err == nil && found {
		rs.ids[eventID] = struct{}{}
		return &eventlog.ValidationError{RunID: runID, Reason: "duplicate event id " + eventID}
	}
	head, tenant, err := s.client.RunState(ctx, runID)
	if err != nil {
		return fmt.Errorf("append conflict on run %s at sequence %d: %w", runID, seq, err)
	}
	rs.head, rs.tenantID = head, tenant
	return &eventlog.ConflictError{RunID: runID, Expected: seq - 1, Head: head}
}

// ReadFrom implements eventlog.Store.
func (s *Store) ReadFrom(ctx context.Context, runID string, from uint64) (eventlog.Cursor, error) {
	if runID == "" {
		return emptyCursor{}, nil
	}
	if from < 1 {
		from = 1
	}
	cur, err := s.client.FindFrom(ctx, runID, from)
	if err != nil {
		return nil, fmt.Errorf("read run %s from %d: %w", runID, from, err)
	}
	return &docCursor{cur: cur}, nil
}

// Head implements eventlog.Store.
func (s *Store) Head(ctx context.Context, runID string) (uint64, error) {
	if runID == "" {
		return 0, nil
	}
	s.mu.Lock()
	rs := s.runs[runID]
	s.mu.Unlock()
	if rs != nil {
		rs.appendMu.Lock()
		loaded, head := rs.loaded, rs.head
		rs.appendMu.Unlock()
		if loaded {
			return head, nil
		}
	}
	head, _, err := s.client.RunState(ctx, runID)
	return head, err
}

// run returns the run's append state, creating it if needed.
func (s *Store) run(runID string) *runState {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.runs[runID]
	if rs == nil {
		rs = &runState{ids: make(map[string]struct{})}
		s.runs[runID] = rs
	}
	return rs
}

// docCursor adapts the client cursor, decoding payloads into typed events.
type docCursor struct {
	cur clientsmongo.Cursor
	rec eventlog.Record
	err error
}

// Next implements eventlog.Cursor.
func (c *docCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if !c.cur.Next(ctx) {
		return false
	}
	var doc clientsmongo.EventDocument
	if err := c.cur.Decode(&doc); err != nil {
		c.err = err
		return false
	}
	ev, err := run.UnmarshalEvent(doc.Payload)
	if err != nil {
		c.err = fmt.Errorf("decode run %s event at sequence %d: %w", doc.RunID, doc.Sequence, err)
		return false
	}
	c.rec = eventlog.Record{Sequence: uint64(doc.Sequence), Event: ev}
	return true
}

// Record implements eventlog.Cursor.
func (c *docCursor) Record() eventlog.Record { return c.rec }

// Err implements eventlog.Cursor.
func (c *docCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.cur.Err()
}

// Close implements eventlog.Cursor.
func (c *docCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }

type emptyCursor struct{}

func (emptyCursor) Next(context.Context) bool   { return false }
func (emptyCursor) Record() eventlog.Record     { return eventlog.Record{} }
func (emptyCursor) Err() error                  { return nil }
func (emptyCursor) Close(context.Context) error { return nil }
