// Package inmem provides an in-memory implementation of eventlog.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production. It is nonetheless a faithful
// model of the contract: appends are serialized per run, sequences are
// gap-free, and the notifier fires only after a record is readable.
package inmem

import (
	"context"
	"sync"

	"goa.design/baton/runtime/eventlog"
	"goa.design/baton/runtime/run"
)

type (
	// Store implements eventlog.Store in memory.
	Store struct {
		mu sync.RWMutex
		// per-run logs, created on first append.
		runs map[string]*runLog

		notifier eventlog.Notifier
	}

	// Option configures a Store.
	Option func(*Store)

	// runLog holds one run's records. appendMu serializes appends and the
	// notification that follows each one; mu alone guards the data so
	// readers never wait on a notifier.
	runLog struct {
		appendMu sync.Mutex

		mu       sync.RWMutex
		tenantID string
		records  []eventlog.Record
		// event ID -> sequence, for causation resolution.
		ids map[string]uint64
	}
)

// WithNotifier attaches a notifier invoked after every durable append.
func WithNotifier(n eventlog.Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// New returns a new in-memory event log store.
func New(opts ...Option) *Store {
	s := &Store{runs: make(map[string]*runLog)}
	for _, opt := range opts {
		opt(s)
	}
	return s
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

	rl := s.run(env.RunID)
	rl.appendMu.Lock()
	defer rl.appendMu.Unlock()

	rec, err := rl.append(ev, o.ExpectedSequence)
	if err != nil {
		return 0, err
	}
	if s.notifier != nil {
		s.notifier.EventAppended(ctx, rec)
	}
	return rec.Sequence, nil
}

// ReadFrom implements eventlog.Store.
func (s *Store) ReadFrom(_ context.Context, runID string, from uint64) (eventlog.Cursor, error) {
	s.mu.RLock()
	rl := s.runs[runID]
	s.mu.RUnlock()
	if rl == nil {
		return &sliceCursor{}, nil
	}

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if from < 1 {
		from = 1
	}
	if from > uint64(len(rl.records)) {
		return &sliceCursor{}, nil
	}
	recs := append([]eventlog.Record(nil), rl.records[from-1:]...)
	return &sliceCursor{recs: recs}, nil
}

// Head implements eventlog.Store.
func (s *Store) Head(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	rl := s.runs[runID]
	s.mu.RUnlock()
	if rl == nil {
		return 0, nil
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return uint64(len(rl.records)), nil
}

// run returns the run's log, creating it if needed.
func (s *Store) run(runID string) *runLog {
	s.mu.RLock()
	rl := s.runs[runID]
	s.mu.RUnlock()
	if rl != nil {
		return rl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rl = s.runs[runID]; rl == nil {
		rl = &runLog{ids: make(map[string]uint64)}
		s.runs[runID] = rl
	}
	return rl
}

// append validates the event against the run's history and stores it. The
// caller holds appendMu.
func (rl *runLog) append(ev run.Event, expected *uint64) (eventlog.Record, error) {
	env := ev.Env()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	head := uint64(len(rl.records))
	if expected != nil && *expected != head {
		return eventlog.Record{}, &eventlog.ConflictError{RunID: env.RunID, Expected: *expected, Head: head}
	}
	if rl.tenantID == "" {
		rl.tenantID = env.TenantID
	} else if rl.tenantID != env.TenantID {
		return eventlog.Record{}, &eventlog.ValidationError{RunID: env.RunID, Reason: "tenant " + env.TenantID + " does not match run tenant " + rl.tenantID}
	}
	if _, ok := rl.ids[env.ID]; ok {
		return eventlog.Record{}, &eventlog.ValidationError{RunID: env.RunID, Reason: "duplicate event id " + env.ID}
	}
	if env.CausationID != "" {
		if _, ok := rl.ids[env.CausationID]; !ok {
			return eventlog.Record{}, &eventlog.ValidationError{RunID: env.RunID, Reason: "causation id " + env.CausationID + " does not resolve within run"}
		}
	}

	rec := eventlog.Record{Sequence: head + 1, Event: ev}
	rl.records = append(rl.records, rec)
	rl.ids[env.ID] = rec.Sequence
	return rec, nil
}

// sliceCursor iterates a snapshot of records.
type sliceCursor struct {
	recs []eventlog.Record
	next int
	cur  eventlog.Record
}

// Next implements eventlog.Cursor.
func (c *sliceCursor) Next(_ context.Context) bool {
	if c.next >= len(c.recs) {
		return false
	}
	c.cur = c.recs[c.next]
	c.next++
	return true
}

// Record implements eventlog.Cursor.
func (c *sliceCursor) Record() eventlog.Record { return c.cur }

// Err implements eventlog.Cursor.
func (c *sliceCursor) Err() error { return nil }

// Close implements eventlog.Cursor.
func (c *sliceCursor) Close(_ context.Context) error { return nil }
