// Package eventlog defines the append-only event log that is the single
// source of truth for runs. A store assigns each appended event the next
// strictly increasing sequence number for its run, serializes appends per
// run, and lets readers replay any suffix of a run's history.
//
// Stores notify an attached Notifier only after an append is durable: no
// subscriber may learn about an event that a replay from sequence one would
// not also return. Package inmem holds the reference implementation;
// features/eventlog/mongo provides the durable one.
package eventlog

import (
	"context"

	"goa.design/baton/runtime/run"
)

type (
	// Record is one stored event together with the sequence the store
	// assigned it. Sequences start at one and are gap-free per run.
	Record struct {
		// Sequence is the event's position in its run's log.
		Sequence uint64
		// Event is the typed event. Callers must not mutate it after
		// append.
		Event run.Event
	}

	// Store is the append-only per-run ordered event log.
	Store interface {
		// Append validates the event, assigns it the next sequence for its
		// run and stores it. Appends for one run are linearizable; appends
		// for different runs proceed in parallel. It returns the assigned
		// sequence.
		//
		// With WithExpectedSequence the append fails with a *ConflictError
		// unless the run's current head matches the expectation. Malformed
		// events, tenant mismatches and causation IDs that do not resolve
		// within the run fail with a *ValidationError.
		Append(ctx context.Context, ev run.Event, opts ...AppendOption) (uint64, error)

		// ReadFrom returns a cursor over the run's records with sequence >=
		// from, in sequence order. The cursor is lazy and finite: it covers
		// the log as of the call and does not follow later appends. Calling
		// ReadFrom again with a new starting sequence resumes a replay. A
		// from of zero is equivalent to one. Unknown runs yield an empty
		// cursor.
		ReadFrom(ctx context.Context, runID string, from uint64) (Cursor, error)

		// Head returns the run's current last sequence, zero when the run
		// has no events.
		Head(ctx context.Context, runID string) (uint64, error)
	}

	// Cursor iterates records in sequence order.
	//
	//	cur, err := store.ReadFrom(ctx, runID, 1)
	//	if err != nil { ... }
	//	defer cur.Close(ctx)
	//	for cur.Next(ctx) {
	//	    rec := cur.Record()
	//	    ...
	//	}
	//	if err := cur.Err(); err != nil { ... }
	Cursor interface {
		// Next advances to the next record, returning false when the
		// cursor is exhausted or failed.
		Next(ctx context.Context) bool
		// Record returns the current record. Only valid after a true Next.
		Record() Record
		// Err returns the error that stopped iteration, nil on clean
		// exhaustion.
		Err() error
		// Close releases cursor resources. Safe to call more than once.
		Close(ctx context.Context) error
	}

	// Notifier observes appended records. Stores invoke it after the record
	// is durable, in sequence order per run. Implementations must return
	// quickly; the broadcast hub satisfies this by handing records to
	// buffered per-subscriber channels.
	Notifier interface {
		EventAppended(ctx context.Context, rec Record)
	}

	// NotifierFunc adapts a function to the Notifier interface.
	NotifierFunc func(ctx context.Context, rec Record)

	// AppendOption customizes a single append.
	AppendOption func(*AppendOptions)

	// AppendOptions collects the resolved append options.
	AppendOptions struct {
		// ExpectedSequence, when non-nil, is the head the caller expects
		// the run to have before this append.
		ExpectedSequence *uint64
	}
)

// EventAppended calls f.
func (f NotifierFunc) EventAppended(ctx context.Context, rec Record) { f(ctx, rec) }

// WithExpectedSequence makes the append conditional: it succeeds only if the
// run's current head equals seq, enabling optimistic concurrency across
// processes. The appended event receives sequence seq+1.
func WithExpectedSequence(seq uint64) AppendOption {
	return func(o *AppendOptions) { o.ExpectedSequence = &seq }
}

// ParseAppendOptions folds the options into an AppendOptions struct.
// Store implementations call this; application code does not need it.
func ParseAppendOptions(opts ...AppendOption) AppendOptions {
	var o AppendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
