// Package hub fans appended events out to run subscribers. A subscription
// first drains the stored suffix of the run's log (catch-up) and then follows
// live appends with no gap and no duplicate: the live listener registers
// before the catch-up read, and records are deduplicated on sequence number.
//
// Delivery never back-pressures appends. Each subscriber owns a bounded
// buffer; when it fills, the subscriber is disconnected with
// ErrSlowSubscriber instead of slowing the store's notifier.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/baton/runtime/eventlog"
	"goa.design/baton/runtime/run"
	"goa.design/baton/runtime/telemetry"
)

// DefaultBuffer is the per-subscriber live buffer size used when no option
// overrides it.
const DefaultBuffer = 256

// ErrSlowSubscriber reports that a subscription was dropped because its
// buffer filled faster than the subscriber drained it.
var ErrSlowSubscriber = errors.New("subscriber too slow")

type (
	// Source is the replayable log the hub serves catch-up reads from.
	// Satisfied by eventlog.Store.
	Source interface {
		ReadFrom(ctx context.Context, runID string, from uint64) (eventlog.Cursor, error)
	}

	// Hub broadcasts a run's records to its subscribers. It implements
	// eventlog.Notifier; attach it to the store so appends reach live
	// subscriptions.
	Hub struct {
		source Source
		logger telemetry.Logger
		buffer int

		mu   sync.RWMutex
		subs map[string]map[*Subscription]struct{}
	}

	// Subscription is one subscriber's handle on a run's event feed.
	// Records arrive on Events in sequence order; when the channel closes,
	// Err reports why delivery stopped.
	Subscription struct {
		hub   *Hub
		runID string

		live chan eventlog.Record
		out  chan eventlog.Record
		done chan struct{}
		once sync.Once

		mu  sync.Mutex
		err error
	}

	// Option configures a Hub.
	Option func(*Hub)
)

// WithLogger sets the logger used for subscription lifecycle messages.
func WithLogger(l telemetry.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithBuffer sets the per-subscriber live buffer size.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// New returns a hub that serves catch-up reads from source.
func New(source Source, opts ...Option) *Hub {
	h := &Hub{
		source: source,
		logger: telemetry.NewNoopLogger(),
		buffer: DefaultBuffer,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe opens a stream of the run's records with sequence greater than
// fromSequence: stored records first, then live appends, gap-free and
// duplicate-free. A fromSequence of zero replays the run from its first
// event.
//
// The caller must belong to the run's tenant. A mismatch (or an unknown
// run) yields an empty, already-closed stream and no error; the denial is
// logged, never surfaced.
func (h *Hub) Subscribe(ctx context.Context, scope run.Scope, runID string, fromSequence uint64) (*Subscription, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}

	sub := &Subscription{
		hub:   h,
		runID: runID,
		live:  make(chan eventlog.Record, h.buffer),
		out:   make(chan eventlog.Record),
		done:  make(chan struct{}),
	}

	tenant, known, err := h.runTenant(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("subscribe run %s: %w", runID, err)
	}
	if !known || tenant != scope.TenantID {
		h.logger.Warn(ctx, "subscription denied", "run_id", runID, "tenant_id", scope.TenantID, "known_run", known)
		sub.stop(nil)
		close(sub.out)
		return sub, nil
	}

	// Register before the catch-up read so nothing appended during the
	// drain can slip between stored and live delivery.
	h.mu.Lock()
	set := h.subs[runID]
	if set == nil {
		set = make(map[*Subscription]struct{})
		h.subs[runID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	go sub.pump(ctx, fromSequence)
	return sub, nil
}

// EventAppended hands a durable record to the run's live subscriptions.
// It never blocks: a subscriber whose buffer is full is dropped with
// ErrSlowSubscriber.
func (h *Hub) EventAppended(ctx context.Context, rec eventlog.Record) {
	runID := rec.Event.Env().RunID

	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs[runID]))
	for s := range h.subs[runID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.live <- rec:
		default:
			s.stop(ErrSlowSubscriber)
			h.logger.Warn(ctx, "subscriber dropped", "run_id", runID, "sequence", rec.Sequence)
		}
	}
}

// SubscriberCount reports the number of live subscriptions on a run.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[runID])
}

// runTenant resolves the tenant a run is pinned to. The first event fixes
// it; a run with no events is unknown.
func (h *Hub) runTenant(ctx context.Context, runID string) (string, bool, error) {
	cur, err := h.source.ReadFrom(ctx, runID, 1)
	if err != nil {
		return "", false, err
	}
	defer cur.Close(ctx)
	if !cur.Next(ctx) {
		return "", false, cur.Err()
	}
	return cur.Record().Event.Env().TenantID, true, nil
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.runID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.runID)
	}
}

// Events returns the subscription's record stream. The channel closes when
// the subscription ends; Err then reports the cause.
func (s *Subscription) Events() <-chan eventlog.Record { return s.out }

// Err reports why delivery stopped: nil after Close, ErrSlowSubscriber when
// the hub dropped the subscriber, the context error on cancellation, or a
// catch-up read failure. Only meaningful once Events is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the subscription down. No further records are delivered.
// Close is idempotent and safe to call concurrently with delivery.
func (s *Subscription) Close() { s.stop(nil) }

// stop ends the subscription exactly once: records the cause, unregisters
// from the hub and releases the pump.
func (s *Subscription) stop(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.hub.remove(s)
		close(s.done)
	})
}

// pump drains the stored suffix and then follows the live buffer, skipping
// live records the catch-up already covered.
func (s *Subscription) pump(ctx context.Context, fromSequence uint64) {
	defer close(s.out)
	defer s.stop(nil)

	next := fromSequence + 1

	cur, err := s.hub.source.ReadFrom(ctx, s.runID, next)
	if err != nil {
		s.stop(fmt.Errorf("catch-up read: %w", err))
		return
	}
	for cur.Next(ctx) {
		rec := cur.Record()
		if rec.Sequence < next {
			continue
		}
		if !s.deliver(ctx, rec) {
			cur.Close(ctx)
			return
		}
		next = rec.Sequence + 1
	}
	err = cur.Err()
	cur.Close(ctx)
	if err != nil {
		s.stop(fmt.Errorf("catch-up read: %w", err))
		return
	}

	for {
		select {
		case rec := <-s.live:
			if rec.Sequence < next {
				continue
			}
			if !s.deliver(ctx, rec) {
				return
			}
			next = rec.Sequence + 1
		case <-s.done:
			return
		case <-ctx.Done():
			s.stop(ctx.Err())
			return
		}
	}
}

func (s *Subscription) deliver(ctx context.Context, rec eventlog.Record) bool {
	select {
	case s.out <- rec:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		s.stop(ctx.Err())
		return false
	}
}
