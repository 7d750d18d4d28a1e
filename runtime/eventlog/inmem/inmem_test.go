package inmem

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/baton/runtime/eventlog"
	"goa.design/baton/runtime/run"
)

var testScope = run.Scope{TenantID: "tenant-1", UserID: "user-1"}

func userMsg(runID, content string) *run.MessageUserCreatedEvent {
	return run.NewMessageUserCreatedEvent(run.NewEnvelope(runID, testScope), run.NewMessageID(), content)
}

func TestAppendAssignsSequences(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		seq, err := s.Append(ctx, userMsg("run-1", fmt.Sprintf("msg %d", i)))
		require.NoError(t, err)
		require.Equal(t, uint64(i), seq)
	}

	head, err := s.Head(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, uint64(3), head)

	cur, err := s.ReadFrom(ctx, "run-1", 0)
	require.NoError(t, err)
	var seqs []uint64
	for cur.Next(ctx) {
		rec := cur.Record()
		require.Equal(t, run.EventMessageUserCreated, rec.Event.Type())
		seqs = append(seqs, rec.Sequence)
	}
	require.NoError(t, cur.Err())
	require.NoError(t, cur.Close(ctx))
	require.Equal(t, []uint64{1, 2, 3}, seqs)

	cur, err = s.ReadFrom(ctx, "run-1", 3)
	require.NoError(t, err)
	require.True(t, cur.Next(ctx))
	require.Equal(t, uint64(3), cur.Record().Sequence)
	require.False(t, cur.Next(ctx))

	cur, err = s.ReadFrom(ctx, "run-1", 4)
	require.NoError(t, err)
	require.False(t, cur.Next(ctx))

	cur, err = s.ReadFrom(ctx, "run-unknown", 1)
	require.NoError(t, err)
	require.False(t, cur.Next(ctx))
	require.NoError(t, cur.Err())

	head, err = s.Head(ctx, "run-unknown")
	require.NoError(t, err)
	require.Zero(t, head)
}

func TestAppendConcurrentSequencesGapFree(t *testing.T) {
	t.Parallel()

	const (
		writers = 8
		each    = 25
	)

	s := New()
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				// A second run in the mix must not perturb run-1 sequencing.
				if _, err := s.Append(ctx, userMsg("run-2", "noise")); err != nil {
					t.Error(err)
					return
				}
				seq, err := s.Append(ctx, userMsg("run-1", fmt.Sprintf("w%d-%d", w, i)))
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if seen[seq] {
					t.Errorf("sequence %d assigned twice", seq)
				}
				seen[seq] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, seen, writers*each)
	for i := uint64(1); i <= writers*each; i++ {
		require.True(t, seen[i], "sequence %d missing", i)
	}

	cur, err := s.ReadFrom(ctx, "run-1", 1)
	require.NoError(t, err)
	var prev uint64
	for cur.Next(ctx) {
		rec := cur.Record()
		require.Equal(t, prev+1, rec.Sequence)
		prev = rec.Sequence
	}
	require.Equal(t, uint64(writers*each), prev)
}

func TestAppendExpectedSequence(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	seq, err := s.Append(ctx, userMsg("run-1", "first"), eventlog.WithExpectedSequence(0))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	_, err = s.Append(ctx, userMsg("run-1", "stale"), eventlog.WithExpectedSequence(0))
	var conflict *eventlog.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "run-1", conflict.RunID)
	require.Equal(t, uint64(0), conflict.Expected)
	require.Equal(t, uint64(1), conflict.Head)

	// The failed append must not consume a sequence.
	seq, err = s.Append(ctx, userMsg("run-1", "second"), eventlog.WithExpectedSequence(1))
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)
}

func TestAppendValidation(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	var verr *eventlog.ValidationError

	_, err := s.Append(ctx, nil)
	require.ErrorAs(t, err, &verr)

	// Missing tenant fails envelope validation.
	bad := userMsg("run-1", "hello")
	bad.TenantID = ""
	_, err = s.Append(ctx, bad)
	require.ErrorAs(t, err, &verr)

	first := userMsg("run-1", "hello")
	_, err = s.Append(ctx, first)
	require.NoError(t, err)

	// Same event ID cannot be appended twice.
	dup := userMsg("run-1", "again")
	dup.ID = first.ID
	_, err = s.Append(ctx, dup)
	require.ErrorAs(t, err, &verr)

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

	// Resolution is per run: the same causation ID is an orphan elsewhere.
	elsewhere := run.NewMessageUserCreatedEvent(
		run.NewEnvelope("run-9", testScope, run.WithCausation(first.ID)),
		run.NewMessageID(), "wrong run")
	_, err = s.Append(ctx, elsewhere)
	require.ErrorAs(t, err, &verr)
}

func TestReadFromSnapshotAndRestart(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, userMsg("run-1", "early"))
		require.NoError(t, err)
	}

	cur, err := s.ReadFrom(ctx, "run-1", 1)
	require.NoError(t, err)

	// Appends after the cursor was taken are not part of its snapshot.
	_, err = s.Append(ctx, userMsg("run-1", "late"))
	require.NoError(t, err)

	var n int
	for cur.Next(ctx) {
		n++
	}
	require.Equal(t, 3, n)
	require.NoError(t, cur.Close(ctx))

	// A replay resumes from any sequence.
	cur, err = s.ReadFrom(ctx, "run-1", 4)
	require.NoError(t, err)
	require.True(t, cur.Next(ctx))
	require.Equal(t, uint64(4), cur.Record().Sequence)
	require.False(t, cur.Next(ctx))
}

// notifierFunc adapts a function to eventlog.Notifier.
type notifierFunc func(ctx context.Context, rec eventlog.Record)

func (f notifierFunc) EventAppended(ctx context.Context, rec eventlog.Record) { f(ctx, rec) }

func TestNotifierFiresAfterDurable(t *testing.T) {
	t.Parallel()

	var (
		s    *Store
		mu   sync.Mutex
		seen = make(map[string][]uint64)
	)
	s = New(WithNotifier(notifierFunc(func(ctx context.Context, rec eventlog.Record) {
		// By the time the notifier runs the record must be readable.
		runID := rec.Event.Env().RunID
		head, err := s.Head(ctx, runID)
		if err != nil || head < rec.Sequence {
			t.Errorf("run %s: notified of %d but head is %d (err %v)", runID, rec.Sequence, head, err)
		}
		cur, err := s.ReadFrom(ctx, runID, rec.Sequence)
		if err != nil || !cur.Next(ctx) || cur.Record().Event.Env().ID != rec.Event.Env().ID {
			t.Errorf("run %s: record %d not readable at notification time", runID, rec.Sequence)
		}

		mu.Lock()
		seen[runID] = append(seen[runID], rec.Sequence)
		mu.Unlock()
	})))

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, runID := range []string{"run-1", "run-2"} {
		wg.Add(1)
		go func(runID string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := s.Append(ctx, userMsg(runID, "hello"))
				if err != nil {
					t.Error(err)
					return
				}
			}
		}(runID)
	}
	wg.Wait()

	// Per-run notification order matches sequence order.
	for runID, seqs := range seen {
		require.Len(t, seqs, 20, "run %s", runID)
		for i, seq := range seqs {
			require.Equal(t, uint64(i+1), seq, "run %s", runID)
		}
	}

	// Rejected appends never notify.
	before := len(seen["run-1"])
	_, err := s.Append(ctx, userMsg("run-1", "stale"), eventlog.WithExpectedSequence(0))
	require.Error(t, err)
	require.Len(t, seen["run-1"], before)
}
