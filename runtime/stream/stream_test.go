package stream_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/baton/runtime/eventlog"
	"goa.design/baton/runtime/eventlog/inmem"
	"goa.design/baton/runtime/hub"
	"goa.design/baton/runtime/retry"
	"goa.design/baton/runtime/run"
	"goa.design/baton/runtime/stream"
)

// captureSink records what the relay sends, optionally failing the first
// few calls.
type captureSink struct {
	mu       sync.Mutex
	recs     []eventlog.Record
	failures int
	failWith error
	sends    int
}

func (s *captureSink) Send(_ context.Context, rec eventlog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	if s.failures > 0 {
		s.failures--
		return s.failWith
	}
	s.recs = append(s.recs, rec)
	return nil
}

func (s *captureSink) Close(context.Context) error { return nil }

func (s *captureSink) sequences() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.recs))
	for i, rec := range s.recs {
		out[i] = rec.Sequence
	}
	return out
}

func (s *captureSink) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

func newRelayFixture(t *testing.T, sink stream.Sink, opts ...stream.RelayOption) (*stream.Relay, *inmem.Store, string, run.Scope) {
	t.Helper()
	var h *hub.Hub
	store := inmem.New(inmem.WithNotifier(eventlog.NotifierFunc(func(ctx context.Context, rec eventlog.Record) {
		if h != nil {
			h.EventAppended(ctx, rec)
		}
	})))
	h = hub.New(store)

	scope := run.Scope{TenantID: "tenant-1", UserID: "user-1"}
	runID := run.NewRunID()
	_, err := store.Append(context.Background(), run.NewRunStartedEvent(run.NewEnvelope(runID, scope), scope.UserID, "", nil))
	require.NoError(t, err)

	return stream.NewRelay(h, sink, opts...), store, runID, scope
}

func appendMessage(t *testing.T, store *inmem.Store, runID string, scope run.Scope, i int) {
	t.Helper()
	ev := run.NewMessageUserCreatedEvent(run.NewEnvelope(runID, scope), run.NewMessageID(), fmt.Sprintf("message %d", i))
	_, err := store.Append(context.Background(), ev)
	require.NoError(t, err)
}

func TestRelayForwardsInOrder(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	relay, store, runID, scope := newRelayFixture(t, sink)
	for i := 2; i <= 3; i++ {
		appendMessage(t, store, runID, scope, i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- relay.Run(ctx, scope, runID, 0) }()

	require.Eventually(t, func() bool {
		return len(sink.sequences()) == 3
	}, 2*time.Second, time.Millisecond)

	// Live appends keep flowing through the same relay.
	for i := 4; i <= 5; i++ {
		appendMessage(t, store, runID, scope, i)
	}
	require.Eventually(t, func() bool {
		return len(sink.sequences()) == 5
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, sink.sequences())

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop on cancellation")
	}
}

func TestRelayRetriesTransientSinkFailures(t *testing.T) {
	t.Parallel()

	sink := &captureSink{failures: 2, failWith: &retry.HTTPStatusError{StatusCode: 503, Message: "redis unavailable"}}
	relay, _, runID, scope := newRelayFixture(t, sink, stream.WithRetry(retry.Config{
		MaxAttempts:       4,
		InitialBackoff:    time.Millisecond,
		BackoffMultiplier: 2,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- relay.Run(ctx, scope, runID, 0) }()

	require.Eventually(t, func() bool {
		return len(sink.sequences()) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, []uint64{1}, sink.sequences())
	assert.Equal(t, 3, sink.sendCount())

	cancel()
	<-errc
}

func TestRelayStopsOnPermanentSinkFailure(t *testing.T) {
	t.Parallel()

	sink := &captureSink{failures: 1, failWith: errors.New("marshal: unsupported payload")}
	relay, _, runID, scope := newRelayFixture(t, sink)

	err := relay.Run(context.Background(), scope, runID, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence 1")
	assert.Empty(t, sink.sequences())
}

func TestRelayDeniedTenantEndsCleanly(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	relay, _, runID, _ := newRelayFixture(t, sink)

	err := relay.Run(context.Background(), run.Scope{TenantID: "tenant-2"}, runID, 0)
	require.NoError(t, err)
	assert.Empty(t, sink.sequences())
}
