package pulse_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	batonpulse "goa.design/baton/features/stream/pulse"
	"goa.design/baton/runtime/eventlog"
	"goa.design/baton/runtime/run"
)

func TestSubscriberRoundTrip(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	sink, err := batonpulse.NewSink(batonpulse.Options{Client: client})
	require.NoError(t, err)

	runID := run.NewRunID()
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, sink.Send(context.Background(), testRecord(t, runID, seq)))
	}

	// Replay the published payloads through the consumer group channel the
	// way Pulse would deliver them.
	str := client.stream(batonpulse.StreamForRun(runID))
	require.NotNil(t, str)
	for i, entry := range str.entries() {
		str.events <- &streaming.Event{ID: fmt.Sprintf("1-%d", i), EventName: entry.event, Payload: entry.payload}
	}

	sub, err := batonpulse.NewSubscriber(batonpulse.SubscriberOptions{Client: client})
	require.NoError(t, err)
	recs, errs, cancel, err := sub.Subscribe(context.Background(), runID)
	require.NoError(t, err)
	defer cancel()

	var got []eventlog.Record
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case rec := <-recs:
			got = append(got, rec)
		case err := <-errs:
			t.Fatalf("unexpected subscriber error: %v", err)
		case <-timeout:
			t.Fatalf("timed out after %d records", len(got))
		}
	}

	for i, rec := range got {
		assert.Equal(t, uint64(i+1), rec.Sequence)
		assert.Equal(t, runID, rec.Event.Env().RunID)
		assert.Equal(t, run.EventMessageUserCreated, rec.Event.Type())
	}
}

func TestSubscriberMalformedEnvelope(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	runID := run.NewRunID()
	_, err := client.Stream(batonpulse.StreamForRun(runID))
	require.NoError(t, err)

	sub, err := batonpulse.NewSubscriber(batonpulse.SubscriberOptions{Client: client})
	require.NoError(t, err)
	recs, errs, cancel, err := sub.Subscribe(context.Background(), runID)
	require.NoError(t, err)
	defer cancel()

	client.stream(batonpulse.StreamForRun(runID)).events <- &streaming.Event{ID: "1-0", EventName: "junk", Payload: []byte("not json")}

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a decode error")
	}

	// Both channels close once consumption stops.
	select {
	case _, ok := <-recs:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("record channel did not close")
	}
}

func TestSubscriberRequiresRunID(t *testing.T) {
	t.Parallel()

	sub, err := batonpulse.NewSubscriber(batonpulse.SubscriberOptions{Client: newFakeClient()})
	require.NoError(t, err)
	_, _, _, err = sub.Subscribe(context.Background(), "")
	assert.Error(t, err)
}
