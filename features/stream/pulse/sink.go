// Package pulse relays run event feeds onto goa.design/pulse streams so
// observers outside the process can follow a run. Sink publishes the records
// a stream.Relay hands it, one Redis stream per run; Subscriber reads the
// published envelopes back into eventlog.Record values on the consuming
// side.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"goa.design/baton/features/stream/pulse/clients/pulse"
	"goa.design/baton/runtime/eventlog"
	"goa.design/baton/runtime/run"
)

type (
	// Options configures a Sink.
	Options struct {
		// Client publishes the envelopes. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from a record. Defaults
		// to StreamForRun of the record's run.
		StreamID func(eventlog.Record) (string, error)
	}

	// Sink publishes event records to Pulse streams. It implements
	// stream.Sink and is safe for concurrent Send calls.
	Sink struct {
		client   pulse.Client
		streamID func(eventlog.Record) (string, error)
		closed   atomic.Bool
	}

	// envelope is the wire shape of one relayed record. Event holds the
	// full flat event object produced by run.MarshalEvent; the remaining
	// fields are denormalized so consumers can route without decoding it.
	envelope struct {
		RunID       string          `json:"runId"`
		Sequence    uint64          `json:"sequence"`
		EventType   string          `json:"eventType"`
		PublishedAt time.Time       `json:"publishedAt"`
		Event       json.RawMessage `json:"event"`
	}
)

// StreamForRun names the Pulse stream carrying a run's relayed records.
func StreamForRun(runID string) string {
	return "run/" + runID
}

// NewSink returns a sink publishing through client.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send publishes one record onto the run's stream. Records arrive from the
// relay in sequence order; the envelope carries the sequence so consumers
// can detect gaps regardless.
func (s *Sink) Send(ctx context.Context, rec eventlog.Record) error {
	if s.closed.Load() {
		return errors.New("pulse sink is closed")
	}
	streamID, err := s.streamID(rec)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	data, err := run.MarshalEvent(rec.Event)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", rec.Sequence, err)
	}
	env := envelope{
		RunID:       rec.Event.Env().RunID,
		Sequence:    rec.Sequence,
		EventType:   string(rec.Event.Type()),
		PublishedAt: time.Now().UTC(),
		Event:       data,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope %d: %w", rec.Sequence, err)
	}
	if _, err := handle.Add(ctx, env.EventType, payload); err != nil {
		return err
	}
	return nil
}

// Close marks the sink closed and releases the client. Send after Close
// returns an error; Close is idempotent.
func (s *Sink) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close(ctx)
}

func defaultStreamID(rec eventlog.Record) (string, error) {
	runID := rec.Event.Env().RunID
	if runID == "" {
		return "", errors.New("record missing run id")
	}
	return StreamForRun(runID), nil
}
