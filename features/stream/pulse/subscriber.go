package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	"goa.design/baton/features/stream/pulse/clients/pulse"
	"goa.design/baton/runtime/eventlog"
	"goa.design/baton/runtime/run"
)

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client consumes the streams. Required.
		Client pulse.Client
		// SinkName identifies the consumer group. Defaults to
		// "baton_subscriber". Consumers sharing a name split the stream;
		// give each independent observer its own name.
		SinkName string
		// Buffer is the record channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber reads relayed run records back off Pulse streams. It is
	// the consuming half of Sink: envelopes are decoded into the same
	// eventlog.Record values the hub delivered on the publishing side.
	Subscriber struct {
		client pulse.Client
		name   string
		buffer int
	}
)

// NewSubscriber returns a subscriber consuming through client.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "baton_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, name: name, buffer: buffer}, nil
}

// Subscribe follows the run's relayed records. Records arrive on the first
// channel in stream order; a decode or ack failure arrives on the second
// and ends consumption. The returned cancel function stops consumption,
// closes the consumer group and closes both channels.
func (s *Subscriber) Subscribe(ctx context.Context, runID string, opts ...streamopts.Sink) (<-chan eventlog.Record, <-chan error, context.CancelFunc, error) {
	if runID == "" {
		return nil, nil, nil, errors.New("run id is required")
	}
	str, err := s.client.Stream(StreamForRun(runID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	recs := make(chan eventlog.Record, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, recs, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return recs, errs, cancelFunc, nil
}

// consume drains the consumer group, decoding and acking each entry.
func (s *Subscriber) consume(ctx context.Context, sink pulse.Sink, out chan<- eventlog.Record, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			rec, err := decodeEnvelope(evt.Payload)
			if err != nil {
				errs <- err
				return
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}

// decodeEnvelope reverses the sink's encoding.
func decodeEnvelope(payload []byte) (eventlog.Record, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return eventlog.Record{}, fmt.Errorf("decode pulse envelope: %w", err)
	}
	ev, err := run.UnmarshalEvent(env.Event)
	if err != nil {
		return eventlog.Record{}, fmt.Errorf("decode relayed event at sequence %d: %w", env.Sequence, err)
	}
	return eventlog.Record{Sequence: env.Sequence, Event: ev}, nil
}
