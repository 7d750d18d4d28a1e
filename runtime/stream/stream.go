// Package stream defines the boundary that carries a run's event feed out of
// the process. A Sink is the transmitter: transports (Pulse streams, SSE,
// test buffers) implement it, and a Relay pumps a hub subscription into one.
//
// Sinks receive the same eventlog.Record values the hub delivers, in sequence
// order. Implementations own the wire format; the relay owns ordering and
// retry.
package stream

import (
	"context"
	"fmt"
	"time"

	"goa.design/baton/runtime/eventlog"
	"goa.design/baton/runtime/hub"
	"goa.design/baton/runtime/retry"
	"goa.design/baton/runtime/run"
	"goa.design/baton/runtime/telemetry"
)

type (
	// Sink delivers records to an external transport. Implementations must
	// be safe for concurrent Send calls: one relay sends sequentially, but
	// several relays may share a sink.
	Sink interface {
		// Send publishes one record. Transient transport failures should
		// surface as retryable errors (see retry.IsRetryable); the relay
		// retries them with backoff before giving up.
		Send(ctx context.Context, rec eventlog.Record) error

		// Close releases the sink's resources. Send after Close returns an
		// error. Close is idempotent.
		Close(ctx context.Context) error
	}

	// Relay copies one run's event feed from the hub into a sink. Ordering
	// is preserved: a record is sent only after its predecessor was
	// delivered or the relay gave up and stopped.
	Relay struct {
		hub    *hub.Hub
		sink   Sink
		logger telemetry.Logger
		retry  retry.Config
	}

	// RelayOption configures a Relay.
	RelayOption func(*Relay)
)

// WithLogger sets the relay's logger.
func WithLogger(l telemetry.Logger) RelayOption {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRetry overrides the backoff applied to transient sink failures.
func WithRetry(cfg retry.Config) RelayOption {
	return func(r *Relay) { r.retry = cfg }
}

// NewRelay returns a relay that forwards hub subscriptions into sink.
func NewRelay(h *hub.Hub, sink Sink, opts ...RelayOption) *Relay {
	r := &Relay{
		hub:    h,
		sink:   sink,
		logger: telemetry.NewNoopLogger(),
		retry: retry.Config{
			MaxAttempts:       5,
			InitialBackoff:    50 * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2,
			Jitter:            0.1,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run subscribes to the run's feed and forwards every record to the sink
// until the subscription ends. It blocks; callers run it in a goroutine per
// relayed run. The returned error is nil when the subscription closed
// cleanly, the subscription's error when the hub ended it, or the sink
// failure that stopped forwarding.
func (r *Relay) Run(ctx context.Context, scope run.Scope, runID string, fromSequence uint64) error {
	sub, err := r.hub.Subscribe(ctx, scope, runID, fromSequence)
	if err != nil {
		return fmt.Errorf("relay subscribe run %s: %w", runID, err)
	}
	defer sub.Close()

	for rec := range sub.Events() {
		attempts, err := retry.Do(ctx, r.retry, func(ctx context.Context) error {
			return r.sink.Send(ctx, rec)
		})
		if err != nil {
			r.logger.Error(ctx, "relay send failed", "run_id", runID, "sequence", rec.Sequence, "attempts", attempts, "err", err)
			return fmt.Errorf("relay run %s sequence %d: %w", runID, rec.Sequence, err)
		}
		if attempts > 1 {
			r.logger.Debug(ctx, "relay send recovered", "run_id", runID, "sequence", rec.Sequence, "attempts", attempts)
		}
	}
	return sub.Err()
}
