package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"goa.design/baton/runtime/eventlog"
	"goa.design/baton/runtime/run"
	"goa.design/baton/runtime/telemetry"
)

type (
	// Appender is the event log the recorder writes turn events to.
	// Satisfied by eventlog.Store.
	Appender interface {
		Append(ctx context.Context, ev run.Event, opts ...eventlog.AppendOption) (uint64, error)
	}

	// TurnRecorder invokes a model and makes the turn durable: llm-started
	// when the call begins, one llm-delta per streamed fragment with
	// strictly sequential token indices, and llm-completed with the full
	// content when the turn ends. The completed event is what adds the
	// assistant message to the run; the recorder never appends
	// message-assistant-created itself.
	//
	// A turn that fails mid-stream appends no terminal event; the caller
	// decides whether the run fails or the turn is retried under a fresh
	// turn ID.
	TurnRecorder struct {
		client Client
		log    Appender
		logger telemetry.Logger
	}

	// Turn is the durable outcome of one recorded model turn.
	Turn struct {
		// TurnID identifies the turn's llm events.
		TurnID string
		// Content is the full assistant text.
		Content string
		// ToolCalls lists the tool invocations the model requested.
		ToolCalls []ToolCall
		// Usage is the turn's token consumption.
		Usage run.TokenUsage
		// StopReason reports why the model stopped.
		StopReason string
	}

	// RecorderOption configures a TurnRecorder.
	RecorderOption func(*TurnRecorder)
)

// WithLogger sets the recorder's logger.
func WithLogger(l telemetry.Logger) RecorderOption {
	return func(r *TurnRecorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewTurnRecorder returns a recorder that runs client turns against log.
func NewTurnRecorder(client Client, log Appender, opts ...RecorderOption) *TurnRecorder {
	r := &TurnRecorder{
		client: client,
		log:    log,
		logger: telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunTurn executes one model turn. The envelope becomes the turn's
// llm-started event; callers derive it from the event that triggered the
// turn so causation stays connected. Requests with Stream set use the
// provider's streaming API when available and fall back to Complete
// otherwise.
func (r *TurnRecorder) RunTurn(ctx context.Context, env run.Envelope, req Request) (*Turn, error) {
	turnID := run.NewTurnID()
	started := run.NewLLMStartedEvent(env, turnID, req.Model)
	if _, err := r.log.Append(ctx, started); err != nil {
		return nil, fmt.Errorf("append llm-started: %w", err)
	}

	if !req.Stream {
		return r.complete(ctx, started, turnID, req)
	}

	st, err := r.client.Stream(ctx, req)
	if errors.Is(err, ErrStreamingUnsupported) {
		r.logger.Debug(ctx, "model streaming unsupported, completing instead", "run_id", env.RunID, "model", req.Model)
		return r.complete(ctx, started, turnID, req)
	}
	if err != nil {
		return nil, fmt.Errorf("open model stream: %w", err)
	}
	defer st.Close()

	turn := &Turn{TurnID: turnID}
	var content strings.Builder
	tokenIndex := 0
	for {
		d, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("model stream: %w", err)
		}
		switch d.Type {
		case DeltaText:
			if d.Text == "" {
				continue
			}
			ev := run.NewLLMDeltaEvent(started.Child(), turnID, tokenIndex, d.Text)
			if _, err := r.log.Append(ctx, ev); err != nil {
				return nil, fmt.Errorf("append llm-delta %d: %w", tokenIndex, err)
			}
			tokenIndex++
			content.WriteString(d.Text)
		case DeltaToolCall:
			if d.ToolCall != nil {
				turn.ToolCalls = append(turn.ToolCalls, *d.ToolCall)
			}
		case DeltaUsage:
			if d.Usage != nil {
				mergeUsage(&turn.Usage, *d.Usage)
			}
		case DeltaStop:
			turn.StopReason = d.StopReason
		}
	}

	turn.Content = content.String()
	finishUsage(&turn.Usage)
	completed := run.NewLLMCompletedEvent(started.Child(), turnID, turn.Content, turn.StopReason, turn.Usage)
	if _, err := r.log.Append(ctx, completed); err != nil {
		return nil, fmt.Errorf("append llm-completed: %w", err)
	}
	r.logger.Info(ctx, "model turn completed", "run_id", env.RunID, "turn_id", turnID, "deltas", tokenIndex, "tool_calls", len(turn.ToolCalls))
	return turn, nil
}

// complete runs the turn through the non-streaming API. The turn produces
// llm-started and llm-completed with no deltas.
func (r *TurnRecorder) complete(ctx context.Context, started *run.LLMStartedEvent, turnID string, req Request) (*Turn, error) {
	resp, err := r.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("model complete: %w", err)
	}
	usage := resp.Usage
	finishUsage(&usage)
	completed := run.NewLLMCompletedEvent(started.Child(), turnID, resp.Content, resp.StopReason, usage)
	if _, err := r.log.Append(ctx, completed); err != nil {
		return nil, fmt.Errorf("append llm-completed: %w", err)
	}
	r.logger.Info(ctx, "model turn completed", "run_id", started.RunID, "turn_id", turnID, "tool_calls", len(resp.ToolCalls))
	return &Turn{
		TurnID:     turnID,
		Content:    resp.Content,
		ToolCalls:  resp.ToolCalls,
		Usage:      usage,
		StopReason: resp.StopReason,
	}, nil
}

// mergeUsage folds a usage update into the running total. Providers report
// usage either cumulatively or once at the end; later non-zero values win.
func mergeUsage(into *run.TokenUsage, d run.TokenUsage) {
	if d.InputTokens > 0 {
		into.InputTokens = d.InputTokens
	}
	if d.OutputTokens > 0 {
		into.OutputTokens = d.OutputTokens
	}
	if d.TotalTokens > 0 {
		into.TotalTokens = d.TotalTokens
	}
}

func finishUsage(u *run.TokenUsage) {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
}
