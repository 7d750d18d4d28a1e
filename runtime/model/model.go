// Package model defines the provider-agnostic boundary to LLM chat APIs.
// Adapters under features/model translate Request/Response and the streaming
// Delta values to provider SDKs; the runtime invokes models exclusively
// through Client and records what happened with TurnRecorder.
package model

import (
	"context"
	"encoding/json"
	"errors"

	"goa.design/baton/runtime/run"
)

// Message roles shared by all providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Delta kinds emitted while streaming a model turn.
const (
	// DeltaText carries a fragment of assistant text.
	DeltaText DeltaType = "text"
	// DeltaToolCall carries a tool invocation requested by the model.
	DeltaToolCall DeltaType = "tool_call"
	// DeltaUsage carries a token usage update.
	DeltaUsage DeltaType = "usage"
	// DeltaStop carries the stop reason that ended the turn.
	DeltaStop DeltaType = "stop"
)

// ErrStreamingUnsupported indicates the provider does not implement
// streaming for the requested model or parameters. Callers fall back to
// Complete.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// ErrRateLimited marks provider throttling. Adapters wrap 429-class
// failures with it; the error self-classifies as transient so retry.Do
// backs off and tries again.
var ErrRateLimited error = &rateLimitedError{}

type rateLimitedError struct{}

func (*rateLimitedError) Error() string   { return "model: rate limited" }
func (*rateLimitedError) Transient() bool { return true }

type (
	// Client is the contract the runtime uses to invoke LLM calls.
	// Implementations wrap provider SDKs and must be safe for concurrent
	// use.
	Client interface {
		// Complete sends a chat request and returns the full response.
		Complete(ctx context.Context, req Request) (Response, error)

		// Stream sends a chat request and returns a Streamer yielding
		// incremental deltas. The caller must close the streamer. Providers
		// without streaming support return ErrStreamingUnsupported.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Recv returns deltas
	// until io.EOF. Single-goroutine use; Close releases the underlying
	// connection.
	Streamer interface {
		Recv() (Delta, error)
		Close() error
	}

	// Request is a normalized chat completion request.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// Messages is the ordered conversation history.
		Messages []Message
		// Tools lists the tool schemas exposed to the model.
		Tools []ToolDefinition
		// MaxTokens caps completion length. Zero uses the provider default.
		MaxTokens int
		// Temperature controls sampling. Zero means provider default.
		Temperature float32
		// Stream asks for incremental delivery when the provider supports
		// it.
		Stream bool
	}

	// Response is a completed model turn.
	Response struct {
		// Content is the assistant text, empty when the model only
		// requested tools.
		Content string
		// ToolCalls lists tool invocations the model asked for.
		ToolCalls []ToolCall
		// Usage reports token consumption when the provider exposes it.
		Usage run.TokenUsage
		// StopReason is the provider's termination reason.
		StopReason string
	}

	// Message is one chat message.
	Message struct {
		// Role is one of the Role constants.
		Role string
		// Content is the message text.
		Content string
		// ToolCallID links a RoleTool result message to the call that
		// produced it.
		ToolCallID string
	}

	// ToolDefinition is the schema shape providers need for function
	// calling.
	ToolDefinition struct {
		// Name identifies the tool to the model.
		Name string
		// Description tells the model when to use it.
		Description string
		// InputSchema is the JSON Schema for the tool's arguments.
		InputSchema json.RawMessage
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider's call identifier, used to correlate results.
		ID string
		// Name is the requested tool.
		Name string
		// Args is the JSON arguments the model generated.
		Args json.RawMessage
	}

	// DeltaType discriminates streaming deltas.
	DeltaType string

	// Delta is one streaming event. Type says which field is populated.
	Delta struct {
		// Type is the delta kind.
		Type DeltaType
		// Text is the content fragment when Type is DeltaText.
		Text string
		// ToolCall is the requested invocation when Type is DeltaToolCall.
		ToolCall *ToolCall
		// Usage is the usage update when Type is DeltaUsage. Fields may
		// arrive cumulatively; later non-zero values replace earlier ones.
		Usage *run.TokenUsage
		// StopReason ends the turn when Type is DeltaStop.
		StopReason string
	}
)
