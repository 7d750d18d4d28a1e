package anthropic

import (
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/baton/runtime/model"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil {
		return false
	}
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func sse(typ, data string) ssestream.Event {
	return ssestream.Event{Type: typ, Data: []byte(data)}
}

func drainStream(t *testing.T, s model.Streamer) []model.Delta {
	t.Helper()
	var deltas []model.Delta
	for {
		d, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return deltas
		}
		require.NoError(t, err)
		deltas = append(deltas, d)
	}
}

func TestStreamerTextAndToolCall(t *testing.T) {
	t.Parallel()

	dec := &testDecoder{events: []ssestream.Event{
		sse("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-5","usage":{"input_tokens":12,"output_tokens":1}}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`),
		sse("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tc-1","name":"get_weather","input":{}}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Nice\"}"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":1}`),
		sse("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":25}}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	s := newStreamer(stream, map[string]string{"get_weather": "get.weather"})
	defer func() { _ = s.Close() }()

	deltas := drainStream(t, s)
	require.Len(t, deltas, 6)

	assert.Equal(t, model.DeltaUsage, deltas[0].Type)
	require.NotNil(t, deltas[0].Usage)
	assert.Equal(t, 12, deltas[0].Usage.InputTokens)

	assert.Equal(t, model.DeltaText, deltas[1].Type)
	assert.Equal(t, "Hel", deltas[1].Text)
	assert.Equal(t, model.DeltaText, deltas[2].Type)
	assert.Equal(t, "lo", deltas[2].Text)

	assert.Equal(t, model.DeltaToolCall, deltas[3].Type)
	require.NotNil(t, deltas[3].ToolCall)
	assert.Equal(t, "tc-1", deltas[3].ToolCall.ID)
	assert.Equal(t, "get.weather", deltas[3].ToolCall.Name)
	assert.JSONEq(t, `{"city":"Nice"}`, string(deltas[3].ToolCall.Args))

	assert.Equal(t, model.DeltaUsage, deltas[4].Type)
	require.NotNil(t, deltas[4].Usage)
	assert.Equal(t, 25, deltas[4].Usage.OutputTokens)

	assert.Equal(t, model.DeltaStop, deltas[5].Type)
	assert.Equal(t, "tool_use", deltas[5].StopReason)

	_, err := s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamerDefaultsEmptyToolInput(t *testing.T) {
	t.Parallel()

	dec := &testDecoder{events: []ssestream.Event{
		sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tc-2","name":"list_nodes","input":{}}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	s := newStreamer(stream, nil)
	defer func() { _ = s.Close() }()

	deltas := drainStream(t, s)
	require.Len(t, deltas, 2)
	require.NotNil(t, deltas[0].ToolCall)
	assert.Equal(t, "list_nodes", deltas[0].ToolCall.Name)
	assert.JSONEq(t, `{}`, string(deltas[0].ToolCall.Args))
}

func TestStreamerKeepsUnknownToolName(t *testing.T) {
	t.Parallel()

	dec := &testDecoder{events: []ssestream.Event{
		sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tc-3","name":"made_up","input":{}}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	s := newStreamer(stream, map[string]string{"get_weather": "get.weather"})
	defer func() { _ = s.Close() }()

	deltas := drainStream(t, s)
	require.Len(t, deltas, 2)
	require.NotNil(t, deltas[0].ToolCall)
	assert.Equal(t, "made_up", deltas[0].ToolCall.Name)
}

func TestStreamerSkipsEmptyTextDeltas(t *testing.T) {
	t.Parallel()

	dec := &testDecoder{events: []ssestream.Event{
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ok"}}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	s := newStreamer(stream, nil)
	defer func() { _ = s.Close() }()

	deltas := drainStream(t, s)
	require.Len(t, deltas, 2)
	assert.Equal(t, "ok", deltas[0].Text)
	assert.Equal(t, model.DeltaStop, deltas[1].Type)
}

func TestStreamerSurfacesDecoderError(t *testing.T) {
	t.Parallel()

	dec := &testDecoder{err: errors.New("connection reset")}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
	s := newStreamer(stream, nil)
	defer func() { _ = s.Close() }()

	_, err := s.Recv()
	require.ErrorContains(t, err, "anthropic stream")
	require.ErrorContains(t, err, "connection reset")
}
