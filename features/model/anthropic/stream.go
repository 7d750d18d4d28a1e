package anthropic

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/baton/runtime/model"
	"goa.design/baton/runtime/run"
)

// streamer adapts the SDK event stream into model.Deltas. Recv pulls SSE
// events on demand and buffers the deltas a single event expands into, so no
// pump goroutine is needed.
type streamer struct {
	stream  *ssestream.Stream[sdk.MessageStreamEventUnion]
	nameMap map[string]string

	pending    []model.Delta
	tools      map[int]*toolBuffer
	stopReason string
	done       bool
}

// toolBuffer accumulates the partial JSON fragments of one tool_use content
// block until the block stops.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (b *toolBuffer) finalInput() string {
	joined := strings.Join(b.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

func newStreamer(stream *ssestream.Stream[sdk.MessageStreamEventUnion], nameMap map[string]string) *streamer {
	return &streamer{
		stream:  stream,
		nameMap: nameMap,
		tools:   make(map[int]*toolBuffer),
	}
}

// Recv returns the next delta, pulling SSE events until one produces output.
// It returns io.EOF once the provider closes the stream.
func (s *streamer) Recv() (model.Delta, error) {
	for {
		if len(s.pending) > 0 {
			d := s.pending[0]
			s.pending = s.pending[1:]
			return d, nil
		}
		if s.done {
			return model.Delta{}, io.EOF
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return model.Delta{}, fmt.Errorf("anthropic stream: %w", err)
			}
			s.done = true
			continue
		}
		if err := s.handle(s.stream.Current()); err != nil {
			return model.Delta{}, err
		}
	}
}

// Close releases the underlying SSE connection.
func (s *streamer) Close() error {
	return s.stream.Close()
}

func (s *streamer) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		s.tools = make(map[int]*toolBuffer)
		s.stopReason = ""
		if u := ev.Message.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
			s.push(model.Delta{Type: model.DeltaUsage, Usage: &run.TokenUsage{
				InputTokens:  int(u.InputTokens),
				OutputTokens: int(u.OutputTokens),
			}})
		}
	case sdk.ContentBlockStartEvent:
		toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock)
		if !ok {
			return nil
		}
		if toolUse.ID == "" {
			return fmt.Errorf("anthropic stream: tool use block missing id")
		}
		if toolUse.Name == "" {
			return fmt.Errorf("anthropic stream: tool use block %q missing name", toolUse.ID)
		}
		name := toolUse.Name
		// Anthropic echoes the provider-visible tool name. Hallucinated names
		// that were never advertised stay as-is so the executor can report
		// them as unknown tools.
		if canonical, ok := s.nameMap[toolUse.Name]; ok {
			name = canonical
		}
		s.tools[int(ev.Index)] = &toolBuffer{id: toolUse.ID, name: name}
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				s.push(model.Delta{Type: model.DeltaText, Text: delta.Text})
			}
		case sdk.InputJSONDelta:
			if tb := s.tools[int(ev.Index)]; tb != nil && delta.PartialJSON != "" {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		tb := s.tools[idx]
		if tb == nil {
			return nil
		}
		delete(s.tools, idx)
		s.push(model.Delta{Type: model.DeltaToolCall, ToolCall: &model.ToolCall{
			ID:   tb.id,
			Name: tb.name,
			Args: json.RawMessage(tb.finalInput()),
		}})
	case sdk.MessageDeltaEvent:
		s.stopReason = string(ev.Delta.StopReason)
		if u := ev.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
			s.push(model.Delta{Type: model.DeltaUsage, Usage: &run.TokenUsage{
				InputTokens:  int(u.InputTokens),
				OutputTokens: int(u.OutputTokens),
			}})
		}
	case sdk.MessageStopEvent:
		s.push(model.Delta{Type: model.DeltaStop, StopReason: s.stopReason})
	}
	return nil
}

func (s *streamer) push(d model.Delta) {
	s.pending = append(s.pending, d)
}
