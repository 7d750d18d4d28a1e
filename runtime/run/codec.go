package run

import (
	"encoding/json"
	"fmt"
)

// MarshalEvent encodes an event as its flat wire object: envelope fields and
// payload fields in a single JSON object discriminated by eventType. The
// envelope's EventType is stamped from the variant before encoding so the
// wire never carries a stale discriminator.
func MarshalEvent(ev Event) (json.RawMessage, error) {
	ev.Env().EventType = ev.Type()
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type(), err)
	}
	return data, nil
}

// UnmarshalEvent decodes a wire object into its typed variant. Unknown
// discriminators fail loudly; a log that contains one is corrupt and must
// not be folded partially.
func UnmarshalEvent(data json.RawMessage) (Event, error) {
	var head struct {
		EventType EventType `json:"eventType"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event discriminator: %w", err)
	}
	ev, err := newEvent(head.EventType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", head.EventType, err)
	}
	return ev, nil
}

func newEvent(t EventType) (Event, error) {
	switch t {
	case EventRunStarted:
		return &RunStartedEvent{}, nil
	case EventRunWaitingInput:
		return &RunWaitingInputEvent{}, nil
	case EventRunCompleted:
		return &RunCompletedEvent{}, nil
	case EventRunFailed:
		return &RunFailedEvent{}, nil
	case EventRunCancelled:
		return &RunCancelledEvent{}, nil
	case EventMessageUserCreated:
		return &MessageUserCreatedEvent{}, nil
	case EventMessageAssistantCreated:
		return &MessageAssistantCreatedEvent{}, nil
	case EventLLMStarted:
		return &LLMStartedEvent{}, nil
	case EventLLMDelta:
		return &LLMDeltaEvent{}, nil
	case EventLLMCompleted:
		return &LLMCompletedEvent{}, nil
	case EventToolCallRequested:
		return &ToolCallRequestedEvent{}, nil
	case EventToolCallStarted:
		return &ToolCallStartedEvent{}, nil
	case EventToolCallCompleted:
		return &ToolCallCompletedEvent{}, nil
	case EventApprovalRequested:
		return &ApprovalRequestedEvent{}, nil
	case EventApprovalResolved:
		return &ApprovalResolvedEvent{}, nil
	case EventArtifactCreated:
		return &ArtifactCreatedEvent{}, nil
	default:
		return nil, fmt.Errorf("unsupported event type %q", t)
	}
}
