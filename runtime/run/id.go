package run

import "github.com/google/uuid"

// ID prefixes keep identifiers human-scannable in logs and wire payloads.
const (
	runIDPrefix      = "run"
	eventIDPrefix    = "evt"
	stepIDPrefix     = "step"
	turnIDPrefix     = "turn"
	messageIDPrefix  = "msg"
	toolCallIDPrefix = "call"
	approvalIDPrefix = "appr"
	artifactIDPrefix = "art"
)

// NewRunID returns a fresh run identifier.
func NewRunID() string { return newID(runIDPrefix) }

// NewEventID returns a fresh event identifier.
func NewEventID() string { return newID(eventIDPrefix) }

// NewStepID returns a fresh step identifier.
func NewStepID() string { return newID(stepIDPrefix) }

// NewTurnID returns a fresh model turn identifier.
func NewTurnID() string { return newID(turnIDPrefix) }

// NewMessageID returns a fresh message identifier.
func NewMessageID() string { return newID(messageIDPrefix) }

// NewToolCallID returns a fresh tool call identifier.
func NewToolCallID() string { return newID(toolCallIDPrefix) }

// NewApprovalID returns a fresh approval identifier.
func NewApprovalID() string { return newID(approvalIDPrefix) }

// NewArtifactID returns a fresh artifact identifier.
func NewArtifactID() string { return newID(artifactIDPrefix) }

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
