package agent

import (
	"time"

	"github.com/kadirpekel/sidekick/pkg/protocol"
	"github.com/kadirpekel/sidekick/pkg/tool"
)

// EventType names a scheduler-originated event.
type EventType string

const (
	EventAgentStart EventType = "agent_start"
	EventAgentEnd   EventType = "agent_end"
	EventTurnStart  EventType = "turn_start"
	// EventTurnEnd carries Error when the turn failed.
	EventTurnEnd EventType = "turn_end"

	EventMessageStart   EventType = "message_start"
	EventTextDelta      EventType = "text_delta"
	EventReasoningDelta EventType = "reasoning_delta"
	EventToolCallDelta  EventType = "tool_call_delta"
	EventMessageEnd     EventType = "message_end"

	EventToolExecutionStart  EventType = "tool_execution_start"
	EventToolExecutionUpdate EventType = "tool_execution_update"
	EventToolExecutionEnd    EventType = "tool_execution_end"

	EventCompactionStart EventType = "compaction_start"
	EventCompactionEnd   EventType = "compaction_end"

	// EventRetry is emitted before each backoff sleep.
	EventRetry EventType = "retry"

	EventStateChange EventType = "state_change"
)

// Event is one item on the session event stream.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	State State `json:"state,omitempty"`

	// Entry is set on message_end and compaction_end to the appended
	// entry.
	Entry *protocol.Entry `json:"entry,omitempty"`

	Text      string `json:"text,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`

	ToolCall   *protocol.ToolCall `json:"toolCall,omitempty"`
	ToolResult *tool.Result       `json:"toolResult,omitempty"`

	Usage *protocol.Usage `json:"usage,omitempty"`

	// Attempt and Delay describe a pending retry.
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`

	Error string `json:"error,omitempty"`
}

// EmitFunc receives scheduler events in emission order.
type EmitFunc func(Event)

func event(t EventType) Event {
	return Event{Type: t, Timestamp: time.Now()}
}
