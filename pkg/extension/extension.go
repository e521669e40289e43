// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package extension implements the event bus extensions hook into, the
// UI bridge for dialog round-trips, and the decision merge rules per
// event kind.
//
// Handlers run sequentially in registration order. A handler fault is
// reported and never aborts the session.
package extension

import (
	"context"

	"github.com/kadirpekel/sidekick/pkg/protocol"
	"github.com/kadirpekel/sidekick/pkg/tool"
)

// EventType names a bus event.
type EventType string

const (
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventBeforeAgentStart EventType = "before_agent_start"
	EventContext          EventType = "context"
	EventInput            EventType = "input"
	EventBeforeCompact    EventType = "session_before_compact"
	EventBeforeSwitch     EventType = "session_before_switch"
	EventBeforeFork       EventType = "session_before_fork"
	EventSessionShutdown  EventType = "session_shutdown"
)

// Event is the payload handed to handlers. Fields are populated per
// event kind.
type Event struct {
	Type EventType

	// ToolCall is set for tool_call and tool_result.
	ToolCall *protocol.ToolCall
	// ToolResult is set for tool_result; handlers see the result as
	// transformed by earlier handlers.
	ToolResult *tool.Result

	// Messages is set for context. Each handler receives a deep copy.
	Messages []protocol.Entry

	// Input is set for input events.
	Input *Input

	// Data carries event-specific extras (compaction preview, switch
	// target, fork point).
	Data map[string]any
}

// Input is the user input an input handler may consume or rewrite.
type Input struct {
	Text   string
	Images []protocol.ImageSource
}

// InputAction is the terminal action of an input decision.
type InputAction string

const (
	// InputHandled consumes the input; the agent never sees it.
	InputHandled InputAction = "handled"
	// InputTransform rewrites the input and passes it on.
	InputTransform InputAction = "transform"
	// InputContinue passes the input through unchanged.
	InputContinue InputAction = "continue"
)

// CompactionOverride supplies a summary directly, skipping the LLM call.
type CompactionOverride struct {
	Summary          string
	FirstKeptEntryID string
}

// Decision is what a handler may return. Nil means no opinion. The bus
// merges decisions per the rules documented on each field.
type Decision struct {
	// Block skips a tool call; first blocker wins, later handlers still
	// observe the event.
	Block  bool
	Reason string

	// Cancel aborts a before_* operation; first canceller wins.
	Cancel bool

	// Message is appended as a user message before the turn starts.
	// Injections from multiple handlers accumulate in order.
	Message string

	// SystemPrompt replaces the effective system prompt; replacements
	// chain, each handler sees the previous output.
	SystemPrompt string

	// ToolResult replaces the pending tool result; chained.
	ToolResult *tool.Result

	// Messages replaces the outgoing context; chained.
	Messages []protocol.Entry

	// Input resolves an input event.
	InputAction InputAction
	Input       *Input

	// Compaction preempts the engine with a ready-made summary.
	Compaction *CompactionOverride
}

// HandlerFunc processes one event. The returned decision may be nil.
type HandlerFunc func(ctx context.Context, event Event) (*Decision, error)

// Handler is one registered handler.
type Handler struct {
	Extension string
	Event     EventType
	Fn        HandlerFunc
}

// Extension is everything one loaded module contributes.
type Extension struct {
	Name     string
	Handlers []Handler
	Tools    []tool.Tool
	// Commands are slash-prefixed names invokable from input.
	Commands map[string]HandlerFunc
}
