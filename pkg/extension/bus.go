package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kadirpekel/sidekick/pkg/protocol"
	"github.com/kadirpekel/sidekick/pkg/tool"
)

// ErrorFunc receives handler faults for surfacing as extension_error
// events.
type ErrorFunc func(extension string, event EventType, err error)

// Outcome is the merged result of one dispatch.
type Outcome struct {
	Blocked     bool
	BlockReason string
	Canceled    bool

	// Injections accumulates before_agent_start message injections.
	Injections []string
	// SystemPrompt holds the final chained replacement.
	SystemPrompt    string
	SystemPromptSet bool

	// ToolResult is the final chained replacement, nil if untouched.
	ToolResult *tool.Result
	// Messages is the final chained context replacement, nil if untouched.
	Messages []protocol.Entry

	// InputAction is the terminal input action; Input carries the
	// transformed text for InputTransform.
	InputAction InputAction
	Input       *Input

	Compaction *CompactionOverride
}

// Bus dispatches events to handlers sequentially in registration order.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler

	// OnError is called for every handler fault. Faults never abort
	// dispatch.
	OnError ErrorFunc
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Attach registers all of an extension's handlers, preserving order.
func (b *Bus) Attach(ext *Extension) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range ext.Handlers {
		if h.Extension == "" {
			h.Extension = ext.Name
		}
		b.handlers = append(b.handlers, h)
	}
}

// Subscribe registers a single handler.
func (b *Bus) Subscribe(extension string, event EventType, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, Handler{Extension: extension, Event: event, Fn: fn})
}

func (b *Bus) handlersFor(event EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, 0)
	for _, h := range b.handlers {
		if h.Event == event {
			out = append(out, h)
		}
	}
	return out
}

// Fire dispatches an event and merges decisions per the event kind's
// rules. All handlers always run, even after a terminal decision, so
// they can observe.
func (b *Bus) Fire(ctx context.Context, event Event) Outcome {
	outcome := Outcome{InputAction: InputContinue}

	for _, h := range b.handlersFor(event.Type) {
		decision, err := b.invoke(ctx, h, b.eventView(event, &outcome))
		if err != nil {
			b.fault(h, err)
			continue
		}
		if decision == nil {
			continue
		}
		b.merge(event.Type, decision, &outcome)
	}
	return outcome
}

// eventView lets later handlers see earlier transforms for the chained
// event kinds.
func (b *Bus) eventView(event Event, outcome *Outcome) Event {
	switch event.Type {
	case EventToolResult:
		if outcome.ToolResult != nil {
			event.ToolResult = outcome.ToolResult
		}
	case EventContext:
		if outcome.Messages != nil {
			event.Messages = outcome.Messages
		}
		event.Messages = deepCopyEntries(event.Messages)
	case EventInput:
		if outcome.Input != nil {
			event.Input = outcome.Input
		}
	}
	return event
}

func (b *Bus) merge(kind EventType, d *Decision, outcome *Outcome) {
	switch kind {
	case EventToolCall:
		// first block wins
		if d.Block && !outcome.Blocked {
			outcome.Blocked = true
			outcome.BlockReason = d.Reason
		}

	case EventToolResult:
		if d.ToolResult != nil {
			outcome.ToolResult = d.ToolResult
		}

	case EventBeforeCompact, EventBeforeSwitch, EventBeforeFork:
		// first cancel wins
		if d.Cancel && !outcome.Canceled {
			outcome.Canceled = true
		}
		if kind == EventBeforeCompact && d.Compaction != nil && outcome.Compaction == nil {
			outcome.Compaction = d.Compaction
		}

	case EventBeforeAgentStart:
		if d.Message != "" {
			outcome.Injections = append(outcome.Injections, d.Message)
		}
		if d.SystemPrompt != "" {
			outcome.SystemPrompt = d.SystemPrompt
			outcome.SystemPromptSet = true
		}

	case EventContext:
		if d.Messages != nil {
			outcome.Messages = d.Messages
		}

	case EventInput:
		switch d.InputAction {
		case InputHandled:
			// first handled wins
			if outcome.InputAction != InputHandled {
				outcome.InputAction = InputHandled
			}
		case InputTransform:
			if outcome.InputAction != InputHandled {
				outcome.InputAction = InputTransform
				outcome.Input = d.Input
			}
		}
	}
}

// invoke runs one handler, converting panics into errors.
func (b *Bus) invoke(ctx context.Context, h Handler, event Event) (decision *Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			decision = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Fn(ctx, event)
}

func (b *Bus) fault(h Handler, err error) {
	slog.Warn("extension handler failed",
		"extension", h.Extension,
		"event", string(h.Event),
		"error", err)
	if b.OnError != nil {
		b.OnError(h.Extension, h.Event, err)
	}
}

func deepCopyEntries(entries []protocol.Entry) []protocol.Entry {
	if entries == nil {
		return nil
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return append([]protocol.Entry(nil), entries...)
	}
	out := make([]protocol.Entry, 0, len(entries))
	if err := json.Unmarshal(data, &out); err != nil {
		return append([]protocol.Entry(nil), entries...)
	}
	return out
}
