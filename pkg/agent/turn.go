package agent

import (
	"context"
	"strings"
	"time"

	"github.com/kadirpekel/sidekick/pkg/extension"
	"github.com/kadirpekel/sidekick/pkg/llms"
	"github.com/kadirpekel/sidekick/pkg/protocol"
	"github.com/kadirpekel/sidekick/pkg/tool"
)

// run drives one prompt chain: before_agent_start, the turn loop, and
// follow-up draining.
func (a *Agent) run(ctx context.Context, initial []queuedMessage) {
	defer func() {
		a.mu.Lock()
		a.state = StateIdle
		a.cancelTurn = nil
		a.cancelStream = nil
		a.mu.Unlock()
		ev := event(EventStateChange)
		ev.State = StateIdle
		a.emit(ev)
	}()

	outcome := a.bus.Fire(ctx, extension.Event{Type: extension.EventBeforeAgentStart})
	systemPrompt := a.cfg.SystemPrompt
	if outcome.SystemPromptSet {
		systemPrompt = outcome.SystemPrompt
	}

	a.emit(event(EventAgentStart))

	for _, injection := range outcome.Injections {
		a.appendUser(queuedMessage{text: injection})
	}

	msgs := initial
	for {
		for _, m := range msgs {
			a.appendUser(m)
		}

		a.emit(event(EventTurnStart))
		err := a.runTurn(ctx, systemPrompt)
		ev := event(EventTurnEnd)
		if err != nil {
			ev.Error = err.Error()
		}
		a.emit(ev)
		if err != nil {
			break
		}

		// threshold maintenance completes before a queued follow-up
		// starts
		a.maybeThresholdCompact(ctx)

		a.mu.Lock()
		msgs = a.followUp
		a.followUp = nil
		a.mu.Unlock()
		if len(msgs) == 0 {
			break
		}
	}

	a.emit(event(EventAgentEnd))
}

// runTurn loops materialize → stream → tools until the assistant stops
// calling tools. Steer restarts the loop; overflow compacts and retries
// once.
func (a *Agent) runTurn(ctx context.Context, systemPrompt string) error {
	overflowRetried := false
	for {
		a.setState(StatePreparing)
		branch, err := a.sess.Materialize(a.sess.LeafID())
		if err != nil {
			return err
		}
		ctxOutcome := a.bus.Fire(ctx, extension.Event{Type: extension.EventContext, Messages: branch})
		if ctxOutcome.Messages != nil {
			branch = ctxOutcome.Messages
		}

		streamCtx, cancelStream := context.WithCancel(ctx)
		a.mu.Lock()
		a.cancelStream = cancelStream
		a.mu.Unlock()

		a.setState(StateStreaming)
		entry, calls, streamErr := a.streamWithRetry(streamCtx, branch, systemPrompt)
		cancelStream()
		a.mu.Lock()
		a.cancelStream = nil
		steering := a.steering
		a.mu.Unlock()

		if streamErr != nil {
			if ctx.Err() != nil {
				// abort; partial message already persisted
				return ctx.Err()
			}
			if !steering {
				if llms.Classify(streamErr) == llms.ErrContextOverflow && a.autoCompactOn() && !overflowRetried {
					a.setState(StateOverflowCompact)
					a.emit(event(EventCompactionStart))
					entry, err := a.compact(ctx, "")
					done := event(EventCompactionEnd)
					if err != nil {
						done.Error = err.Error()
						a.emit(done)
						return streamErr
					}
					done.Entry = entry
					a.emit(done)
					overflowRetried = true
					continue
				}
				return streamErr
			}
			// steer cancelled the stream; fall through to restart
		}

		executed := false
		if !steering && len(calls) > 0 {
			a.setState(StateToolExecuting)
			for i, call := range calls {
				if err := a.executeTool(ctx, call); err != nil {
					return err
				}
				executed = true
				a.mu.Lock()
				steering = a.steering
				a.mu.Unlock()
				// steer skips the remaining calls; each still gets an
				// error result so every issued call pairs with one
				// toolResult on the branch
				if steering {
					for _, skipped := range calls[i+1:] {
						result := tool.ErrorResult("tool execution skipped")
						a.appendToolResult(skipped, result)
						endEv := event(EventToolExecutionEnd)
						endEv.ToolCall = &skipped
						endEv.ToolResult = &result
						a.emit(endEv)
					}
					break
				}
			}
		}

		if steering {
			a.mu.Lock()
			steerMsgs := a.steer
			a.steer = nil
			a.steering = false
			a.mu.Unlock()
			for _, m := range steerMsgs {
				a.appendUser(m)
			}
			continue
		}

		if !executed {
			_ = entry
			return nil
		}
	}
}

// streamWithRetry runs one streaming request, retrying transient errors
// with exponential backoff.
func (a *Agent) streamWithRetry(ctx context.Context, branch []protocol.Entry, systemPrompt string) (*protocol.Entry, []protocol.ToolCall, error) {
	provider := a.Provider()
	req := llms.Request{
		Messages:      branch,
		SystemPrompt:  systemPrompt,
		Tools:         a.toolDefs(),
		ThinkingLevel: a.ThinkingLevel(),
	}

	maxAttempts := 1
	if a.autoRetryOn() {
		maxAttempts = a.cfg.MaxRetries + 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := a.cfg.BaseDelay * time.Duration(1<<(attempt-1))
			ev := event(EventRetry)
			ev.Attempt = attempt
			ev.Delay = delay
			ev.Error = lastErr.Error()
			a.emit(ev)

			retryCtx, cancelRetry := context.WithCancel(ctx)
			a.mu.Lock()
			a.cancelRetry = cancelRetry
			a.mu.Unlock()

			select {
			case <-retryCtx.Done():
			case <-time.After(delay):
			}
			cancelRetry()
			interrupted := retryCtx.Err() != nil && ctx.Err() == nil

			a.mu.Lock()
			a.cancelRetry = nil
			a.mu.Unlock()

			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			if interrupted {
				// abort_retry surfaces the original failure
				return nil, nil, lastErr
			}
		}

		entry, calls, err := a.streamOnce(ctx, provider, req)
		if err == nil {
			return entry, calls, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return entry, calls, err
		}
		if llms.Classify(err) != llms.ErrTransient {
			return nil, nil, err
		}
	}
	return nil, nil, lastErr
}

// streamOnce consumes one provider stream, emitting delta events and
// persisting the assistant message. On cancellation the partial message
// is persisted without its unexecuted tool calls.
func (a *Agent) streamOnce(ctx context.Context, provider llms.Provider, req llms.Request) (*protocol.Entry, []protocol.ToolCall, error) {
	ch, err := provider.Stream(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	a.emit(event(EventMessageStart))

	var text, reasoning strings.Builder
	var calls []protocol.ToolCall
	var usage *protocol.Usage
	var stopReason string
	var streamErr error

	for chunk := range ch {
		switch chunk.Type {
		case llms.ChunkText:
			text.WriteString(chunk.Text)
			ev := event(EventTextDelta)
			ev.Text = chunk.Text
			a.emit(ev)
		case llms.ChunkReasoning:
			reasoning.WriteString(chunk.Reasoning)
			ev := event(EventReasoningDelta)
			ev.Reasoning = chunk.Reasoning
			a.emit(ev)
		case llms.ChunkToolCall:
			calls = append(calls, *chunk.ToolCall)
			ev := event(EventToolCallDelta)
			ev.ToolCall = chunk.ToolCall
			a.emit(ev)
		case llms.ChunkDone:
			usage = chunk.Usage
			stopReason = chunk.StopReason
		case llms.ChunkError:
			streamErr = chunk.Err
		}
	}
	_ = stopReason

	cancelled := ctx.Err() != nil
	if streamErr != nil && !cancelled {
		// failed attempt: nothing persisted, caller may retry
		return nil, nil, streamErr
	}

	persistCalls := calls
	if cancelled {
		persistCalls = nil
	}

	var entry *protocol.Entry
	if text.Len() > 0 || reasoning.Len() > 0 || len(persistCalls) > 0 {
		msg := protocol.MessageEntry{
			Role:      protocol.RoleAssistant,
			Reasoning: reasoning.String(),
			ToolCalls: persistCalls,
			Model:     provider.ModelID(),
			Usage:     usage,
		}
		if text.Len() > 0 {
			msg.Content = protocol.TextContent(text.String())
		}
		id, err := a.sess.AppendMessage(msg)
		if err != nil {
			return nil, nil, err
		}
		if e, ok := a.sess.Entry(id); ok {
			entry = &e
			ev := event(EventMessageEnd)
			ev.Entry = &e
			ev.Usage = usage
			a.emit(ev)
		}
	}

	if cancelled {
		return entry, nil, ctx.Err()
	}
	return entry, calls, nil
}

// executeTool runs one call through the bus hooks and appends its
// result. The returned error is non-nil only when the turn is aborted.
func (a *Agent) executeTool(ctx context.Context, call protocol.ToolCall) error {
	startEv := event(EventToolExecutionStart)
	startEv.ToolCall = &call
	a.emit(startEv)

	outcome := a.bus.Fire(ctx, extension.Event{Type: extension.EventToolCall, ToolCall: &call})

	var result tool.Result
	if outcome.Blocked {
		reason := outcome.BlockReason
		if reason == "" {
			reason = "blocked by extension"
		}
		result = tool.ErrorResult(reason)
	} else {
		// a steer can cancel the running tool without aborting the turn
		toolCtx, cancelTool := context.WithCancel(ctx)
		a.mu.Lock()
		a.cancelStream = cancelTool
		a.mu.Unlock()

		onUpdate := func(partial tool.Result) {
			ev := event(EventToolExecutionUpdate)
			ev.ToolCall = &call
			ev.ToolResult = &partial
			a.emit(ev)
		}
		var err error
		result, err = a.registry.Execute(toolCtx, call.Name, call.ID, call.Arguments, onUpdate)
		cancelTool()
		a.mu.Lock()
		a.cancelStream = nil
		a.mu.Unlock()

		if err != nil {
			result = tool.ErrorResult("tool execution cancelled")
			a.appendToolResult(call, result)
			endEv := event(EventToolExecutionEnd)
			endEv.ToolCall = &call
			endEv.ToolResult = &result
			a.emit(endEv)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// cancelled by steer: result recorded, turn continues into
			// the steer restart
			return nil
		}
	}

	resultOutcome := a.bus.Fire(ctx, extension.Event{
		Type:       extension.EventToolResult,
		ToolCall:   &call,
		ToolResult: &result,
	})
	if resultOutcome.ToolResult != nil {
		result = *resultOutcome.ToolResult
	}
	a.appendToolResult(call, result)

	endEv := event(EventToolExecutionEnd)
	endEv.ToolCall = &call
	endEv.ToolResult = &result
	a.emit(endEv)
	return nil
}

func (a *Agent) appendUser(m queuedMessage) {
	content := protocol.TextContent(m.text)
	for _, img := range m.images {
		image := img
		content = append(content, protocol.Content{Type: protocol.ContentTypeImage, Image: &image})
	}
	_, _ = a.sess.AppendMessage(protocol.MessageEntry{
		Role:    protocol.RoleUser,
		Content: content,
	})
}

func (a *Agent) appendToolResult(call protocol.ToolCall, result tool.Result) {
	_, _ = a.sess.AppendMessage(protocol.MessageEntry{
		Role:       protocol.RoleToolResult,
		Content:    result.Content,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Details:    result.Details,
		IsError:    result.IsError,
	})
}

func (a *Agent) toolDefs() []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, 0)
	for _, t := range a.registry.List() {
		defs = append(defs, llms.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return defs
}

func (a *Agent) autoCompactOn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.autoCompact
}

func (a *Agent) autoRetryOn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.autoRetry
}
